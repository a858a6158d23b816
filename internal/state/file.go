package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "commentwatch/pkg/logx"
)

// fileStore keeps the snapshot in one JSON document. Saves write a temp file
// in the same directory and rename it over the target, so readers see either
// the old or the new document.
type fileStore struct {
	path string
	log  logx.Logger

	mu sync.Mutex
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileStore{path: path, log: log}, nil
}

func (s *fileStore) Load(ctx context.Context) (Snapshot, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	if err := validateDocument(raw); err != nil {
		return Snapshot{}, false, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Snapshot{}, false, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	snap, err := fromDocument(doc)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	return snap, true, nil
}

func (s *fileStore) Save(ctx context.Context, snap Snapshot) error {
	_ = ctx
	b, err := json.MarshalIndent(toDocument(snap), "", "  ")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.path, b, 0o600)
}

func (s *fileStore) Close() error { return nil }

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
