package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "commentwatch/pkg/logx"
)

// Manager loads the configuration once and, when watched, republishes it
// after the file changes. Credentials are resolved at Load and reused.
type Manager struct {
	path    string
	envFile string

	mu       sync.RWMutex
	cfg      *Config
	creds    Credentials
	lastHash uint64

	subsMu sync.Mutex
	subs   []chan *Config

	log logx.Logger
}

// NewManager takes the config file path ("" for none) and the env file path.
func NewManager(path, envFile string) *Manager {
	return &Manager{path: strings.TrimSpace(path), envFile: envFile, log: logx.Nop()}
}

func (m *Manager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

func (m *Manager) Path() string { return m.path }

// Load resolves env, file, defaults and validation into a committed Config.
func (m *Manager) Load() (*Config, error) {
	if err := LoadEnvFile(m.envFile); err != nil {
		return nil, err
	}
	creds, err := ReadCredentials()
	if err != nil {
		return nil, err
	}
	cfg, err := m.resolve(creds)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.creds = creds
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
	return cfg, nil
}

func (m *Manager) resolve(creds Credentials) (*Config, error) {
	cfg, err := m.parseFile()
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg, creds); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseFile decodes the file strictly. A missing file yields an empty Config.
func (m *Manager) parseFile() (*Config, error) {
	if m.path == "" {
		return &Config{}, nil
	}
	b, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}
	return Parse(m.path, b)
}

// Parse decodes data as JSON, or as YAML when path ends in .yaml/.yml or
// the content does not look like JSON.
func Parse(path string, data []byte) (*Config, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return &Config{}, nil
	}
	jb := data
	if isYAML(path, data) {
		var err error
		if jb, err = yamlToJSON(data); err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("%s: trailing data", filepath.Base(path))
		}
		return nil, err
	}
	return &cfg, nil
}

func hashConfig(cfg *Config) uint64 {
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel receiving each accepted reload. A slow
// subscriber only ever sees the latest config.
func (m *Manager) Subscribe(buffer int) <-chan *Config {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) closeSubs() {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		close(ch)
	}
	m.subs = nil
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
		default:
			// Replace the stale pending value.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
			}
		}
	}
}

// reload re-reads the file. Invalid content is logged and ignored.
func (m *Manager) reload() {
	m.mu.RLock()
	creds := m.creds
	m.mu.RUnlock()

	cfg, err := m.resolve(creds)
	if err != nil {
		m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
		return
	}
	h := hashConfig(cfg)
	m.mu.Lock()
	if h != 0 && h == m.lastHash {
		m.mu.Unlock()
		return
	}
	old := m.cfg
	m.cfg = cfg
	m.lastHash = h
	m.mu.Unlock()

	changed, attrs := SummarizeChange(old, cfg)
	m.log.Info("config reloaded", append(attrs, logx.Strings("changed", changed))...)
	m.publish(cfg)
}

// Watch follows the config file until ctx is done, closing subscriber
// channels on return. The watcher is recreated with backoff when fsnotify
// breaks.
func (m *Manager) Watch(ctx context.Context) error {
	defer m.closeSubs()
	if m.path == "" {
		<-ctx.Done()
		return nil
	}
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)

	const (
		backoffBase = 250 * time.Millisecond
		backoffMax  = 5 * time.Second
		settle      = 250 * time.Millisecond
	)
	backoff := backoffBase
	pause := func() bool {
		wait := backoff + rand.N(backoff/2+1)
		backoff = min(backoff*2, backoffMax)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
			return true
		}
	}

	// Editors write in bursts; reload once the file settles.
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(settle, m.reload)
	}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			m.log.Warn("config watch init failed", logx.Err(err))
			if !pause() {
				return nil
			}
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			m.log.Warn("config watch add failed", logx.String("dir", dir), logx.Err(err))
			if !pause() {
				return nil
			}
			continue
		}
		backoff = backoffBase
		m.log.Debug("config watcher started", logx.String("path", m.path))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if strings.EqualFold(filepath.Base(ev.Name), file) &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					m.log.Warn("config watch overflow; reloading", logx.Err(err))
					debounce()
					continue
				}
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
		_ = w.Close()
		m.log.Warn("config watcher stopped; restarting")
		if !pause() {
			return nil
		}
	}
	return nil
}
