package state

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"commentwatch/internal/comment"
)

// Snapshot is everything the poller persists.
type Snapshot struct {
	Sources      map[string][]Record
	SavedAt      time.Time
	ProcessStart time.Time
	// Stats is a diagnostic copy of the run counters. It is never reloaded.
	Stats json.RawMessage
}

// Record is one stored comment.
type Record struct {
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"-"`
	URL       string    `json:"source_url"`
}

// Records converts a batch for storage.
func Records(items []comment.Item) []Record {
	out := make([]Record, 0, len(items))
	for _, it := range items {
		out = append(out, Record{Author: it.Author, Text: it.Text, Source: it.Source, Timestamp: it.Timestamp, URL: it.URL})
	}
	return out
}

// Items converts stored records back. source overrides the per-record source,
// matching how older documents keyed batches.
func Items(source string, recs []Record) []comment.Item {
	out := make([]comment.Item, 0, len(recs))
	for _, r := range recs {
		src := r.Source
		if source != "" {
			src = source
		}
		out = append(out, comment.New(r.Author, r.Text, src, r.Timestamp, r.URL))
	}
	return out
}

type recordJSON struct {
	Author    string `json:"author"`
	Text      string `json:"text"`
	Source    string `json:"source,omitempty"`
	Timestamp string `json:"timestamp"`
	URL       string `json:"source_url"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		Author:    r.Author,
		Text:      r.Text,
		Source:    r.Source,
		Timestamp: formatTime(r.Timestamp),
		URL:       r.URL,
	})
}

func (r *Record) UnmarshalJSON(b []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	// A missing or unreadable per-record time only costs ordering; the
	// fingerprint does not use it.
	ts, _ := parseTime(raw.Timestamp)
	*r = Record{Author: raw.Author, Text: raw.Text, Source: raw.Source, Timestamp: ts, URL: raw.URL}
	return nil
}

// document is the on-disk layout.
type document struct {
	LastComments    map[string][]Record `json:"last_comments"`
	Timestamp       string              `json:"timestamp"`
	ParserStartTime string              `json:"parser_start_time,omitempty"`
	Stats           json.RawMessage     `json:"stats,omitempty"`
}

func toDocument(s Snapshot) document {
	d := document{
		LastComments:    s.Sources,
		Timestamp:       formatTime(s.SavedAt),
		ParserStartTime: formatTime(s.ProcessStart),
		Stats:           s.Stats,
	}
	if d.LastComments == nil {
		d.LastComments = map[string][]Record{}
	}
	return d
}

func fromDocument(d document) (Snapshot, error) {
	s := Snapshot{Sources: d.LastComments, Stats: d.Stats}
	if s.Sources == nil {
		s.Sources = map[string][]Record{}
	}
	var err error
	if s.SavedAt, err = parseTime(d.Timestamp); err != nil {
		return Snapshot{}, fmt.Errorf("timestamp: %w", err)
	}
	if s.ProcessStart, err = parseTime(d.ParserStartTime); err != nil {
		return Snapshot{}, fmt.Errorf("parser_start_time: %w", err)
	}
	return s, nil
}

// Older documents carry naive ISO-8601 times (implicitly UTC), with or
// without fractional seconds.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
