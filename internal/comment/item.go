// Package comment defines the normalized comment item shared by every source.
package comment

import (
	"sort"
	"strings"
	"time"
)

// ReplyPrefix marks a flattened reply.
const ReplyPrefix = "↳ "

// Item is a single comment as seen by the poller. Values are never mutated
// after construction.
type Item struct {
	Author    string
	Text      string
	Source    string
	Timestamp time.Time // UTC; zero means the source gave no usable time
	URL       string
}

// New builds an Item with its timestamp normalized to UTC.
func New(author, text, source string, ts time.Time, url string) Item {
	if !ts.IsZero() {
		ts = ts.UTC()
	}
	return Item{Author: author, Text: text, Source: source, Timestamp: ts, URL: url}
}

// Fingerprint identifies an item across cycles and restarts.
type Fingerprint string

// Fingerprint is a pure function of author, text and url. Fields are
// NUL-separated so a boundary shift between them changes the result.
func (it Item) Fingerprint() Fingerprint {
	return Fingerprint(it.Author + "\x00" + it.Text + "\x00" + it.URL)
}

// AsReply returns a copy of it with the reply marker prepended. Blank bodies
// stay blank so they are still dropped downstream.
func (it Item) AsReply() Item {
	if IsBlank(it.Text) || strings.HasPrefix(it.Text, ReplyPrefix) {
		return it
	}
	it.Text = ReplyPrefix + it.Text
	return it
}

// HasTime reports whether the item carries a comparable timestamp.
func (it Item) HasTime() bool { return !it.Timestamp.IsZero() }

// IsBlank reports whether the body is empty or a platform tombstone.
func IsBlank(text string) bool {
	switch strings.TrimSpace(text) {
	case "", "[deleted]", "[removed]":
		return true
	}
	return false
}

// SortNewestFirst sorts items by timestamp descending. The sort is stable so
// items sharing a timestamp keep their fetch order.
func SortNewestFirst(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Timestamp.After(items[j].Timestamp)
	})
}

// Newest returns at most n items from the head of items.
func Newest(items []Item, n int) []Item {
	if n < 0 || len(items) <= n {
		return items
	}
	return items[:n]
}
