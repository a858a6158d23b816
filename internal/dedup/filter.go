// Package dedup decides which freshly fetched comments are new.
package dedup

import (
	"time"

	"commentwatch/internal/comment"
)

// Set is a fingerprint universe for one source.
type Set map[comment.Fingerprint]struct{}

// Known builds the fingerprint set of a stored batch.
func Known(items []comment.Item) Set {
	s := make(Set, len(items))
	for _, it := range items {
		s[it.Fingerprint()] = struct{}{}
	}
	return s
}

// Has reports whether fp is in the set. A nil set is empty.
func (s Set) Has(fp comment.Fingerprint) bool {
	_, ok := s[fp]
	return ok
}

// Result partitions one batch.
type Result struct {
	// New holds the emit-worthy items in their original (newest-first) order.
	New []comment.Item
	// BeforeEpoch counts items older than the process epoch.
	BeforeEpoch int
	// Malformed counts items without a comparable timestamp.
	Malformed int
	// Known counts items whose fingerprint was already seen.
	Known int
	// Cold is set when the batch was withheld because the source had no
	// prior state.
	Cold bool
}

// Filter returns the items of candidates that are safe to emit.
//
// Items older than epoch are never emitted. When first is true (no state was
// ever recorded for this source) nothing is emitted. Otherwise an item is new
// iff its fingerprint is absent from known. Filter does not modify its inputs.
func Filter(candidates []comment.Item, known Set, epoch time.Time, first bool) Result {
	var res Result
	fresh := make([]comment.Item, 0, len(candidates))
	for _, it := range candidates {
		if !it.HasTime() {
			res.Malformed++
			continue
		}
		if it.Timestamp.Before(epoch) {
			res.BeforeEpoch++
			continue
		}
		fresh = append(fresh, it)
	}

	if first {
		res.Cold = true
		res.New = []comment.Item{}
		return res
	}

	out := make([]comment.Item, 0, len(fresh))
	for _, it := range fresh {
		if known.Has(it.Fingerprint()) {
			res.Known++
			continue
		}
		out = append(out, it)
	}
	res.New = out
	return res
}
