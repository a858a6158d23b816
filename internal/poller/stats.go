package poller

import (
	"maps"
	"time"
)

// Stats are cumulative for the life of the process and never reloaded.
type Stats struct {
	Epoch        time.Time `json:"epoch"`
	Cycles       uint64    `json:"cycles"`
	ItemsSeen    uint64    `json:"items_seen"`
	ItemsNew     uint64    `json:"items_new"`
	ItemsEmitted uint64    `json:"items_emitted"`
	Truncated    uint64    `json:"truncated"`
	Errors       uint64    `json:"errors"`
	SaveErrors   uint64    `json:"save_errors"`

	LastCycleAt       time.Time     `json:"last_cycle_at,omitzero"`
	LastCycleDuration time.Duration `json:"last_cycle_duration"`

	Sources map[string]SourceStats `json:"sources"`
}

type SourceStats struct {
	Checks       uint64        `json:"checks"`
	Found        uint64        `json:"found"`
	New          uint64        `json:"new"`
	Emitted      uint64        `json:"emitted"`
	Errors       uint64        `json:"errors"`
	QuotaHits    uint64        `json:"quota_hits"`
	LastCheck    time.Time     `json:"last_check,omitzero"`
	LastError    string        `json:"last_error,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
}

func (s Stats) clone() Stats {
	s.Sources = maps.Clone(s.Sources)
	if s.Sources == nil {
		s.Sources = map[string]SourceStats{}
	}
	return s
}
