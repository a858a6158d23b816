package config

import (
	"fmt"
	"strings"
	"time"
)

// Durations holds the parsed duration settings. Unset values are zero except
// DrainTimeout, which defaults to DefaultDrainTimeout.
type Durations struct {
	CycleTimeout time.Duration
	SendTimeout  time.Duration
	DrainTimeout time.Duration
	Telegram     time.Duration
	BusyTimeout  time.Duration
}

// Durations parses the duration settings of a validated Config.
func (c *Config) Durations() Durations {
	d, _ := c.parseDurations()
	return d
}

func (c *Config) parseDurations() (Durations, error) {
	var d Durations
	for _, f := range []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"poll.cycle_timeout", c.Poll.CycleTimeout, &d.CycleTimeout},
		{"notify.send_timeout", c.Notify.SendTimeout, &d.SendTimeout},
		{"notify.drain_timeout", c.Notify.DrainTimeout, &d.DrainTimeout},
		{"telegram.timeout", c.Telegram.Timeout, &d.Telegram},
		{"storage.busy_timeout", c.Storage.BusyTimeout, &d.BusyTimeout},
	} {
		v, err := ParseDuration(f.path, f.raw)
		if err != nil {
			return Durations{}, err
		}
		*f.dst = v
	}
	if d.DrainTimeout == 0 {
		d.DrainTimeout = DefaultDrainTimeout
	}
	return d, nil
}

// ParseDuration parses a Go duration string. Blank means 0; negative
// values are rejected. path names the setting in errors.
func ParseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
