// Package workwindow decides from wall-clock time whether tracking runs.
package workwindow

import (
	"fmt"
	"time"
)

// Config describes the working window
type Config struct {
	Days      []time.Weekday `json:"days"`
	StartHour int            `json:"start_hour"`
	EndHour   int            `json:"end_hour"` // exclusive

	// RecheckInterval is how often an idle session re-evaluates the gate
	RecheckInterval time.Duration `json:"recheck_interval"`

	// Location is the zone the hours are expressed in; nil keeps the zone of
	// the time passed in.
	Location *time.Location `json:"-"`
}

// DefaultConfig returns Monday to Friday, 09:00 to 19:00, 30 minute recheck
func DefaultConfig() *Config {
	return &Config{
		Days:            []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		StartHour:       9,
		EndHour:         19,
		RecheckInterval: 30 * time.Minute,
	}
}

// Gate evaluates the working window. It has no side effects.
type Gate struct {
	config *Config
	days   map[time.Weekday]bool
}

// NewGate validates config and builds a gate
func NewGate(config *Config) (*Gate, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.StartHour < 0 || config.StartHour > 23 {
		return nil, fmt.Errorf("start_hour must be between 0 and 23")
	}
	if config.EndHour < 1 || config.EndHour > 24 {
		return nil, fmt.Errorf("end_hour must be between 1 and 24")
	}
	if config.StartHour >= config.EndHour {
		return nil, fmt.Errorf("start_hour must be before end_hour")
	}
	if len(config.Days) == 0 {
		return nil, fmt.Errorf("at least one working day is required")
	}
	if config.RecheckInterval <= 0 {
		return nil, fmt.Errorf("recheck_interval must be positive")
	}

	days := make(map[time.Weekday]bool, len(config.Days))
	for _, d := range config.Days {
		days[d] = true
	}
	return &Gate{config: config, days: days}, nil
}

// IsWithinWindow reports whether now falls on a working day inside
// [StartHour, EndHour)
func (g *Gate) IsWithinWindow(now time.Time) bool {
	if g.config.Location != nil {
		now = now.In(g.config.Location)
	}
	if !g.days[now.Weekday()] {
		return false
	}
	hour := now.Hour()
	return hour >= g.config.StartHour && hour < g.config.EndHour
}

// RecheckInterval is the idle poll cadence
func (g *Gate) RecheckInterval() time.Duration {
	return g.config.RecheckInterval
}

// NextOpening returns the start of the next window at or after now.
// It returns now itself when the window is open.
func (g *Gate) NextOpening(now time.Time) time.Time {
	if g.IsWithinWindow(now) {
		return now
	}
	local := now
	if g.config.Location != nil {
		local = now.In(g.config.Location)
	}
	day := time.Date(local.Year(), local.Month(), local.Day(), g.config.StartHour, 0, 0, 0, local.Location())
	for i := 0; i < 8; i++ {
		candidate := day.AddDate(0, 0, i)
		if g.days[candidate.Weekday()] && !candidate.Before(local) {
			return candidate
		}
	}
	return time.Time{}
}
