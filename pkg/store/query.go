package store

import (
	"time"

	"github.com/markus-lassfolk/fieldtrack/pkg"
)

// AlertFilter selects alerts for operator tooling. Zero fields match all.
type AlertFilter struct {
	AgentID   string
	Status    pkg.AlertStatus
	Severity  pkg.Severity
	AlertType pkg.AlertType
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Match reports whether a satisfies the filter
func (f AlertFilter) Match(a *pkg.Alert) bool {
	if f.AgentID != "" && a.AgentID != f.AgentID {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.AlertType != "" && a.AlertType != f.AlertType {
		return false
	}
	if !f.Since.IsZero() && a.DetectedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !a.DetectedAt.Before(f.Until) {
		return false
	}
	return true
}

// VisitFilter selects visits by agent, site and check-in date range
type VisitFilter struct {
	AgentID string
	SiteID  string
	Status  pkg.VisitStatus
	From    time.Time
	To      time.Time
	Limit   int
}

// Match reports whether v satisfies the filter
func (f VisitFilter) Match(v *pkg.Visit) bool {
	if f.AgentID != "" && v.AgentID != f.AgentID {
		return false
	}
	if f.SiteID != "" && v.SiteID != f.SiteID {
		return false
	}
	if f.Status != "" && v.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && v.CheckInAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !v.CheckInAt.Before(f.To) {
		return false
	}
	return true
}
