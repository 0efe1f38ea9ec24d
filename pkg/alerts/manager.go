// Package alerts turns geofence verdicts into throttled compliance alerts.
package alerts

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/geofence"
	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
	"github.com/markus-lassfolk/fieldtrack/pkg/metrics"
)

// Config holds alert manager settings
type Config struct {
	// ThrottleWindow is the minimum spacing between two alerts of one agent,
	// whatever their type
	ThrottleWindow time.Duration `json:"throttle_window"`
}

// DefaultThrottleWindow is the minimum spacing between two alerts of an agent
const DefaultThrottleWindow = 30 * time.Minute

// DefaultConfig returns a 30 minute throttle
func DefaultConfig() *Config {
	return &Config{ThrottleWindow: DefaultThrottleWindow}
}

// Stats counts manager outcomes
type Stats struct {
	Raised          int64 `json:"raised"`
	Throttled       int64 `json:"throttled"`
	PersistFailures int64 `json:"persist_failures"`
}

// Manager raises at most one alert per agent per throttle window. The window
// is measured on the manager's clock, never on device timestamps, and
// restarts only when an alert is raised. Alerts are append-only here; their
// resolution belongs to operators.
type Manager struct {
	config  *Config
	store   pkg.RecordStore
	logger  *logx.Logger
	metrics *metrics.Metrics
	newID   func() string
	now     func() time.Time

	mu         sync.Mutex
	lastRaised map[string]time.Time
	stats      Stats
}

// NewManager creates an alert manager writing to store
func NewManager(config *Config, store pkg.RecordStore, logger *logx.Logger, m *metrics.Metrics) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	return &Manager{
		config:     config,
		store:      store,
		logger:     logger,
		metrics:    m,
		newID:      uuid.NewString,
		now:        time.Now,
		lastRaised: make(map[string]time.Time),
	}
}

// SetClock replaces the clock the throttle window is measured on
func (am *Manager) SetClock(now func() time.Time) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.now = now
}

// MaybeRaise maps a verdict onto an alert and persists it unless the agent is
// inside its throttle window. It returns the raised alert or nil.
func (am *Manager) MaybeRaise(ctx context.Context, verdict geofence.Verdict, agentID string, fix *pkg.LocationFix, policy *pkg.AgentPolicy, site *pkg.Site) *pkg.Alert {
	alert := am.buildAlert(verdict, agentID, fix, policy, site)
	if alert == nil {
		return nil
	}
	return am.raise(ctx, alert)
}

// RaiseGPSDisabled records that the device location service went dark inside
// the work window. lastFix may be nil.
func (am *Manager) RaiseGPSDisabled(ctx context.Context, agentID string, at time.Time, lastFix *pkg.LocationFix, policy *pkg.AgentPolicy, site *pkg.Site) *pkg.Alert {
	alert := &pkg.Alert{
		AgentID:       agentID,
		AlertType:     pkg.AlertGPSDisabled,
		Severity:      pkg.SeverityWarning,
		Status:        pkg.AlertStatusActive,
		DetectedAt:    at,
		AllowedRadius: geofence.EffectiveRadius(site, policy),
	}
	if lastFix != nil {
		alert.DetectedPoint = lastFix.Point
		alert.DetectedAccuracy = lastFix.AccuracyMeters
	}
	am.fillAssignment(alert, policy, site)
	return am.raise(ctx, alert)
}

func (am *Manager) buildAlert(verdict geofence.Verdict, agentID string, fix *pkg.LocationFix, policy *pkg.AgentPolicy, site *pkg.Site) *pkg.Alert {
	alert := &pkg.Alert{
		AgentID:          agentID,
		DetectedPoint:    fix.Point,
		DetectedAccuracy: fix.AccuracyMeters,
		Status:           pkg.AlertStatusActive,
		DetectedAt:       fix.CapturedAt,
		AllowedRadius:    geofence.EffectiveRadius(site, policy),
	}

	switch verdict.Kind {
	case geofence.Compliant:
		return nil
	case geofence.Unassigned:
		alert.AlertType = pkg.AlertNoConfig
		alert.Severity = pkg.SeverityWarning
	case geofence.SiteUnconfigured:
		alert.AlertType = pkg.AlertNoConfig
		alert.Severity = pkg.SeverityCritical
	case geofence.OutOfBounds:
		if !verdict.Measured || verdict.DistanceMeters <= verdict.RadiusMeters {
			am.logger.Warn("Ignoring out of bounds verdict inside radius",
				"agent_id", agentID,
				"distance_m", verdict.DistanceMeters,
				"radius_m", verdict.RadiusMeters)
			return nil
		}
		alert.AlertType = pkg.AlertOutOfBounds
		alert.Severity = verdict.Severity()
		alert.DistanceMeters = verdict.DistanceMeters
		alert.AllowedRadius = verdict.RadiusMeters
	default:
		return nil
	}

	am.fillAssignment(alert, policy, site)
	return alert
}

func (am *Manager) fillAssignment(alert *pkg.Alert, policy *pkg.AgentPolicy, site *pkg.Site) {
	if site != nil {
		alert.SiteID = site.SiteID
		alert.AssignedName = site.Name
		if site.Point != nil {
			p := *site.Point
			alert.AssignedPoint = &p
			return
		}
	}
	if policy != nil && policy.AssignedPoint != nil {
		p := *policy.AssignedPoint
		alert.AssignedPoint = &p
	}
}

func (am *Manager) raise(ctx context.Context, alert *pkg.Alert) *pkg.Alert {
	am.mu.Lock()
	now := am.now()
	if last, ok := am.lastRaised[alert.AgentID]; ok && now.Sub(last) < am.config.ThrottleWindow {
		am.stats.Throttled++
		am.mu.Unlock()
		am.metrics.AlertThrottled()
		am.logger.Debug("Alert throttled",
			"agent_id", alert.AgentID,
			"alert_type", alert.AlertType,
			"since_last", now.Sub(last))
		return nil
	}
	am.lastRaised[alert.AgentID] = now
	am.stats.Raised++
	am.mu.Unlock()

	alert.AlertID = am.newID()
	am.metrics.AlertRaised(string(alert.AlertType), string(alert.Severity))
	am.logger.Warn("Compliance alert raised",
		"agent_id", alert.AgentID,
		"alert_id", alert.AlertID,
		"alert_type", alert.AlertType,
		"severity", alert.Severity,
		"site_id", alert.SiteID,
		"distance_m", alert.DistanceMeters,
		"allowed_radius_m", alert.AllowedRadius)

	// A failed write keeps the throttle; the next window tries again.
	if err := am.store.AppendRecord(ctx, pkg.CollectionAlerts, alert); err != nil {
		am.mu.Lock()
		am.stats.PersistFailures++
		am.mu.Unlock()
		am.metrics.StoreWriteFailed(pkg.CollectionAlerts)
		am.logger.Error("Failed to persist alert", "alert_id", alert.AlertID, "error", err)
	}
	return alert
}

// LastRaised returns when the agent's throttle window started, or zero
func (am *Manager) LastRaised(agentID string) time.Time {
	am.mu.Lock()
	defer am.mu.Unlock()
	return am.lastRaised[agentID]
}

// Stats returns a copy of the counters
func (am *Manager) Stats() Stats {
	am.mu.Lock()
	defer am.mu.Unlock()
	return am.stats
}
