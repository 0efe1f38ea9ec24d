// Package visit tracks site check-in and check-out for one agent.
package visit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/geofence"
	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
	"github.com/markus-lassfolk/fieldtrack/pkg/metrics"
)

// State of the tracker
type State string

const (
	NoVisit State = "no_visit"
	OnSite  State = "on_site"
)

// Transition is the outcome of feeding one fix
type Transition string

const (
	TransitionNone       Transition = "none"
	TransitionCheckedIn  Transition = "checked_in"
	TransitionContinued  Transition = "continued"
	TransitionCheckedOut Transition = "checked_out"
)

// Tracker is the NoVisit/OnSite state machine of one agent. At most one
// visit is active at a time. Visits still active when the tracker is dropped
// are left active in the store.
type Tracker struct {
	agentID string
	store   pkg.RecordStore
	logger  *logx.Logger
	metrics *metrics.Metrics
	newID   func() string

	mu      sync.Mutex
	state   State
	current *pkg.Visit
}

// NewTracker creates a tracker for agentID
func NewTracker(agentID string, store pkg.RecordStore, logger *logx.Logger, m *metrics.Metrics) *Tracker {
	return &Tracker{
		agentID: agentID,
		store:   store,
		logger:  logger,
		metrics: m,
		newID:   uuid.NewString,
		state:   NoVisit,
	}
}

// OnFix advances the state machine. It returns the transition taken and a
// copy of the visit it concerns, if any. Sites without a point are ignored.
// A site without its own radius uses the policy radius.
func (t *Tracker) OnFix(ctx context.Context, fix *pkg.LocationFix, site *pkg.Site, policy *pkg.AgentPolicy) (Transition, *pkg.Visit) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !site.Configured() {
		return TransitionNone, nil
	}

	// Assignment moved to another site: the old visit ends at this fix
	if t.state == OnSite && t.current.SiteID != site.SiteID {
		t.closeLocked(ctx, fix, "site_reassigned")
	}

	inside, distance := geofence.Inside(fix, site, policy)

	switch {
	case t.state == NoVisit && inside:
		t.current = &pkg.Visit{
			VisitID:      t.newID(),
			AgentID:      t.agentID,
			SiteID:       site.SiteID,
			CheckInPoint: fix.Point,
			CheckInAt:    fix.CapturedAt,
			Status:       pkg.VisitActive,
		}
		t.state = OnSite
		t.persist(ctx, t.current)
		t.metrics.VisitTransition(string(TransitionCheckedIn))
		t.logger.LogStateChange("visit", string(NoVisit), string(OnSite), "entered_radius", map[string]interface{}{
			"agent_id":   t.agentID,
			"site_id":    site.SiteID,
			"visit_id":   t.current.VisitID,
			"distance_m": distance,
		})
		return TransitionCheckedIn, copyVisit(t.current)

	case t.state == OnSite && inside:
		return TransitionContinued, copyVisit(t.current)

	case t.state == OnSite && !inside:
		closed := t.closeLocked(ctx, fix, "left_radius")
		return TransitionCheckedOut, closed
	}

	return TransitionNone, nil
}

func (t *Tracker) closeLocked(ctx context.Context, fix *pkg.LocationFix, reason string) *pkg.Visit {
	v := t.current
	checkOutPoint := fix.Point
	checkOutAt := fix.CapturedAt
	minutes := durationMinutes(v.CheckInAt, checkOutAt)

	v.CheckOutPoint = &checkOutPoint
	v.CheckOutAt = &checkOutAt
	v.DurationMinutes = &minutes
	v.Status = pkg.VisitCompleted

	t.persist(ctx, v)
	t.metrics.VisitTransition(string(TransitionCheckedOut))
	t.logger.LogStateChange("visit", string(OnSite), string(NoVisit), reason, map[string]interface{}{
		"agent_id":         t.agentID,
		"site_id":          v.SiteID,
		"visit_id":         v.VisitID,
		"duration_minutes": minutes,
	})

	t.state = NoVisit
	t.current = nil
	return copyVisit(v)
}

// durationMinutes rounds the elapsed time to the nearest minute. Clock skew
// between fixes never yields a negative duration.
func durationMinutes(from, to time.Time) int64 {
	elapsed := to.Sub(from)
	if elapsed < 0 {
		return 0
	}
	return int64(math.Round(elapsed.Minutes()))
}

func (t *Tracker) persist(ctx context.Context, v *pkg.Visit) {
	if err := t.store.AppendRecord(ctx, pkg.CollectionVisits, copyVisit(v)); err != nil {
		t.metrics.StoreWriteFailed(pkg.CollectionVisits)
		t.logger.Error("Failed to persist visit", "visit_id", v.VisitID, "status", v.Status, "error", err)
	}
}

// State returns the current state
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Current returns a copy of the active visit, or nil
func (t *Tracker) Current() *pkg.Visit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyVisit(t.current)
}

func copyVisit(v *pkg.Visit) *pkg.Visit {
	if v == nil {
		return nil
	}
	cp := *v
	if v.CheckOutPoint != nil {
		p := *v.CheckOutPoint
		cp.CheckOutPoint = &p
	}
	if v.CheckOutAt != nil {
		at := *v.CheckOutAt
		cp.CheckOutAt = &at
	}
	if v.DurationMinutes != nil {
		d := *v.DurationMinutes
		cp.DurationMinutes = &d
	}
	return &cp
}
