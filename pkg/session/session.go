// Package session runs the tracking loop of one agent: the work-window gate,
// the device subscription and the per-fix compliance pipeline.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/alerts"
	"github.com/markus-lassfolk/fieldtrack/pkg/geofence"
	"github.com/markus-lassfolk/fieldtrack/pkg/gps"
	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
	"github.com/markus-lassfolk/fieldtrack/pkg/metrics"
	"github.com/markus-lassfolk/fieldtrack/pkg/visit"
	"github.com/markus-lassfolk/fieldtrack/pkg/workwindow"
)

// State of a tracking session
type State string

const (
	Stopped        State = "stopped"
	Starting       State = "starting"
	ActiveSampling State = "active_sampling"
	IdleWaiting    State = "idle_waiting"
)

var allStates = []string{string(Stopped), string(Starting), string(ActiveSampling), string(IdleWaiting)}

// Resolver yields the policy and site of an agent. It never fails; errors
// degrade to a route-only policy.
type Resolver interface {
	Resolve(ctx context.Context, agentID string) (*pkg.AgentPolicy, *pkg.Site)
}

// Config holds session settings
type Config struct {
	AgentID      string        `json:"agent_id"`
	RestartDelay time.Duration `json:"restart_delay"`
	QueueSize    int           `json:"queue_size"`
}

// Deps are the collaborators of a session. Filter, Validator, Alerts, Visits
// and Clock default when nil.
type Deps struct {
	Resolver  Resolver
	Gate      *workwindow.Gate
	Provider  pkg.LocationProvider
	Store     pkg.RecordStore
	Filter    *gps.SampleFilter
	Validator *geofence.Validator
	Alerts    *alerts.Manager
	Visits    *visit.Tracker
	Clock     Clock
	Logger    *logx.Logger
	Metrics   *metrics.Metrics
}

type eventKind int

const (
	evFix eventKind = iota
	evProviderError
	evRecheck
	evSync
)

type event struct {
	kind  eventKind
	gen   uint64
	fix   *pkg.LocationFix
	err   error
	reply chan struct{}
}

// Status is a point-in-time view of a session
type Status struct {
	AgentID        string             `json:"agent_id"`
	State          State              `json:"state"`
	Provider       string             `json:"provider"`
	ValidationType pkg.ValidationType `json:"validation_type,omitempty"`
	SiteID         string             `json:"site_id,omitempty"`
	Degraded       bool               `json:"degraded"`
	LastFix        *pkg.LocationFix   `json:"last_fix,omitempty"`
	LastVerdict    string             `json:"last_verdict,omitempty"`
	ActiveVisit    *pkg.Visit         `json:"active_visit,omitempty"`
	LastAlertAt    time.Time          `json:"last_alert_at,omitempty"`
	FixesReceived  int64              `json:"fixes_received"`
	FixesAccepted  int64              `json:"fixes_accepted"`
	FixesDropped   int64              `json:"fixes_dropped"`
	Filter         gps.FilterStats    `json:"filter"`
	Alerts         alerts.Stats       `json:"alerts"`
}

// Session is the tracking session of one agent. Fixes are processed one at a
// time on a single worker goroutine; provider callbacks only enqueue.
type Session struct {
	config    Config
	resolver  Resolver
	gate      *workwindow.Gate
	provider  pkg.LocationProvider
	store     pkg.RecordStore
	filter    *gps.SampleFilter
	validator *geofence.Validator
	alerts    *alerts.Manager
	visits    *visit.Tracker
	clock     Clock
	logger    *logx.Logger
	metrics   *metrics.Metrics

	events  chan event
	gen     atomic.Uint64
	dropped atomic.Int64

	mu           sync.Mutex
	state        State
	runCtx       context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	subscribed   bool
	recheck      Timer
	restart      Timer
	restartGen   uint64
	policy       *pkg.AgentPolicy
	site         *pkg.Site
	lastAccepted *pkg.LocationFix
	lastVerdict  string
	received     int64
	accepted     int64
}

// New creates a stopped session
func New(config Config, deps Deps) (*Session, error) {
	if config.AgentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if deps.Resolver == nil || deps.Gate == nil || deps.Provider == nil || deps.Store == nil {
		return nil, fmt.Errorf("resolver, gate, provider and store are required")
	}
	if config.RestartDelay <= 0 {
		config.RestartDelay = time.Second
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}

	logger := deps.Logger
	if logger == nil {
		logger = logx.NewLogger("info", "session")
	}
	logger = logger.With("agent_id", config.AgentID)

	s := &Session{
		config:    config,
		resolver:  deps.Resolver,
		gate:      deps.Gate,
		provider:  deps.Provider,
		store:     deps.Store,
		filter:    deps.Filter,
		validator: deps.Validator,
		alerts:    deps.Alerts,
		visits:    deps.Visits,
		clock:     deps.Clock,
		logger:    logger,
		metrics:   deps.Metrics,
		events:    make(chan event, config.QueueSize),
		state:     Stopped,
	}
	if s.filter == nil {
		s.filter = gps.NewSampleFilter(logger)
	}
	if s.validator == nil {
		s.validator = geofence.NewValidator()
	}
	if s.clock == nil {
		s.clock = realClock{}
	}
	if s.alerts == nil {
		s.alerts = alerts.NewManager(nil, deps.Store, logger, deps.Metrics)
		s.alerts.SetClock(s.clock.Now)
	}
	if s.visits == nil {
		s.visits = visit.NewTracker(config.AgentID, deps.Store, logger, deps.Metrics)
	}
	s.metrics.SetSessionState(string(Stopped), allStates)
	return s, nil
}

// Start evaluates the work window and either subscribes to the provider or
// waits idle. It returns pkg.ErrPermissionDenied, leaving the session
// Stopped, when the provider refuses location access. Starting a running
// session is a no-op.
func (s *Session) Start(ctx context.Context) error {
	// a worker halted by the provider may still be draining
	for {
		s.mu.Lock()
		if s.state != Stopped {
			s.mu.Unlock()
			return nil
		}
		prev := s.done
		if prev == nil || closed(prev) {
			break
		}
		s.mu.Unlock()
		<-prev
	}
	defer s.mu.Unlock()

	s.setStateLocked(Starting, "start_requested")

	s.runCtx, s.cancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})
	s.gen.Add(1)
	s.lastAccepted = nil
	go s.run(s.runCtx, s.done)

	return s.evaluateGateLocked(ctx, "start")
}

// Stop unsubscribes, cancels pending timers and waits for the worker to
// exit. A pending restart is cancelled.
func (s *Session) Stop() {
	s.mu.Lock()
	s.restartGen++
	if s.restart != nil {
		s.restart.Stop()
		s.restart = nil
	}
	if s.state != Stopped {
		s.haltLocked("stop_requested")
	}
	done := s.done
	s.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Restart stops the session and starts it again after the restart delay so
// the provider can release the previous subscription.
func (s *Session) Restart(ctx context.Context) {
	s.Stop()

	ctx = context.WithoutCancel(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restartGen++
	gen := s.restartGen
	s.restart = s.clock.AfterFunc(s.config.RestartDelay, func() {
		s.mu.Lock()
		if gen != s.restartGen {
			s.mu.Unlock()
			return
		}
		s.restart = nil
		s.mu.Unlock()

		if err := s.Start(ctx); err != nil {
			s.logger.Error("Session restart failed", "error", err)
		}
	})
	s.logger.Info("Session restart scheduled", "delay", s.config.RestartDelay)
}

// Reresolve reloads the agent policy and site. When sampling, a changed
// cadence re-subscribes the provider.
func (s *Session) Reresolve(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Stopped {
		return pkg.ErrSessionStopped
	}
	old := s.policy
	s.resolveLocked(ctx)

	if s.state != ActiveSampling || !cadenceChanged(old, s.policy) {
		return nil
	}
	s.logger.Info("Sampling cadence changed, re-subscribing",
		"interval", s.policy.SamplingInterval(),
		"fastest", s.policy.FastestInterval())
	s.unsubscribeLocked()
	return s.subscribeOrIdleLocked("policy_changed")
}

// OnFix implements pkg.FixSink for hosts that push fixes themselves. The fix
// is queued for the worker; a full queue drops it.
func (s *Session) OnFix(fix *pkg.LocationFix) {
	s.offer(event{kind: evFix, gen: s.gen.Load(), fix: fix})
}

// OnProviderError implements pkg.FixSink
func (s *Session) OnProviderError(err error) {
	s.offer(event{kind: evProviderError, gen: s.gen.Load(), err: err})
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot of the session
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		AgentID:       s.config.AgentID,
		State:         s.state,
		Provider:      s.provider.Name(),
		LastVerdict:   s.lastVerdict,
		ActiveVisit:   s.visits.Current(),
		LastAlertAt:   s.alerts.LastRaised(s.config.AgentID),
		FixesReceived: s.received,
		FixesAccepted: s.accepted,
		FixesDropped:  s.dropped.Load(),
		Filter:        s.filter.Stats(),
		Alerts:        s.alerts.Stats(),
	}
	if s.policy != nil {
		st.ValidationType = s.policy.ValidationType
		st.SiteID = s.policy.AssignedSiteID
		st.Degraded = s.policy.Degraded
	}
	if s.lastAccepted != nil {
		fix := *s.lastAccepted
		st.LastFix = &fix
	}
	return st
}

// fixSink binds provider callbacks to one subscription
type fixSink struct {
	s   *Session
	gen uint64
}

func (k fixSink) OnFix(fix *pkg.LocationFix) {
	k.s.offer(event{kind: evFix, gen: k.gen, fix: fix})
}

func (k fixSink) OnProviderError(err error) {
	k.s.offer(event{kind: evProviderError, gen: k.gen, err: err})
}

// offer enqueues without blocking the provider
func (s *Session) offer(ev event) {
	select {
	case s.events <- ev:
	default:
		if n := s.dropped.Add(1); n%50 == 1 {
			s.logger.Warn("Fix queue full, dropping event", "dropped_total", n)
		}
	}
}

func (s *Session) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.handle(ctx, ev)
		}
	}
}

func (s *Session) handle(ctx context.Context, ev event) {
	if ev.kind == evSync {
		close(ev.reply)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.gen != s.gen.Load() {
		return
	}
	switch ev.kind {
	case evFix:
		s.handleFixLocked(ctx, ev.fix)
	case evProviderError:
		s.handleProviderErrorLocked(ctx, ev.err)
	case evRecheck:
		if s.state == IdleWaiting {
			s.recheck = nil
			if err := s.evaluateGateLocked(ctx, "recheck"); err != nil {
				s.logger.Error("Location access lost, session stopped", "error", err)
			}
		}
	}
}

// handleFixLocked runs the per-fix pipeline. The gate is checked before
// anything else so no fix is processed outside the work window.
func (s *Session) handleFixLocked(ctx context.Context, fix *pkg.LocationFix) {
	if s.state != ActiveSampling || fix == nil {
		return
	}
	s.received++
	s.metrics.FixReceived()

	if !s.gate.IsWithinWindow(s.clock.Now()) {
		s.goIdleLocked("window_closed")
		return
	}

	if err := s.filter.Check(fix, s.lastAccepted, s.policy); err != nil {
		s.metrics.FixRejected(gps.RejectReason(err))
		s.logger.Debug("Fix rejected", "reason", gps.RejectReason(err), "accuracy_m", fix.AccuracyMeters)
		return
	}
	s.accepted++
	s.lastAccepted = fix

	verdict := s.validator.Validate(fix, s.policy, s.site)
	s.lastVerdict = verdict.Kind.String()
	s.metrics.Verdict(s.lastVerdict)

	s.alerts.MaybeRaise(ctx, verdict, s.config.AgentID, fix, s.policy, s.site)
	s.visits.OnFix(ctx, fix, s.site, s.policy)

	entry := &pkg.LocationLog{AgentID: s.config.AgentID, Fix: *fix, Verdict: s.lastVerdict}
	if s.site != nil {
		entry.SiteID = s.site.SiteID
	}
	if verdict.Measured {
		d := verdict.DistanceMeters
		entry.Distance = &d
	}
	if err := s.store.AppendRecord(ctx, pkg.CollectionLocationLogs, entry); err != nil {
		s.metrics.StoreWriteFailed(pkg.CollectionLocationLogs)
		s.logger.Error("Failed to persist fix", "error", err)
	}
	if err := s.store.UpdateAgentLastKnownLocation(ctx, s.config.AgentID, fix.Point, fix.AccuracyMeters, fix.CapturedAt); err != nil {
		s.metrics.StoreWriteFailed(pkg.CollectionAgentStatus)
		s.logger.Error("Failed to update last known location", "error", err)
	}
}

func (s *Session) handleProviderErrorLocked(ctx context.Context, err error) {
	switch {
	case errors.Is(err, pkg.ErrPermissionDenied):
		s.logger.Error("Location permission revoked, stopping session", "error", err)
		s.haltLocked("permission_denied")

	case errors.Is(err, pkg.ErrLocationDisabled):
		now := s.clock.Now()
		if s.state != ActiveSampling || !s.gate.IsWithinWindow(now) {
			return
		}
		s.logger.Warn("Device location service disabled", "error", err)
		s.alerts.RaiseGPSDisabled(ctx, s.config.AgentID, now, s.lastAccepted, s.policy, s.site)

	default:
		s.logger.Warn("Location provider error", "provider", s.provider.Name(), "error", err)
	}
}

// evaluateGateLocked moves Starting or IdleWaiting to ActiveSampling inside
// the window and to IdleWaiting outside it.
func (s *Session) evaluateGateLocked(ctx context.Context, reason string) error {
	if !s.gate.IsWithinWindow(s.clock.Now()) {
		s.goIdleLocked("outside_window")
		return nil
	}
	if s.policy == nil {
		s.resolveLocked(ctx)
	}
	return s.subscribeOrIdleLocked(reason)
}

// subscribeOrIdleLocked subscribes the provider. A permission failure stops
// the session and is returned; other failures wait for the next recheck.
func (s *Session) subscribeOrIdleLocked(reason string) error {
	if err := s.subscribeLocked(); err != nil {
		if errors.Is(err, pkg.ErrPermissionDenied) {
			s.haltLocked("permission_denied")
			return err
		}
		s.logger.Warn("Location provider unavailable, waiting for recheck", "provider", s.provider.Name(), "error", err)
		s.goIdleLocked("provider_unavailable")
		return nil
	}
	s.setStateLocked(ActiveSampling, reason)
	return nil
}

func (s *Session) subscribeLocked() error {
	gen := s.gen.Add(1)
	req := pkg.LocationRequest{
		AgentID:        s.config.AgentID,
		Interval:       s.policy.SamplingInterval(),
		Fastest:        s.policy.FastestInterval(),
		AccuracyMeters: s.policy.MinAccuracyMeters,
	}
	if err := s.provider.RequestLocationUpdates(s.runCtx, req, fixSink{s: s, gen: gen}); err != nil {
		return err
	}
	s.subscribed = true
	return nil
}

func (s *Session) unsubscribeLocked() {
	if !s.subscribed {
		return
	}
	s.subscribed = false
	s.gen.Add(1)
	if err := s.provider.CancelLocationUpdates(); err != nil {
		s.logger.Warn("Failed to cancel location updates", "provider", s.provider.Name(), "error", err)
	}
}

func (s *Session) goIdleLocked(reason string) {
	s.unsubscribeLocked()
	s.setStateLocked(IdleWaiting, reason)
	s.scheduleRecheckLocked()
}

func (s *Session) scheduleRecheckLocked() {
	if s.recheck != nil {
		s.recheck.Stop()
	}
	gen, ctx, interval := s.gen.Load(), s.runCtx, s.gate.RecheckInterval()
	s.recheck = s.clock.AfterFunc(interval, func() {
		select {
		case s.events <- event{kind: evRecheck, gen: gen}:
		case <-ctx.Done():
		}
	})
	s.logger.Debug("Work window recheck scheduled", "in", interval, "next_opening", s.gate.NextOpening(s.clock.Now()))
}

// haltLocked tears the session down without waiting for the worker, so the
// worker itself may call it.
func (s *Session) haltLocked(reason string) {
	if s.recheck != nil {
		s.recheck.Stop()
		s.recheck = nil
	}
	s.unsubscribeLocked()
	s.gen.Add(1)
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.policy = nil
	s.site = nil
	s.setStateLocked(Stopped, reason)
}

func (s *Session) resolveLocked(ctx context.Context) {
	s.policy, s.site = s.resolver.Resolve(ctx, s.config.AgentID)
}

func (s *Session) setStateLocked(to State, reason string) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.metrics.SetSessionState(string(to), allStates)
	s.logger.LogStateChange("session", string(from), string(to), reason, nil)
}

// sync waits until every event queued before the call has been handled
func (s *Session) sync() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return
	}
	reply := make(chan struct{})
	select {
	case s.events <- event{kind: evSync, reply: reply}:
	case <-done:
		return
	}
	select {
	case <-reply:
	case <-done:
	}
}

func closed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func cadenceChanged(old, cur *pkg.AgentPolicy) bool {
	if old == nil || cur == nil {
		return true
	}
	return old.SamplingIntervalMS != cur.SamplingIntervalMS ||
		old.FastestIntervalMS != cur.FastestIntervalMS ||
		old.MinAccuracyMeters != cur.MinAccuracyMeters
}
