package gps

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"googlemaps.github.io/maps"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
)

// geolocator is the subset of *maps.Client used here
type geolocator interface {
	Geolocate(ctx context.Context, r *maps.GeolocationRequest) (*maps.GeolocationResult, error)
}

// GoogleSource is a network LocationProvider backed by the Google
// Geolocation API. It polls at the requested interval.
type GoogleSource struct {
	client      geolocator
	logger      *logx.Logger
	timeout     time.Duration
	minInterval time.Duration
	now         func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	health  SourceHealth
	request *maps.GeolocationRequest
}

// SourceHealth tracks provider success and failure counts
type SourceHealth struct {
	Available    bool      `json:"available"`
	LastSuccess  time.Time `json:"last_success"`
	LastError    string    `json:"last_error,omitempty"`
	SuccessCount int       `json:"success_count"`
	ErrorCount   int       `json:"error_count"`
}

// NewGoogleSource creates a Google Geolocation provider for apiKey
func NewGoogleSource(apiKey string, logger *logx.Logger) (*GoogleSource, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create google maps client: %w", err)
	}
	return newGoogleSource(client, logger), nil
}

func newGoogleSource(client geolocator, logger *logx.Logger) *GoogleSource {
	return &GoogleSource{
		client:  client,
		logger:  logger,
		timeout: 30 * time.Second,
		now:     time.Now,
		request: &maps.GeolocationRequest{ConsiderIP: true},
	}
}

// SetMinInterval bounds how often the API is polled regardless of the
// requested cadence. Zero removes the bound.
func (gs *GoogleSource) SetMinInterval(d time.Duration) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.minInterval = d
}

// Name implements pkg.LocationProvider
func (gs *GoogleSource) Name() string { return "google" }

// RequestLocationUpdates performs one synchronous lookup so that a rejected
// API key surfaces as ErrPermissionDenied, then polls in the background.
func (gs *GoogleSource) RequestLocationUpdates(ctx context.Context, req pkg.LocationRequest, sink pkg.FixSink) error {
	if req.Interval <= 0 {
		return fmt.Errorf("location request interval must be positive")
	}

	gs.mu.Lock()
	if gs.cancel != nil {
		gs.mu.Unlock()
		return fmt.Errorf("google source already subscribed")
	}
	interval := req.Interval
	if interval < gs.minInterval {
		interval = gs.minInterval
	}
	gs.mu.Unlock()

	fix, err := gs.query(ctx)
	if err != nil {
		if isDenied(err) {
			return fmt.Errorf("%w: %v", pkg.ErrPermissionDenied, err)
		}
		gs.logger.Warn("Initial google geolocation failed", "error", err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	gs.mu.Lock()
	gs.cancel = cancel
	gs.done = done
	gs.mu.Unlock()

	if fix != nil {
		sink.OnFix(fix)
	}

	go gs.poll(pollCtx, interval, sink, done)

	gs.logger.Info("Google location updates requested",
		"agent_id", req.AgentID,
		"interval", interval,
		"fastest", req.Fastest)
	return nil
}

// CancelLocationUpdates stops polling and waits for the poller to exit
func (gs *GoogleSource) CancelLocationUpdates() error {
	gs.mu.Lock()
	cancel, done := gs.cancel, gs.done
	gs.cancel, gs.done = nil, nil
	gs.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	gs.logger.Debug("Google location updates cancelled")
	return nil
}

func (gs *GoogleSource) poll(ctx context.Context, interval time.Duration, sink pkg.FixSink, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fix, err := gs.query(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if isDenied(err) {
					err = fmt.Errorf("%w: %v", pkg.ErrPermissionDenied, err)
				}
				sink.OnProviderError(err)
				continue
			}
			sink.OnFix(fix)
		}
	}
}

func (gs *GoogleSource) query(ctx context.Context) (*pkg.LocationFix, error) {
	ctx, cancel := context.WithTimeout(ctx, gs.timeout)
	defer cancel()

	result, err := gs.client.Geolocate(ctx, gs.request)

	gs.mu.Lock()
	defer gs.mu.Unlock()
	if err != nil {
		gs.health.ErrorCount++
		gs.health.LastError = err.Error()
		gs.health.Available = false
		return nil, fmt.Errorf("google geolocation failed: %w", err)
	}

	gs.health.SuccessCount++
	gs.health.LastSuccess = gs.now()
	gs.health.Available = true

	return &pkg.LocationFix{
		Point: pkg.Point{
			Latitude:  result.Location.Lat,
			Longitude: result.Location.Lng,
		},
		AccuracyMeters: result.Accuracy,
		CapturedAt:     gs.now(),
		Provider:       pkg.ProviderNetwork,
	}, nil
}

// Health returns a copy of the provider health
func (gs *GoogleSource) Health() SourceHealth {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.health
}

func isDenied(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"request_denied", "keyinvalid", "accessnotconfigured", "forbidden", "permission"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
