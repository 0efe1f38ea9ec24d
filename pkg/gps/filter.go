package gps

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/geo"
	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
)

var (
	errInvalidFix = errors.New("invalid fix")
	errStationary = errors.New("stationary within sampling interval")
)

// Rejection reasons reported by SampleFilter.Check
const (
	ReasonInvalid    = "invalid"
	ReasonAccuracy   = "low_accuracy"
	ReasonStationary = "stationary"
)

// SampleFilter screens raw fixes for quality before they reach the
// geofence validator. Cadence is left to the provider.
type SampleFilter struct {
	logger *logx.Logger

	mu    sync.Mutex
	stats FilterStats
}

// FilterStats counts filter decisions
type FilterStats struct {
	Accepted           int64 `json:"accepted"`
	RejectedInvalid    int64 `json:"rejected_invalid"`
	RejectedAccuracy   int64 `json:"rejected_accuracy"`
	RejectedStationary int64 `json:"rejected_stationary"`
}

// NewSampleFilter creates a sample filter
func NewSampleFilter(logger *logx.Logger) *SampleFilter {
	return &SampleFilter{logger: logger}
}

// Accept reports whether fix passes the quality gates
func (sf *SampleFilter) Accept(fix, lastAccepted *pkg.LocationFix, policy *pkg.AgentPolicy) bool {
	return sf.Check(fix, lastAccepted, policy) == nil
}

// Check applies the quality gates and returns why a fix was rejected.
//
// A fix whose accuracy radius exceeds the policy floor is dropped. A fix that
// moved less than MinDistanceMeters from the last accepted fix is dropped only
// while the sampling interval has not elapsed; once it has, presence is logged
// even for a stationary agent.
func (sf *SampleFilter) Check(fix, lastAccepted *pkg.LocationFix, policy *pkg.AgentPolicy) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if fix == nil || !fix.Point.Valid() || fix.CapturedAt.IsZero() ||
		math.IsNaN(fix.AccuracyMeters) || fix.AccuracyMeters < 0 {
		sf.stats.RejectedInvalid++
		return errInvalidFix
	}

	if fix.AccuracyMeters > policy.MinAccuracyMeters {
		sf.stats.RejectedAccuracy++
		sf.logger.Debug("Fix rejected: accuracy above floor",
			"accuracy", fix.AccuracyMeters,
			"floor", policy.MinAccuracyMeters)
		return fmt.Errorf("%w: %.1fm > %.1fm", pkg.ErrLowAccuracy, fix.AccuracyMeters, policy.MinAccuracyMeters)
	}

	if lastAccepted != nil && policy.MinDistanceMeters > 0 {
		moved := geo.Distance(lastAccepted.Point, fix.Point)
		elapsed := fix.CapturedAt.Sub(lastAccepted.CapturedAt)
		if moved < policy.MinDistanceMeters && elapsed < policy.SamplingInterval() {
			sf.stats.RejectedStationary++
			sf.logger.Debug("Fix rejected: stationary within sampling interval",
				"moved_m", moved,
				"elapsed", elapsed)
			return errStationary
		}
	}

	sf.stats.Accepted++
	return nil
}

// RejectReason maps a Check error onto a short reason label
func RejectReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, pkg.ErrLowAccuracy):
		return ReasonAccuracy
	case errors.Is(err, errStationary):
		return ReasonStationary
	default:
		return ReasonInvalid
	}
}

// Stats returns a copy of the filter counters
func (sf *SampleFilter) Stats() FilterStats {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.stats
}
