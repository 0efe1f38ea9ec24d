package alerts

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/geo"
	"github.com/markus-lassfolk/fieldtrack/pkg/geofence"
	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
	"github.com/markus-lassfolk/fieldtrack/pkg/store"
)

var (
	t0     = time.Date(2026, time.October, 19, 10, 0, 0, 0, time.UTC)
	zocalo = pkg.Point{Latitude: 19.4326, Longitude: -99.1332}
)

type testClock struct{ at time.Time }

func (c *testClock) now() time.Time { return c.at }

func newTestManager(records pkg.RecordStore) (*Manager, *testClock) {
	am := NewManager(nil, records, logx.NewLogger("error", "test"), nil)
	seq := 0
	am.newID = func() string {
		seq++
		return fmt.Sprintf("alert-%d", seq)
	}
	clock := &testClock{at: t0}
	am.SetClock(clock.now)
	return am, clock
}

func site() *pkg.Site {
	p := zocalo
	return &pkg.Site{SiteID: "s1", Name: "Kiosk Zocalo", Point: &p, RadiusMeters: 150}
}

func farFix(at time.Time) *pkg.LocationFix {
	return &pkg.LocationFix{Point: geo.Destination(zocalo, 90, 400), AccuracyMeters: 30, CapturedAt: at}
}

func outOfBounds(distance float64) geofence.Verdict {
	return geofence.Verdict{Kind: geofence.OutOfBounds, DistanceMeters: distance, RadiusMeters: 150, Measured: true}
}

func TestVerdictMapping(t *testing.T) {
	policy := pkg.DefaultAgentPolicy("a1", pkg.ValidationFixedLocation)

	tests := []struct {
		name      string
		verdict   geofence.Verdict
		site      *pkg.Site
		alertType pkg.AlertType
		severity  pkg.Severity
	}{
		{"unassigned", geofence.Verdict{Kind: geofence.Unassigned}, nil, pkg.AlertNoConfig, pkg.SeverityWarning},
		{"site unconfigured", geofence.Verdict{Kind: geofence.SiteUnconfigured}, &pkg.Site{SiteID: "s2", Name: "Unmapped"}, pkg.AlertNoConfig, pkg.SeverityCritical},
		{"out of bounds warning", outOfBounds(250), site(), pkg.AlertOutOfBounds, pkg.SeverityWarning},
		{"out of bounds critical", outOfBounds(400), site(), pkg.AlertOutOfBounds, pkg.SeverityCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := store.NewMemoryStore()
			am, _ := newTestManager(records)

			alert := am.MaybeRaise(context.Background(), tt.verdict, "a1", farFix(t0), policy, tt.site)
			require.NotNil(t, alert)
			assert.Equal(t, tt.alertType, alert.AlertType)
			assert.Equal(t, tt.severity, alert.Severity)
			assert.Equal(t, pkg.AlertStatusActive, alert.Status)
			assert.Equal(t, t0, alert.DetectedAt)
			assert.Equal(t, 30.0, alert.DetectedAccuracy)
			assert.Len(t, records.Alerts(), 1)
		})
	}
}

func TestCompliantRaisesNothing(t *testing.T) {
	records := store.NewMemoryStore()
	am, _ := newTestManager(records)
	policy := pkg.DefaultAgentPolicy("a1", pkg.ValidationFixedLocation)

	assert.Nil(t, am.MaybeRaise(context.Background(), geofence.Verdict{Kind: geofence.Compliant}, "a1", farFix(t0), policy, site()))
	assert.Equal(t, 0, records.Count(pkg.CollectionAlerts))
	assert.True(t, am.LastRaised("a1").IsZero())
}

func TestOutOfBoundsNeverInsideRadius(t *testing.T) {
	records := store.NewMemoryStore()
	am, _ := newTestManager(records)
	policy := pkg.DefaultAgentPolicy("a1", pkg.ValidationFixedLocation)

	assert.Nil(t, am.MaybeRaise(context.Background(), outOfBounds(150), "a1", farFix(t0), policy, site()))
	assert.Nil(t, am.MaybeRaise(context.Background(), geofence.Verdict{Kind: geofence.OutOfBounds}, "a1", farFix(t0), policy, site()))
	assert.Equal(t, 0, records.Count(pkg.CollectionAlerts))
}

func TestOutOfBoundsCarriesAssignment(t *testing.T) {
	am, _ := newTestManager(store.NewMemoryStore())
	policy := pkg.DefaultAgentPolicy("a1", pkg.ValidationFixedLocation)

	alert := am.MaybeRaise(context.Background(), outOfBounds(400), "a1", farFix(t0), policy, site())
	require.NotNil(t, alert)
	assert.Equal(t, "alert-1", alert.AlertID)
	assert.Equal(t, "s1", alert.SiteID)
	assert.Equal(t, "Kiosk Zocalo", alert.AssignedName)
	require.NotNil(t, alert.AssignedPoint)
	assert.Equal(t, zocalo, *alert.AssignedPoint)
	assert.Equal(t, 400.0, alert.DistanceMeters)
	assert.Equal(t, 150.0, alert.AllowedRadius)
}

func TestThrottleWithinWindow(t *testing.T) {
	records := store.NewMemoryStore()
	am, clock := newTestManager(records)
	policy := pkg.DefaultAgentPolicy("a1", pkg.ValidationFixedLocation)
	ctx := context.Background()

	raised := 0
	for i := 0; i < 10; i++ {
		at := t0.Add(time.Duration(i) * 3 * time.Minute) // 0..27 minutes
		clock.at = at
		verdict := outOfBounds(400)
		if i%2 == 1 {
			verdict = geofence.Verdict{Kind: geofence.Unassigned}
		}
		if am.MaybeRaise(ctx, verdict, "a1", farFix(at), policy, site()) != nil {
			raised++
		}
	}

	assert.Equal(t, 1, raised)
	assert.Len(t, records.Alerts(), 1)
	assert.Equal(t, int64(9), am.Stats().Throttled)
}

func TestThrottleAcrossTwoWindows(t *testing.T) {
	records := store.NewMemoryStore()
	am, clock := newTestManager(records)
	policy := pkg.DefaultAgentPolicy("a1", pkg.ValidationFixedLocation)
	ctx := context.Background()

	for _, offset := range []time.Duration{0, 10 * time.Minute, 20 * time.Minute, 31 * time.Minute, 45 * time.Minute, 55 * time.Minute} {
		clock.at = t0.Add(offset)
		am.MaybeRaise(ctx, outOfBounds(400), "a1", farFix(t0.Add(offset)), policy, site())
	}

	alerts := records.Alerts()
	require.Len(t, alerts, 2)
	assert.Equal(t, t0, alerts[0].DetectedAt)
	assert.Equal(t, t0.Add(31*time.Minute), alerts[1].DetectedAt)
}

func TestThrottleClockResetsOnlyOnRaise(t *testing.T) {
	records := store.NewMemoryStore()
	am, clock := newTestManager(records)
	policy := pkg.DefaultAgentPolicy("a1", pkg.ValidationFixedLocation)
	ctx := context.Background()

	// 29 minutes after the first alert is still throttled, and must not push
	// the window forward
	require.NotNil(t, am.MaybeRaise(ctx, outOfBounds(400), "a1", farFix(t0), policy, site()))
	clock.at = t0.Add(29 * time.Minute)
	assert.Nil(t, am.MaybeRaise(ctx, outOfBounds(400), "a1", farFix(t0.Add(29*time.Minute)), policy, site()))
	clock.at = t0.Add(30 * time.Minute)
	assert.NotNil(t, am.MaybeRaise(ctx, outOfBounds(400), "a1", farFix(t0.Add(30*time.Minute)), policy, site()))
}

func TestThrottleIsPerAgent(t *testing.T) {
	am, _ := newTestManager(store.NewMemoryStore())
	ctx := context.Background()
	p1 := pkg.DefaultAgentPolicy("a1", pkg.ValidationFixedLocation)
	p2 := pkg.DefaultAgentPolicy("a2", pkg.ValidationFixedLocation)

	assert.NotNil(t, am.MaybeRaise(ctx, outOfBounds(400), "a1", farFix(t0), p1, site()))
	assert.NotNil(t, am.MaybeRaise(ctx, outOfBounds(400), "a2", farFix(t0), p2, site()))
}

func TestPersistFailureKeepsThrottle(t *testing.T) {
	records := store.NewMemoryStore()
	records.FailWrites(func(string) error { return errors.New("offline") })
	am, clock := newTestManager(records)
	policy := pkg.DefaultAgentPolicy("a1", pkg.ValidationFixedLocation)
	ctx := context.Background()

	alert := am.MaybeRaise(ctx, outOfBounds(400), "a1", farFix(t0), policy, site())
	require.NotNil(t, alert, "alert is raised in memory even when the write fails")
	assert.Equal(t, int64(1), am.Stats().PersistFailures)
	assert.Equal(t, t0, am.LastRaised("a1"))

	records.FailWrites(nil)
	clock.at = t0.Add(10 * time.Minute)
	assert.Nil(t, am.MaybeRaise(ctx, outOfBounds(400), "a1", farFix(t0.Add(10*time.Minute)), policy, site()))
	clock.at = t0.Add(31 * time.Minute)
	assert.NotNil(t, am.MaybeRaise(ctx, outOfBounds(400), "a1", farFix(t0.Add(31*time.Minute)), policy, site()))
	assert.Len(t, records.Alerts(), 1)
}

func TestGPSDisabledSharesThrottle(t *testing.T) {
	records := store.NewMemoryStore()
	am, clock := newTestManager(records)
	policy := pkg.DefaultAgentPolicy("a1", pkg.ValidationFixedLocation)
	ctx := context.Background()

	alert := am.RaiseGPSDisabled(ctx, "a1", t0, nil, policy, site())
	require.NotNil(t, alert)
	assert.Equal(t, pkg.AlertGPSDisabled, alert.AlertType)
	assert.Equal(t, "s1", alert.SiteID)

	clock.at = t0.Add(5 * time.Minute)
	assert.Nil(t, am.MaybeRaise(ctx, outOfBounds(400), "a1", farFix(t0.Add(5*time.Minute)), policy, site()))
}

func TestThrottleIgnoresDeviceClockSkew(t *testing.T) {
	records := store.NewMemoryStore()
	am, clock := newTestManager(records)
	policy := pkg.DefaultAgentPolicy("a1", pkg.ValidationFixedLocation)
	ctx := context.Background()

	require.NotNil(t, am.MaybeRaise(ctx, outOfBounds(400), "a1", farFix(t0), policy, site()))

	// the handset clock jumps 40 minutes ahead while only 5 real minutes pass
	clock.at = t0.Add(5 * time.Minute)
	assert.Nil(t, am.MaybeRaise(ctx, outOfBounds(400), "a1", farFix(t0.Add(40*time.Minute)), policy, site()))

	// a handset clock running behind does not hold the window open either
	clock.at = t0.Add(31 * time.Minute)
	alert := am.MaybeRaise(ctx, outOfBounds(400), "a1", farFix(t0.Add(-2*time.Hour)), policy, site())
	require.NotNil(t, alert)
	assert.Equal(t, t0.Add(-2*time.Hour), alert.DetectedAt, "the alert keeps the device timestamp")
	assert.Equal(t, t0.Add(31*time.Minute), am.LastRaised("a1"))
	assert.Len(t, records.Alerts(), 2)
}
