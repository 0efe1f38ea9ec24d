package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
)

var t0 = time.Date(2026, time.October, 19, 10, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	bs, err := Open(filepath.Join(t.TempDir(), "records.db"), logx.NewLogger("error", "test"))
	require.NoError(t, err)
	t.Cleanup(func() { bs.Close() })
	return bs
}

func alert(id, agent string, severity pkg.Severity, at time.Time) *pkg.Alert {
	return &pkg.Alert{
		AlertID:    id,
		AgentID:    agent,
		AlertType:  pkg.AlertOutOfBounds,
		Severity:   severity,
		Status:     pkg.AlertStatusActive,
		DetectedAt: at,
	}
}

func TestBoltPolicyRoundTrip(t *testing.T) {
	ctx := context.Background()
	bs := openTestStore(t)

	missing, err := bs.GetPolicy(ctx, "a1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	policy := pkg.DefaultAgentPolicy("a1", pkg.ValidationFixedLocation)
	policy.AssignedSiteID = "s1"
	require.NoError(t, bs.PutPolicy(ctx, policy))

	got, err := bs.GetPolicy(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, pkg.ValidationFixedLocation, got.ValidationType)
	assert.Equal(t, "s1", got.AssignedSiteID)

	bad := pkg.DefaultAgentPolicy("a2", pkg.ValidationRouteOnly)
	bad.AllowedRadiusMeters = 0
	assert.Error(t, bs.PutPolicy(ctx, bad))

	policies, err := bs.ListPolicies(ctx)
	require.NoError(t, err)
	assert.Len(t, policies, 1)
}

func TestBoltVisitUpsertAndQuery(t *testing.T) {
	ctx := context.Background()
	bs := openTestStore(t)

	visit := &pkg.Visit{VisitID: "v1", AgentID: "a1", SiteID: "s1", CheckInAt: t0, Status: pkg.VisitActive}
	require.NoError(t, bs.AppendRecord(ctx, pkg.CollectionVisits, visit))

	out := t0.Add(20 * time.Minute)
	minutes := int64(20)
	visit.CheckOutAt = &out
	visit.DurationMinutes = &minutes
	visit.Status = pkg.VisitCompleted
	require.NoError(t, bs.AppendRecord(ctx, pkg.CollectionVisits, visit))

	other := &pkg.Visit{VisitID: "v2", AgentID: "a2", SiteID: "s1", CheckInAt: t0.Add(24 * time.Hour), Status: pkg.VisitActive}
	require.NoError(t, bs.AppendRecord(ctx, pkg.CollectionVisits, other))

	count, err := bs.CountRecords(pkg.CollectionVisits)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	visits, err := bs.QueryVisits(ctx, VisitFilter{AgentID: "a1"})
	require.NoError(t, err)
	require.Len(t, visits, 1)
	assert.Equal(t, pkg.VisitCompleted, visits[0].Status)
	assert.Equal(t, int64(20), *visits[0].DurationMinutes)

	visits, err = bs.QueryVisits(ctx, VisitFilter{SiteID: "s1", From: t0, To: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.Len(t, visits, 1)

	visits, err = bs.QueryVisits(ctx, VisitFilter{SiteID: "s1"})
	require.NoError(t, err)
	require.Len(t, visits, 2)
	assert.Equal(t, "v1", visits[0].VisitID)
}

func TestBoltAlertQueryAndResolve(t *testing.T) {
	ctx := context.Background()
	bs := openTestStore(t)

	require.NoError(t, bs.AppendRecord(ctx, pkg.CollectionAlerts, alert("x1", "a1", pkg.SeverityWarning, t0)))
	require.NoError(t, bs.AppendRecord(ctx, pkg.CollectionAlerts, alert("x2", "a1", pkg.SeverityCritical, t0.Add(time.Hour))))
	require.NoError(t, bs.AppendRecord(ctx, pkg.CollectionAlerts, alert("x3", "a2", pkg.SeverityCritical, t0.Add(2*time.Hour))))

	alerts, err := bs.QueryAlerts(ctx, AlertFilter{Severity: pkg.SeverityCritical})
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, "x3", alerts[0].AlertID, "newest first")

	alerts, err = bs.QueryAlerts(ctx, AlertFilter{AgentID: "a1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "x2", alerts[0].AlertID)

	require.NoError(t, bs.ResolveAlert(ctx, "x1", pkg.AlertStatusResolved, "supervisor", "called agent", t0.Add(3*time.Hour)))
	assert.Error(t, bs.ResolveAlert(ctx, "x1", pkg.AlertStatusDismissed, "supervisor", "", t0))
	assert.Error(t, bs.ResolveAlert(ctx, "x2", pkg.AlertStatusActive, "supervisor", "", t0))
	assert.ErrorIs(t, bs.ResolveAlert(ctx, "missing", pkg.AlertStatusResolved, "supervisor", "", t0), pkg.ErrNotFound)

	active, err := bs.QueryAlerts(ctx, AlertFilter{Status: pkg.AlertStatusActive})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	resolved, err := bs.QueryAlerts(ctx, AlertFilter{Status: pkg.AlertStatusResolved})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, "supervisor", resolved[0].ResolvedBy)
}

func TestBoltLocationLogsAndLastKnown(t *testing.T) {
	ctx := context.Background()
	bs := openTestStore(t)

	for i := 0; i < 3; i++ {
		log := &pkg.LocationLog{AgentID: "a1", Fix: pkg.LocationFix{CapturedAt: t0.Add(time.Duration(i) * time.Minute)}, Verdict: "compliant"}
		require.NoError(t, bs.AppendRecord(ctx, pkg.CollectionLocationLogs, log))
	}
	require.NoError(t, bs.AppendRecord(ctx, "device_events", map[string]string{"event": "boot"}))

	count, err := bs.CountRecords(pkg.CollectionLocationLogs)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = bs.CountRecords("device_events")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	p := pkg.Point{Latitude: 19.4, Longitude: -99.1}
	require.NoError(t, bs.UpdateAgentLastKnownLocation(ctx, "a1", p, 12, t0))
	lk, err := bs.GetLastKnownLocation(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, lk)
	assert.Equal(t, p, lk.Point)

	none, err := bs.GetLastKnownLocation(ctx, "a9")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMemoryStoreFailureInjection(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()
	ms.FailWrites(func(collection string) error {
		if collection == pkg.CollectionAlerts {
			return errors.New("offline")
		}
		return nil
	})

	err := ms.AppendRecord(ctx, pkg.CollectionAlerts, alert("x1", "a1", pkg.SeverityWarning, t0))
	assert.ErrorIs(t, err, pkg.ErrBackendWrite)
	assert.NoError(t, ms.AppendRecord(ctx, pkg.CollectionVisits, &pkg.Visit{VisitID: "v1"}))
	assert.Equal(t, 0, ms.Count(pkg.CollectionAlerts))
	assert.Equal(t, 1, ms.Count(pkg.CollectionVisits))

	ms.FailWrites(nil)
	assert.NoError(t, ms.AppendRecord(ctx, pkg.CollectionAlerts, alert("x1", "a1", pkg.SeverityWarning, t0)))
	assert.Len(t, ms.Alerts(), 1)
}

func TestTeeAttemptsEveryTarget(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryStore()
	healthy := NewMemoryStore()
	broken := NewMemoryStore()
	broken.FailWrites(func(string) error { return errors.New("broker down") })

	tee := NewTee(primary, broken, healthy)
	err := tee.AppendRecord(ctx, pkg.CollectionVisits, &pkg.Visit{VisitID: "v1"})
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 1)
	assert.Equal(t, 1, primary.Count(pkg.CollectionVisits))
	assert.Equal(t, 1, healthy.Count(pkg.CollectionVisits))

	err = tee.UpdateAgentLastKnownLocation(ctx, "a1", pkg.Point{Latitude: 1, Longitude: 2}, 5, t0)
	assert.ErrorIs(t, err, pkg.ErrBackendWrite)
	assert.NotNil(t, primary.LastKnown("a1"))
	assert.NotNil(t, healthy.LastKnown("a1"))
}

func TestBoltReadOnly(t *testing.T) {
	ctx := context.Background()
	logger := logx.NewLogger("error", "test")
	path := filepath.Join(t.TempDir(), "records.db")

	_, err := OpenReadOnly(path, time.Second, logger)
	assert.Error(t, err, "missing database")

	bs, err := Open(path, logger)
	require.NoError(t, err)
	require.NoError(t, bs.AppendRecord(ctx, pkg.CollectionAlerts, alert("x1", "a1", pkg.SeverityCritical, t0)))
	require.NoError(t, bs.Close())

	ro, err := OpenReadOnly(path, time.Second, logger)
	require.NoError(t, err)
	defer ro.Close()

	alerts, err := ro.QueryAlerts(ctx, AlertFilter{})
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
	assert.Error(t, ro.ResolveAlert(ctx, "x1", pkg.AlertStatusResolved, "ops", "", t0), "writes fail on a read-only handle")
}
