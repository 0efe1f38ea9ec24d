package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
	"github.com/markus-lassfolk/fieldtrack/pkg/store"
)

type fakeProfiles struct {
	profiles map[string]*pkg.AgentProfile
	err      error
}

func (f *fakeProfiles) GetAgentProfile(ctx context.Context, agentID string) (*pkg.AgentProfile, error) {
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.profiles[agentID]
	if !ok {
		return nil, pkg.ErrNotFound
	}
	return p, nil
}

type fakeSites struct {
	sites map[string]*pkg.Site
	err   error
	calls int
}

func (f *fakeSites) GetSite(ctx context.Context, siteID string) (*pkg.Site, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.sites[siteID]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

var zocalo = pkg.Point{Latitude: 19.4326, Longitude: -99.1332}

func fixture() (*fakeProfiles, *fakeSites, *store.MemoryStore) {
	p := zocalo
	profiles := &fakeProfiles{profiles: map[string]*pkg.AgentProfile{
		"kiosk-1": {AgentID: "kiosk-1", ProductLine: "Kiosk", AssignedSiteID: "s1"},
		"route-1": {AgentID: "route-1", ProductLine: "field-sales", AssignedSiteID: "s1"},
		"odd-1":   {AgentID: "odd-1", ProductLine: "telemarketing"},
	}}
	sites := &fakeSites{sites: map[string]*pkg.Site{
		"s1": {SiteID: "s1", Name: "Kiosk Zocalo", Point: &p, RadiusMeters: 200},
		"s2": {SiteID: "s2", Name: "Unmapped stand"},
	}}
	return profiles, sites, store.NewMemoryStore()
}

func newTestResolver(profiles pkg.ProfileProvider, sites pkg.SiteDirectory, policies pkg.PolicyStore) *Resolver {
	r := NewResolver(profiles, sites, policies, DefaultDefaults(), logx.NewLogger("error", "test"))
	r.now = func() time.Time { return time.Date(2026, time.October, 19, 9, 0, 0, 0, time.UTC) }
	return r
}

func TestValidationTypeFor(t *testing.T) {
	tests := map[string]pkg.ValidationType{
		"field_sales":   pkg.ValidationRouteOnly,
		"Door to door":  pkg.ValidationRouteOnly,
		"KIOSK":         pkg.ValidationFixedLocation,
		"fixed-post":    pkg.ValidationFixedLocation,
		"partner stand": pkg.ValidationFixedLocation,
		"":              pkg.ValidationRouteOnly,
		"telemarketing": pkg.ValidationRouteOnly,
	}
	for line, want := range tests {
		assert.Equal(t, want, ValidationTypeFor(line), line)
	}
}

func TestLazyCreateWritesBack(t *testing.T) {
	profiles, sites, policies := fixture()
	r := newTestResolver(profiles, sites, policies)
	ctx := context.Background()

	policy, site := r.Resolve(ctx, "kiosk-1")
	require.NotNil(t, policy)
	assert.Equal(t, pkg.ValidationFixedLocation, policy.ValidationType)
	assert.Equal(t, "s1", policy.AssignedSiteID)
	assert.False(t, policy.Degraded)
	require.NotNil(t, site)
	assert.Equal(t, 200.0, site.RadiusMeters)

	stored, err := policies.GetPolicy(ctx, "kiosk-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, pkg.ValidationFixedLocation, stored.ValidationType)
	assert.Equal(t, pkg.DefaultAllowedRadiusMeters, stored.AllowedRadiusMeters)
	assert.NoError(t, stored.Validate())
}

func TestExistingPolicyWins(t *testing.T) {
	profiles, sites, policies := fixture()
	ctx := context.Background()
	existing := pkg.DefaultAgentPolicy("kiosk-1", pkg.ValidationRouteOnly)
	existing.AllowedRadiusMeters = 75
	require.NoError(t, policies.PutPolicy(ctx, existing))

	policy, _ := newTestResolver(profiles, sites, policies).Resolve(ctx, "kiosk-1")
	assert.Equal(t, pkg.ValidationRouteOnly, policy.ValidationType)
	assert.Equal(t, 75.0, policy.AllowedRadiusMeters)
	assert.Equal(t, "s1", policy.AssignedSiteID, "site id follows the profile")
}

func TestProfileReassignmentMovesSite(t *testing.T) {
	profiles, sites, policies := fixture()
	p3 := pkg.Point{Latitude: 19.4270, Longitude: -99.1677}
	sites.sites["s3"] = &pkg.Site{SiteID: "s3", Name: "Kiosk Chapultepec", Point: &p3, RadiusMeters: 100}
	r := newTestResolver(profiles, sites, policies)
	ctx := context.Background()

	policy, site := r.Resolve(ctx, "kiosk-1")
	require.NotNil(t, site)
	assert.Equal(t, "s1", policy.AssignedSiteID)

	profiles.profiles["kiosk-1"].AssignedSiteID = "s3"
	policy, site = r.Resolve(ctx, "kiosk-1")
	assert.Equal(t, "s3", policy.AssignedSiteID)
	require.NotNil(t, site)
	assert.Equal(t, "s3", site.SiteID)
	assert.Equal(t, 100.0, site.RadiusMeters)

	stored, err := policies.GetPolicy(ctx, "kiosk-1")
	require.NoError(t, err)
	assert.Equal(t, "s3", stored.AssignedSiteID)
	assert.Equal(t, pkg.ValidationFixedLocation, stored.ValidationType)
}

func TestEmptyProfileSiteKeepsPolicySite(t *testing.T) {
	profiles, sites, policies := fixture()
	ctx := context.Background()
	existing := pkg.DefaultAgentPolicy("odd-1", pkg.ValidationRouteOnly)
	existing.AssignedSiteID = "s1"
	require.NoError(t, policies.PutPolicy(ctx, existing))

	policy, site := newTestResolver(profiles, sites, policies).Resolve(ctx, "odd-1")
	assert.Equal(t, "s1", policy.AssignedSiteID)
	require.NotNil(t, site)
	assert.Equal(t, "s1", site.SiteID)
}

func TestRouteAgentStillGetsSite(t *testing.T) {
	profiles, sites, policies := fixture()
	policy, site := newTestResolver(profiles, sites, policies).Resolve(context.Background(), "route-1")
	assert.Equal(t, pkg.ValidationRouteOnly, policy.ValidationType)
	require.NotNil(t, site)
	assert.True(t, site.Configured())
}

func TestUnknownLineNoSite(t *testing.T) {
	profiles, sites, policies := fixture()
	policy, site := newTestResolver(profiles, sites, policies).Resolve(context.Background(), "odd-1")
	assert.Equal(t, pkg.ValidationRouteOnly, policy.ValidationType)
	assert.Nil(t, site)
	assert.Zero(t, sites.calls)
}

func TestFailOpen(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*fakeProfiles, *fakeSites, *store.MemoryStore)
		agentID string
	}{
		{"profile error", func(p *fakeProfiles, _ *fakeSites, _ *store.MemoryStore) { p.err = errors.New("timeout") }, "kiosk-1"},
		{"unknown agent", func(*fakeProfiles, *fakeSites, *store.MemoryStore) {}, "ghost"},
		{"site directory error", func(_ *fakeProfiles, s *fakeSites, _ *store.MemoryStore) { s.err = errors.New("503") }, "kiosk-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			profiles, sites, policies := fixture()
			tt.mutate(profiles, sites, policies)

			policy, site := newTestResolver(profiles, sites, policies).Resolve(context.Background(), tt.agentID)
			require.NotNil(t, policy)
			assert.True(t, policy.Degraded)
			assert.Equal(t, pkg.ValidationRouteOnly, policy.ValidationType)
			assert.Equal(t, tt.agentID, policy.AgentID)
			assert.Nil(t, site)
			assert.NoError(t, policy.Validate())
		})
	}
}

func TestWriteBackFailureIsNotFatal(t *testing.T) {
	profiles, sites, policies := fixture()
	policies.FailWrites(func(string) error { return errors.New("read-only") })

	policy, site := newTestResolver(profiles, sites, policies).Resolve(context.Background(), "kiosk-1")
	assert.False(t, policy.Degraded)
	assert.Equal(t, pkg.ValidationFixedLocation, policy.ValidationType)
	assert.NotNil(t, site)
}

func TestAssignedPointSynthesizesSite(t *testing.T) {
	profiles, sites, policies := fixture()
	ctx := context.Background()
	profiles.profiles["post-9"] = &pkg.AgentProfile{AgentID: "post-9", ProductLine: "fixed_post", AssignedSiteID: "s9"}

	existing := pkg.DefaultAgentPolicy("post-9", pkg.ValidationFixedLocation)
	p := zocalo
	existing.AssignedPoint = &p
	existing.AllowedRadiusMeters = 120
	require.NoError(t, policies.PutPolicy(ctx, existing))

	_, site := newTestResolver(profiles, sites, policies).Resolve(ctx, "post-9")
	require.NotNil(t, site)
	assert.Equal(t, "s9", site.SiteID)
	assert.Equal(t, zocalo, *site.Point)
	assert.Equal(t, 120.0, site.RadiusMeters)
}

func TestSiteRadiusFallsBackToPolicy(t *testing.T) {
	profiles, sites, policies := fixture()
	sites.sites["s1"].RadiusMeters = 0

	policy, site := newTestResolver(profiles, sites, policies).Resolve(context.Background(), "kiosk-1")
	require.NotNil(t, site)
	assert.Equal(t, policy.AllowedRadiusMeters, site.RadiusMeters)
}

func TestUnconfiguredSiteIsReturned(t *testing.T) {
	profiles, sites, policies := fixture()
	profiles.profiles["kiosk-1"].AssignedSiteID = "s2"

	_, site := newTestResolver(profiles, sites, policies).Resolve(context.Background(), "kiosk-1")
	require.NotNil(t, site)
	assert.False(t, site.Configured())
}
