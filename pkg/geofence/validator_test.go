package geofence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/geo"
)

var zocalo = pkg.Point{Latitude: 19.4326, Longitude: -99.1332}

func fixAt(p pkg.Point) *pkg.LocationFix {
	return &pkg.LocationFix{Point: p, AccuracyMeters: 20, CapturedAt: time.Now()}
}

func kiosk(radius float64) *pkg.Site {
	p := zocalo
	return &pkg.Site{SiteID: "s1", Name: "Kiosk Zocalo", Point: &p, RadiusMeters: radius}
}

func TestDecisionTable(t *testing.T) {
	validator := NewValidator()
	fixed := pkg.DefaultAgentPolicy("a1", pkg.ValidationFixedLocation)
	route := pkg.DefaultAgentPolicy("a2", pkg.ValidationRouteOnly)
	far := geo.Destination(zocalo, 45, 1000)

	tests := []struct {
		name   string
		policy *pkg.AgentPolicy
		site   *pkg.Site
		fix    *pkg.LocationFix
		kind   Kind
	}{
		{"route only far away", route, kiosk(150), fixAt(far), Compliant},
		{"route only without site", route, nil, fixAt(far), Compliant},
		{"fixed without site", fixed, nil, fixAt(zocalo), Unassigned},
		{"fixed with unconfigured site", fixed, &pkg.Site{SiteID: "s2", RadiusMeters: 150}, fixAt(zocalo), SiteUnconfigured},
		{"fixed inside", fixed, kiosk(150), fixAt(geo.Destination(zocalo, 10, 100)), Compliant},
		{"fixed outside", fixed, kiosk(150), fixAt(far), OutOfBounds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, validator.Validate(tt.fix, tt.policy, tt.site).Kind)
		})
	}
}

func TestRouteOnlyAlwaysCompliant(t *testing.T) {
	validator := NewValidator()
	policy := pkg.DefaultAgentPolicy("a1", pkg.ValidationRouteOnly)

	for bearing := 0.0; bearing < 360; bearing += 30 {
		for _, distance := range []float64{0, 149, 151, 10000, 2_000_000} {
			fix := fixAt(geo.Destination(zocalo, bearing, distance))
			assert.Equal(t, Compliant, validator.Validate(fix, policy, kiosk(150)).Kind)
		}
	}
}

func TestOutOfBoundsDistanceMatchesHaversine(t *testing.T) {
	validator := NewValidator()
	policy := pkg.DefaultAgentPolicy("a1", pkg.ValidationFixedLocation)
	site := kiosk(150)

	for bearing := 0.0; bearing < 360; bearing += 45 {
		for _, distance := range []float64{151, 300, 301, 400, 5000} {
			point := geo.Destination(zocalo, bearing, distance)
			verdict := validator.Validate(fixAt(point), policy, site)

			assert.Equal(t, OutOfBounds, verdict.Kind)
			assert.InDelta(t, distance, verdict.DistanceMeters, 1.0)
			assert.InDelta(t, geo.Distance(point, zocalo), verdict.DistanceMeters, 1e-9)
			assert.Equal(t, 150.0, verdict.RadiusMeters)
		}
	}
}

func TestBoundaryIsInclusive(t *testing.T) {
	validator := NewValidator()
	policy := pkg.DefaultAgentPolicy("a1", pkg.ValidationFixedLocation)
	point := geo.Destination(zocalo, 77, 150)
	site := kiosk(geo.Distance(point, zocalo))

	verdict := validator.Validate(fixAt(point), policy, site)
	assert.Equal(t, Compliant, verdict.Kind)
	assert.Equal(t, verdict.RadiusMeters, verdict.DistanceMeters)

	inside, _ := Inside(fixAt(point), site, policy)
	assert.True(t, inside)
}

func TestInsideAgreesWithValidate(t *testing.T) {
	validator := NewValidator()
	policy := pkg.DefaultAgentPolicy("a1", pkg.ValidationFixedLocation)
	policy.AllowedRadiusMeters = 300
	site := kiosk(0)

	point := geo.Destination(zocalo, 45, 250)
	verdict := validator.Validate(fixAt(point), policy, site)
	assert.Equal(t, Compliant, verdict.Kind)

	inside, distance := Inside(fixAt(point), site, policy)
	assert.True(t, inside)
	assert.InDelta(t, verdict.DistanceMeters, distance, 1e-9)
}

func TestSeverity(t *testing.T) {
	assert.Equal(t, pkg.SeverityWarning, Verdict{Kind: OutOfBounds, DistanceMeters: 200, RadiusMeters: 150}.Severity())
	assert.Equal(t, pkg.SeverityWarning, Verdict{Kind: OutOfBounds, DistanceMeters: 300, RadiusMeters: 150}.Severity())
	assert.Equal(t, pkg.SeverityCritical, Verdict{Kind: OutOfBounds, DistanceMeters: 400, RadiusMeters: 150}.Severity())
}

func TestEffectiveRadiusFallback(t *testing.T) {
	policy := pkg.DefaultAgentPolicy("a1", pkg.ValidationFixedLocation)
	policy.AllowedRadiusMeters = 80

	assert.Equal(t, 150.0, EffectiveRadius(kiosk(150), policy))
	assert.Equal(t, 80.0, EffectiveRadius(kiosk(0), policy))
	assert.Equal(t, pkg.DefaultAllowedRadiusMeters, EffectiveRadius(kiosk(0), nil))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "out_of_bounds", OutOfBounds.String())
	assert.Equal(t, "site_unconfigured", SiteUnconfigured.String())
}
