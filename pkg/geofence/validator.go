// Package geofence classifies a fix against an agent's assigned site.
package geofence

import (
	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/geo"
)

// Kind is the compliance classification of one fix
type Kind int

const (
	Compliant Kind = iota
	OutOfBounds
	Unassigned
	SiteUnconfigured
)

func (k Kind) String() string {
	switch k {
	case Compliant:
		return "compliant"
	case OutOfBounds:
		return "out_of_bounds"
	case Unassigned:
		return "unassigned"
	case SiteUnconfigured:
		return "site_unconfigured"
	default:
		return "unknown"
	}
}

// Verdict is the validator output. DistanceMeters and RadiusMeters are set
// whenever a distance was actually measured.
type Verdict struct {
	Kind           Kind
	DistanceMeters float64
	RadiusMeters   float64
	Measured       bool
}

// Severity returns Critical beyond twice the radius, Warning otherwise.
// It is meaningful only for OutOfBounds verdicts.
func (v Verdict) Severity() pkg.Severity {
	if v.DistanceMeters > 2*v.RadiusMeters {
		return pkg.SeverityCritical
	}
	return pkg.SeverityWarning
}

// Validator applies the geofence decision table
type Validator struct{}

// NewValidator creates a validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate classifies fix. RouteOnly agents are never geofenced. For
// FixedLocation agents a missing site is Unassigned, a site without a point is
// SiteUnconfigured, and otherwise the haversine distance is compared against
// the radius with an inclusive boundary.
func (v *Validator) Validate(fix *pkg.LocationFix, policy *pkg.AgentPolicy, site *pkg.Site) Verdict {
	if policy == nil || policy.ValidationType != pkg.ValidationFixedLocation {
		return Verdict{Kind: Compliant}
	}
	if site == nil {
		return Verdict{Kind: Unassigned}
	}
	if !site.Configured() {
		return Verdict{Kind: SiteUnconfigured}
	}

	radius := EffectiveRadius(site, policy)
	distance := geo.Distance(fix.Point, *site.Point)
	verdict := Verdict{DistanceMeters: distance, RadiusMeters: radius, Measured: true}
	if distance <= radius {
		verdict.Kind = Compliant
	} else {
		verdict.Kind = OutOfBounds
	}
	return verdict
}

// EffectiveRadius prefers the site's own radius and falls back to the policy
func EffectiveRadius(site *pkg.Site, policy *pkg.AgentPolicy) float64 {
	if site != nil && site.RadiusMeters > 0 {
		return site.RadiusMeters
	}
	if policy != nil && policy.AllowedRadiusMeters > 0 {
		return policy.AllowedRadiusMeters
	}
	return pkg.DefaultAllowedRadiusMeters
}

// Inside reports whether fix lies within the radius Validate would apply.
// Unconfigured sites contain nothing.
func Inside(fix *pkg.LocationFix, site *pkg.Site, policy *pkg.AgentPolicy) (bool, float64) {
	if !site.Configured() {
		return false, 0
	}
	distance := geo.Distance(fix.Point, *site.Point)
	return distance <= EffectiveRadius(site, policy), distance
}
