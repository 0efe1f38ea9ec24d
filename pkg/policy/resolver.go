// Package policy resolves the per-agent tracking policy and assigned site.
package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
)

// productLines maps a product line onto its geofence policy. Field sales
// lines roam; fixed-post lines are held to their site.
var productLines = map[string]pkg.ValidationType{
	"field_sales":    pkg.ValidationRouteOnly,
	"door_to_door":   pkg.ValidationRouteOnly,
	"route":          pkg.ValidationRouteOnly,
	"prepaid_route":  pkg.ValidationRouteOnly,
	"fixed_post":     pkg.ValidationFixedLocation,
	"kiosk":          pkg.ValidationFixedLocation,
	"retail_counter": pkg.ValidationFixedLocation,
	"partner_stand":  pkg.ValidationFixedLocation,
}

// ValidationTypeFor maps a product line onto a validation type. Unknown lines
// are treated as route-only.
func ValidationTypeFor(productLine string) pkg.ValidationType {
	key := strings.ToLower(strings.TrimSpace(productLine))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	if vt, ok := productLines[key]; ok {
		return vt
	}
	return pkg.ValidationRouteOnly
}

// Defaults are applied to lazily created policies
type Defaults struct {
	AllowedRadiusMeters float64
	SamplingInterval    time.Duration
	FastestInterval     time.Duration
	MinAccuracyMeters   float64
	MinDistanceMeters   float64
}

// DefaultDefaults returns the documented policy defaults
func DefaultDefaults() Defaults {
	return Defaults{
		AllowedRadiusMeters: pkg.DefaultAllowedRadiusMeters,
		SamplingInterval:    pkg.DefaultSamplingInterval,
		FastestInterval:     pkg.DefaultFastestInterval,
		MinAccuracyMeters:   pkg.DefaultMinAccuracyMeters,
		MinDistanceMeters:   pkg.DefaultMinDistanceMeters,
	}
}

// Resolver loads an agent's policy and site once per session start. Every
// collaborator failure degrades to a route-only policy so that sampling still
// runs.
type Resolver struct {
	profiles pkg.ProfileProvider
	sites    pkg.SiteDirectory
	policies pkg.PolicyStore
	defaults Defaults
	logger   *logx.Logger
	now      func() time.Time
}

// NewResolver creates a resolver
func NewResolver(profiles pkg.ProfileProvider, sites pkg.SiteDirectory, policies pkg.PolicyStore, defaults Defaults, logger *logx.Logger) *Resolver {
	return &Resolver{
		profiles: profiles,
		sites:    sites,
		policies: policies,
		defaults: defaults,
		logger:   logger,
		now:      time.Now,
	}
}

// Resolve returns the agent policy and, when one is assigned and reachable,
// its site. The policy is never nil.
func (r *Resolver) Resolve(ctx context.Context, agentID string) (*pkg.AgentPolicy, *pkg.Site) {
	profile, err := r.profiles.GetAgentProfile(ctx, agentID)
	if err != nil {
		return r.failOpen(agentID, fmt.Errorf("%w: profile: %v", pkg.ErrConfigResolution, err)), nil
	}

	policy, err := r.policies.GetPolicy(ctx, agentID)
	if err != nil {
		return r.failOpen(agentID, fmt.Errorf("%w: policy: %v", pkg.ErrConfigResolution, err)), nil
	}
	if policy == nil {
		policy = r.create(ctx, profile)
	}
	if profile.AssignedSiteID != "" && profile.AssignedSiteID != policy.AssignedSiteID {
		r.reassign(ctx, policy, profile.AssignedSiteID)
	}
	r.normalize(policy)

	site, err := r.resolveSite(ctx, policy)
	if err != nil {
		return r.failOpen(agentID, fmt.Errorf("%w: site: %v", pkg.ErrConfigResolution, err)), nil
	}

	r.logger.Info("Agent policy resolved",
		"agent_id", agentID,
		"validation_type", policy.ValidationType,
		"site_id", policy.AssignedSiteID,
		"site_configured", site.Configured(),
		"radius_m", policy.AllowedRadiusMeters,
		"sampling_interval", policy.SamplingInterval())
	return policy, site
}

// create synthesizes a default policy from the profile and writes it back.
// A failed write is logged; the synthesized policy is used regardless.
func (r *Resolver) create(ctx context.Context, profile *pkg.AgentProfile) *pkg.AgentPolicy {
	policy := pkg.DefaultAgentPolicy(profile.AgentID, ValidationTypeFor(profile.ProductLine))
	policy.ProductLine = profile.ProductLine
	policy.AssignedSiteID = profile.AssignedSiteID
	policy.AllowedRadiusMeters = r.defaults.AllowedRadiusMeters
	policy.SamplingIntervalMS = r.defaults.SamplingInterval.Milliseconds()
	policy.FastestIntervalMS = r.defaults.FastestInterval.Milliseconds()
	policy.MinAccuracyMeters = r.defaults.MinAccuracyMeters
	policy.MinDistanceMeters = r.defaults.MinDistanceMeters
	policy.CreatedAt = r.now()
	policy.UpdatedAt = policy.CreatedAt
	r.normalize(policy)

	if err := r.policies.PutPolicy(ctx, policy); err != nil {
		r.logger.Warn("Failed to write back default policy", "agent_id", profile.AgentID, "error", err)
	} else {
		r.logger.Info("Created default agent policy",
			"agent_id", profile.AgentID,
			"product_line", profile.ProductLine,
			"validation_type", policy.ValidationType)
	}
	return policy
}

// reassign moves the policy to the site the profile names. The profile is
// authoritative for the assignment; the stored policy follows it.
func (r *Resolver) reassign(ctx context.Context, policy *pkg.AgentPolicy, siteID string) {
	previous := policy.AssignedSiteID
	policy.AssignedSiteID = siteID
	policy.UpdatedAt = r.now()
	if err := r.policies.PutPolicy(ctx, policy); err != nil {
		r.logger.Warn("Failed to store site reassignment", "agent_id", policy.AgentID, "site_id", siteID, "error", err)
		return
	}
	if previous != "" {
		r.logger.Info("Agent reassigned to new site",
			"agent_id", policy.AgentID,
			"previous_site_id", previous,
			"site_id", siteID)
	}
}

// normalize repairs values that would break the invariants
func (r *Resolver) normalize(policy *pkg.AgentPolicy) {
	d := r.defaults
	if policy.AllowedRadiusMeters <= 0 {
		policy.AllowedRadiusMeters = d.AllowedRadiusMeters
	}
	if policy.MinAccuracyMeters <= 0 {
		policy.MinAccuracyMeters = d.MinAccuracyMeters
	}
	if policy.MinDistanceMeters < 0 {
		policy.MinDistanceMeters = d.MinDistanceMeters
	}
	if policy.SamplingIntervalMS <= 0 {
		policy.SamplingIntervalMS = d.SamplingInterval.Milliseconds()
	}
	if policy.FastestIntervalMS <= 0 || policy.FastestIntervalMS > policy.SamplingIntervalMS {
		policy.FastestIntervalMS = min(d.FastestInterval.Milliseconds(), policy.SamplingIntervalMS)
	}
	if policy.ValidationType != pkg.ValidationFixedLocation {
		policy.ValidationType = pkg.ValidationRouteOnly
	}
}

// resolveSite looks up the assigned site. A FixedLocation policy with an
// assigned point but no directory entry gets a site synthesized from it.
func (r *Resolver) resolveSite(ctx context.Context, policy *pkg.AgentPolicy) (*pkg.Site, error) {
	var site *pkg.Site
	if policy.AssignedSiteID != "" {
		found, err := r.sites.GetSite(ctx, policy.AssignedSiteID)
		if err != nil {
			return nil, err
		}
		site = found
	}

	if site == nil && policy.ValidationType == pkg.ValidationFixedLocation && policy.AssignedPoint != nil {
		p := *policy.AssignedPoint
		site = &pkg.Site{
			SiteID:       policy.AssignedSiteID,
			Name:         "assigned point",
			Point:        &p,
			RadiusMeters: policy.AllowedRadiusMeters,
		}
	}
	if site != nil && site.RadiusMeters <= 0 {
		site.RadiusMeters = policy.AllowedRadiusMeters
	}
	return site, nil
}

func (r *Resolver) failOpen(agentID string, err error) *pkg.AgentPolicy {
	r.logger.Warn("Config resolution failed, tracking as route-only", "agent_id", agentID, "error", err)
	policy := pkg.DefaultAgentPolicy(agentID, pkg.ValidationRouteOnly)
	policy.AllowedRadiusMeters = r.defaults.AllowedRadiusMeters
	policy.SamplingIntervalMS = r.defaults.SamplingInterval.Milliseconds()
	policy.FastestIntervalMS = r.defaults.FastestInterval.Milliseconds()
	policy.MinAccuracyMeters = r.defaults.MinAccuracyMeters
	policy.MinDistanceMeters = r.defaults.MinDistanceMeters
	policy.Degraded = true
	r.normalize(policy)
	return policy
}
