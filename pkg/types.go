package pkg

import (
	"fmt"
	"math"
	"time"
)

// Point is a WGS84 coordinate pair in decimal degrees
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid reports whether the point is a usable coordinate
func (p Point) Valid() bool {
	if math.IsNaN(p.Latitude) || math.IsNaN(p.Longitude) {
		return false
	}
	return p.Latitude >= -90 && p.Latitude <= 90 && p.Longitude >= -180 && p.Longitude <= 180
}

func (p Point) String() string {
	return fmt.Sprintf("%.6f,%.6f", p.Latitude, p.Longitude)
}

// ValidationType selects the geofence policy applied to an agent
type ValidationType string

const (
	ValidationRouteOnly     ValidationType = "route_only"
	ValidationFixedLocation ValidationType = "fixed_location"
)

// Policy defaults
const (
	DefaultAllowedRadiusMeters = 150.0
	DefaultSamplingInterval    = 15 * time.Minute
	DefaultFastestInterval     = 5 * time.Minute
	DefaultMinAccuracyMeters   = 100.0
	DefaultMinDistanceMeters   = 10.0
)

// AgentPolicy is the per-agent tracking and compliance configuration
type AgentPolicy struct {
	AgentID             string         `json:"agent_id"`
	ProductLine         string         `json:"product_line,omitempty"`
	ValidationType      ValidationType `json:"validation_type"`
	AssignedSiteID      string         `json:"assigned_site_id,omitempty"`
	AssignedPoint       *Point         `json:"assigned_point,omitempty"`
	AllowedRadiusMeters float64        `json:"allowed_radius_meters"`
	SamplingIntervalMS  int64          `json:"sampling_interval_ms"`
	FastestIntervalMS   int64          `json:"fastest_interval_ms"`
	MinAccuracyMeters   float64        `json:"min_accuracy_meters"`
	MinDistanceMeters   float64        `json:"min_distance_meters"`
	IsActive            bool           `json:"is_active"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`

	// Degraded marks a fail-open policy synthesized after a resolution failure.
	// It is never persisted.
	Degraded bool `json:"-"`
}

// DefaultAgentPolicy returns a policy carrying the documented defaults
func DefaultAgentPolicy(agentID string, validationType ValidationType) *AgentPolicy {
	return &AgentPolicy{
		AgentID:             agentID,
		ValidationType:      validationType,
		AllowedRadiusMeters: DefaultAllowedRadiusMeters,
		SamplingIntervalMS:  DefaultSamplingInterval.Milliseconds(),
		FastestIntervalMS:   DefaultFastestInterval.Milliseconds(),
		MinAccuracyMeters:   DefaultMinAccuracyMeters,
		MinDistanceMeters:   DefaultMinDistanceMeters,
		IsActive:            true,
	}
}

// Validate checks the policy invariants
func (p *AgentPolicy) Validate() error {
	if p.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	switch p.ValidationType {
	case ValidationRouteOnly, ValidationFixedLocation:
	default:
		return fmt.Errorf("unknown validation_type %q", p.ValidationType)
	}
	if p.AllowedRadiusMeters <= 0 {
		return fmt.Errorf("allowed_radius_meters must be greater than 0")
	}
	if p.MinAccuracyMeters <= 0 {
		return fmt.Errorf("min_accuracy_meters must be greater than 0")
	}
	if p.SamplingIntervalMS <= 0 || p.FastestIntervalMS <= 0 {
		return fmt.Errorf("sampling intervals must be greater than 0")
	}
	if p.FastestIntervalMS > p.SamplingIntervalMS {
		return fmt.Errorf("fastest_interval_ms must not exceed sampling_interval_ms")
	}
	if p.AssignedPoint != nil && !p.AssignedPoint.Valid() {
		return fmt.Errorf("assigned_point %s is out of range", p.AssignedPoint)
	}
	return nil
}

// SamplingInterval returns the requested fix cadence
func (p *AgentPolicy) SamplingInterval() time.Duration {
	return time.Duration(p.SamplingIntervalMS) * time.Millisecond
}

// FastestInterval returns the lower bound on fix cadence
func (p *AgentPolicy) FastestInterval() time.Duration {
	return time.Duration(p.FastestIntervalMS) * time.Millisecond
}

// RecordKey implements Keyed
func (p *AgentPolicy) RecordKey() string { return p.AgentID }

// AgentProfile is what the identity provider knows about an agent
type AgentProfile struct {
	AgentID        string `json:"agent_id"`
	ProductLine    string `json:"product_line"`
	AssignedSiteID string `json:"assigned_site_id,omitempty"`
}

// Site is a fixed place of business with a compliance radius.
// A nil Point means the site exists but was never geolocated.
type Site struct {
	SiteID       string  `json:"site_id"`
	Name         string  `json:"name"`
	Point        *Point  `json:"point,omitempty"`
	RadiusMeters float64 `json:"radius_meters"`
}

// Configured reports whether the site can be used for distance checks
func (s *Site) Configured() bool {
	return s != nil && s.Point != nil && s.Point.Valid()
}

// Location providers
const (
	ProviderGPS     = "gps"
	ProviderNetwork = "network"
	ProviderMQTT    = "mqtt"
)

// LocationFix is one raw position reading from a device
type LocationFix struct {
	Point
	AccuracyMeters float64   `json:"accuracy_meters"`
	CapturedAt     time.Time `json:"captured_at"`
	Speed          *float64  `json:"speed,omitempty"`
	Bearing        *float64  `json:"bearing,omitempty"`
	Altitude       *float64  `json:"altitude,omitempty"`
	Provider       string    `json:"provider,omitempty"`
}

// LocationLog is the persisted form of an accepted fix
type LocationLog struct {
	AgentID  string      `json:"agent_id"`
	Fix      LocationFix `json:"fix"`
	Verdict  string      `json:"verdict"`
	SiteID   string      `json:"site_id,omitempty"`
	Distance *float64    `json:"distance_meters,omitempty"`
}

// RecordKey implements Keyed
func (l *LocationLog) RecordKey() string {
	return l.AgentID + "/" + l.Fix.CapturedAt.UTC().Format(time.RFC3339Nano)
}

// LastKnownLocation is the per-agent position snapshot
type LastKnownLocation struct {
	AgentID        string    `json:"agent_id"`
	Point          Point     `json:"point"`
	AccuracyMeters float64   `json:"accuracy_meters"`
	At             time.Time `json:"at"`
}

// VisitStatus is the lifecycle state of a Visit
type VisitStatus string

const (
	VisitActive    VisitStatus = "active"
	VisitCompleted VisitStatus = "completed"
	VisitAbandoned VisitStatus = "abandoned"
)

// Visit is a bounded interval during which an agent was inside a site's radius
type Visit struct {
	VisitID         string      `json:"visit_id"`
	AgentID         string      `json:"agent_id"`
	SiteID          string      `json:"site_id"`
	CheckInPoint    Point       `json:"check_in_point"`
	CheckInAt       time.Time   `json:"check_in_at"`
	CheckOutPoint   *Point      `json:"check_out_point,omitempty"`
	CheckOutAt      *time.Time  `json:"check_out_at,omitempty"`
	DurationMinutes *int64      `json:"duration_minutes,omitempty"`
	Status          VisitStatus `json:"status"`
}

// RecordKey implements Keyed
func (v *Visit) RecordKey() string { return v.VisitID }

// AlertType classifies a compliance alert
type AlertType string

const (
	AlertOutOfBounds AlertType = "out_of_bounds"
	AlertNoConfig    AlertType = "no_config"
	AlertGPSDisabled AlertType = "gps_disabled"
)

// Severity of an alert
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertStatus is changed only by operators
type AlertStatus string

const (
	AlertStatusActive    AlertStatus = "active"
	AlertStatusResolved  AlertStatus = "resolved"
	AlertStatusDismissed AlertStatus = "dismissed"
)

// Alert is a compliance violation record
type Alert struct {
	AlertID          string      `json:"alert_id"`
	AgentID          string      `json:"agent_id"`
	SiteID           string      `json:"site_id,omitempty"`
	DetectedPoint    Point       `json:"detected_point"`
	DetectedAccuracy float64     `json:"detected_accuracy"`
	AssignedPoint    *Point      `json:"assigned_point,omitempty"`
	AssignedName     string      `json:"assigned_name,omitempty"`
	DistanceMeters   float64     `json:"distance_meters"`
	AllowedRadius    float64     `json:"allowed_radius"`
	AlertType        AlertType   `json:"alert_type"`
	Severity         Severity    `json:"severity"`
	Status           AlertStatus `json:"status"`
	DetectedAt       time.Time   `json:"detected_at"`
	ResolvedAt       *time.Time  `json:"resolved_at,omitempty"`
	ResolvedBy       string      `json:"resolved_by,omitempty"`
	Notes            string      `json:"notes,omitempty"`
}

// RecordKey implements Keyed
func (a *Alert) RecordKey() string { return a.AlertID }

// Record store collections
const (
	CollectionLocationLogs = "location_logs"
	CollectionVisits       = "visits"
	CollectionAlerts       = "location_alerts"
	CollectionPolicies     = "agent_policies"
	CollectionAgentStatus  = "agent_locations"
)

// Keyed records are upserted under their own key
type Keyed interface {
	RecordKey() string
}
