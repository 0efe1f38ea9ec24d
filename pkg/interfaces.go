package pkg

import (
	"context"
	"time"
)

// ProfileProvider supplies the identity/profile of an agent
type ProfileProvider interface {
	GetAgentProfile(ctx context.Context, agentID string) (*AgentProfile, error)
}

// SiteDirectory supplies site coordinates and radius.
// GetSite returns nil, nil when the site does not exist.
type SiteDirectory interface {
	GetSite(ctx context.Context, siteID string) (*Site, error)
}

// LocationRequest describes the cadence asked of a location provider
type LocationRequest struct {
	AgentID        string
	Interval       time.Duration
	Fastest        time.Duration
	AccuracyMeters float64
}

// FixSink receives asynchronous provider output
type FixSink interface {
	OnFix(fix *LocationFix)
	OnProviderError(err error)
}

// LocationProvider delivers raw fixes at a requested cadence
type LocationProvider interface {
	// RequestLocationUpdates subscribes sink to fixes until CancelLocationUpdates.
	// It returns ErrPermissionDenied when location access is not granted.
	RequestLocationUpdates(ctx context.Context, req LocationRequest, sink FixSink) error
	CancelLocationUpdates() error
	Name() string
}

// RecordStore is the append-only sink for tracking records
type RecordStore interface {
	AppendRecord(ctx context.Context, collection string, record interface{}) error
	UpdateAgentLastKnownLocation(ctx context.Context, agentID string, point Point, accuracy float64, at time.Time) error
}

// PolicyStore is the read/write path for agent policies.
// GetPolicy returns nil, nil when no policy exists.
type PolicyStore interface {
	GetPolicy(ctx context.Context, agentID string) (*AgentPolicy, error)
	PutPolicy(ctx context.Context, policy *AgentPolicy) error
}
