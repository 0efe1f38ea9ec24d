package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
)

// Device status values a handset may publish instead of a fix
const (
	StatusLocationDisabled = "location_disabled"
	StatusPermissionDenied = "permission_denied"
)

// devicePayload is what a handset publishes on <prefix>/devices/<id>/fix
type devicePayload struct {
	Status    string   `json:"status,omitempty"`
	Lat       *float64 `json:"lat"`
	Lon       *float64 `json:"lon"`
	Accuracy  float64  `json:"accuracy"`
	Timestamp int64    `json:"ts"` // unix milliseconds
	Time      string   `json:"time,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Bearing   *float64 `json:"bearing,omitempty"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Provider  string   `json:"provider,omitempty"`
}

// cadenceRequest is published retained on <prefix>/devices/<id>/request
type cadenceRequest struct {
	Active         bool    `json:"active"`
	IntervalMS     int64   `json:"interval_ms,omitempty"`
	FastestMS      int64   `json:"fastest_ms,omitempty"`
	AccuracyMeters float64 `json:"accuracy_m,omitempty"`
}

// FixSource is a pkg.LocationProvider fed by handsets over MQTT
type FixSource struct {
	client *Client
	logger *logx.Logger
	now    func() time.Time

	mu      sync.Mutex
	agentID string
	sink    pkg.FixSink
}

// NewFixSource creates a provider over client
func NewFixSource(client *Client, logger *logx.Logger) *FixSource {
	return &FixSource{client: client, logger: logger, now: time.Now}
}

// Name implements pkg.LocationProvider
func (fs *FixSource) Name() string { return "mqtt" }

// RequestLocationUpdates implements pkg.LocationProvider. It publishes the
// requested cadence for the handset and subscribes to its fixes.
func (fs *FixSource) RequestLocationUpdates(ctx context.Context, req pkg.LocationRequest, sink pkg.FixSink) error {
	if !fs.client.Enabled() {
		return fmt.Errorf("mqtt fix source requires an enabled MQTT client")
	}
	if req.AgentID == "" {
		return fmt.Errorf("agent id is required")
	}

	fs.mu.Lock()
	if fs.sink != nil {
		fs.mu.Unlock()
		return fmt.Errorf("location updates already requested for %s", fs.agentID)
	}
	fs.agentID = req.AgentID
	fs.sink = sink
	fs.mu.Unlock()

	request := cadenceRequest{
		Active:         true,
		IntervalMS:     req.Interval.Milliseconds(),
		FastestMS:      req.Fastest.Milliseconds(),
		AccuracyMeters: req.AccuracyMeters,
	}
	if err := fs.client.PublishJSON(fs.client.Topic("devices", req.AgentID, "request"), request, true); err != nil {
		fs.reset()
		return err
	}
	if err := fs.client.Subscribe(fs.client.Topic("devices", req.AgentID, "fix"), fs.onMessage); err != nil {
		fs.reset()
		return err
	}

	fs.logger.Info("Requested device location updates",
		"agent_id", req.AgentID,
		"interval", req.Interval,
		"fastest", req.Fastest)
	return nil
}

// CancelLocationUpdates implements pkg.LocationProvider
func (fs *FixSource) CancelLocationUpdates() error {
	fs.mu.Lock()
	agentID := fs.agentID
	active := fs.sink != nil
	fs.mu.Unlock()
	if !active {
		return nil
	}
	fs.reset()

	var firstErr error
	if err := fs.client.Unsubscribe(fs.client.Topic("devices", agentID, "fix")); err != nil {
		firstErr = err
	}
	if err := fs.client.PublishJSON(fs.client.Topic("devices", agentID, "request"), cadenceRequest{Active: false}, true); err != nil && firstErr == nil {
		firstErr = err
	}
	fs.logger.Info("Cancelled device location updates", "agent_id", agentID)
	return firstErr
}

func (fs *FixSource) reset() {
	fs.mu.Lock()
	fs.sink = nil
	fs.agentID = ""
	fs.mu.Unlock()
}

func (fs *FixSource) onMessage(_ MQTT.Client, msg MQTT.Message) {
	fs.mu.Lock()
	sink := fs.sink
	fs.mu.Unlock()
	if sink == nil {
		return
	}

	fix, err := decodeFix(msg.Payload(), fs.now())
	if err != nil {
		fs.logger.Debug("Device message rejected", "topic", msg.Topic(), "error", err)
		sink.OnProviderError(err)
		return
	}
	sink.OnFix(fix)
}

// decodeFix turns a device payload into a fix. Status payloads map onto
// pkg.ErrLocationDisabled and pkg.ErrPermissionDenied. A payload without a
// timestamp is stamped with received.
func decodeFix(data []byte, received time.Time) (*pkg.LocationFix, error) {
	var p devicePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("malformed device payload: %w", err)
	}

	switch strings.ToLower(p.Status) {
	case "", "ok":
	case StatusLocationDisabled:
		return nil, pkg.ErrLocationDisabled
	case StatusPermissionDenied:
		return nil, pkg.ErrPermissionDenied
	default:
		return nil, fmt.Errorf("unknown device status %q", p.Status)
	}

	if p.Lat == nil || p.Lon == nil {
		return nil, fmt.Errorf("device payload has no coordinates")
	}

	capturedAt := received
	switch {
	case p.Timestamp > 0:
		capturedAt = time.UnixMilli(p.Timestamp).UTC()
	case p.Time != "":
		t, err := time.Parse(time.RFC3339, p.Time)
		if err != nil {
			return nil, fmt.Errorf("bad device timestamp %q: %w", p.Time, err)
		}
		capturedAt = t
	}

	provider := p.Provider
	if provider == "" {
		provider = pkg.ProviderMQTT
	}

	return &pkg.LocationFix{
		Point:          pkg.Point{Latitude: *p.Lat, Longitude: *p.Lon},
		AccuracyMeters: p.Accuracy,
		CapturedAt:     capturedAt,
		Speed:          p.Speed,
		Bearing:        p.Bearing,
		Altitude:       p.Altitude,
		Provider:       provider,
	}, nil
}
