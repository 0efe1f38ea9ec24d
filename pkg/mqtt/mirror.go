package mqtt

import (
	"context"
	"fmt"
	"time"

	"github.com/markus-lassfolk/fieldtrack/pkg"
)

// envelope wraps every mirrored record
type envelope struct {
	Collection  string      `json:"collection"`
	PublishedAt time.Time   `json:"published_at"`
	Record      interface{} `json:"record"`
}

// Mirror publishes tracking records to <prefix>/<collection>. The last-known
// location of each agent is retained on <prefix>/agents/<id>/location so a
// dashboard sees it on subscribe. Alerts are additionally published to
// <prefix>/alerts/<severity>.
type Mirror struct {
	client *Client
	now    func() time.Time
}

// NewMirror creates a record mirror over client
func NewMirror(client *Client) *Mirror {
	return &Mirror{client: client, now: time.Now}
}

// AppendRecord implements pkg.RecordStore
func (m *Mirror) AppendRecord(ctx context.Context, collection string, record interface{}) error {
	msg := envelope{Collection: collection, PublishedAt: m.now().UTC(), Record: record}
	if err := m.client.PublishJSON(m.client.Topic(collection), msg, false); err != nil {
		return fmt.Errorf("%w: %v", pkg.ErrBackendWrite, err)
	}

	if alert, ok := record.(*pkg.Alert); ok {
		if err := m.client.PublishJSON(m.client.Topic("alerts", string(alert.Severity)), alert, false); err != nil {
			return fmt.Errorf("%w: %v", pkg.ErrBackendWrite, err)
		}
	}
	return nil
}

// UpdateAgentLastKnownLocation implements pkg.RecordStore
func (m *Mirror) UpdateAgentLastKnownLocation(ctx context.Context, agentID string, point pkg.Point, accuracy float64, at time.Time) error {
	lk := pkg.LastKnownLocation{AgentID: agentID, Point: point, AccuracyMeters: accuracy, At: at}
	if err := m.client.PublishJSON(m.client.Topic("agents", agentID, "location"), lk, true); err != nil {
		return fmt.Errorf("%w: %v", pkg.ErrBackendWrite, err)
	}
	return nil
}
