package store

import (
	"context"
	"time"

	"go.uber.org/multierr"

	"github.com/markus-lassfolk/fieldtrack/pkg"
)

// Tee writes every record to a primary store and a set of mirrors, such as
// the MQTT publisher. Every target is attempted; failures are combined.
type Tee struct {
	primary pkg.RecordStore
	mirrors []pkg.RecordStore
}

// NewTee creates a fan-out record store
func NewTee(primary pkg.RecordStore, mirrors ...pkg.RecordStore) *Tee {
	return &Tee{primary: primary, mirrors: mirrors}
}

// AppendRecord implements pkg.RecordStore
func (t *Tee) AppendRecord(ctx context.Context, collection string, record interface{}) error {
	err := t.primary.AppendRecord(ctx, collection, record)
	for _, m := range t.mirrors {
		err = multierr.Append(err, m.AppendRecord(ctx, collection, record))
	}
	return err
}

// UpdateAgentLastKnownLocation implements pkg.RecordStore
func (t *Tee) UpdateAgentLastKnownLocation(ctx context.Context, agentID string, point pkg.Point, accuracy float64, at time.Time) error {
	err := t.primary.UpdateAgentLastKnownLocation(ctx, agentID, point, accuracy, at)
	for _, m := range t.mirrors {
		err = multierr.Append(err, m.UpdateAgentLastKnownLocation(ctx, agentID, point, accuracy, at))
	}
	return err
}
