// Package store persists tracking records and serves the operator query
// surface.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/markus-lassfolk/fieldtrack/pkg"
	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
)

// Buckets created on open. AppendRecord creates others on demand.
var defaultBuckets = []string{
	pkg.CollectionLocationLogs,
	pkg.CollectionVisits,
	pkg.CollectionAlerts,
	pkg.CollectionPolicies,
	pkg.CollectionAgentStatus,
}

// BoltStore is a bbolt-backed record store. Each collection is a bucket and
// records are JSON values; keyed records are upserted under their key.
type BoltStore struct {
	db     *bolt.DB
	path   string
	logger *logx.Logger
}

// Open opens or creates the database at path
func Open(path string, logger *logx.Logger) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}

	bs := &BoltStore{db: db, path: path, logger: logger}
	if err := bs.initializeBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store buckets: %w", err)
	}

	logger.Info("Record store opened", "path", path)
	return bs, nil
}

// OpenReadOnly opens an existing database for queries. It shares the file
// with other readers but waits for a writer to close it.
func OpenReadOnly(path string, timeout time.Duration, logger *logx.Logger) (*BoltStore, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("record store %s: %w", path, err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{ReadOnly: true, Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open record store read-only (is fieldtrackd running?): %w", err)
	}
	return &BoltStore{db: db, path: path, logger: logger}, nil
}

func (bs *BoltStore) initializeBuckets() error {
	return bs.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range defaultBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

// Close closes the database
func (bs *BoltStore) Close() error {
	return bs.db.Close()
}

// AppendRecord implements pkg.RecordStore
func (bs *BoltStore) AppendRecord(ctx context.Context, collection string, record interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", collection, err)
	}

	err = bs.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return err
		}
		var key []byte
		if k, ok := record.(pkg.Keyed); ok && k.RecordKey() != "" {
			key = []byte(k.RecordKey())
		} else {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			key = make([]byte, 8)
			binary.BigEndian.PutUint64(key, seq)
		}
		return b.Put(key, data)
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", pkg.ErrBackendWrite, collection, err)
	}
	return nil
}

// UpdateAgentLastKnownLocation implements pkg.RecordStore
func (bs *BoltStore) UpdateAgentLastKnownLocation(ctx context.Context, agentID string, point pkg.Point, accuracy float64, at time.Time) error {
	snapshot := &pkg.LastKnownLocation{AgentID: agentID, Point: point, AccuracyMeters: accuracy, At: at}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	err = bs.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(pkg.CollectionAgentStatus)).Put([]byte(agentID), data)
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", pkg.ErrBackendWrite, pkg.CollectionAgentStatus, err)
	}
	return nil
}

// GetLastKnownLocation returns the agent's snapshot, or nil
func (bs *BoltStore) GetLastKnownLocation(ctx context.Context, agentID string) (*pkg.LastKnownLocation, error) {
	var snapshot *pkg.LastKnownLocation
	err := bs.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(pkg.CollectionAgentStatus)).Get([]byte(agentID))
		if data == nil {
			return nil
		}
		snapshot = &pkg.LastKnownLocation{}
		return json.Unmarshal(data, snapshot)
	})
	return snapshot, err
}

// GetPolicy implements pkg.PolicyStore
func (bs *BoltStore) GetPolicy(ctx context.Context, agentID string) (*pkg.AgentPolicy, error) {
	var policy *pkg.AgentPolicy
	err := bs.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(pkg.CollectionPolicies)).Get([]byte(agentID))
		if data == nil {
			return nil
		}
		policy = &pkg.AgentPolicy{}
		return json.Unmarshal(data, policy)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read policy %s: %w", agentID, err)
	}
	return policy, nil
}

// PutPolicy implements pkg.PolicyStore
func (bs *BoltStore) PutPolicy(ctx context.Context, policy *pkg.AgentPolicy) error {
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	return bs.AppendRecord(ctx, pkg.CollectionPolicies, policy)
}

// ListPolicies returns every stored policy ordered by agent id
func (bs *BoltStore) ListPolicies(ctx context.Context) ([]*pkg.AgentPolicy, error) {
	var policies []*pkg.AgentPolicy
	err := bs.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(pkg.CollectionPolicies)).ForEach(func(k, v []byte) error {
			var p pkg.AgentPolicy
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			policies = append(policies, &p)
			return nil
		})
	})
	return policies, err
}

// QueryAlerts returns matching alerts, newest first
func (bs *BoltStore) QueryAlerts(ctx context.Context, filter AlertFilter) ([]*pkg.Alert, error) {
	var alerts []*pkg.Alert
	err := bs.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(pkg.CollectionAlerts)).ForEach(func(k, v []byte) error {
			var a pkg.Alert
			if err := json.Unmarshal(v, &a); err != nil {
				bs.logger.Warn("Skipping undecodable alert", "key", string(k), "error", err)
				return nil
			}
			if filter.Match(&a) {
				alerts = append(alerts, &a)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(alerts, func(i, j int) bool { return alerts[i].DetectedAt.After(alerts[j].DetectedAt) })
	if filter.Limit > 0 && len(alerts) > filter.Limit {
		alerts = alerts[:filter.Limit]
	}
	return alerts, nil
}

// QueryVisits returns matching visits ordered by check-in time
func (bs *BoltStore) QueryVisits(ctx context.Context, filter VisitFilter) ([]*pkg.Visit, error) {
	var visits []*pkg.Visit
	err := bs.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(pkg.CollectionVisits)).ForEach(func(k, v []byte) error {
			var visit pkg.Visit
			if err := json.Unmarshal(v, &visit); err != nil {
				bs.logger.Warn("Skipping undecodable visit", "key", string(k), "error", err)
				return nil
			}
			if filter.Match(&visit) {
				visits = append(visits, &visit)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(visits, func(i, j int) bool { return visits[i].CheckInAt.Before(visits[j].CheckInAt) })
	if filter.Limit > 0 && len(visits) > filter.Limit {
		visits = visits[:filter.Limit]
	}
	return visits, nil
}

// ResolveAlert is the operator action closing an alert. The tracking engine
// never calls it.
func (bs *BoltStore) ResolveAlert(ctx context.Context, alertID string, status pkg.AlertStatus, by, notes string, at time.Time) error {
	if status != pkg.AlertStatusResolved && status != pkg.AlertStatusDismissed {
		return fmt.Errorf("alert can only move to %s or %s", pkg.AlertStatusResolved, pkg.AlertStatusDismissed)
	}
	return bs.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(pkg.CollectionAlerts))
		data := b.Get([]byte(alertID))
		if data == nil {
			return fmt.Errorf("alert %s: %w", alertID, pkg.ErrNotFound)
		}
		var a pkg.Alert
		if err := json.Unmarshal(data, &a); err != nil {
			return err
		}
		if a.Status != pkg.AlertStatusActive {
			return fmt.Errorf("alert %s is already %s", alertID, a.Status)
		}
		a.Status = status
		a.ResolvedAt = &at
		a.ResolvedBy = by
		a.Notes = notes
		updated, err := json.Marshal(&a)
		if err != nil {
			return err
		}
		return b.Put([]byte(alertID), updated)
	})
}

// CountRecords returns the number of records in a collection
func (bs *BoltStore) CountRecords(collection string) (int, error) {
	count := 0
	err := bs.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(collection))
		if b == nil {
			return nil
		}
		count = b.Stats().KeyN
		return nil
	})
	return count, err
}
