package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/markus-lassfolk/fieldtrack/pkg"
)

// MemoryStore keeps records in RAM. It backs dry-run mode and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte
	order       map[string][]string
	lastKnown   map[string]*pkg.LastKnownLocation
	seq         uint64
	failWrites  func(collection string) error
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]map[string][]byte),
		order:       make(map[string][]string),
		lastKnown:   make(map[string]*pkg.LastKnownLocation),
	}
}

// AppendRecord implements pkg.RecordStore. Keyed records are upserted.
func (ms *MemoryStore) AppendRecord(ctx context.Context, collection string, record interface{}) error {
	if err := ms.checkFail(collection); err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", collection, err)
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.seq++
	key := recordKey(record, ms.seq)
	bucket, ok := ms.collections[collection]
	if !ok {
		bucket = make(map[string][]byte)
		ms.collections[collection] = bucket
	}
	if _, exists := bucket[key]; !exists {
		ms.order[collection] = append(ms.order[collection], key)
	}
	bucket[key] = data
	return nil
}

// UpdateAgentLastKnownLocation implements pkg.RecordStore
func (ms *MemoryStore) UpdateAgentLastKnownLocation(ctx context.Context, agentID string, point pkg.Point, accuracy float64, at time.Time) error {
	if err := ms.checkFail(pkg.CollectionAgentStatus); err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.lastKnown[agentID] = &pkg.LastKnownLocation{AgentID: agentID, Point: point, AccuracyMeters: accuracy, At: at}
	return nil
}

// GetPolicy implements pkg.PolicyStore
func (ms *MemoryStore) GetPolicy(ctx context.Context, agentID string) (*pkg.AgentPolicy, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	data, ok := ms.collections[pkg.CollectionPolicies][agentID]
	if !ok {
		return nil, nil
	}
	var policy pkg.AgentPolicy
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to decode policy: %w", err)
	}
	return &policy, nil
}

// PutPolicy implements pkg.PolicyStore
func (ms *MemoryStore) PutPolicy(ctx context.Context, policy *pkg.AgentPolicy) error {
	return ms.AppendRecord(ctx, pkg.CollectionPolicies, policy)
}

// LastKnown returns the snapshot for agentID, or nil
func (ms *MemoryStore) LastKnown(agentID string) *pkg.LastKnownLocation {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if lk, ok := ms.lastKnown[agentID]; ok {
		cp := *lk
		return &cp
	}
	return nil
}

// Count returns the number of distinct records in a collection
func (ms *MemoryStore) Count(collection string) int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.collections[collection])
}

// Alerts decodes every stored alert in insertion order
func (ms *MemoryStore) Alerts() []*pkg.Alert {
	var out []*pkg.Alert
	ms.decodeAll(pkg.CollectionAlerts, func(data []byte) {
		var a pkg.Alert
		if json.Unmarshal(data, &a) == nil {
			out = append(out, &a)
		}
	})
	return out
}

// Visits decodes every stored visit in insertion order
func (ms *MemoryStore) Visits() []*pkg.Visit {
	var out []*pkg.Visit
	ms.decodeAll(pkg.CollectionVisits, func(data []byte) {
		var v pkg.Visit
		if json.Unmarshal(data, &v) == nil {
			out = append(out, &v)
		}
	})
	return out
}

// LocationLogs decodes every stored fix log sorted by capture time
func (ms *MemoryStore) LocationLogs() []*pkg.LocationLog {
	var out []*pkg.LocationLog
	ms.decodeAll(pkg.CollectionLocationLogs, func(data []byte) {
		var l pkg.LocationLog
		if json.Unmarshal(data, &l) == nil {
			out = append(out, &l)
		}
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Fix.CapturedAt.Before(out[j].Fix.CapturedAt) })
	return out
}

func (ms *MemoryStore) decodeAll(collection string, fn func([]byte)) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	for _, key := range ms.order[collection] {
		fn(ms.collections[collection][key])
	}
}

// FailWrites installs a hook consulted before every write; a non-nil result
// fails the write. Passing nil clears it.
func (ms *MemoryStore) FailWrites(fn func(collection string) error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.failWrites = fn
}

func (ms *MemoryStore) checkFail(collection string) error {
	ms.mu.RLock()
	fn := ms.failWrites
	ms.mu.RUnlock()
	if fn == nil {
		return nil
	}
	if err := fn(collection); err != nil {
		return fmt.Errorf("%w: %v", pkg.ErrBackendWrite, err)
	}
	return nil
}

func recordKey(record interface{}, seq uint64) string {
	if k, ok := record.(pkg.Keyed); ok && k.RecordKey() != "" {
		return k.RecordKey()
	}
	return fmt.Sprintf("%020d", seq)
}
