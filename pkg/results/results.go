// Package results implements the Result Store: a time-indexed, cardinality-
// capped record of finished tasks, durable through the Persistence Port.
package results

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/meshcore/meshnode/pkg/errkind"
	"github.com/meshcore/meshnode/pkg/log"
	"github.com/meshcore/meshnode/pkg/metrics"
	"github.com/meshcore/meshnode/pkg/storage"
	"github.com/meshcore/meshnode/pkg/types"
)

// keyLayout sorts lexicographically in time order when RFC3339Nano-encoded
// with a fixed width, which is what makes storage.Store.Iterate return
// results oldest-first without the store knowing anything about time.
const keyLayout = "20060102T150405.000000000Z07:00"

// Store is the Result Store. It keeps an in-memory index (task_id and
// completed_at order) for fast point lookups and ordered scans, and mirrors
// every write through the Persistence Port for durability. A failure to
// persist is logged but never blocks the in-memory write or a status
// transition (spec §4.C3).
type Store struct {
	mu          sync.RWMutex
	byTaskID    map[string]*types.ResultRecord
	order       []*types.ResultRecord // ascending by CompletedAt
	maxRecords  int
	defaultTTL  time.Duration
	persistence storage.Store
	onPersistErr func(msg string)
}

// New creates a Store backed by persistence, capped at maxRecords (spec
// default 10000) with defaultTTL (spec default 24h) applied to records that
// don't set their own ExpiresAt.
func New(persistence storage.Store, maxRecords int, defaultTTL time.Duration) *Store {
	if maxRecords <= 0 {
		maxRecords = types.DefaultMaxStoredResults
	}
	if defaultTTL <= 0 {
		defaultTTL = types.DefaultResultTTL
	}
	return &Store{
		byTaskID:     make(map[string]*types.ResultRecord),
		persistence:  persistence,
		maxRecords:   maxRecords,
		defaultTTL:   defaultTTL,
		onPersistErr: log.Error,
	}
}

// Put accepts a finished task's ResultRecord, stamping ExpiresAt if unset
// and evicting the oldest records first if the write would exceed
// maxRecords, before the new record is written.
func (s *Store) Put(rec types.ResultRecord) error {
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = rec.CompletedAt.Add(s.defaultTTL)
	}

	s.mu.Lock()
	if _, exists := s.byTaskID[rec.TaskID]; !exists {
		for len(s.order) >= s.maxRecords {
			s.evictOldestLocked("capacity")
		}
	}

	cp := rec
	if old, exists := s.byTaskID[rec.TaskID]; exists {
		s.removeFromOrderLocked(old)
	}
	s.byTaskID[rec.TaskID] = &cp
	s.insertOrderedLocked(&cp)
	metrics.ResultStoreSize.Set(float64(len(s.order)))
	s.mu.Unlock()

	if s.persistence != nil {
		data, err := json.Marshal(rec)
		if err == nil {
			key := rec.CompletedAt.UTC().Format(keyLayout) + "-" + rec.TaskID
			if err := s.persistence.Put(storage.NamespaceResults, key, data); err != nil && s.onPersistErr != nil {
				s.onPersistErr("result store persistence write failed: " + err.Error())
			}
		}
	}
	return nil
}

// Get looks up a result by task_id. Contract: < 10 ms, O(1) map lookup.
func (s *Store) Get(taskID string) (types.ResultRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byTaskID[taskID]
	if !ok {
		return types.ResultRecord{}, errkind.New(errkind.NotFound)
	}
	return *rec, nil
}

// ByExecutingNode returns every record executed by nodeID, in no particular
// order.
func (s *Store) ByExecutingNode(nodeID string) []types.ResultRecord {
	return s.filter(func(r *types.ResultRecord) bool { return r.ExecutingNodeID == nodeID })
}

// ByKind returns every record of the given task kind.
func (s *Store) ByKind(kind string) []types.ResultRecord {
	return s.filter(func(r *types.ResultRecord) bool { return r.Kind == kind })
}

// ByTimeRange returns every record with CompletedAt in [from, to).
func (s *Store) ByTimeRange(from, to time.Time) []types.ResultRecord {
	return s.filter(func(r *types.ResultRecord) bool {
		return !r.CompletedAt.Before(from) && r.CompletedAt.Before(to)
	})
}

func (s *Store) filter(pred func(*types.ResultRecord) bool) []types.ResultRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.ResultRecord
	for _, rec := range s.order {
		if pred(rec) {
			out = append(out, *rec)
		}
	}
	return out
}

// Len reports the current number of held records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// StartExpirySweep runs a background loop evicting expired records at
// interval, until stop is closed. The sweep holds the write lock only for
// the duration of each removal, never across the sleep, so it never blocks
// reads for more than a single map/slice operation.
func (s *Store) StartExpirySweep(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweepExpired(time.Now())
			case <-stop:
				return
			}
		}
	}()
}

func (s *Store) sweepExpired(now time.Time) {
	for {
		s.mu.Lock()
		if len(s.order) == 0 || !s.order[0].ExpiresAt.Before(now) {
			s.mu.Unlock()
			return
		}
		s.evictOldestLocked("expired")
		s.mu.Unlock()
	}
}

func (s *Store) evictOldestLocked(reason string) {
	if len(s.order) == 0 {
		return
	}
	oldest := s.order[0]
	s.order = s.order[1:]
	delete(s.byTaskID, oldest.TaskID)
	metrics.ResultEvictionsTotal.WithLabelValues(reason).Inc()
	if s.persistence != nil {
		key := oldest.CompletedAt.UTC().Format(keyLayout) + "-" + oldest.TaskID
		_ = s.persistence.Delete(storage.NamespaceResults, key)
	}
}

func (s *Store) insertOrderedLocked(rec *types.ResultRecord) {
	i := sort.Search(len(s.order), func(i int) bool {
		return s.order[i].CompletedAt.After(rec.CompletedAt)
	})
	s.order = append(s.order, nil)
	copy(s.order[i+1:], s.order[i:])
	s.order[i] = rec
}

func (s *Store) removeFromOrderLocked(rec *types.ResultRecord) {
	for i, r := range s.order {
		if r == rec || r.TaskID == rec.TaskID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// SetPersistErrHandler overrides how persistence failures are surfaced
// (spec §4.C3: "failure to put is surfaced but never blocks status
// transitions"). Defaults to the shared log package's Error helper.
func (s *Store) SetPersistErrHandler(fn func(msg string)) {
	s.onPersistErr = fn
}
