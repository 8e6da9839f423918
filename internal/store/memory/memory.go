// Package memory is an in-process implementation of store.Store. It backs tests and
// runs without DATABASE_URL.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yourorg/yield-intel/internal/model"
	"github.com/yourorg/yield-intel/internal/store"
)

// Store keeps every entity in maps guarded by one lock. Records are copied on the way
// in and out.
type Store struct {
	mu sync.RWMutex

	protocols map[string]model.Protocol
	pools     map[string]model.Pool
	snapshots map[string]model.YieldSnapshot
	byPool    map[string][]string
	events    map[string]model.RawEvent
	metrics   map[string]model.PoolMetrics

	// failApply lets tests reject selected multi-entity writes
	failApply func(store.Writes) error
}

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		protocols: make(map[string]model.Protocol),
		pools:     make(map[string]model.Pool),
		snapshots: make(map[string]model.YieldSnapshot),
		byPool:    make(map[string][]string),
		events:    make(map[string]model.RawEvent),
		metrics:   make(map[string]model.PoolMetrics),
	}
}

// FailApplyWhen installs a hook that can reject Apply calls. A nil hook clears it.
func (s *Store) FailApplyWhen(fn func(store.Writes) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failApply = fn
}

func (s *Store) GetProtocol(_ context.Context, id string) (model.Protocol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.protocols[id]
	if !ok {
		return model.Protocol{}, store.ErrNotFound
	}
	return p, nil
}

func (s *Store) ListProtocols(_ context.Context) ([]model.Protocol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Protocol, 0, len(s.protocols))
	for _, p := range s.protocols {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpsertProtocols(ctx context.Context, protocols []model.Protocol) error {
	return s.Apply(ctx, store.Writes{Protocols: protocols})
}

func (s *Store) InsertProtocols(_ context.Context, protocols []model.Protocol) (int, error) {
	if err := validate(store.Writes{Protocols: protocols}); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	inserted := 0
	for _, p := range protocols {
		if _, ok := s.protocols[p.ID]; ok {
			continue
		}
		p.UpdatedAt = now
		s.protocols[p.ID] = p
		inserted++
	}
	return inserted, nil
}

func (s *Store) GetPool(_ context.Context, id string) (model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pools[id]
	if !ok {
		return model.Pool{}, store.ErrNotFound
	}
	return p.Clone(), nil
}

func (s *Store) ListPools(_ context.Context, filter store.PoolFilter) ([]model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Pool, 0, len(s.pools))
	for _, p := range s.pools {
		if filter.Match(p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpsertPools(ctx context.Context, pools []model.Pool) error {
	return s.Apply(ctx, store.Writes{Pools: pools})
}

func (s *Store) InsertSnapshotsOnce(ctx context.Context, snaps []model.YieldSnapshot) (int, error) {
	if err := validate(store.Writes{Snapshots: snaps}); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertSnapshots(snaps), nil
}

func (s *Store) SnapshotsSince(_ context.Context, poolID string, since time.Time) ([]model.YieldSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.YieldSnapshot
	for _, id := range s.byPool[poolID] {
		snap := s.snapshots[id]
		if snap.Timestamp.Before(since) {
			continue
		}
		out = append(out, snap)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *Store) InsertRawEventsOnce(_ context.Context, events []model.RawEvent) (int, error) {
	if err := validate(store.Writes{RawEvents: events}); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertEvents(events), nil
}

func (s *Store) RawEventsExist(_ context.Context, ids []string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := s.events[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (s *Store) GetMetrics(_ context.Context, poolID string) (model.PoolMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.metrics[poolID]
	if !ok {
		return model.PoolMetrics{}, store.ErrNotFound
	}
	return m.Clone(), nil
}

func (s *Store) ListMetrics(_ context.Context) ([]model.PoolMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.PoolMetrics, 0, len(s.metrics))
	for _, m := range s.metrics {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PoolID < out[j].PoolID })
	return out, nil
}

func (s *Store) UpsertMetrics(ctx context.Context, metrics []model.PoolMetrics) error {
	return s.Apply(ctx, store.Writes{Metrics: metrics})
}

// Apply validates the whole write before touching any map, so it is all or nothing.
func (s *Store) Apply(_ context.Context, w store.Writes) error {
	if err := validate(w); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failApply != nil {
		if err := s.failApply(w); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	for _, p := range w.Protocols {
		p.UpdatedAt = now
		s.protocols[p.ID] = p
	}
	for _, p := range w.Pools {
		if existing, ok := s.pools[p.ID]; ok && !existing.CreatedAt.IsZero() {
			p.CreatedAt = existing.CreatedAt
		} else if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		s.pools[p.ID] = p.Clone()
	}
	s.insertSnapshots(w.Snapshots)
	s.insertEvents(w.RawEvents)
	for _, m := range w.Metrics {
		s.metrics[m.PoolID] = m.Clone()
	}
	return nil
}

func (s *Store) insertSnapshots(snaps []model.YieldSnapshot) int {
	inserted := 0
	for _, snap := range snaps {
		if _, ok := s.snapshots[snap.ID]; ok {
			continue
		}
		s.snapshots[snap.ID] = snap
		s.byPool[snap.PoolID] = append(s.byPool[snap.PoolID], snap.ID)
		inserted++
	}
	return inserted
}

func (s *Store) insertEvents(events []model.RawEvent) int {
	inserted := 0
	for _, e := range events {
		if _, ok := s.events[e.ID]; ok {
			continue
		}
		s.events[e.ID] = e.Clone()
		inserted++
	}
	return inserted
}

func validate(w store.Writes) error {
	for _, p := range w.Protocols {
		if p.ID == "" {
			return store.ErrInvalidInput
		}
	}
	for _, p := range w.Pools {
		if p.ID == "" {
			return store.ErrInvalidInput
		}
	}
	for _, s := range w.Snapshots {
		if s.ID == "" || s.PoolID == "" {
			return store.ErrInvalidInput
		}
	}
	for _, e := range w.RawEvents {
		if e.ID == "" {
			return store.ErrInvalidInput
		}
	}
	for _, m := range w.Metrics {
		if m.PoolID == "" {
			return store.ErrInvalidInput
		}
	}
	return nil
}
