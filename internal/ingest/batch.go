package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-intel/internal/model"
	"github.com/yourorg/yield-intel/internal/store"
)

// PoolWrites is everything one pool contributes to a cycle.
type PoolWrites struct {
	Pool      *model.Pool
	Snapshots []model.YieldSnapshot
	RawEvents []model.RawEvent
	Metrics   *model.PoolMetrics
}

func (pw *PoolWrites) writes() store.Writes {
	var w store.Writes
	if pw.Pool != nil {
		w.Pools = []model.Pool{*pw.Pool}
	}
	w.Snapshots = pw.Snapshots
	w.RawEvents = pw.RawEvents
	if pw.Metrics != nil {
		w.Metrics = []model.PoolMetrics{*pw.Metrics}
	}
	return w
}

// Batch accumulates the writes of one cycle, grouped by pool. It is safe for concurrent
// use by the workers of a cycle.
type Batch struct {
	mu        sync.Mutex
	protocols []model.Protocol
	pools     map[string]*PoolWrites
}

func NewBatch() *Batch {
	return &Batch{pools: make(map[string]*PoolWrites)}
}

func (b *Batch) entry(poolID string) *PoolWrites {
	pw, ok := b.pools[poolID]
	if !ok {
		pw = &PoolWrites{}
		b.pools[poolID] = pw
	}
	return pw
}

// AddProtocol queues a protocol upsert. Protocols are written ahead of any pool.
func (b *Batch) AddProtocol(p model.Protocol) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.protocols = append(b.protocols, p)
}

// SetPool queues the pool upsert, replacing an earlier one for the same id.
func (b *Batch) SetPool(p model.Pool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := p.Clone()
	b.entry(p.ID).Pool = &cp
}

func (b *Batch) AddSnapshot(s model.YieldSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pw := b.entry(s.PoolID)
	pw.Snapshots = append(pw.Snapshots, s)
}

func (b *Batch) AddRawEvent(e model.RawEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pw := b.entry(e.PoolID)
	pw.RawEvents = append(pw.RawEvents, e.Clone())
}

func (b *Batch) SetMetrics(m model.PoolMetrics) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := m.Clone()
	b.entry(m.PoolID).Metrics = &cp
}

// Len returns the number of pools with queued writes.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pools)
}

// CommitResult reports the outcome per pool.
type CommitResult struct {
	Committed []string
	Failed    map[string]error

	// ProtocolErr is set when the queued protocols could not be written
	ProtocolErr error
}

// Err joins every failure, or returns nil.
func (r CommitResult) Err() error {
	errs := make([]error, 0, len(r.Failed)+1)
	if r.ProtocolErr != nil {
		errs = append(errs, fmt.Errorf("protocols: %w", r.ProtocolErr))
	}
	for _, id := range sortedKeys(r.Failed) {
		errs = append(errs, fmt.Errorf("pool %s: %w", id, r.Failed[id]))
	}
	return errors.Join(errs...)
}

// Commit writes the batch as one unit. When that fails it writes the protocols alone and
// then each pool on its own, so one bad pool only fails itself.
func (b *Batch) Commit(ctx context.Context, st store.Store) CommitResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.pools))
	for id := range b.pools {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	res := CommitResult{Failed: make(map[string]error)}
	if len(ids) == 0 && len(b.protocols) == 0 {
		return res
	}

	all := store.Writes{Protocols: b.protocols}
	for _, id := range ids {
		all.Append(b.pools[id].writes())
	}
	err := st.Apply(ctx, all)
	if err == nil {
		res.Committed = ids
		return res
	}
	logrus.WithError(err).WithField("pools", len(ids)).Warn("Batch commit failed, retrying per pool")

	if len(b.protocols) > 0 {
		if err := st.Apply(ctx, store.Writes{Protocols: b.protocols}); err != nil {
			res.ProtocolErr = err
		}
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			res.Failed[id] = ctx.Err()
			continue
		}
		if err := st.Apply(ctx, b.pools[id].writes()); err != nil {
			logrus.WithError(err).WithField("pool", id).Error("Pool write failed")
			res.Failed[id] = err
			continue
		}
		res.Committed = append(res.Committed, id)
	}
	return res
}

func sortedKeys(m map[string]error) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
