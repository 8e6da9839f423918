// Package store defines the persistence contract of the pipeline. Every write is
// idempotent: upserts converge to the same row whether or not it existed, and
// insert-once writes silently skip ids that are already present.
package store

import (
	"context"
	"time"

	"github.com/yourorg/yield-intel/internal/model"
)

// PoolFilter narrows ListPools. Zero values match everything.
type PoolFilter struct {
	States        []model.LifecycleState
	DiscoveredVia string
}

// Match reports whether p passes the filter.
func (f PoolFilter) Match(p model.Pool) bool {
	if f.DiscoveredVia != "" && p.DiscoveredVia != f.DiscoveredVia {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if p.State == s {
			return true
		}
	}
	return false
}

// Writes is a multi-entity write. Protocols, pools and metrics are upserted; snapshots
// and raw events are inserted once.
type Writes struct {
	Protocols []model.Protocol
	Pools     []model.Pool
	Snapshots []model.YieldSnapshot
	RawEvents []model.RawEvent
	Metrics   []model.PoolMetrics
}

// Empty reports whether there is nothing to write.
func (w Writes) Empty() bool {
	return len(w.Protocols) == 0 && len(w.Pools) == 0 && len(w.Snapshots) == 0 &&
		len(w.RawEvents) == 0 && len(w.Metrics) == 0
}

// Append adds o's records to w.
func (w *Writes) Append(o Writes) {
	w.Protocols = append(w.Protocols, o.Protocols...)
	w.Pools = append(w.Pools, o.Pools...)
	w.Snapshots = append(w.Snapshots, o.Snapshots...)
	w.RawEvents = append(w.RawEvents, o.RawEvents...)
	w.Metrics = append(w.Metrics, o.Metrics...)
}

// Store persists the pipeline's entities.
type Store interface {
	GetProtocol(ctx context.Context, id string) (model.Protocol, error)
	ListProtocols(ctx context.Context) ([]model.Protocol, error)
	UpsertProtocols(ctx context.Context, protocols []model.Protocol) error
	// InsertProtocols adds the protocols not stored yet and leaves existing records, risk
	// scores included, untouched. It returns how many were added.
	InsertProtocols(ctx context.Context, protocols []model.Protocol) (int, error)

	GetPool(ctx context.Context, id string) (model.Pool, error)
	ListPools(ctx context.Context, filter PoolFilter) ([]model.Pool, error)
	UpsertPools(ctx context.Context, pools []model.Pool) error

	// InsertSnapshotsOnce returns how many snapshots were new.
	InsertSnapshotsOnce(ctx context.Context, snaps []model.YieldSnapshot) (int, error)

	// SnapshotsSince returns the pool's snapshots at or after since, oldest first.
	SnapshotsSince(ctx context.Context, poolID string, since time.Time) ([]model.YieldSnapshot, error)

	// InsertRawEventsOnce returns how many events were new.
	InsertRawEventsOnce(ctx context.Context, events []model.RawEvent) (int, error)

	// RawEventsExist reports which of ids are already stored.
	RawEventsExist(ctx context.Context, ids []string) (map[string]bool, error)

	GetMetrics(ctx context.Context, poolID string) (model.PoolMetrics, error)
	ListMetrics(ctx context.Context) ([]model.PoolMetrics, error)
	UpsertMetrics(ctx context.Context, metrics []model.PoolMetrics) error

	// Apply commits every record in w as one unit: all or nothing.
	Apply(ctx context.Context, w Writes) error
}
