// Package pipeline runs the periodic jobs: indexing pools, discovering new ones, ingesting
// chain events and recomputing stability scores.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-intel/internal/apy"
	"github.com/yourorg/yield-intel/internal/fetch"
	"github.com/yourorg/yield-intel/internal/ingest"
	"github.com/yourorg/yield-intel/internal/model"
	"github.com/yourorg/yield-intel/internal/store"
)

// DefaultCycle is the polling interval that snapshot ids are aligned to.
const DefaultCycle = time.Hour

// Reader reads one pool's contract. *fetch.Dispatcher satisfies it.
type Reader interface {
	Read(ctx context.Context, t fetch.Target) fetch.Reading
}

// Summary reports one index run.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Degraded  int

	// Errors holds the failure of each failed pool
	Errors map[string]error
}

// IndexOptions tune the index job.
type IndexOptions struct {
	Concurrency int
	Cycle       time.Duration

	// BlockTime annualizes per-block rates
	BlockTime time.Duration
}

// IndexJob reads every tracked pool and records its APY.
type IndexJob struct {
	store   store.Store
	reader  Reader
	locks   *ingest.PoolLocks
	opts    IndexOptions
	metrics *Metrics
	now     func() time.Time
}

func NewIndexJob(st store.Store, reader Reader, locks *ingest.PoolLocks, opts IndexOptions, metrics *Metrics) *IndexJob {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.Cycle <= 0 {
		opts.Cycle = DefaultCycle
	}
	if locks == nil {
		locks = ingest.NewPoolLocks()
	}
	return &IndexJob{
		store:   st,
		reader:  reader,
		locks:   locks,
		opts:    opts,
		metrics: metrics,
		now:     time.Now,
	}
}

func (j *IndexJob) Name() string { return "index" }

// Run satisfies Job. Per-pool failures are logged, not returned.
func (j *IndexJob) Run(ctx context.Context) error {
	_, err := j.Index(ctx)
	return err
}

// Index reads all unknown and active pools concurrently and commits their writes as one
// batch. The returned error covers failures that stop the whole run.
func (j *IndexJob) Index(ctx context.Context) (Summary, error) {
	sum := Summary{Errors: make(map[string]error)}

	pools, err := j.store.ListPools(ctx, store.PoolFilter{
		States: []model.LifecycleState{model.StateUnknown, model.StateActive},
	})
	if err != nil {
		return sum, fmt.Errorf("list pools: %w", err)
	}
	sum.Total = len(pools)
	if len(pools) == 0 {
		return sum, nil
	}

	cycleStart := ingest.CycleBoundary(j.now(), j.opts.Cycle)
	batch := ingest.NewBatch()

	var (
		mu      sync.Mutex
		unlocks []func()
	)
	defer func() {
		for _, unlock := range unlocks {
			unlock()
		}
	}()

	workers := pond.NewPool(j.opts.Concurrency)
	defer workers.StopAndWait()
	group := workers.NewGroupContext(ctx)
	groupCtx := group.Context()

	for _, p := range pools {
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			// held until the batch is committed
			unlock := j.locks.Lock(p.ID)
			mu.Lock()
			unlocks = append(unlocks, unlock)
			mu.Unlock()

			degraded, err := j.indexPool(groupCtx, p.ID, cycleStart, batch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				sum.Errors[p.ID] = err
				return
			}
			if degraded {
				sum.Degraded++
			}
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		Logger(ctx).WithError(err).Warn("Index workers reported an error")
	}
	if err := ctx.Err(); err != nil {
		return sum, err
	}

	res := batch.Commit(ctx, j.store)
	for id, err := range res.Failed {
		sum.Errors[id] = err
	}
	if res.ProtocolErr != nil {
		Logger(ctx).WithError(res.ProtocolErr).Error("Protocol writes failed")
	}
	sum.Failed = len(sum.Errors)
	sum.Succeeded = sum.Total - sum.Failed

	j.metrics.indexed(sum)
	Logger(ctx).WithFields(logrus.Fields{
		"total":     sum.Total,
		"succeeded": sum.Succeeded,
		"failed":    sum.Failed,
		"degraded":  sum.Degraded,
		"cycle":     cycleStart.Format(time.RFC3339),
	}).Info("Indexing complete")
	return sum, nil
}

// indexPool re-reads the pool under its lock so that writes from the event job between
// listing and reading are not lost.
func (j *IndexJob) indexPool(ctx context.Context, id string, cycleStart time.Time, batch *ingest.Batch) (bool, error) {
	pool, err := j.store.GetPool(ctx, id)
	if err != nil {
		return false, fmt.Errorf("get pool: %w", err)
	}

	r := j.reader.Read(ctx, TargetFor(pool))
	next, snap := ApplyReading(pool, r, cycleStart, j.opts.BlockTime)

	batch.SetPool(next)
	if snap != nil {
		batch.AddSnapshot(*snap)
	}

	Logger(ctx).WithFields(logrus.Fields{
		"pool":     id,
		"family":   r.Family,
		"apy":      next.CurrentAPY,
		"tvl":      next.CurrentTVL,
		"degraded": r.Degraded,
	}).Debug("Pool indexed")
	return r.Degraded, nil
}

// TargetFor builds the adapter target of a pool. Lending pools keyed by reserve pass the
// reserve as the underlying asset.
func TargetFor(p model.Pool) fetch.Target {
	underlying := p.SubKey
	if underlying == "" {
		underlying = p.UnderlyingToken
	}
	t := fetch.Target{
		Family:  p.Family,
		Address: common.HexToAddress(p.Address),
	}
	if common.IsHexAddress(underlying) {
		t.Underlying = common.HexToAddress(underlying)
	}
	return t
}

// ApplyReading folds one reading into the pool and returns the updated pool and the
// cycle's snapshot, if any.
//
// A degraded reading only refreshes TVL, when the fallback produced one. Opaque pools take
// the APY reported by the discovery feed. A share-price sample taken too soon after the
// previous one leaves the pool's APY alone and writes no snapshot.
func ApplyReading(pool model.Pool, r fetch.Reading, cycleStart time.Time, blockTime time.Duration) (model.Pool, *model.YieldSnapshot) {
	next := pool.Clone()
	if r.Degraded {
		if r.TVL > 0 {
			next.CurrentTVL = r.TVL
		}
		return next, nil
	}

	res := apy.Derive(apy.Input{
		Kind:           r.Kind,
		Raw:            r.Raw,
		PreviousPrice:  apy.ParsePrice(pool.LastPricePerShare),
		PreviousAt:     pool.LastPPSAt,
		Now:            cycleStart,
		PeriodsPerYear: apy.PeriodsPerYear(r.Cadence, blockTime),
	})
	if res.NextPrice != nil {
		next.LastPricePerShare = res.NextPrice.String()
		next.LastPPSAt = cycleStart
	}

	var value float64
	switch {
	case r.Kind == model.RateKindOpaque:
		if pool.ExternalAPY != nil {
			value = *pool.ExternalAPY
		}
	case res.Derived:
		value = res.APY
	case r.Kind == model.RateKindSharePrice && res.NextPrice == nil && r.Raw != nil && r.Raw.Sign() > 0:
		// previous sample is younger than the minimum interval
		next.CurrentTVL = r.TVL
		next.State = model.StateActive
		return next, nil
	}

	next.CurrentAPY = value
	next.CurrentTVL = r.TVL
	if cycleStart.After(next.LastUpdatedAt) {
		next.LastUpdatedAt = cycleStart
	}
	next.State = model.StateActive

	raw := "0"
	if r.Raw != nil {
		raw = r.Raw.String()
	}
	return next, &model.YieldSnapshot{
		ID:        ingest.PolledSnapshotID(pool.ID, cycleStart),
		PoolID:    pool.ID,
		Timestamp: cycleStart,
		APY:       value,
		TVL:       r.TVL,
		RawRate:   raw,
	}
}
