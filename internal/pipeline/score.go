package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-intel/internal/ingest"
	"github.com/yourorg/yield-intel/internal/model"
	"github.com/yourorg/yield-intel/internal/score"
	"github.com/yourorg/yield-intel/internal/store"
)

// ScoreSummary reports one scoring run.
type ScoreSummary struct {
	Scored int
	Failed map[string]error
}

// ScoreJob recomputes the stability metrics of every tracked pool.
type ScoreJob struct {
	store   store.Store
	ranker  *Ranker
	metrics *Metrics
	now     func() time.Time
}

// NewScoreJob refreshes the ranking gauges through ranker after each run when it is not
// nil.
func NewScoreJob(st store.Store, ranker *Ranker, metrics *Metrics) *ScoreJob {
	return &ScoreJob{store: st, ranker: ranker, metrics: metrics, now: time.Now}
}

func (j *ScoreJob) Name() string { return "score" }

func (j *ScoreJob) Run(ctx context.Context) error {
	_, err := j.Score(ctx)
	return err
}

// Score reads the last week of snapshots per pool and upserts the metrics. One pool's
// failure does not affect the others.
func (j *ScoreJob) Score(ctx context.Context) (ScoreSummary, error) {
	res := ScoreSummary{Failed: make(map[string]error)}
	now := j.now().UTC()

	pools, err := j.store.ListPools(ctx, store.PoolFilter{
		States: []model.LifecycleState{model.StateUnknown, model.StateActive},
	})
	if err != nil {
		return res, fmt.Errorf("list pools: %w", err)
	}

	batch := ingest.NewBatch()
	for _, p := range pools {
		snaps, err := j.store.SnapshotsSince(ctx, p.ID, now.Add(-score.HistorySpan))
		if err != nil {
			res.Failed[p.ID] = err
			continue
		}
		batch.SetMetrics(score.Compute(p.ID, score.SamplesFromSnapshots(snaps), now))
	}

	commit := batch.Commit(ctx, j.store)
	for id, err := range commit.Failed {
		res.Failed[id] = err
	}
	res.Scored = len(commit.Committed)

	Logger(ctx).WithFields(logrus.Fields{
		"scored": res.Scored,
		"failed": len(res.Failed),
	}).Info("Stability scores updated")

	if j.ranker != nil {
		if _, err := j.ranker.Ranking(ctx); err != nil {
			Logger(ctx).WithError(err).Warn("Ranking refresh failed")
		}
	}
	return res, nil
}

// Ranker answers the ranking query.
type Ranker struct {
	store       store.Store
	defaultRisk float64
	metrics     *Metrics
}

// NewRanker uses defaultRisk for pools whose protocol is not stored.
func NewRanker(st store.Store, defaultRisk float64, metrics *Metrics) *Ranker {
	return &Ranker{store: st, defaultRisk: defaultRisk, metrics: metrics}
}

// Ranking returns the active pools ordered by risk-adjusted APY.
func (r *Ranker) Ranking(ctx context.Context) ([]model.RankedPool, error) {
	pools, err := r.store.ListPools(ctx, store.PoolFilter{
		States: []model.LifecycleState{model.StateActive},
	})
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	protocols, err := r.store.ListProtocols(ctx)
	if err != nil {
		return nil, fmt.Errorf("list protocols: %w", err)
	}
	all, err := r.store.ListMetrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}

	risk := make(map[string]float64, len(protocols))
	for _, p := range protocols {
		risk[p.ID] = p.RiskScore
	}
	byPool := make(map[string]model.PoolMetrics, len(all))
	for _, m := range all {
		byPool[m.PoolID] = m
	}

	cands := make([]score.Candidate, 0, len(pools))
	for _, p := range pools {
		c := score.Candidate{Pool: p, RiskScore: r.defaultRisk}
		if v, ok := risk[p.ProtocolID]; ok {
			c.RiskScore = v
		}
		if m, ok := byPool[p.ID]; ok {
			c.Metrics = &m
		}
		cands = append(cands, c)
	}

	ranked := score.Rank(cands)
	r.metrics.ranked(ranked)
	return ranked, nil
}
