package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-intel/internal/ingest"
	"github.com/yourorg/yield-intel/internal/validation"
)

// ErrEmptyFeed is returned when the discovery feed yields no usable record. Reconciling
// an empty feed would deactivate every discovered pool.
var ErrEmptyFeed = errors.New("discovery feed returned no usable pools")

// DiscoverySource is a feed of candidate pools. *fetch.DiscoveryClient and
// *fetch.VaultsFyiClient satisfy it.
type DiscoverySource interface {
	Source() string
	Fetch(ctx context.Context) ([]ingest.DiscoveredPool, error)
}

// DiscoveryJob merges the discovery feed into the pool set and then rescores.
type DiscoveryJob struct {
	name       string
	source     DiscoverySource
	reconciler *ingest.Reconciler
	validation validation.ValidationOptions
	score      *ScoreJob
}

// NewDiscoveryJob runs score after every successful reconcile when it is not nil.
func NewDiscoveryJob(source DiscoverySource, reconciler *ingest.Reconciler, opts validation.ValidationOptions, score *ScoreJob) *DiscoveryJob {
	return &DiscoveryJob{
		name:       "discovery",
		source:     source,
		reconciler: reconciler,
		validation: opts,
		score:      score,
	}
}

// Named sets the job name, so that several feeds can be scheduled side by side.
func (j *DiscoveryJob) Named(name string) *DiscoveryJob {
	j.name = name
	return j
}

func (j *DiscoveryJob) Name() string { return j.name }

func (j *DiscoveryJob) Run(ctx context.Context) error {
	_, err := j.Discover(ctx)
	return err
}

// Discover fetches, filters and reconciles the feed.
func (j *DiscoveryJob) Discover(ctx context.Context) (ingest.ReconcileResult, error) {
	found, err := j.source.Fetch(ctx)
	if err != nil {
		return ingest.ReconcileResult{}, fmt.Errorf("fetch discovery feed: %w", err)
	}

	valid := validation.FilterInvalidConcurrently(found, j.validation)
	Logger(ctx).WithFields(logrus.Fields{
		"source":   j.source.Source(),
		"received": len(found),
		"valid":    len(valid),
	}).Info("Discovery feed validated")
	if len(valid) == 0 {
		return ingest.ReconcileResult{}, ErrEmptyFeed
	}

	res, err := j.reconciler.Reconcile(ctx, j.source.Source(), valid)
	if err != nil {
		return res, fmt.Errorf("reconcile: %w", err)
	}

	if j.score != nil {
		if _, err := j.score.Score(ctx); err != nil {
			return res, fmt.Errorf("score after discovery: %w", err)
		}
	}
	return res, nil
}
