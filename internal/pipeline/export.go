package pipeline

import (
	"context"
	"fmt"

	"github.com/yourorg/yield-intel/internal/model"
)

// Publisher delivers a ranking downstream. *export.WebhookExporter satisfies it.
type Publisher interface {
	Publish(ctx context.Context, ranked []model.RankedPool) error
}

// ExportJob publishes the current ranking.
type ExportJob struct {
	ranker    *Ranker
	publisher Publisher
}

func NewExportJob(ranker *Ranker, publisher Publisher) *ExportJob {
	return &ExportJob{ranker: ranker, publisher: publisher}
}

func (j *ExportJob) Name() string { return "export" }

func (j *ExportJob) Run(ctx context.Context) error {
	ranked, err := j.ranker.Ranking(ctx)
	if err != nil {
		return err
	}
	if err := j.publisher.Publish(ctx, ranked); err != nil {
		return fmt.Errorf("publish ranking: %w", err)
	}
	Logger(ctx).WithField("pools", len(ranked)).Debug("Ranking published")
	return nil
}
