package pipeline

import (
	"context"
	"errors"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Scheduler triggers jobs from cron specs with a seconds field.
type Scheduler struct {
	cron   *cron.Cron
	runner *Runner
	ctx    context.Context
}

// NewScheduler runs jobs with ctx as their parent context. A run still in flight when its
// next tick fires makes that tick a no-op.
func NewScheduler(ctx context.Context, runner *Runner) *Scheduler {
	logger := cronLogger{entry: logrus.WithField("component", "cron")}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		runner: runner,
		ctx:    ctx,
	}
}

// Add schedules the named job. An empty spec leaves the job unscheduled.
func (s *Scheduler) Add(spec, job string) error {
	if spec == "" {
		return nil
	}
	_, err := s.cron.AddFunc(spec, func() {
		if err := s.runner.Run(s.ctx, job); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			logrus.WithError(err).WithField("job", job).Warn("Scheduled run failed")
		}
	})
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{"job": job, "spec": spec}).Info("Job scheduled")
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs and waits for running ones to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// cronLogger routes cron's messages to logrus.
type cronLogger struct {
	entry *logrus.Entry
}

func (l cronLogger) fields(kv []interface{}) *logrus.Entry {
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			f[k] = kv[i+1]
		}
	}
	return l.entry.WithFields(f)
}

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.fields(kv).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.fields(kv).WithError(err).Error(msg)
}
