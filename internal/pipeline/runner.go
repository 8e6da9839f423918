package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yourorg/yield-intel/internal/otel"
)

var (
	// ErrAlreadyRunning is returned when a job is started while a run of it is in flight.
	ErrAlreadyRunning = errors.New("job already running")

	// ErrUnknownJob is returned for a job name that was never registered.
	ErrUnknownJob = errors.New("unknown job")
)

// Job is one periodic unit of work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// RunStatus describes the latest run of a job.
type RunStatus struct {
	Job        string    `json:"job"`
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Attempts   int       `json:"attempts"`
	Running    bool      `json:"running"`
	Error      string    `json:"error,omitempty"`
}

// RunnerOptions bound each run.
type RunnerOptions struct {
	// Timeout caps one run, retries included; zero means no limit
	Timeout time.Duration

	// RetryMaxElapsed caps the time spent retrying a failed run; zero disables retries
	RetryMaxElapsed time.Duration

	// RetryInitialInterval is the first backoff delay
	RetryInitialInterval time.Duration
}

// Runner executes registered jobs, never two runs of the same job at once.
type Runner struct {
	jobs    map[string]Job
	running *xsync.Map[string, struct{}]
	status  *xsync.Map[string, RunStatus]
	opts    RunnerOptions
	metrics *Metrics
}

func NewRunner(opts RunnerOptions, metrics *Metrics, jobs ...Job) *Runner {
	if opts.RetryInitialInterval <= 0 {
		opts.RetryInitialInterval = 5 * time.Second
	}
	r := &Runner{
		jobs:    make(map[string]Job, len(jobs)),
		running: xsync.NewMap[string, struct{}](),
		status:  xsync.NewMap[string, RunStatus](),
		opts:    opts,
		metrics: metrics,
	}
	for _, j := range jobs {
		r.jobs[j.Name()] = j
	}
	return r
}

// Jobs lists the registered job names in order.
func (r *Runner) Jobs() []string {
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes the named job and retries it with exponential backoff until it succeeds,
// the retry budget is spent or ctx ends.
func (r *Runner) Run(ctx context.Context, name string) error {
	job, ok := r.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	if _, loaded := r.running.LoadOrStore(name, struct{}{}); loaded {
		return ErrAlreadyRunning
	}
	defer r.running.Delete(name)

	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	runID := uuid.NewString()
	ctx, span := otel.Tracer().Start(ctx, "job."+name)
	defer span.End()
	span.SetAttributes(
		attribute.String("job", name),
		attribute.String("run_id", runID),
	)

	log := logrus.WithFields(logrus.Fields{"job": name, "run_id": runID})
	ctx = WithLogger(ctx, log)

	st := RunStatus{Job: name, RunID: runID, StartedAt: time.Now().UTC(), Running: true}
	r.status.Store(name, st)
	log.Info("Job started")

	op := func() error {
		st.Attempts++
		err := job.Run(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, ErrEmptyFeed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.metrics.retry(name)
		log.WithError(err).WithField("retry_in", wait.String()).Warn("Job failed, retrying")
	}
	err := backoff.RetryNotify(op, backoff.WithContext(r.policy(), ctx), notify)

	st.Running = false
	st.FinishedAt = time.Now().UTC()
	elapsed := st.FinishedAt.Sub(st.StartedAt)
	status := "success"
	if err != nil {
		status = "error"
		st.Error = err.Error()
		otel.RecordError(ctx, err)
		log.WithError(err).WithField("attempts", st.Attempts).Error("Job failed")
	} else {
		log.WithFields(logrus.Fields{
			"attempts": st.Attempts,
			"elapsed":  elapsed.String(),
		}).Info("Job finished")
	}
	r.status.Store(name, st)
	r.metrics.observeRun(name, status, elapsed)
	return err
}

func (r *Runner) policy() backoff.BackOff {
	if r.opts.RetryMaxElapsed <= 0 {
		return &backoff.StopBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.RetryInitialInterval
	b.MaxElapsedTime = r.opts.RetryMaxElapsed
	return b
}

// Status returns the latest run of every job that has run, ordered by job name.
func (r *Runner) Status() []RunStatus {
	out := make([]RunStatus, 0, len(r.jobs))
	r.status.Range(func(_ string, st RunStatus) bool {
		out = append(out, st)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out
}

type loggerKey struct{}

// WithLogger attaches a log entry to ctx.
func WithLogger(ctx context.Context, entry *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerKey{}, entry)
}

// Logger returns the entry attached to ctx, or the standard logger.
func Logger(ctx context.Context) *logrus.Entry {
	if entry, ok := ctx.Value(loggerKey{}).(*logrus.Entry); ok {
		return entry
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
