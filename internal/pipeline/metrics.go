package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yourorg/yield-intel/internal/model"
)

// Metrics holds the Prometheus collectors of the jobs. A nil *Metrics records nothing.
type Metrics struct {
	jobRuns       *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobRetries    *prometheus.CounterVec
	poolOutcomes  *prometheus.CounterVec
	degradedReads *prometheus.CounterVec
	eventsApplied prometheus.Counter
	rankedPools   prometheus.Gauge
	topAdjusted   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yield_job_runs_total",
				Help: "Total number of job runs by outcome",
			},
			[]string{"job", "status"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "yield_job_duration_seconds",
				Help:    "Job run duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"job"},
		),
		jobRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yield_job_retries_total",
				Help: "Total number of whole-job retries",
			},
			[]string{"job"},
		),
		poolOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yield_pool_index_total",
				Help: "Pools processed by the index job, by outcome",
			},
			[]string{"outcome"},
		),
		degradedReads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yield_adapter_degraded_total",
				Help: "Adapter reads that degraded to the fallback or neutral reading",
			},
			[]string{"family"},
		),
		eventsApplied: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "yield_chain_events_applied_total",
				Help: "Chain events applied to pool state",
			},
		),
		rankedPools: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "yield_ranked_pools",
				Help: "Number of pools in the latest ranking",
			},
		),
		topAdjusted: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "yield_top_adjusted_apy",
				Help: "Adjusted APY of the best ranked pool",
			},
		),
	}

	reg.MustRegister(
		m.jobRuns,
		m.jobDuration,
		m.jobRetries,
		m.poolOutcomes,
		m.degradedReads,
		m.eventsApplied,
		m.rankedPools,
		m.topAdjusted,
	)
	return m
}

func (m *Metrics) observeRun(job, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, status).Inc()
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *Metrics) retry(job string) {
	if m == nil {
		return
	}
	m.jobRetries.WithLabelValues(job).Inc()
}

func (m *Metrics) indexed(s Summary) {
	if m == nil {
		return
	}
	m.poolOutcomes.WithLabelValues("succeeded").Add(float64(s.Succeeded))
	m.poolOutcomes.WithLabelValues("failed").Add(float64(s.Failed))
	m.poolOutcomes.WithLabelValues("degraded").Add(float64(s.Degraded))
}

// Degraded counts one degraded adapter read. It matches fetch.Dispatcher.OnDegraded.
func (m *Metrics) Degraded(family model.Family) {
	if m == nil {
		return
	}
	m.degradedReads.WithLabelValues(string(family)).Inc()
}

func (m *Metrics) eventsProcessed(n int) {
	if m == nil {
		return
	}
	m.eventsApplied.Add(float64(n))
}

func (m *Metrics) ranked(rows []model.RankedPool) {
	if m == nil {
		return
	}
	m.rankedPools.Set(float64(len(rows)))
	if len(rows) > 0 {
		m.topAdjusted.Set(rows[0].AdjustedAPY)
	} else {
		m.topAdjusted.Set(0)
	}
}
