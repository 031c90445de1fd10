package triage

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	RunsTotal      *prometheus.CounterVec
	RowsTotal      *prometheus.CounterVec
	FatalFlaws     *prometheus.CounterVec
	OverflowRows   prometheus.Counter
	RunDuration    prometheus.Histogram
	RunInputRows   prometheus.Histogram
	PublishTotal   *prometheus.CounterVec
	LLMTokensIn    prometheus.Counter
	LLMTokensOut   prometheus.Counter
	UnscoredTables prometheus.Counter
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grantscout_runs_total",
			Help: "Total triage runs by final status.",
		}, []string{"status"}),
		RowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grantscout_rows_total",
			Help: "Total triaged rows by output partition.",
		}, []string{"partition"}),
		FatalFlaws: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grantscout_fatal_flaws_total",
			Help: "Fatal flaws found on relevant rows, by flaw.",
		}, []string{"flaw"}),
		OverflowRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grantscout_overflow_rows_total",
			Help: "Non-fatal candidates moved to Dirty past the Clean cap.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "grantscout_run_duration_seconds",
			Help:    "Duration of the triage engine per run in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8), // 100us .. ~1.6s
		}),
		RunInputRows: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "grantscout_run_input_rows",
			Help:    "Input rows per run.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8), // 1 .. 16384
		}),
		PublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grantscout_publish_total",
			Help: "Publish steps (brief, notify) by outcome.",
		}, []string{"step", "status"}),
		LLMTokensIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grantscout_llm_tokens_input_total",
			Help: "Total LLM input tokens consumed writing briefs.",
		}),
		LLMTokensOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grantscout_llm_tokens_output_total",
			Help: "Total LLM output tokens consumed writing briefs.",
		}),
		UnscoredTables: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grantscout_unscored_tables_total",
			Help: "Submitted tables that lacked the score columns.",
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RowsTotal,
		m.FatalFlaws,
		m.OverflowRows,
		m.RunDuration,
		m.RunInputRows,
		m.PublishTotal,
		m.LLMTokensIn,
		m.LLMTokensOut,
		m.UnscoredTables,
	)

	return m
}

// Hooks returns an EngineHooks that increments the corresponding metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnFlaw: func(f Flaw) {
			m.FatalFlaws.WithLabelValues(string(f)).Inc()
		},
		OnComplete: func(e *CompleteEvent) {
			m.RowsTotal.WithLabelValues(string(PartitionClean)).Add(float64(e.Clean))
			m.RowsTotal.WithLabelValues(string(PartitionDirty)).Add(float64(e.Dirty))
			m.RowsTotal.WithLabelValues(string(PartitionOutOfScope)).Add(float64(e.OutOfScope))
			m.OverflowRows.Add(float64(e.Overflow))
			m.RunDuration.Observe(e.Duration)
			m.RunInputRows.Observe(float64(e.Input))
		},
	}
}

func (m *Metrics) observeRun(r *Run) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(string(r.Status)).Inc()
	if r.Status == StatusUnscored {
		m.UnscoredTables.Inc()
	}
}

func (m *Metrics) observePublish(step string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.PublishTotal.WithLabelValues(step, status).Inc()
}

func (m *Metrics) observeTokens(in, out int) {
	if m == nil {
		return
	}
	m.LLMTokensIn.Add(float64(in))
	m.LLMTokensOut.Add(float64(out))
}
