// Package metrics exposes acquisition and analysis counters to Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/mrzor/vme-daq/internal/demux"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vmedaq"

// Metrics implements acquisition.Observer and pipeline.Observer.
type Metrics struct {
	cycles        *prometheus.CounterVec // result: committed, discarded
	cycleDuration prometheus.Histogram
	moduleAcquire *prometheus.HistogramVec // module
	stallResets   prometheus.Counter
	polls         prometheus.Counter

	processed       *prometheus.CounterVec // result: ok, error
	processDuration prometheus.Histogram
	decodeIssues    *prometheus.CounterVec // source, kind

	eventRate   prometheus.Gauge
	triggerRate prometheus.Gauge
	bufferDepth prometheus.Gauge
	running     prometheus.Gauge
	runs        prometheus.Counter
}

var fastBuckets = []float64{1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 5e-4, 1e-3, 5e-3, 1e-2}

// New creates the collectors and registers them with reg. A nil reg
// disables metrics and returns nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "acquisition",
			Name:      "cycles_total",
			Help:      "Acquisition cycles by result",
		}, []string{"result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "acquisition",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one acquisition cycle",
			Buckets:   fastBuckets,
		}),
		moduleAcquire: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "acquisition",
			Name:      "module_acquire_duration_seconds",
			Help:      "Duration of one module readout",
			Buckets:   fastBuckets,
		}, []string{"module"}),
		stallResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "acquisition",
			Name:      "stall_resets_total",
			Help:      "Panic resets issued after the poll-count threshold",
		}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "acquisition",
			Name:      "polls_total",
			Help:      "Interrupt status polls",
		}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "events_total",
			Help:      "Events driven through the analysis graph by result",
		}, []string{"result"}),
		processDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "event_duration_seconds",
			Help:      "Analysis graph time per event",
			Buckets:   fastBuckets,
		}),
		decodeIssues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "demux",
			Name:      "issues_total",
			Help:      "Recoverable protocol decode errors",
		}, []string{"source", "kind"}),
		eventRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "event_rate_hz",
			Help:      "Smoothed committed event rate",
		}),
		triggerRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "trigger_rate_hz",
			Help:      "External trigger rate",
		}),
		bufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "buffer_depth",
			Help:      "Events queued between scheduler and pipeline",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "running",
			Help:      "1 while a run is active",
		}),
		runs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "started_total",
			Help:      "Runs started",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.cycles, m.cycleDuration, m.moduleAcquire, m.stallResets, m.polls,
		m.processed, m.processDuration, m.decodeIssues,
		m.eventRate, m.triggerRate, m.bufferDepth, m.running, m.runs,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) CycleDone(committed bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "discarded"
	if committed {
		result = "committed"
	}
	m.cycles.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Metrics) ModuleAcquired(module string, d time.Duration) {
	if m == nil {
		return
	}
	m.moduleAcquire.WithLabelValues(module).Observe(d.Seconds())
}

func (m *Metrics) StallReset() {
	if m == nil {
		return
	}
	m.stallResets.Inc()
}

// AddPolls adds the polls counted since the last call.
func (m *Metrics) AddPolls(delta uint64) {
	if m == nil {
		return
	}
	m.polls.Add(float64(delta))
}

func (m *Metrics) EventProcessed(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.processed.WithLabelValues(result).Inc()
	m.processDuration.Observe(d.Seconds())
}

// DecodeIssue counts one decode issue of a module or processor node.
func (m *Metrics) DecodeIssue(source string, is demux.Issue) {
	if m == nil {
		return
	}
	m.decodeIssues.WithLabelValues(source, is.Kind.String()).Inc()
}

// Rates publishes one statistics update.
func (m *Metrics) Rates(eventRate, triggerRate float64, bufferDepth int) {
	if m == nil {
		return
	}
	m.eventRate.Set(eventRate)
	m.triggerRate.Set(triggerRate)
	m.bufferDepth.Set(float64(bufferDepth))
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runs.Inc()
	m.running.Set(1)
}

func (m *Metrics) RunStopped() {
	if m == nil {
		return
	}
	m.running.Set(0)
	m.eventRate.Set(0)
	m.triggerRate.Set(0)
	m.bufferDepth.Set(0)
}
