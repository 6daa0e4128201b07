package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ama66/datasync/internal/progress"
)

// PrometheusSink exports ingestion progress metrics via Prometheus. It owns
// all collectors for runs started/completed/active, page and batch counters,
// and throttle/reset tallies.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	pagesFetched    prometheus.Counter
	fetchDuration   prometheus.Histogram
	eventsFetched   prometheus.Counter
	eventsInserted  prometheus.Counter
	eventsDuplicate prometheus.Counter
	commitDuration  prometheus.Histogram
	throttleWaits   prometheus.Counter
	throttleDelay   prometheus.Histogram
	cursorResets    prometheus.Counter
	totalEstimate   prometheus.Gauge

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datasync_runs_started_total",
			Help: "Total drain runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datasync_runs_completed_total",
			Help: "Total drain runs completed partitioned by result.",
		}, []string{"result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "datasync_runs_active",
			Help: "Current number of active drain runs.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "datasync_run_duration_seconds",
			Help:    "Wall time per completed drain run.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"result"}),
		pagesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datasync_pages_fetched_total",
			Help: "Upstream pages fetched successfully.",
		}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "datasync_page_fetch_duration_seconds",
			Help:    "Latency of successful page fetches.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		eventsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datasync_events_fetched_total",
			Help: "Event records received from the upstream.",
		}),
		eventsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datasync_events_inserted_total",
			Help: "Event rows newly inserted into storage.",
		}),
		eventsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datasync_events_duplicate_total",
			Help: "Event rows skipped because their id was already stored.",
		}),
		commitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "datasync_batch_commit_duration_seconds",
			Help:    "Latency of batch persist plus checkpoint save.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		throttleWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datasync_throttle_waits_total",
			Help: "Throttle responses that imposed a shared penalty.",
		}),
		throttleDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "datasync_throttle_delay_seconds",
			Help:    "Delay imposed per throttle response.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		cursorResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datasync_cursor_resets_total",
			Help: "Times an expired cursor forced a restart from the beginning.",
		}),
		totalEstimate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "datasync_upstream_total_estimate",
			Help: "Upstream's best-effort total record count.",
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsActive,
		s.runDuration,
		s.pagesFetched,
		s.fetchDuration,
		s.eventsFetched,
		s.eventsInserted,
		s.eventsDuplicate,
		s.commitDuration,
		s.throttleWaits,
		s.throttleDelay,
		s.cursorResets,
		s.totalEstimate,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart, progress.StageRunDone, progress.StageRunError:
		s.handleRunEvent(evt)
	case progress.StagePageFetched:
		s.pagesFetched.Inc()
		s.eventsFetched.Add(float64(evt.Events))
		if evt.Dur > 0 {
			s.fetchDuration.Observe(evt.Dur.Seconds())
		}
		if evt.TotalEstimate > 0 {
			s.totalEstimate.Set(float64(evt.TotalEstimate))
		}
	case progress.StageBatchCommit:
		s.eventsInserted.Add(float64(evt.Inserted))
		s.eventsDuplicate.Add(float64(evt.Duplicates))
		if evt.Dur > 0 {
			s.commitDuration.Observe(evt.Dur.Seconds())
		}
	case progress.StageThrottled:
		s.throttleWaits.Inc()
		if evt.Dur > 0 {
			s.throttleDelay.Observe(evt.Dur.Seconds())
		}
	case progress.StageCursorReset:
		s.cursorResets.Inc()
	}
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsActive.Inc()
		}
	case progress.StageRunDone:
		s.runsCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case progress.StageRunError:
		s.runsCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	}
	if evt.Stage != progress.StageRunStart && s.tracker.complete(evt.RunID) {
		s.runsActive.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu     sync.Mutex
	active map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{active: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; ok {
		return false
	}
	t.active[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; !ok {
		return false
	}
	delete(t.active, id)
	return true
}
