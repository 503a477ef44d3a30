package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/sitepulse-crawler/internal/progress"
)

// PrometheusSink exports per-site crawl series.
type PrometheusSink struct {
	tasksStarted  prometheus.Counter
	tasksEnded    *prometheus.CounterVec
	tasksRunning  prometheus.Gauge
	taskDuration  *prometheus.HistogramVec
	fetchRequests *prometheus.CounterVec
	fetchBytes    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec

	tracker *taskTracker
}

// NewPrometheusSink registers the collectors against reg, defaulting to the
// global registerer.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		tasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawler_tasks_started_total",
			Help: "Tasks claimed for execution.",
		}),
		tasksEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_site_tasks_ended_total",
			Help: "Finished task executions partitioned by site and resulting status.",
		}, []string{"site", "status"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_tasks_running",
			Help: "Tasks currently executing in this process.",
		}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_task_duration_seconds",
			Help:    "Wall time per task execution by resulting status.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"status"}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_site_fetches_total",
			Help: "Page fetches partitioned by site and status class.",
		}, []string{"site", "status_class"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_site_fetch_bytes_total",
			Help: "Bytes downloaded per site.",
		}, []string{"site"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_site_fetch_duration_seconds",
			Help:    "Fetch duration partitioned by site and status class.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"site", "status_class"}),
		tracker: newTaskTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.tasksStarted,
		s.tasksEnded,
		s.tasksRunning,
		s.taskDuration,
		s.fetchRequests,
		s.fetchBytes,
		s.fetchDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		site := evt.Site
		if site == "" {
			site = "unknown"
		}
		switch evt.Stage {
		case progress.StageTaskStart:
			s.tasksStarted.Inc()
			if s.tracker.start(evt.TaskID) {
				s.tasksRunning.Inc()
			}
		case progress.StageTaskEnd:
			s.tasksEnded.WithLabelValues(site, string(evt.Status)).Inc()
			if evt.Dur > 0 {
				s.taskDuration.WithLabelValues(string(evt.Status)).Observe(evt.Dur.Seconds())
			}
			if s.tracker.complete(evt.TaskID) {
				s.tasksRunning.Dec()
			}
		case progress.StageFetchDone:
			class := string(evt.StatusClass)
			s.fetchRequests.WithLabelValues(site, class).Inc()
			if evt.Bytes > 0 {
				s.fetchBytes.WithLabelValues(site).Add(float64(evt.Bytes))
			}
			if evt.Dur > 0 {
				s.fetchDuration.WithLabelValues(site, class).Observe(evt.Dur.Seconds())
			}
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// taskTracker keeps the running gauge from double counting a task whose
// start or end event was dropped.
type taskTracker struct {
	mu      sync.Mutex
	running map[int64]struct{}
}

func newTaskTracker() *taskTracker {
	return &taskTracker{running: make(map[int64]struct{})}
}

func (t *taskTracker) start(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *taskTracker) complete(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
