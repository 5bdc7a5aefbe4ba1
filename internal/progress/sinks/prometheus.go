package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/manga-crawl-engine/internal/progress"
)

// PrometheusSink exports job and item metrics. It owns its collectors so
// tests can register them on a private registry.
type PrometheusSink struct {
	jobsStarted  prometheus.Counter
	jobsFinished *prometheus.CounterVec
	jobsRunning  prometheus.Gauge
	jobRuntime   *prometheus.HistogramVec
	items        *prometheus.CounterVec
	logEntries   *prometheus.CounterVec

	mu      sync.Mutex
	running map[string]struct{}
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mangacrawler_jobs_started_total",
			Help: "Total jobs that have started.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mangacrawler_jobs_finished_total",
			Help: "Total jobs finished partitioned by terminal status.",
		}, []string{"status"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mangacrawler_jobs_running",
			Help: "Current number of running jobs.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mangacrawler_job_runtime_seconds",
			Help:    "Wall time per finished job.",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"status"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mangacrawler_items_processed_total",
			Help: "Work items processed partitioned by stage and outcome.",
		}, []string{"stage", "outcome"}),
		logEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mangacrawler_job_log_entries_total",
			Help: "Job log entries partitioned by severity.",
		}, []string{"severity"}),
		running: make(map[string]struct{}),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsFinished,
		s.jobsRunning,
		s.jobRuntime,
		s.items,
		s.logEntries,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register job collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Kind {
		case progress.KindJobStart:
			s.jobsStarted.Inc()
			if s.markRunning(evt.JobID, true) {
				s.jobsRunning.Inc()
			}
		case progress.KindJobDone:
			status := string(evt.Status)
			s.jobsFinished.WithLabelValues(status).Inc()
			if evt.Dur > 0 {
				s.jobRuntime.WithLabelValues(status).Observe(evt.Dur.Seconds())
			}
			if s.markRunning(evt.JobID, false) {
				s.jobsRunning.Dec()
			}
		case progress.KindItem:
			outcome := "success"
			if evt.Failed {
				outcome = "failed"
			}
			s.items.WithLabelValues(evt.Stage, outcome).Inc()
		case progress.KindLog:
			s.logEntries.WithLabelValues(string(evt.Severity)).Inc()
		}
	}
	return nil
}

// markRunning flips the running set and reports whether it changed.
func (s *PrometheusSink) markRunning(jobID string, running bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[jobID]
	if running == ok {
		return false
	}
	if running {
		s.running[jobID] = struct{}{}
	} else {
		delete(s.running, jobID)
	}
	return true
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
