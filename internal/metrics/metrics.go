// Package metrics exports run and stage metrics to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stagerun/internal/core"
)

// Metrics is a core.Observer backed by its own registry.
type Metrics struct {
	core.NopObserver

	Registry *prometheus.Registry

	RunsTotal      *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	StagesTotal    *prometheus.CounterVec
	StageDuration  *prometheus.HistogramVec
	ActiveRuns     prometheus.Gauge
	RunningStages  prometheus.Gauge
	TriggerResults *prometheus.CounterVec
}

var _ core.Observer = (*Metrics)(nil)

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stagerun_runs_total",
			Help: "Finished runs by pipeline and status.",
		}, []string{"pipeline", "status"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stagerun_run_duration_seconds",
			Help:    "Wall time of finished runs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"pipeline"}),
		StagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stagerun_stages_total",
			Help: "Terminal stage results by pipeline, stage, status and reason.",
		}, []string{"pipeline", "stage", "status", "reason"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stagerun_stage_duration_seconds",
			Help:    "Execution time of stages that started.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		}, []string{"pipeline", "stage"}),
		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stagerun_active_runs",
			Help: "Runs currently executing.",
		}),
		RunningStages: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stagerun_running_stages",
			Help: "Stages currently executing.",
		}),
		TriggerResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stagerun_trigger_events_total",
			Help: "VCS events evaluated, by pipeline and whether they started a run.",
		}, []string{"pipeline", "started"}),
	}
}

func (m *Metrics) RunStarted(context.Context, *core.Run) { m.ActiveRuns.Inc() }

func (m *Metrics) StageStarted(context.Context, *core.Run, string) { m.RunningStages.Inc() }

func (m *Metrics) StageFinished(_ context.Context, run *core.Run, res core.StageRunResult) {
	m.StagesTotal.WithLabelValues(run.Definition.ID, res.StageID, string(res.Status), string(res.Reason)).Inc()
	if res.StartedAt.IsZero() {
		return
	}
	m.RunningStages.Dec()
	if d := res.Duration(); d > 0 {
		m.StageDuration.WithLabelValues(run.Definition.ID, res.StageID).Observe(d.Seconds())
	}
}

func (m *Metrics) RunFinished(_ context.Context, run *core.Run) {
	m.ActiveRuns.Dec()
	m.RunsTotal.WithLabelValues(run.Definition.ID, string(run.Status())).Inc()
	snap := run.Snapshot()
	if !snap.StartedAt.IsZero() && !snap.FinishedAt.IsZero() {
		m.RunDuration.WithLabelValues(run.Definition.ID).Observe(snap.FinishedAt.Sub(snap.StartedAt).Seconds())
	}
}

// ObserveTrigger counts one evaluated event.
func (m *Metrics) ObserveTrigger(pipelineID string, started bool) {
	label := "false"
	if started {
		label = "true"
	}
	m.TriggerResults.WithLabelValues(pipelineID, label).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Timeout: 10 * time.Second})
}
