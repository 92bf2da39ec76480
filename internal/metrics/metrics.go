// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/mirelo/stagehand/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	initOnce sync.Once

	workflowsTotalCounter        *prometheus.CounterVec
	nodesTotalCounter            *prometheus.CounterVec
	approvalsTotalCounter        *prometheus.CounterVec
	rollbacksCounter             prometheus.Counter
	feedbackSignalsCounter       *prometheus.CounterVec
	settingsFlushCounter         prometheus.Counter
	stageExecutionDurationMetric prometheus.Histogram
	driverClaimLatencyMetric     prometheus.Histogram
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		workflowsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflows_total",
				Help: "Total number of workflow status transitions by status.",
			},
			[]string{"status"},
		)

		nodesTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_nodes_total",
				Help: "Total number of node status transitions by status.",
			},
			[]string{"status"},
		)

		approvalsTotalCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "approvals_total",
				Help: "Total number of approval decisions by outcome.",
			},
			[]string{"decision"},
		)

		rollbacksCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rollbacks_total",
				Help: "Total number of rejection rollbacks.",
			},
		)

		feedbackSignalsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedback_signals_total",
				Help: "Total number of feedback signals by state.",
			},
			[]string{"state"},
		)

		settingsFlushCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "settings_flushes_total",
				Help: "Total number of stage settings writes.",
			},
		)

		stageExecutionDurationMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stage_execution_duration_seconds",
				Help:    "Duration of stage executor calls in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		driverClaimLatencyMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "driver_claim_latency_seconds",
				Help:    "Latency of driver stage claim queries in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		prometheus.MustRegister(
			workflowsTotalCounter,
			nodesTotalCounter,
			approvalsTotalCounter,
			rollbacksCounter,
			feedbackSignalsCounter,
			settingsFlushCounter,
			stageExecutionDurationMetric,
			driverClaimLatencyMetric,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, status := range []domain.WorkflowStatus{
			domain.WorkflowPending,
			domain.WorkflowRunning,
			domain.WorkflowWaiting,
			domain.WorkflowComplete,
			domain.WorkflowFailed,
			domain.WorkflowCanceled,
			domain.WorkflowPaused,
		} {
			workflowsTotalCounter.WithLabelValues(string(status))
		}

		for _, status := range []domain.NodeStatus{
			domain.NodePending,
			domain.NodeRunning,
			domain.NodeWaiting,
			domain.NodeComplete,
			domain.NodeFailed,
		} {
			nodesTotalCounter.WithLabelValues(string(status))
		}

		approvalsTotalCounter.WithLabelValues("approved")
		approvalsTotalCounter.WithLabelValues("rejected")
		feedbackSignalsCounter.WithLabelValues("emitted")
		feedbackSignalsCounter.WithLabelValues("delivered")
		feedbackSignalsCounter.WithLabelValues("failed")
	})
}

func IncWorkflowStatus(status string) {
	Init()
	workflowsTotalCounter.WithLabelValues(status).Inc()
}

func IncNodeStatus(status string) {
	Init()
	nodesTotalCounter.WithLabelValues(status).Inc()
}

func IncApproval(approved bool) {
	Init()
	decision := "approved"
	if !approved {
		decision = "rejected"
	}
	approvalsTotalCounter.WithLabelValues(decision).Inc()
}

func IncRollback() {
	Init()
	rollbacksCounter.Inc()
}

func IncFeedbackSignal(state string) {
	Init()
	feedbackSignalsCounter.WithLabelValues(state).Inc()
}

func IncSettingsFlush() {
	Init()
	settingsFlushCounter.Inc()
}

func ObserveStageExecutionDuration(d time.Duration) {
	Init()
	stageExecutionDurationMetric.Observe(d.Seconds())
}

func ObserveClaimLatency(d time.Duration) {
	Init()
	driverClaimLatencyMetric.Observe(d.Seconds())
}
