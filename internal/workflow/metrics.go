package workflow

import (
	"sync"
	"time"

	"github.com/agentainer/flowplan/internal/transform"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "flowplan"

// ExecutionMetrics holds per-execution measurements
type ExecutionMetrics struct {
	ExecutionID   string                   `json:"execution_id"`
	StartTime     time.Time                `json:"start_time"`
	EndTime       *time.Time               `json:"end_time,omitempty"`
	Duration      *time.Duration           `json:"duration,omitempty"`
	NodeDurations map[string]time.Duration `json:"node_durations"`
	NodesFailed   []string                 `json:"nodes_failed,omitempty"`
	Waits         map[string]int           `json:"waits"`
}

type executionMetrics struct {
	mu         sync.Mutex
	data       ExecutionMetrics
	nodeStarts map[string]time.Time
}

// MetricsCollector records planner, coordinator and pipeline measurements.
// All methods are safe on a nil collector.
type MetricsCollector struct {
	plans          *prometheus.CounterVec
	planGroups     prometheus.Histogram
	nodes          *prometheus.CounterVec
	nodeDuration   prometheus.Histogram
	waits          *prometheus.CounterVec
	waitDuration   prometheus.Histogram
	activeContexts prometheus.Gauge
	steps          *prometheus.CounterVec
	stepDuration   *prometheus.HistogramVec

	executions sync.Map // map[executionID]*executionMetrics
}

// NewMetricsCollector creates a new metrics collector registered on reg
func NewMetricsCollector(reg prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(reg)
	return &MetricsCollector{
		plans: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "plans_total",
			Help:      "Execution plans requested, by result",
		}, []string{"result"}),
		planGroups: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "plan_groups",
			Help:      "Number of execution groups per plan",
			Buckets:   prometheus.LinearBuckets(1, 2, 10),
		}),
		nodes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "nodes_finished_total",
			Help:      "Nodes reported finished, by outcome",
		}, []string{"outcome"}),
		nodeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "node_duration_seconds",
			Help:      "Time between node start and finish",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		waits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dependency_waits_total",
			Help:      "Dependency waits, by outcome",
		}, []string{"outcome"}),
		waitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "dependency_wait_seconds",
			Help:      "Time spent waiting for dependencies",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		activeContexts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_contexts",
			Help:      "Live execution contexts",
		}),
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transformations_total",
			Help:      "Pipeline transformation steps, by type and outcome",
		}, []string{"type", "outcome"}),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "transformation_duration_seconds",
			Help:      "Pipeline transformation step duration",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"type"}),
	}
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordPlan counts a planning attempt
func (mc *MetricsCollector) RecordPlan(groups int, ok bool) {
	if mc == nil {
		return
	}
	mc.plans.WithLabelValues(outcome(ok)).Inc()
	if ok {
		mc.planGroups.Observe(float64(groups))
	}
}

// SetActiveContexts reports the number of live contexts
func (mc *MetricsCollector) SetActiveContexts(n int) {
	if mc == nil {
		return
	}
	mc.activeContexts.Set(float64(n))
}

// RecordExecutionStart begins per-execution tracking
func (mc *MetricsCollector) RecordExecutionStart(executionID string) {
	if mc == nil {
		return
	}
	mc.executions.Store(executionID, &executionMetrics{
		data: ExecutionMetrics{
			ExecutionID:   executionID,
			StartTime:     time.Now(),
			NodeDurations: make(map[string]time.Duration),
			Waits:         make(map[string]int),
		},
		nodeStarts: make(map[string]time.Time),
	})
}

func (mc *MetricsCollector) execution(executionID string) *executionMetrics {
	em, ok := mc.executions.Load(executionID)
	if !ok {
		return nil
	}
	return em.(*executionMetrics)
}

// RecordExecutionEnd stamps the end time of an execution
func (mc *MetricsCollector) RecordExecutionEnd(executionID string) {
	if mc == nil {
		return
	}
	em := mc.execution(executionID)
	if em == nil {
		return
	}
	em.mu.Lock()
	defer em.mu.Unlock()
	now := time.Now()
	duration := now.Sub(em.data.StartTime)
	em.data.EndTime = &now
	em.data.Duration = &duration
}

// RecordNodeStart notes when a node became active
func (mc *MetricsCollector) RecordNodeStart(executionID, nodeID string) {
	if mc == nil {
		return
	}
	if em := mc.execution(executionID); em != nil {
		em.mu.Lock()
		em.nodeStarts[nodeID] = time.Now()
		em.mu.Unlock()
	}
}

// RecordNodeFinish records a node's outcome and, if it was started, its duration
func (mc *MetricsCollector) RecordNodeFinish(executionID, nodeID string, ok bool) {
	if mc == nil {
		return
	}
	mc.nodes.WithLabelValues(outcome(ok)).Inc()

	em := mc.execution(executionID)
	if em == nil {
		return
	}
	em.mu.Lock()
	defer em.mu.Unlock()
	if started, exists := em.nodeStarts[nodeID]; exists {
		d := time.Since(started)
		em.data.NodeDurations[nodeID] = d
		mc.nodeDuration.Observe(d.Seconds())
	}
	if !ok {
		em.data.NodesFailed = append(em.data.NodesFailed, nodeID)
	}
}

// RecordWait records the outcome of a dependency wait
func (mc *MetricsCollector) RecordWait(executionID, result string, elapsed time.Duration) {
	if mc == nil {
		return
	}
	mc.waits.WithLabelValues(result).Inc()
	mc.waitDuration.Observe(elapsed.Seconds())
	if em := mc.execution(executionID); em != nil {
		em.mu.Lock()
		em.data.Waits[result]++
		em.mu.Unlock()
	}
}

// ObserveTransformation implements transform.StepObserver
func (mc *MetricsCollector) ObserveTransformation(pipelineID string, kind transform.TransformationType, elapsed time.Duration, err error) {
	if mc == nil {
		return
	}
	mc.steps.WithLabelValues(string(kind), outcome(err == nil)).Inc()
	mc.stepDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

// GetExecutionMetrics returns a copy of the execution's measurements
func (mc *MetricsCollector) GetExecutionMetrics(executionID string) (ExecutionMetrics, bool) {
	if mc == nil {
		return ExecutionMetrics{}, false
	}
	em := mc.execution(executionID)
	if em == nil {
		return ExecutionMetrics{}, false
	}
	em.mu.Lock()
	defer em.mu.Unlock()

	out := em.data
	out.NodeDurations = make(map[string]time.Duration, len(em.data.NodeDurations))
	for k, v := range em.data.NodeDurations {
		out.NodeDurations[k] = v
	}
	out.Waits = make(map[string]int, len(em.data.Waits))
	for k, v := range em.data.Waits {
		out.Waits[k] = v
	}
	out.NodesFailed = append([]string(nil), em.data.NodesFailed...)
	return out, true
}

// PruneFinished forgets executions that ended more than retention ago
func (mc *MetricsCollector) PruneFinished(retention time.Duration) int {
	if mc == nil {
		return 0
	}
	cutoff := time.Now().Add(-retention)
	pruned := 0
	mc.executions.Range(func(key, value interface{}) bool {
		em := value.(*executionMetrics)
		em.mu.Lock()
		ended := em.data.EndTime != nil && em.data.EndTime.Before(cutoff)
		em.mu.Unlock()
		if ended {
			mc.executions.Delete(key)
			pruned++
		}
		return true
	})
	return pruned
}
