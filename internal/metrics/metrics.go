package metrics

import (
	"sync"
	"time"
)

// Collector accumulates orchestration counters for the operational
// endpoint: task latency, terminal outcomes, retries. Queue depth and
// executor counts are read live from their owners at snapshot time.
type Collector struct {
	mu           sync.Mutex
	completed    uint64
	failed       uint64
	cancelled    uint64
	retried      uint64
	staleReports uint64

	latencyCount uint64
	latencySum   time.Duration
	latencyMax   time.Duration
}

func NewCollector() *Collector {
	return &Collector{}
}

// ObserveTaskLatency records queue-to-terminal latency for one task.
func (c *Collector) ObserveTaskLatency(d time.Duration) {
	if c == nil || d < 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latencyCount++
	c.latencySum += d
	if d > c.latencyMax {
		c.latencyMax = d
	}
}

func (c *Collector) TaskCompleted() { c.bump(&c.completed) }
func (c *Collector) TaskFailed()    { c.bump(&c.failed) }
func (c *Collector) TaskCancelled() { c.bump(&c.cancelled) }
func (c *Collector) TaskRetried()   { c.bump(&c.retried) }
func (c *Collector) StaleReport()   { c.bump(&c.staleReports) }

func (c *Collector) bump(field *uint64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}

// Snapshot is the serializable view served by the metrics endpoint.
type Snapshot struct {
	TasksCompleted uint64  `json:"tasks_completed"`
	TasksFailed    uint64  `json:"tasks_failed"`
	TasksCancelled uint64  `json:"tasks_cancelled"`
	TasksRetried   uint64  `json:"tasks_retried"`
	StaleReports   uint64  `json:"stale_reports"`
	LatencyCount   uint64  `json:"task_latency_count"`
	LatencyMeanMS  float64 `json:"task_latency_mean_ms"`
	LatencyMaxMS   float64 `json:"task_latency_max_ms"`
}

func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		TasksCompleted: c.completed,
		TasksFailed:    c.failed,
		TasksCancelled: c.cancelled,
		TasksRetried:   c.retried,
		StaleReports:   c.staleReports,
		LatencyCount:   c.latencyCount,
		LatencyMaxMS:   float64(c.latencyMax) / float64(time.Millisecond),
	}
	if c.latencyCount > 0 {
		s.LatencyMeanMS = float64(c.latencySum) / float64(c.latencyCount) / float64(time.Millisecond)
	}
	return s
}
