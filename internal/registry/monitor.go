package registry

import (
	"context"
	"log/slog"
	"time"
)

// TaskReleaser requeues the tasks a lost executor was holding. Implemented
// by the execution engine.
type TaskReleaser interface {
	ReleaseExecutor(ctx context.Context, executorID string) (int, error)
}

// Monitor periodically sweeps the registry and releases the work of
// executors whose heartbeats have lapsed.
type Monitor struct {
	registry *Registry
	releaser TaskReleaser
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger
}

func NewMonitor(reg *Registry, releaser TaskReleaser, interval, timeout time.Duration, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		registry: reg,
		releaser: releaser,
		interval: interval,
		timeout:  timeout,
		log:      log,
	}
}

// Run blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	for _, e := range m.registry.Sweep(m.timeout) {
		m.log.Warn("executor heartbeat lapsed",
			"executor_id", e.ID, "image", e.Image, "last_heartbeat", e.LastHeartbeat)
		released, err := m.releaser.ReleaseExecutor(ctx, e.ID)
		if err != nil {
			m.log.Error("failed to release tasks of dead executor",
				"executor_id", e.ID, "error", err)
			continue
		}
		m.registry.Drop(e.ID)
		m.log.Info("requeued tasks of dead executor",
			"executor_id", e.ID, "released", released)
	}
}
