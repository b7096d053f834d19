package queue

import (
	"context"
	"time"

	"github.com/upb/ticket-enhancer/internal/observability"
	"go.uber.org/zap"
)

// Maintainer periodically reaps expired leases and publishes queue depth gauges
type Maintainer struct {
	queue    Queue
	metrics  *observability.Metrics
	interval time.Duration
	logger   *zap.Logger
}

// NewMaintainer creates a new Maintainer instance
func NewMaintainer(q Queue, metrics *observability.Metrics, interval time.Duration, logger *zap.Logger) *Maintainer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Maintainer{queue: q, metrics: metrics, interval: interval, logger: logger}
}

// Run blocks until ctx is done
func (m *Maintainer) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one reap and depth report
func (m *Maintainer) Tick(ctx context.Context) {
	n, err := m.queue.Reap(ctx)
	if err != nil {
		m.logger.Warn("queue reap failed", zap.Error(err))
	} else if n > 0 {
		m.logger.Info("returned jobs to ready list", zap.Int("count", n))
	}

	depth, err := m.queue.Depth(ctx)
	if err != nil {
		m.logger.Warn("queue depth read failed", zap.Error(err))
		return
	}
	if m.metrics == nil {
		return
	}
	m.metrics.QueueDepth.WithLabelValues("ready").Set(float64(depth.Ready))
	m.metrics.QueueDepth.WithLabelValues("delayed").Set(float64(depth.Delayed))
	m.metrics.QueueDepth.WithLabelValues("in_flight").Set(float64(depth.InFlight))
	m.metrics.QueueDepth.WithLabelValues("dead").Set(float64(depth.Dead))
}
