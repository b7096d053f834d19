// Package worker drains the job queue and runs each job through the enhancement phases.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/upb/ticket-enhancer/services/isolation"
	"github.com/upb/ticket-enhancer/services/queue"
	"go.uber.org/zap"
)

// Pool runs a fixed number of consumers against the queue
type Pool struct {
	processor   *Processor
	queue       queue.Queue
	guard       *isolation.Guard
	logger      *zap.Logger
	concurrency int
	haltPoll    time.Duration

	mu         sync.Mutex
	running    bool
	loopCancel context.CancelFunc
	workCancel context.CancelFunc
	wg         sync.WaitGroup
	stats      Stats
}

// Stats holds pool counters
type Stats struct {
	Processed int64             `json:"processed"`
	Outcomes  map[Outcome]int64 `json:"outcomes"`
	Running   bool              `json:"running"`
}

// NewPool creates a new Pool instance
func NewPool(processor *Processor, q queue.Queue, guard *isolation.Guard, concurrency int, logger *zap.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		processor:   processor,
		queue:       q,
		guard:       guard,
		logger:      logger,
		concurrency: concurrency,
		haltPoll:    time.Second,
		stats:       Stats{Outcomes: make(map[Outcome]int64)},
	}
}

// Start launches the consumers. Jobs in flight keep running after Stop begins,
// until the stop timeout cancels them.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("worker pool already running")
	}

	loopCtx, loopCancel := context.WithCancel(ctx)
	workCtx, workCancel := context.WithCancel(context.WithoutCancel(ctx))
	p.loopCancel = loopCancel
	p.workCancel = workCancel
	p.running = true

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.consume(loopCtx, workCtx, i)
	}

	p.logger.Info("worker pool started", zap.Int("concurrency", p.concurrency))
	return nil
}

// Stop stops dequeuing and waits up to timeout for in-flight jobs.
// Jobs still running after the timeout are cancelled and left for re-delivery.
func (p *Pool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	loopCancel, workCancel := p.loopCancel, p.workCancel
	p.mu.Unlock()

	loopCancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		workCancel()
		p.logger.Info("worker pool stopped")
		return nil
	case <-time.After(timeout):
		workCancel()
		<-done
		p.logger.Warn("worker pool stop timed out, in-flight jobs cancelled", zap.Duration("timeout", timeout))
		return fmt.Errorf("worker pool stop timed out after %s", timeout)
	}
}

// Stats returns a snapshot of the pool counters
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	outcomes := make(map[Outcome]int64, len(p.stats.Outcomes))
	for k, v := range p.stats.Outcomes {
		outcomes[k] = v
	}
	return Stats{Processed: p.stats.Processed, Outcomes: outcomes, Running: p.running}
}

func (p *Pool) consume(loopCtx, workCtx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With(zap.Int("consumer", id))

	for {
		if loopCtx.Err() != nil {
			return
		}
		if p.halted() {
			select {
			case <-loopCtx.Done():
				return
			case <-time.After(p.haltPoll):
			}
			continue
		}

		d, err := p.queue.Dequeue(loopCtx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			logger.Error("failed to dequeue job", zap.Error(err))
			select {
			case <-loopCtx.Done():
				return
			case <-time.After(p.haltPoll):
			}
			continue
		}

		// The guard may have tripped while this consumer was blocked
		if p.halted() {
			if err := p.queue.Release(workCtx, d.JobID); err != nil {
				logger.Error("failed to return job while halted", zap.Error(err))
			}
			continue
		}

		outcome := p.processor.Process(workCtx, d)
		p.record(outcome)
	}
}

func (p *Pool) halted() bool {
	return p.guard != nil && p.guard.Halted()
}

func (p *Pool) record(outcome Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Processed++
	p.stats.Outcomes[outcome]++
}
