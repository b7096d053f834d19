package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/ticket-enhancer/config"
)

// MemoryQueue implements Queue in process memory with the same lease semantics as RedisQueue.
// It backs single-process development mode and tests.
type MemoryQueue struct {
	mu       sync.Mutex
	ready    []uuid.UUID
	jobs     map[uuid.UUID]*Envelope
	leases   map[uuid.UUID]time.Time
	delayed  map[uuid.UUID]time.Time
	dead     []uuid.UUID
	deadMeta map[uuid.UUID]deadMeta

	lease time.Duration
	poll  time.Duration
	now   func() time.Time
	wake  chan struct{}
}

// NewMemoryQueue creates a new MemoryQueue instance
func NewMemoryQueue(cfg config.QueueConfig) *MemoryQueue {
	return &MemoryQueue{
		jobs:     make(map[uuid.UUID]*Envelope),
		leases:   make(map[uuid.UUID]time.Time),
		delayed:  make(map[uuid.UUID]time.Time),
		deadMeta: make(map[uuid.UUID]deadMeta),
		lease:    cfg.LeaseTimeout,
		poll:     cfg.PollInterval,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
}

// SetClock replaces the queue's time source
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

func (q *MemoryQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue appends a job to the ready list
func (q *MemoryQueue) Enqueue(ctx context.Context, env *Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.jobs[env.JobID]; exists {
		return ErrDuplicateJob
	}
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = q.now().UTC()
	}
	cp := *env
	q.jobs[env.JobID] = &cp
	q.ready = append(q.ready, env.JobID)
	q.signal()
	return nil
}

// Dequeue blocks until a job is leased or ctx is done
func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	return nextDelivery(ctx, q.poll, q.wake, func() (*Delivery, error) {
		return q.tryDequeue(), nil
	})
}

func (q *MemoryQueue) tryDequeue() *Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.maintain(now)

	for len(q.ready) > 0 {
		id := q.ready[0]
		q.ready = q.ready[1:]
		env, ok := q.jobs[id]
		if !ok {
			continue
		}
		deadline := now.Add(q.lease)
		q.leases[id] = deadline
		return &Delivery{Envelope: *env, LeaseExpiresAt: deadline.UTC()}
	}
	return nil
}

// maintain must be called with mu held
func (q *MemoryQueue) maintain(now time.Time) int {
	moved := 0
	for _, id := range dueIDs(q.delayed, now) {
		delete(q.delayed, id)
		q.ready = append(q.ready, id)
		moved++
	}
	expired := dueIDs(q.leases, now)
	for i := len(expired) - 1; i >= 0; i-- {
		delete(q.leases, expired[i])
		q.ready = append([]uuid.UUID{expired[i]}, q.ready...)
		moved++
	}
	return moved
}

// dueIDs returns ids scored at or before now, ordered by score like a sorted set
func dueIDs(scores map[uuid.UUID]time.Time, now time.Time) []uuid.UUID {
	var ids []uuid.UUID
	for id, at := range scores {
		if !at.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return scores[ids[i]].Before(scores[ids[j]])
	})
	return ids
}

// Ack removes a leased job permanently. A job that is no longer leased is left alone.
func (q *MemoryQueue) Ack(ctx context.Context, jobID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.leases[jobID]; !ok {
		return nil
	}
	delete(q.leases, jobID)
	delete(q.jobs, jobID)
	return nil
}

// Release returns a leased job to the head of the ready list without counting a delivery
func (q *MemoryQueue) Release(ctx context.Context, jobID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.leases[jobID]; !ok {
		return ErrNotLeased
	}
	delete(q.leases, jobID)
	q.ready = append([]uuid.UUID{jobID}, q.ready...)
	q.signal()
	return nil
}

// Requeue releases the lease and makes the job ready again after delay
func (q *MemoryQueue) Requeue(ctx context.Context, jobID uuid.UUID, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.leases[jobID]; !ok {
		return ErrNotLeased
	}
	delete(q.leases, jobID)
	q.jobs[jobID].Attempt++
	q.delayed[jobID] = q.now().Add(delay)
	return nil
}

// DeadLetter releases the lease and parks the job for manual handling
func (q *MemoryQueue) DeadLetter(ctx context.Context, jobID uuid.UUID, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.leases[jobID]; !ok {
		return ErrNotLeased
	}
	delete(q.leases, jobID)
	q.dead = append(q.dead, jobID)
	q.deadMeta[jobID] = deadMeta{Reason: reason, DeadLetteredAt: q.now().UTC()}
	return nil
}

// Park dead-letters env whatever state the queue holds it in
func (q *MemoryQueue) Park(ctx context.Context, env *Envelope, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := env.JobID
	delete(q.leases, id)
	delete(q.delayed, id)
	q.ready = without(q.ready, id)
	q.dead = append(without(q.dead, id), id)

	cp := *env
	q.jobs[id] = &cp
	q.deadMeta[id] = deadMeta{Reason: reason, DeadLetteredAt: q.now().UTC()}
	return nil
}

func without(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	out := ids[:0]
	for _, other := range ids {
		if other != id {
			out = append(out, other)
		}
	}
	return out
}

// Depth reports the number of jobs in each state
func (q *MemoryQueue) Depth(ctx context.Context) (Depth, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Depth{
		Ready:    int64(len(q.ready)),
		Delayed:  int64(len(q.delayed)),
		InFlight: int64(len(q.leases)),
		Dead:     int64(len(q.dead)),
	}, nil
}

// ListDeadLetters returns up to limit parked jobs, oldest first
func (q *MemoryQueue) ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	letters := make([]*DeadLetter, 0, len(q.dead))
	for _, id := range q.dead {
		if len(letters) == limit {
			break
		}
		env, ok := q.jobs[id]
		if !ok {
			continue
		}
		meta := q.deadMeta[id]
		letters = append(letters, &DeadLetter{Envelope: *env, Reason: meta.Reason, DeadLetteredAt: meta.DeadLetteredAt})
	}
	return letters, nil
}

// Replay moves a dead-lettered job back to the ready list with a fresh attempt count
func (q *MemoryQueue) Replay(ctx context.Context, jobID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, id := range q.dead {
		if id != jobID {
			continue
		}
		q.dead = append(q.dead[:i], q.dead[i+1:]...)
		delete(q.deadMeta, jobID)
		q.jobs[jobID].Attempt = 0
		q.ready = append(q.ready, jobID)
		q.signal()
		return nil
	}
	return ErrNotDeadLettered
}

// Reap returns expired leases to the ready list and promotes due delayed jobs
func (q *MemoryQueue) Reap(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.maintain(q.now())
	if n > 0 {
		q.signal()
	}
	return n, nil
}
