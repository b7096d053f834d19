package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotLeased is returned when an operation requires a leased job the queue no longer holds
	ErrNotLeased = errors.New("queue: job is not leased")

	// ErrNotDeadLettered is returned when replaying a job that is not in the dead-letter list
	ErrNotDeadLettered = errors.New("queue: job is not dead-lettered")

	// ErrDuplicateJob is returned when a job ID is already enqueued
	ErrDuplicateJob = errors.New("queue: job already enqueued")
)

// Envelope is the queue wire format for one enhancement job
type Envelope struct {
	JobID        uuid.UUID         `json:"job_id"`
	TenantID     uuid.UUID         `json:"tenant_id"`
	TicketID     string            `json:"ticket_id"`
	Payload      json.RawMessage   `json:"payload"`
	EnqueuedAt   time.Time         `json:"enqueued_at"`
	Attempt      int               `json:"attempt"`
	TraceCarrier map[string]string `json:"trace_carrier,omitempty"`
}

// Delivery is a leased envelope. The lease must be acked, requeued or dead-lettered
// before LeaseExpiresAt, or the job becomes visible to other workers again.
type Delivery struct {
	Envelope
	LeaseExpiresAt time.Time
}

// DeadLetter is a job parked after exhausting retries
type DeadLetter struct {
	Envelope
	Reason         string    `json:"reason"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// Depth reports queue occupancy by state
type Depth struct {
	Ready    int64 `json:"ready"`
	Delayed  int64 `json:"delayed"`
	InFlight int64 `json:"in_flight"`
	Dead     int64 `json:"dead"`
}

// Queue is a durable at-least-once FIFO of enhancement jobs
type Queue interface {
	// Enqueue appends a job to the ready list
	Enqueue(ctx context.Context, env *Envelope) error

	// Dequeue blocks until a job is leased or ctx is done
	Dequeue(ctx context.Context) (*Delivery, error)

	// Ack removes a leased job permanently
	Ack(ctx context.Context, jobID uuid.UUID) error

	// Requeue releases the lease and makes the job ready again after delay
	Requeue(ctx context.Context, jobID uuid.UUID, delay time.Duration) error

	// Release returns a leased job to the head of the ready list without counting a delivery
	Release(ctx context.Context, jobID uuid.UUID) error

	// DeadLetter releases the lease and parks the job for manual handling
	DeadLetter(ctx context.Context, jobID uuid.UUID, reason string) error

	// Park dead-letters env whatever state the queue holds it in. It is the fallback when
	// the lease was lost before DeadLetter could run.
	Park(ctx context.Context, env *Envelope, reason string) error

	// Depth reports the number of jobs in each state
	Depth(ctx context.Context) (Depth, error)

	// ListDeadLetters returns up to limit parked jobs, oldest first
	ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error)

	// Replay moves a dead-lettered job back to the ready list
	Replay(ctx context.Context, jobID uuid.UUID) error

	// Reap returns expired leases to the ready list and promotes due delayed jobs
	Reap(ctx context.Context) (int, error)
}

// nextDelivery waits for try to return a delivery, polling at interval
func nextDelivery(ctx context.Context, interval time.Duration, wake <-chan struct{}, try func() (*Delivery, error)) (*Delivery, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		d, err := try()
		if err != nil || d != nil {
			return d, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		case <-wake:
		}
	}
}
