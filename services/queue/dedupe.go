package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Deduper claims the idempotency key of a webhook delivery (tenant + external ticket id)
// for a bounded window.
type Deduper interface {
	// Claim records jobID for the key unless another job holds it. When the key is held,
	// claimed is false and existing is the holder's job id.
	Claim(ctx context.Context, tenantID uuid.UUID, ticketID string, jobID uuid.UUID) (existing uuid.UUID, claimed bool, err error)

	// Release drops the key so a later delivery can be admitted
	Release(ctx context.Context, tenantID uuid.UUID, ticketID string) error
}

func dedupeKey(prefix string, tenantID uuid.UUID, ticketID string) string {
	return fmt.Sprintf("%s:dedupe:%s:%s", prefix, tenantID, ticketID)
}

// RedisDeduper implements Deduper with SET NX and a TTL
type RedisDeduper struct {
	client redis.UniversalClient
	prefix string
	window time.Duration
}

// NewRedisDeduper creates a new RedisDeduper instance
func NewRedisDeduper(client redis.UniversalClient, prefix string, window time.Duration) *RedisDeduper {
	if prefix == "" {
		prefix = "enhancer"
	}
	return &RedisDeduper{client: client, prefix: prefix, window: window}
}

// Claim records jobID for the key unless another job holds it
func (d *RedisDeduper) Claim(ctx context.Context, tenantID uuid.UUID, ticketID string, jobID uuid.UUID) (uuid.UUID, bool, error) {
	key := dedupeKey(d.prefix, tenantID, ticketID)
	ok, err := d.client.SetNX(ctx, key, jobID.String(), d.window).Result()
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to claim dedupe key: %w", err)
	}
	if ok {
		return jobID, true, nil
	}

	holder, err := d.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more
		return d.Claim(ctx, tenantID, ticketID, jobID)
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to read dedupe key: %w", err)
	}
	existing, err := uuid.Parse(holder)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("corrupt dedupe key %s: %w", key, err)
	}
	return existing, false, nil
}

// Release drops the key so a later delivery can be admitted
func (d *RedisDeduper) Release(ctx context.Context, tenantID uuid.UUID, ticketID string) error {
	if err := d.client.Del(ctx, dedupeKey(d.prefix, tenantID, ticketID)).Err(); err != nil {
		return fmt.Errorf("failed to release dedupe key: %w", err)
	}
	return nil
}

type memoryClaim struct {
	jobID     uuid.UUID
	expiresAt time.Time
}

// MemoryDeduper implements Deduper in process memory
type MemoryDeduper struct {
	mu     sync.Mutex
	claims map[string]memoryClaim
	window time.Duration
	now    func() time.Time
}

// NewMemoryDeduper creates a new MemoryDeduper instance
func NewMemoryDeduper(window time.Duration) *MemoryDeduper {
	return &MemoryDeduper{claims: make(map[string]memoryClaim), window: window, now: time.Now}
}

// Claim records jobID for the key unless another job holds it
func (d *MemoryDeduper) Claim(ctx context.Context, tenantID uuid.UUID, ticketID string, jobID uuid.UUID) (uuid.UUID, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := dedupeKey("", tenantID, ticketID)
	now := d.now()
	if c, ok := d.claims[key]; ok && now.Before(c.expiresAt) {
		return c.jobID, false, nil
	}
	d.claims[key] = memoryClaim{jobID: jobID, expiresAt: now.Add(d.window)}
	return jobID, true, nil
}

// Release drops the key so a later delivery can be admitted
func (d *MemoryDeduper) Release(ctx context.Context, tenantID uuid.UUID, ticketID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.claims, dedupeKey("", tenantID, ticketID))
	return nil
}
