package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Window is the fixed counting window for webhook deliveries
const Window = time.Minute

// RateLimitResult represents the result of a rate limit check
type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns the seconds until the window resets, at least one
func (r *RateLimitResult) RetryAfter(now time.Time) int {
	secs := int(r.ResetAt.Sub(now).Seconds() + 0.999)
	if secs < 1 {
		return 1
	}
	return secs
}

// RateLimitService counts webhook deliveries per tenant in fixed one-minute Redis windows
type RateLimitService struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// NewRateLimitService creates a new RateLimitService instance
func NewRateLimitService(client redis.UniversalClient, prefix string, logger *zap.Logger) *RateLimitService {
	return &RateLimitService{
		client: client,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}
}

// CheckLimit records one delivery for the tenant and reports whether it is within limit.
// A non-positive limit disables limiting.
func (s *RateLimitService) CheckLimit(ctx context.Context, tenantID uuid.UUID, limit int) (*RateLimitResult, error) {
	now := s.now()
	resetAt := now.Truncate(Window).Add(Window)
	if limit <= 0 {
		return &RateLimitResult{Allowed: true, ResetAt: resetAt}, nil
	}

	key := s.buildScopeKey(tenantID, now)

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	// The key names its window, so refreshing the expiry never extends a count
	pipe.Expire(ctx, key, Window+5*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to check rate limit: %w", err)
	}

	count := int(incr.Val())
	if count > limit {
		s.logger.Debug("tenant rate limit exceeded",
			zap.String("tenant_id", tenantID.String()),
			zap.Int("limit", limit),
			zap.Int("count", count))
		return &RateLimitResult{Allowed: false, Limit: limit, ResetAt: resetAt}, nil
	}

	return &RateLimitResult{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - count,
		ResetAt:   resetAt,
	}, nil
}

// GetCurrentUsage returns the deliveries counted in the current window
func (s *RateLimitService) GetCurrentUsage(ctx context.Context, tenantID uuid.UUID) (int, error) {
	count, err := s.client.Get(ctx, s.buildScopeKey(tenantID, s.now())).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read rate limit usage: %w", err)
	}
	return count, nil
}

// buildScopeKey builds a unique key for the tenant's current window
func (s *RateLimitService) buildScopeKey(tenantID uuid.UUID, now time.Time) string {
	return fmt.Sprintf("%s:ratelimit:%s:%d", s.prefix, tenantID.String(), now.Truncate(Window).Unix())
}
