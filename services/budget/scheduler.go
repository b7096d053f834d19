package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/upb/ticket-enhancer/config"
	"go.uber.org/zap"
)

// Scheduler runs the reset and expiry sweeps on independent tickers.
// With a locker, only the replica holding a sweep's lock runs that sweep.
type Scheduler struct {
	automation *Automation
	locker     *redislock.Client
	config     config.BudgetConfig
	logger     *zap.Logger
	prefix     string
}

// NewScheduler creates a new Scheduler instance. locker may be nil in single-replica mode.
func NewScheduler(automation *Automation, locker *redislock.Client, cfg config.BudgetConfig, prefix string, logger *zap.Logger) *Scheduler {
	if cfg.ResetInterval <= 0 {
		cfg.ResetInterval = 24 * time.Hour
	}
	if cfg.ExpiryInterval <= 0 {
		cfg.ExpiryInterval = time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	return &Scheduler{
		automation: automation,
		locker:     locker,
		config:     cfg,
		logger:     logger,
		prefix:     prefix,
	}
}

// Run blocks until ctx is done
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for name, interval := range map[string]time.Duration{
		SweepReset:  s.config.ResetInterval,
		SweepExpiry: s.config.ExpiryInterval,
	} {
		wg.Add(1)
		go func(name string, interval time.Duration) {
			defer wg.Done()
			s.loop(ctx, name, interval)
		}(name, interval)
	}
	s.logger.Info("budget scheduler started",
		zap.Duration("reset_interval", s.config.ResetInterval),
		zap.Duration("expiry_interval", s.config.ExpiryInterval))
	wg.Wait()
	s.logger.Info("budget scheduler stopped")
}

// loop sweeps once on start, then every interval. A restart must not push the next
// sweep a full interval out.
func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.sweep(ctx, name)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx, name)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context, name string) {
	if _, _, err := s.RunSweep(ctx, name); err != nil && ctx.Err() == nil {
		s.logger.Error("budget sweep did not run", zap.String("sweep", name), zap.Error(err))
	}
}

// RunSweep runs one sweep under its lock. ran is false when another replica holds the lock.
func (s *Scheduler) RunSweep(ctx context.Context, name string) (report SweepReport, ran bool, err error) {
	var run func(ctx context.Context, now time.Time) SweepReport
	switch name {
	case SweepReset:
		run = s.automation.RunResetSweep
	case SweepExpiry:
		run = s.automation.RunOverrideExpirySweep
	default:
		return report, false, fmt.Errorf("unknown sweep %q", name)
	}

	if s.locker == nil {
		return run(ctx, time.Now().UTC()), true, nil
	}

	key := fmt.Sprintf("%s:lock:sweep:%s", s.prefix, name)
	lock, err := s.locker.Obtain(ctx, key, s.config.LockTTL, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		s.logger.Debug("sweep lock held by another replica", zap.String("sweep", name))
		return report, false, nil
	}
	if err != nil {
		return report, false, fmt.Errorf("failed to obtain sweep lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.Release(context.WithoutCancel(ctx)); releaseErr != nil && !errors.Is(releaseErr, redislock.ErrLockNotHeld) {
			s.logger.Warn("failed to release sweep lock", zap.String("sweep", name), zap.Error(releaseErr))
		}
	}()

	sweepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.keepAlive(sweepCtx, cancel, lock, name)

	return run(sweepCtx, time.Now().UTC()), true, nil
}

// keepAlive refreshes the lock at half its TTL. Losing the lock stops the sweep.
func (s *Scheduler) keepAlive(ctx context.Context, cancel context.CancelFunc, lock *redislock.Lock, name string) {
	ticker := time.NewTicker(s.config.LockTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lock.Refresh(ctx, s.config.LockTTL, nil); err != nil {
				s.logger.Error("lost sweep lock, stopping sweep", zap.String("sweep", name), zap.Error(err))
				cancel()
				return
			}
		}
	}
}
