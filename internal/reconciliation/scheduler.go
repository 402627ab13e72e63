package reconciliation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/frahmantamala/payment-ledger/internal"
)

// RunLockKey names the lock that keeps reconciliation runs from overlapping.
const RunLockKey = "reconciliation:run"

// RunLock is a mutual-exclusion lease with an expiry. Release only drops
// the lease if token still owns it.
type RunLock interface {
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}

// MutexLock is the in-process RunLock used when no Redis is configured.
type MutexLock struct {
	mu     sync.Mutex
	owners map[string]lease
}

type lease struct {
	token   string
	expires time.Time
}

func NewMutexLock() *MutexLock {
	return &MutexLock{owners: make(map[string]lease)}
}

func (l *MutexLock) Acquire(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if current, held := l.owners[key]; held && now.Before(current.expires) {
		return false, nil
	}
	l.owners[key] = lease{token: token, expires: now.Add(ttl)}
	return true, nil
}

func (l *MutexLock) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if current, held := l.owners[key]; held && current.token == token {
		delete(l.owners, key)
	}
	return nil
}

type SchedulerConfig struct {
	Interval              time.Duration
	MaxAge                time.Duration
	BatchLimit            int
	IncludeStaleSucceeded bool
	LockTTL               time.Duration
}

// Scheduler runs the engine on an interval and serializes manual and
// scheduled runs through the RunLock.
type Scheduler struct {
	engine *Engine
	lock   RunLock
	cfg    SchedulerConfig
	logger *slog.Logger
}

func NewScheduler(engine *Engine, lock RunLock, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if lock == nil {
		lock = NewMutexLock()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Hour
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.Interval
	}
	return &Scheduler{engine: engine, lock: lock, cfg: cfg, logger: logger}
}

// RunOnce performs one guarded run. A zero maxAge or limit falls back to
// the configured defaults. It returns ErrReconciliationRunning when another
// run holds the lock.
func (s *Scheduler) RunOnce(ctx context.Context, scope Scope, maxAge time.Duration, limit int) (*Result, error) {
	if maxAge <= 0 {
		maxAge = s.cfg.MaxAge
	}
	if limit <= 0 {
		limit = s.cfg.BatchLimit
	}

	token := uuid.NewString()
	acquired, err := s.lock.Acquire(ctx, RunLockKey, token, s.cfg.LockTTL)
	if err != nil {
		return nil, internal.NewInternalError("failed to acquire reconciliation lock", err)
	}
	if !acquired {
		return nil, internal.ErrReconciliationRunning
	}
	defer func() {
		if err := s.lock.Release(context.WithoutCancel(ctx), RunLockKey, token); err != nil {
			s.logger.Warn("failed to release reconciliation lock", "error", err)
		}
	}()

	return s.engine.Reconcile(ctx, scope, maxAge, limit)
}

// Start blocks, running a reconciliation every interval until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("reconciliation scheduler started",
		"interval", s.cfg.Interval.String(),
		"max_age", s.cfg.MaxAge.String(),
		"batch_limit", s.cfg.BatchLimit)

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconciliation scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	scope := Scope{IncludeStaleSucceeded: s.cfg.IncludeStaleSucceeded}
	if _, err := s.RunOnce(ctx, scope, s.cfg.MaxAge, s.cfg.BatchLimit); err != nil {
		if appErr, ok := internal.IsAppError(err); ok && appErr.Code == internal.ErrCodeReconciliationRunning {
			s.logger.Info("reconciliation skipped, another run holds the lock")
			return
		}
		s.logger.Error("scheduled reconciliation failed", "error", err)
	}
}
