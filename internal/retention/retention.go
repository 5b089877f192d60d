// Package retention deletes finished executions once they are older than the
// retention period.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"suiteplane/internal/logger"
)

const (
	DefaultPeriod   = 90 * 24 * time.Hour
	DefaultInterval = 24 * time.Hour

	lockName = "suiteplane:retention"
)

// ErrLocked is returned by a Locker when another process holds the lock.
var ErrLocked = errors.New("lock held elsewhere")

// Purger deletes terminal executions completed before cutoff.
type Purger interface {
	PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Locker makes one sweep run at a time across processes.
type Locker interface {
	Lock(ctx context.Context) (unlock func(context.Context) error, err error)
}

// NoopLocker always grants the lock. It is enough for a single controller.
type NoopLocker struct{}

func (NoopLocker) Lock(ctx context.Context) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

// RedisLocker is a redsync mutex shared by every controller using the same Redis.
type RedisLocker struct {
	rs     *redsync.Redsync
	expiry time.Duration
}

// NewRedisLocker creates a lock that expires after expiry if never released.
func NewRedisLocker(client redis.UniversalClient, expiry time.Duration) *RedisLocker {
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		expiry: expiry,
	}
}

func (l *RedisLocker) Lock(ctx context.Context) (func(context.Context) error, error) {
	m := l.rs.NewMutex(lockName, redsync.WithExpiry(l.expiry), redsync.WithTries(1))
	if err := m.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLocked, err)
	}
	return func(ctx context.Context) error {
		if _, err := m.UnlockContext(ctx); err != nil {
			return fmt.Errorf("failed to release retention lock: %w", err)
		}
		return nil
	}, nil
}

// Config holds sweeper settings.
type Config struct {
	Period   time.Duration
	Interval time.Duration
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLocker guards each sweep with l.
func WithLocker(l Locker) Option { return func(s *Sweeper) { s.locker = l } }

func WithLogger(l *slog.Logger) Option { return func(s *Sweeper) { s.logger = l } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Sweeper) { s.now = now } }

// Sweeper periodically purges old executions.
type Sweeper struct {
	purger Purger
	locker Locker
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Sweeper.
func New(p Purger, config Config, opts ...Option) *Sweeper {
	if config.Period <= 0 {
		config.Period = DefaultPeriod
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	s := &Sweeper{
		purger: p,
		locker: NoopLocker{},
		config: config,
		logger: logger.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps once immediately and then every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("retention sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce purges executions finished more than Period ago. It returns 0
// without purging when another process holds the lock.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	unlock, err := s.locker.Lock(ctx)
	if errors.Is(err, ErrLocked) {
		s.logger.Debug("retention sweep skipped", "reason", err)
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("unlock failed", "error", err)
		}
	}()

	cutoff := s.now().Add(-s.config.Period)
	n, err := s.purger.PurgeFinishedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge executions: %w", err)
	}
	if n > 0 {
		s.logger.Info("purged finished executions", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
