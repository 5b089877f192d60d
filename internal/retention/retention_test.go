package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"suiteplane/internal/store"
	"suiteplane/internal/store/memory"
	"suiteplane/internal/store/storetest"
)

// MockPurger records cutoffs.
type MockPurger struct {
	mu      sync.Mutex
	Cutoffs []time.Time
	Err     error
}

func (m *MockPurger) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Cutoffs = append(m.Cutoffs, cutoff)
	return int64(len(m.Cutoffs)), m.Err
}

func (m *MockPurger) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Cutoffs)
}

// MockLocker grants or refuses the lock.
type MockLocker struct {
	Held     bool
	Unlocked int
}

func (m *MockLocker) Lock(ctx context.Context) (func(context.Context) error, error) {
	if m.Held {
		return nil, ErrLocked
	}
	return func(context.Context) error {
		m.Unlocked++
		return nil
	}, nil
}

func TestRunOnce_PurgesBeforeCutoff(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	purger := &MockPurger{}
	locker := &MockLocker{}
	s := New(purger, Config{}, WithLocker(locker), WithClock(func() time.Time { return now }))

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.Equal(t, []time.Time{now.Add(-DefaultPeriod)}, purger.Cutoffs)
	require.Equal(t, 1, locker.Unlocked)
}

func TestRunOnce_SkipsWhenLocked(t *testing.T) {
	purger := &MockPurger{}
	s := New(purger, Config{}, WithLocker(&MockLocker{Held: true}))

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Zero(t, purger.Calls())
}

func TestRunOnce_PurgeError(t *testing.T) {
	locker := &MockLocker{}
	s := New(&MockPurger{Err: errors.New("connection refused")}, Config{}, WithLocker(locker))

	_, err := s.RunOnce(context.Background())
	require.Error(t, err)
	require.Equal(t, 1, locker.Unlocked, "the lock is released on failure")
}

func TestRunOnce_MemoryStore(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	oldExec, _ := storetest.NewExecution(store.Policy{})
	require.NoError(t, s.CreateExecution(ctx, oldExec, nil))
	_, err := s.FinishExecution(ctx, oldExec.ID, store.ExecutionStatusCompleted, "")
	require.NoError(t, err)

	openExec, jobs := storetest.NewExecution(store.Policy{}, "a")
	require.NoError(t, s.CreateExecution(ctx, openExec, jobs))

	later := time.Now().Add(DefaultPeriod + time.Hour)
	n, err := New(s, Config{}, WithClock(func() time.Time { return later })).RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = s.GetExecution(ctx, oldExec.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetExecution(ctx, openExec.ID)
	require.NoError(t, err)
}

func TestRun_SweepsUntilCancelled(t *testing.T) {
	purger := &MockPurger{}
	s := New(purger, Config{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return purger.Calls() >= 3 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRedisLocker_Exclusive(t *testing.T) {
	redisServer, err := miniredis.Run()
	require.NoError(t, err)
	defer redisServer.Close()

	client := redis.NewClient(&redis.Options{Addr: redisServer.Addr()})
	defer client.Close()
	ctx := context.Background()

	first := NewRedisLocker(client, time.Minute)
	second := NewRedisLocker(client, time.Minute)

	_, err = first.Lock(ctx)
	require.NoError(t, err)
	require.True(t, redisServer.Exists(lockName))

	_, err = second.Lock(ctx)
	require.ErrorIs(t, err, ErrLocked)
}
