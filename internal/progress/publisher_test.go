package progress

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"suiteplane/internal/store"
	"suiteplane/internal/store/memory"
	"suiteplane/internal/store/storetest"
)

func newExecution(t *testing.T, s *memory.Store, testCases ...string) (*store.Execution, []*store.Job) {
	t.Helper()
	exec, jobs := storetest.NewExecution(store.Policy{MaxRetries: 1}, testCases...)
	require.NoError(t, s.CreateExecution(context.Background(), exec, jobs))
	return exec, jobs
}

func pass(t *testing.T, s *memory.Store, job *store.Job) {
	t.Helper()
	ctx := context.Background()
	_, err := s.ClaimJob(ctx, job.ID, "w1", time.Minute)
	require.NoError(t, err)
	_, err = s.RecordOutcome(ctx, job.ID, job.Attempt, "w1", store.Outcome{Succeeded: true})
	require.NoError(t, err)
}

func finish(t *testing.T, s *memory.Store, id uuid.UUID) {
	t.Helper()
	_, err := s.FinishExecution(context.Background(), id, store.ExecutionStatusCompleted, "")
	require.NoError(t, err)
}

// drain reads until the channel closes or the timeout passes.
func drain(t *testing.T, ch <-chan Snapshot, timeout time.Duration) []Snapshot {
	t.Helper()
	var got []Snapshot
	deadline := time.After(timeout)
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, s)
		case <-deadline:
			t.Fatalf("subscription still open after %s, received %d snapshots", timeout, len(got))
		}
	}
}

func requireIncreasing(t *testing.T, snaps []Snapshot) {
	t.Helper()
	for i := 1; i < len(snaps); i++ {
		require.Greater(t, snaps[i].Version, snaps[i-1].Version)
	}
}

func TestFromExecution(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	exec := &store.Execution{
		ID:              uuid.New(),
		Status:          store.ExecutionStatusRunning,
		Counts:          store.Counts{Total: 4, Passed: 2, Failed: 1, Pending: 1},
		CancelRequested: true,
		CancelReason:    "cancelled by request",
		Version:         7,
	}

	s := FromExecution(exec, now)
	require.Equal(t, 4, s.Total)
	require.Equal(t, 75.0, s.PercentComplete)
	require.InDelta(t, 66.67, s.PassRate, 0.01)
	require.Equal(t, "cancelled by request", s.Reason)
	require.False(t, s.Terminal)
	require.Equal(t, int64(7), s.Version)

	require.True(t, s.fresh(now.Add(time.Second), 2*time.Second))
	require.False(t, s.fresh(now.Add(3*time.Second), 2*time.Second))

	exec.Status = store.ExecutionStatusCancelled
	exec.Reason = "cancelled by request"
	exec.Counts = store.Counts{}
	s = FromExecution(exec, now)
	require.True(t, s.Terminal)
	require.Equal(t, 100.0, s.PercentComplete)
	require.True(t, s.fresh(now.Add(time.Hour), time.Second))
}

func TestLatest(t *testing.T) {
	s := memory.New()
	exec, jobs := newExecution(t, s, "a", "b")
	p, err := New(s, WithPollInterval(time.Hour))
	require.NoError(t, err)
	ctx := context.Background()

	snap, err := p.Latest(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionStatusPending, snap.Status)
	require.Equal(t, 0.0, snap.PercentComplete)

	pass(t, s, jobs[0])
	cached, err := p.Latest(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, snap.Version, cached.Version, "fresh snapshot is served from memory")

	p.Notify(ctx, exec.ID)
	updated, err := p.Latest(ctx, exec.ID)
	require.NoError(t, err)
	require.Greater(t, updated.Version, snap.Version)
	require.Equal(t, 50.0, updated.PercentComplete)

	_, err = p.Latest(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestLatest_StaleSnapshotIsReloaded(t *testing.T) {
	s := memory.New()
	exec, jobs := newExecution(t, s, "a")
	now := time.Now()
	p, err := New(s, WithPollInterval(time.Second), WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	ctx := context.Background()

	first, err := p.Latest(ctx, exec.ID)
	require.NoError(t, err)

	pass(t, s, jobs[0])
	now = now.Add(2 * time.Second)

	second, err := p.Latest(ctx, exec.ID)
	require.NoError(t, err)
	require.Greater(t, second.Version, first.Version)
	require.Equal(t, 1, second.Counts.Passed)
}

func TestLatest_SharedCacheOutlivesStore(t *testing.T) {
	redisServer, err := miniredis.Run()
	require.NoError(t, err)
	defer redisServer.Close()
	client := redis.NewClient(&redis.Options{Addr: redisServer.Addr()})
	defer client.Close()
	cache := NewRedisCache(client, DefaultCacheTTL)

	s := memory.New()
	exec, jobs := newExecution(t, s, "a")
	pass(t, s, jobs[0])
	finish(t, s, exec.ID)

	ctx := context.Background()
	p, err := New(s, WithCache(cache))
	require.NoError(t, err)
	p.Notify(ctx, exec.ID)

	_, err = s.PurgeFinishedBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)

	other, err := New(memory.New(), WithCache(cache))
	require.NoError(t, err)
	snap, err := other.Latest(ctx, exec.ID)
	require.NoError(t, err)
	require.True(t, snap.Terminal)
	require.Equal(t, store.ExecutionStatusCompleted, snap.Status)
	require.Equal(t, 1, snap.Counts.Passed)
}

// laggingCache always returns the same snapshot and drops writes.
type laggingCache struct{ snap Snapshot }

func (c *laggingCache) Get(ctx context.Context, executionID uuid.UUID) (*Snapshot, error) {
	s := c.snap
	return &s, nil
}

func (c *laggingCache) Set(ctx context.Context, s *Snapshot) error { return nil }

func TestLatest_OlderSharedSnapshotIsIgnored(t *testing.T) {
	s := memory.New()
	exec, jobs := newExecution(t, s, "a", "b")
	now := time.Now()
	cache := &laggingCache{snap: FromExecution(exec, now.Add(2*time.Second))}
	p, err := New(s, WithPollInterval(time.Second), WithCache(cache), WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	ctx := context.Background()

	pass(t, s, jobs[0])
	p.Notify(ctx, exec.ID)
	held, err := p.Latest(ctx, exec.ID)
	require.NoError(t, err)
	require.Greater(t, held.Version, cache.snap.Version)

	// The held snapshot goes stale while the shared one still looks fresh.
	now = now.Add(2 * time.Second)

	got, err := p.Latest(ctx, exec.ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, got.Version, held.Version)
	require.Equal(t, 1, got.Counts.Passed)
}

func TestSubscribe_FollowsExecutionToTerminal(t *testing.T) {
	s := memory.New()
	exec, jobs := newExecution(t, s, "a", "b")
	p, err := New(s, WithPollInterval(time.Hour))
	require.NoError(t, err)
	ctx := context.Background()

	ch, err := p.Subscribe(ctx, exec.ID)
	require.NoError(t, err)

	first := <-ch
	require.Equal(t, store.ExecutionStatusPending, first.Status)

	pass(t, s, jobs[0])
	p.Notify(ctx, exec.ID)
	second := <-ch
	require.Equal(t, 1, second.Counts.Passed)

	pass(t, s, jobs[1])
	finish(t, s, exec.ID)
	p.Notify(ctx, exec.ID)

	rest := drain(t, ch, time.Second)
	require.NotEmpty(t, rest)
	last := rest[len(rest)-1]
	require.True(t, last.Terminal)
	require.Equal(t, 100.0, last.PercentComplete)
	requireIncreasing(t, append([]Snapshot{first, second}, rest...))

	require.Eventually(t, func() bool { return p.Subscribers(exec.ID) == 0 }, time.Second, 5*time.Millisecond)
}

func TestSubscribe_PollsTheStore(t *testing.T) {
	s := memory.New()
	exec, jobs := newExecution(t, s, "a")
	p, err := New(s, WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)

	ch, err := p.Subscribe(context.Background(), exec.ID)
	require.NoError(t, err)

	pass(t, s, jobs[0])
	finish(t, s, exec.ID)

	got := drain(t, ch, 2*time.Second)
	require.True(t, got[len(got)-1].Terminal)
	requireIncreasing(t, got)
}

func TestSubscribe_SlowReaderGetsFinalSnapshot(t *testing.T) {
	s := memory.New()
	testCases := []string{"a", "b", "c", "d", "e", "f"}
	exec, jobs := newExecution(t, s, testCases...)
	p, err := New(s, WithPollInterval(time.Hour))
	require.NoError(t, err)
	ctx := context.Background()

	ch, err := p.Subscribe(ctx, exec.ID)
	require.NoError(t, err)

	for _, j := range jobs {
		pass(t, s, j)
		p.Notify(ctx, exec.ID)
	}
	finish(t, s, exec.ID)
	p.Notify(ctx, exec.ID)

	got := drain(t, ch, time.Second)
	require.LessOrEqual(t, len(got), len(testCases)+2)
	requireIncreasing(t, got)
	last := got[len(got)-1]
	require.True(t, last.Terminal)
	require.Equal(t, len(testCases), last.Counts.Passed)
}

func TestSubscribe_TerminalExecutionYieldsOnce(t *testing.T) {
	s := memory.New()
	exec, _ := newExecution(t, s)
	finish(t, s, exec.ID)
	p, err := New(s)
	require.NoError(t, err)

	ch, err := p.Subscribe(context.Background(), exec.ID)
	require.NoError(t, err)
	got := drain(t, ch, time.Second)
	require.Len(t, got, 1)
	require.True(t, got[0].Terminal)
}

func TestSubscribe_CancelClosesChannel(t *testing.T) {
	s := memory.New()
	exec, _ := newExecution(t, s, "a")
	p, err := New(s, WithPollInterval(time.Hour))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := p.Subscribe(ctx, exec.ID)
	require.NoError(t, err)
	<-ch
	cancel()

	_, open := <-ch
	require.False(t, open)
	require.Eventually(t, func() bool { return p.Subscribers(exec.ID) == 0 }, time.Second, 5*time.Millisecond)
}

func TestSubscribe_UnknownExecution(t *testing.T) {
	p, err := New(memory.New())
	require.NoError(t, err)

	_, err = p.Subscribe(context.Background(), uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Zero(t, p.Subscribers(uuid.Nil))
}
