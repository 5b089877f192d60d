package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"suiteplane/internal/queue"
	"suiteplane/internal/report"
	"suiteplane/internal/store"
	"suiteplane/internal/store/memory"
	"suiteplane/internal/suite"
	"suiteplane/internal/worker"
)

// StaticResolver resolves suites from a fixed map.
type StaticResolver map[string][]string

func (r StaticResolver) Resolve(ctx context.Context, suiteID string) ([]string, error) {
	ids, ok := r[suiteID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", suite.ErrUnknownSuite, suiteID)
	}
	return ids, nil
}

// ScriptedRunner returns outcomes per test case; unscripted cases pass.
type ScriptedRunner struct {
	Script map[string]func(ctx context.Context, job *store.Job) store.Outcome
}

func (r *ScriptedRunner) Run(ctx context.Context, job *store.Job) store.Outcome {
	if fn, ok := r.Script[job.TestCaseID]; ok {
		return fn(ctx, job)
	}
	return store.Outcome{Succeeded: true}
}

func fail(kind store.FailureKind) func(context.Context, *store.Job) store.Outcome {
	return func(context.Context, *store.Job) store.Outcome {
		return store.Outcome{Kind: kind, Error: string(kind)}
	}
}

// MockArchive keeps reports in memory.
type MockArchive struct {
	mu      sync.Mutex
	reports map[uuid.UUID]*report.Report
}

func (m *MockArchive) Save(ctx context.Context, r *report.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reports == nil {
		m.reports = make(map[uuid.UUID]*report.Report)
	}
	m.reports[r.ExecutionID] = r
	return nil
}

func (m *MockArchive) Get(ctx context.Context, id uuid.UUID) (*report.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, report.ErrNotArchived
	}
	return r, nil
}

// MockNotifier counts notifications.
type MockNotifier struct {
	mu    sync.Mutex
	calls map[uuid.UUID]int
}

func (m *MockNotifier) Notify(ctx context.Context, id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[uuid.UUID]int)
	}
	m.calls[id]++
}

func (m *MockNotifier) Calls(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[id]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testDefaults = Defaults{
	MaxRetries:  3,
	BackoffBase: time.Millisecond,
	BackoffMax:  5 * time.Millisecond,
	Jitter:      0,
}

type harness struct {
	store    *memory.Store
	queue    *queue.Memory
	coord    *Coordinator
	archive  *MockArchive
	notifier *MockNotifier
	agent    worker.AgentConfig
}

func newHarness(t *testing.T, resolver suite.Resolver, storeOpts []memory.Option, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:    memory.New(storeOpts...),
		queue:    queue.NewMemory(),
		archive:  &MockArchive{},
		notifier: &MockNotifier{},
		agent: worker.AgentConfig{
			PollInterval:      5 * time.Millisecond,
			MaxBackoff:        20 * time.Millisecond,
			HeartbeatInterval: 10 * time.Millisecond,
			LeaseDuration:     200 * time.Millisecond,
		},
	}
	opts = append([]Option{WithArchive(h.archive), WithNotifier(h.notifier)}, opts...)
	h.coord = New(h.store, h.queue, resolver, Config{Defaults: testDefaults, SweepInterval: 10 * time.Millisecond}, opts...)
	return h
}

// runAgents starts agents that report outcomes to the coordinator, plus the
// coordinator sweep loop, until the test ends.
func (h *harness) runAgents(t *testing.T, agents, concurrency int, runner worker.TestRunner) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var stopped []*worker.Agent
	for i := 0; i < agents; i++ {
		cfg := h.agent
		cfg.ID = fmt.Sprintf("agent-%d", i)
		cfg.Concurrency = concurrency
		a := worker.New(h.store, h.queue, runner, cfg, worker.WithOutcomeHandler(h.coord))
		stopped = append(stopped, a)
		go a.Run(ctx)
	}
	coordDone := make(chan struct{})
	go func() {
		defer close(coordDone)
		h.coord.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		for _, a := range stopped {
			<-a.Done()
		}
		<-coordDone
	})
}

func (h *harness) waitTerminal(t *testing.T, id uuid.UUID, timeout time.Duration) *store.Execution {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		exec, err := h.store.GetExecution(context.Background(), id)
		require.NoError(t, err)
		require.True(t, exec.Counts.Consistent(), "counts invariant broken: %+v", exec.Counts)
		if exec.Status.Terminal() {
			return exec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("execution %s did not finish within %s", id, timeout)
	return nil
}

func (h *harness) lineage(t *testing.T, id uuid.UUID, testCase string) []*store.Job {
	t.Helper()
	jobs, err := h.store.ListJobs(context.Background(), id)
	require.NoError(t, err)
	var out []*store.Job
	for _, j := range jobs {
		if j.TestCaseID == testCase {
			out = append(out, j)
		}
	}
	return out
}

func intPtr(n int) *int { return &n }

func TestStart_ExpansionError(t *testing.T) {
	h := newHarness(t, StaticResolver{}, nil)

	_, err := h.coord.Start(context.Background(), StartRequest{SuiteID: "nope"})

	var expErr *ExpansionError
	require.ErrorAs(t, err, &expErr)
	require.Equal(t, "nope", expErr.SuiteID)
	require.ErrorIs(t, err, suite.ErrUnknownSuite)

	open, err := h.store.ListOpenExecutions(context.Background())
	require.NoError(t, err)
	require.Empty(t, open)
	require.Equal(t, 0, h.queue.Len())
}

func TestStart_EmptySuiteCompletesImmediately(t *testing.T) {
	h := newHarness(t, StaticResolver{"empty": nil}, nil)
	ctx := context.Background()

	id, err := h.coord.Start(ctx, StartRequest{SuiteID: "empty"})
	require.NoError(t, err)

	exec, err := h.coord.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionStatusCompleted, exec.Status)
	require.Equal(t, store.Counts{}, exec.Counts)
	require.Positive(t, h.notifier.Calls(id))

	r, err := h.archive.Get(ctx, id)
	require.NoError(t, err)
	require.Empty(t, r.Cases)
}

func TestStart_ExpandsAndPublishes(t *testing.T) {
	h := newHarness(t, StaticResolver{"smoke": {"login", "search", "login", "checkout"}}, nil)
	ctx := context.Background()

	id, err := h.coord.Start(ctx, StartRequest{
		SuiteID: "smoke", Name: "pr-42", Environment: "staging", Trigger: store.TriggerCICD,
	})
	require.NoError(t, err)

	exec, err := h.coord.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionStatusPending, exec.Status)
	require.Equal(t, store.Counts{Total: 3, Pending: 3}, exec.Counts)
	require.Equal(t, store.TriggerCICD, exec.Trigger)
	require.Equal(t, "staging", exec.Environment)
	require.Equal(t, 3, exec.Policy.MaxRetries)

	jobs, err := h.coord.Jobs(ctx, id)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	for i, tc := range []string{"login", "search", "checkout"} {
		require.Equal(t, tc, jobs[i].TestCaseID)
		require.Equal(t, i, jobs[i].Position)
		require.Equal(t, 1, jobs[i].Attempt)
		require.Equal(t, store.JobID(id, tc, 1), jobs[i].ID)
	}
	require.Equal(t, 3, h.queue.Len())
}

func TestScenario_TwoPassOneFails(t *testing.T) {
	h := newHarness(t, StaticResolver{"smoke": {"a", "b", "c"}}, nil)
	runner := &ScriptedRunner{Script: map[string]func(context.Context, *store.Job) store.Outcome{
		"c": fail(store.FailureAssertion),
	}}
	h.runAgents(t, 1, 3, runner)

	id, err := h.coord.Start(context.Background(), StartRequest{SuiteID: "smoke"})
	require.NoError(t, err)

	exec := h.waitTerminal(t, id, 5*time.Second)
	require.Equal(t, store.ExecutionStatusCompleted, exec.Status)
	require.Equal(t, 2, exec.Counts.Passed)
	require.Equal(t, 1, exec.Counts.Failed)
	require.Equal(t, 0, exec.Counts.Pending)
	require.Len(t, h.lineage(t, id, "c"), 1, "assertion failures are not retried by default")

	r, err := h.coord.Report(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, r.Cases, 3)
	require.Equal(t, report.OutcomeFailed, r.Cases[2].Outcome)

	archived, err := h.archive.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionStatusCompleted, archived.Status)
}

func TestRetryBoundAndAttemptSequence(t *testing.T) {
	h := newHarness(t, StaticResolver{"s": {"broken", "fine"}}, nil)
	h.runAgents(t, 1, 2, &ScriptedRunner{Script: map[string]func(context.Context, *store.Job) store.Outcome{
		"broken": fail(store.FailureInfra),
	}})

	id, err := h.coord.Start(context.Background(), StartRequest{
		SuiteID: "s",
		Policy:  Policy{MaxRetries: intPtr(2), FailOnAnyFailure: true},
	})
	require.NoError(t, err)

	exec := h.waitTerminal(t, id, 5*time.Second)
	require.Equal(t, store.ExecutionStatusFailed, exec.Status)
	require.Equal(t, store.Counts{Total: 2, Passed: 1, Errored: 1, Retried: 2}, exec.Counts)

	jobs := h.lineage(t, id, "broken")
	require.Len(t, jobs, 3, "maxRetries=2 means exactly 3 attempts")
	for i, j := range jobs {
		require.Equal(t, i+1, j.Attempt)
		if i > 0 {
			require.NotNil(t, j.PreviousJobID)
			require.Equal(t, jobs[i-1].ID, *j.PreviousJobID)
		}
	}
	require.Equal(t, store.JobStatusRetrying, jobs[0].Status)
	require.Equal(t, store.JobStatusRetrying, jobs[1].Status)
	require.Equal(t, store.JobStatusAbandoned, jobs[2].Status)
	require.Equal(t, store.FailureInfra, jobs[2].FailureKind)
}

func TestPerTestCaseRetryOverride(t *testing.T) {
	h := newHarness(t, StaticResolver{"s": {"broken"}}, nil)
	h.runAgents(t, 1, 1, &ScriptedRunner{Script: map[string]func(context.Context, *store.Job) store.Outcome{
		"broken": fail(store.FailureInfra),
	}})

	id, err := h.coord.Start(context.Background(), StartRequest{
		SuiteID: "s",
		Policy:  Policy{TestCaseMaxRetries: map[string]int{"broken": 0}},
	})
	require.NoError(t, err)

	exec := h.waitTerminal(t, id, 5*time.Second)
	require.Equal(t, store.ExecutionStatusCompleted, exec.Status)
	require.Equal(t, 1, exec.Counts.Errored)
	require.Len(t, h.lineage(t, id, "broken"), 1)
}

func TestRetryAssertionFailures(t *testing.T) {
	h := newHarness(t, StaticResolver{"s": {"flaky"}}, nil)
	h.runAgents(t, 1, 1, &ScriptedRunner{Script: map[string]func(context.Context, *store.Job) store.Outcome{
		"flaky": func(ctx context.Context, job *store.Job) store.Outcome {
			if job.Attempt == 1 {
				return store.Outcome{Kind: store.FailureAssertion, Error: "expected 1 got 2"}
			}
			return store.Outcome{Succeeded: true}
		},
	}})

	id, err := h.coord.Start(context.Background(), StartRequest{
		SuiteID: "s",
		Policy:  Policy{RetryAssertionFailures: true},
	})
	require.NoError(t, err)

	exec := h.waitTerminal(t, id, 5*time.Second)
	require.Equal(t, store.ExecutionStatusCompleted, exec.Status)
	require.Equal(t, store.Counts{Total: 1, Passed: 1, Retried: 1}, exec.Counts)
}

func TestDeadlineExceeded(t *testing.T) {
	h := newHarness(t, StaticResolver{"s": {"slow", "later"}}, nil)
	h.runAgents(t, 1, 1, &ScriptedRunner{Script: map[string]func(context.Context, *store.Job) store.Outcome{
		"slow": func(ctx context.Context, job *store.Job) store.Outcome {
			<-ctx.Done()
			return store.Outcome{Kind: store.FailureInfra, Error: "test case timed out"}
		},
	}})

	id, err := h.coord.Start(context.Background(), StartRequest{
		SuiteID: "s",
		Policy:  Policy{Timeout: 150 * time.Millisecond},
	})
	require.NoError(t, err)

	exec := h.waitTerminal(t, id, 5*time.Second)
	require.Equal(t, store.ExecutionStatusFailed, exec.Status)
	require.Equal(t, store.ReasonDeadlineExceeded, exec.Reason)
	require.Equal(t, 0, exec.Counts.Passed)

	for _, tc := range []string{"slow", "later"} {
		jobs := h.lineage(t, id, tc)
		require.NotEmpty(t, jobs)
		require.Equal(t, store.JobStatusAbandoned, jobs[len(jobs)-1].Status, tc)
	}
}

// gateRunner blocks the first job it runs until release is closed; every
// job passes.
type gateRunner struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (r *gateRunner) Run(ctx context.Context, job *store.Job) store.Outcome {
	first := false
	r.once.Do(func() {
		first = true
		close(r.started)
	})
	if first {
		<-r.release
	}
	return store.Outcome{Succeeded: true}
}

func TestCancel(t *testing.T) {
	h := newHarness(t, StaticResolver{"s": {"a", "b", "c"}}, nil)
	runner := &gateRunner{started: make(chan struct{}), release: make(chan struct{})}
	h.runAgents(t, 1, 1, runner)
	ctx := context.Background()

	id, err := h.coord.Start(ctx, StartRequest{SuiteID: "s"})
	require.NoError(t, err)
	<-runner.started

	exec, err := h.coord.Cancel(ctx, id)
	require.NoError(t, err)
	require.True(t, exec.CancelRequested)
	require.Equal(t, store.ExecutionStatusRunning, exec.Status, "the running job keeps the execution open")

	jobs, err := h.coord.Jobs(ctx, id)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	var abandoned int
	for _, j := range jobs {
		if j.Status == store.JobStatusAbandoned {
			require.Equal(t, store.FailureCancelled, j.FailureKind)
			abandoned++
		}
	}
	require.Equal(t, 2, abandoned)

	close(runner.release)
	exec = h.waitTerminal(t, id, 5*time.Second)
	require.Equal(t, store.ExecutionStatusCancelled, exec.Status)
	require.Equal(t, ReasonCancelled, exec.Reason)
	require.Equal(t, store.Counts{Total: 3, Passed: 1, Errored: 2}, exec.Counts)

	_, err = h.coord.Cancel(ctx, id)
	require.ErrorIs(t, err, store.ErrAlreadyTerminal)

	_, err = h.coord.Cancel(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancel_StopsRetries(t *testing.T) {
	h := newHarness(t, StaticResolver{"s": {"broken"}}, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.runAgents(t, 1, 1, &ScriptedRunner{Script: map[string]func(context.Context, *store.Job) store.Outcome{
		"broken": func(ctx context.Context, job *store.Job) store.Outcome {
			once.Do(func() { close(started) })
			<-release
			return store.Outcome{Kind: store.FailureInfra, Error: "connection refused"}
		},
	}})
	ctx := context.Background()

	id, err := h.coord.Start(ctx, StartRequest{SuiteID: "s"})
	require.NoError(t, err)
	<-started

	_, err = h.coord.Cancel(ctx, id)
	require.NoError(t, err)
	close(release)

	exec := h.waitTerminal(t, id, 5*time.Second)
	require.Equal(t, store.ExecutionStatusCancelled, exec.Status)
	require.Equal(t, 0, exec.Counts.Retried)
	require.Len(t, h.lineage(t, id, "broken"), 1)
}

// claimAndFail runs a job by hand up to a recorded infra failure.
func claimAndFail(t *testing.T, s store.JobStore, jobID uuid.UUID) *store.Job {
	t.Helper()
	ctx := context.Background()
	job, err := s.ClaimJob(ctx, jobID, "w1", time.Minute)
	require.NoError(t, err)
	failed, err := s.RecordOutcome(ctx, job.ID, job.Attempt, "w1", store.Outcome{Kind: store.FailureInfra, Error: "boom"})
	require.NoError(t, err)
	return failed
}

func TestHandleOutcome_DecidesOnce(t *testing.T) {
	h := newHarness(t, StaticResolver{"s": {"x"}}, nil)
	ctx := context.Background()

	id, err := h.coord.Start(ctx, StartRequest{SuiteID: "s"})
	require.NoError(t, err)
	failed := claimAndFail(t, h.store, store.JobID(id, "x", 1))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, h.coord.HandleOutcome(ctx, failed))
		}()
	}
	wg.Wait()

	jobs := h.lineage(t, id, "x")
	require.Len(t, jobs, 2)
	require.Equal(t, store.JobStatusRetrying, jobs[0].Status)
	require.Equal(t, store.JobStatusQueued, jobs[1].Status)

	exec, err := h.coord.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 1, exec.Counts.Retried)
	require.Equal(t, 1, exec.Counts.Pending)
}

func TestHandleOutcome_IgnoresTerminalExecutions(t *testing.T) {
	h := newHarness(t, StaticResolver{"s": {"x"}}, nil)
	ctx := context.Background()

	id, err := h.coord.Start(ctx, StartRequest{SuiteID: "s", Policy: Policy{MaxRetries: intPtr(0)}})
	require.NoError(t, err)
	failed := claimAndFail(t, h.store, store.JobID(id, "x", 1))
	require.NoError(t, h.coord.HandleOutcome(ctx, failed))

	exec, err := h.coord.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionStatusCompleted, exec.Status)

	require.NoError(t, h.coord.HandleOutcome(ctx, failed))
	again, err := h.coord.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, exec.Version, again.Version)
}

func TestSweep_LeaseExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	h := newHarness(t, StaticResolver{"s": {"x"}}, []memory.Option{memory.WithClock(clock.Now)}, WithClock(clock.Now))
	ctx := context.Background()

	id, err := h.coord.Start(ctx, StartRequest{SuiteID: "s", Policy: Policy{MaxRetries: intPtr(1)}})
	require.NoError(t, err)
	jobID := store.JobID(id, "x", 1)
	require.Equal(t, 1, h.queue.Len())

	_, err = h.store.ClaimJob(ctx, jobID, "w1", time.Minute)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	require.NoError(t, h.coord.Sweep(ctx))

	jobs := h.lineage(t, id, "x")
	require.Len(t, jobs, 1)
	require.Equal(t, store.JobStatusQueued, jobs[0].Status)
	require.Equal(t, 1, jobs[0].Attempt, "lease expiry keeps the attempt")
	require.Equal(t, 1, jobs[0].Reclaims)
	require.Equal(t, 2, h.queue.Len(), "reclaimed job is republished")

	_, err = h.store.ClaimJob(ctx, jobID, "w2", time.Minute)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	require.NoError(t, h.coord.Sweep(ctx))

	jobs = h.lineage(t, id, "x")
	require.Equal(t, store.JobStatusAbandoned, jobs[0].Status)
	require.Equal(t, store.FailureInfra, jobs[0].FailureKind)
	require.Equal(t, "lease expired", jobs[0].LastError)

	exec, err := h.coord.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionStatusCompleted, exec.Status)
	require.Equal(t, 1, exec.Counts.Errored)
}

func TestSweep_DecidesLostFailure(t *testing.T) {
	h := newHarness(t, StaticResolver{"s": {"x"}}, nil)
	ctx := context.Background()

	id, err := h.coord.Start(ctx, StartRequest{SuiteID: "s"})
	require.NoError(t, err)
	claimAndFail(t, h.store, store.JobID(id, "x", 1))

	require.NoError(t, h.coord.Sweep(ctx))

	jobs := h.lineage(t, id, "x")
	require.Len(t, jobs, 2)
	require.Equal(t, store.JobStatusRetrying, jobs[0].Status)
	require.Equal(t, 2, jobs[1].Attempt)
}

func TestSweep_DeadlineWithoutEvents(t *testing.T) {
	clock := &fakeClock{now: time.Now().UTC()}
	h := newHarness(t, StaticResolver{"s": {"a", "b"}}, []memory.Option{memory.WithClock(clock.Now)}, WithClock(clock.Now))
	ctx := context.Background()

	id, err := h.coord.Start(ctx, StartRequest{SuiteID: "s", Policy: Policy{Timeout: time.Minute}})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	require.NoError(t, h.coord.Sweep(ctx))

	exec, err := h.coord.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionStatusFailed, exec.Status)
	require.Equal(t, store.ReasonDeadlineExceeded, exec.Reason)
	require.Equal(t, store.Counts{Total: 2, Errored: 2}, exec.Counts)
}

func TestRecover_RepublishesQueuedJobs(t *testing.T) {
	h := newHarness(t, StaticResolver{"s": {"a", "b", "c"}}, nil)
	ctx := context.Background()

	id, err := h.coord.Start(ctx, StartRequest{SuiteID: "s"})
	require.NoError(t, err)
	_, err = h.store.ClaimJob(ctx, store.JobID(id, "a", 1), "w1", time.Minute)
	require.NoError(t, err)

	fresh := queue.NewMemory()
	restarted := New(h.store, fresh, StaticResolver{}, Config{Defaults: testDefaults})
	require.NoError(t, restarted.Recover(ctx))
	require.Equal(t, 2, fresh.Len())
}

func TestReport_FallsBackToArchive(t *testing.T) {
	h := newHarness(t, StaticResolver{"s": {"x"}}, nil)
	ctx := context.Background()

	id, err := h.coord.Start(ctx, StartRequest{SuiteID: "s"})
	require.NoError(t, err)
	job, err := h.store.ClaimJob(ctx, store.JobID(id, "x", 1), "w1", time.Minute)
	require.NoError(t, err)
	recorded, err := h.store.RecordOutcome(ctx, job.ID, 1, "w1", store.Outcome{Succeeded: true})
	require.NoError(t, err)
	require.NoError(t, h.coord.HandleOutcome(ctx, recorded))

	purged, err := h.store.PurgeFinishedBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), purged)

	r, err := h.coord.Report(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 1, r.Counts.Passed)

	_, err = h.coord.Report(ctx, uuid.New())
	require.True(t, errors.Is(err, store.ErrNotFound))
}

func TestSweep_ArchivesExecutionsFinishedElsewhere(t *testing.T) {
	h := newHarness(t, StaticResolver{"s": {"x"}}, nil)
	ctx := context.Background()

	// A worker process finishes executions through a coordinator with no archive.
	inWorker := New(h.store, h.queue, StaticResolver{"s": {"x"}}, Config{Defaults: testDefaults})

	id, err := h.coord.Start(ctx, StartRequest{SuiteID: "s"})
	require.NoError(t, err)
	job, err := h.store.ClaimJob(ctx, store.JobID(id, "x", 1), "w1", time.Minute)
	require.NoError(t, err)
	recorded, err := h.store.RecordOutcome(ctx, job.ID, 1, "w1", store.Outcome{Succeeded: true})
	require.NoError(t, err)
	require.NoError(t, inWorker.HandleOutcome(ctx, recorded))

	exec, err := h.store.GetExecution(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionStatusCompleted, exec.Status)
	_, err = h.archive.Get(ctx, id)
	require.ErrorIs(t, err, report.ErrNotArchived)

	require.NoError(t, h.coord.Sweep(ctx))

	r, err := h.archive.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.ExecutionStatusCompleted, r.Status)
	require.Equal(t, 1, r.Counts.Passed)

	// Reports survive the purge of the execution.
	_, err = h.store.PurgeFinishedBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, h.coord.Sweep(ctx))
	_, err = h.coord.Report(ctx, id)
	require.NoError(t, err)
}

var errTransient = errors.New("connection reset by peer")

// randomRunner sleeps briefly and returns a random outcome. One run in ten
// is slow enough to outlive a lease that is not renewed.
type randomRunner struct{}

func (randomRunner) Run(ctx context.Context, job *store.Job) store.Outcome {
	d := time.Duration(rand.Intn(3)) * time.Millisecond
	if rand.Intn(10) == 0 {
		d = 80 * time.Millisecond
	}
	select {
	case <-ctx.Done():
		return store.Outcome{Kind: store.FailureInfra, Error: "run cancelled"}
	case <-time.After(d):
	}
	switch n := rand.Intn(10); {
	case n < 6:
		return store.Outcome{Succeeded: true}
	case n < 8:
		return store.Outcome{Kind: store.FailureAssertion, Error: "assertion failed"}
	default:
		return store.Outcome{Kind: store.FailureInfra, Error: "container exited unexpectedly"}
	}
}

func TestConcurrentWorkersUnderFaults(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	const executions, casesPerSuite = 5, 200
	cases := make([]string, casesPerSuite)
	for i := range cases {
		cases[i] = fmt.Sprintf("tc-%03d", i)
	}
	resolver := StaticResolver{"regression": cases}

	h := newHarness(t, resolver, nil)
	h.queue = queue.NewMemory(
		queue.WithDuplicateRate(0.2),
		queue.WithDropRate(0.05),
		queue.WithRedeliverAfter(50*time.Millisecond),
		queue.WithSeed(42),
	)
	h.coord = New(h.store, h.queue, resolver,
		Config{Defaults: testDefaults, SweepInterval: 10 * time.Millisecond},
		WithArchive(h.archive), WithNotifier(h.notifier))
	h.agent.LeaseDuration = 20 * time.Millisecond

	// Most renewals fail, so slow runs lose their lease and get reclaimed.
	h.store.SetFault(func(op string) error {
		switch op {
		case "RenewLease":
			if rand.Float64() < 0.7 {
				return errTransient
			}
		case "ClaimJob":
			if rand.Float64() < 0.05 {
				return errTransient
			}
		}
		return nil
	})

	ctx := context.Background()
	ids := make([]uuid.UUID, executions)
	for i := range ids {
		id, err := h.coord.Start(ctx, StartRequest{
			SuiteID: "regression",
			Policy:  Policy{RetryAssertionFailures: i%2 == 0},
		})
		require.NoError(t, err)
		ids[i] = id
	}

	var violations atomic.Int64
	stopSampler := make(chan struct{})
	samplerDone := make(chan struct{})
	go func() {
		defer close(samplerDone)
		for {
			select {
			case <-stopSampler:
				return
			case <-time.After(2 * time.Millisecond):
			}
			for _, id := range ids {
				exec, err := h.store.GetExecution(ctx, id)
				if err != nil {
					continue
				}
				if !exec.Counts.Consistent() {
					violations.Add(1)
					t.Errorf("inconsistent counts %+v", exec.Counts)
				}
				jobs, err := h.store.ListJobs(ctx, id)
				if err != nil {
					continue
				}
				open := make(map[string]int)
				for _, j := range jobs {
					if !j.Status.Terminal() {
						open[j.TestCaseID]++
					}
				}
				for tc, n := range open {
					if n > 1 {
						violations.Add(1)
						t.Errorf("test case %s has %d open attempts", tc, n)
					}
				}
			}
		}
	}()

	h.runAgents(t, 5, 10, randomRunner{})

	for _, id := range ids {
		h.waitTerminal(t, id, 60*time.Second)
	}
	close(stopSampler)
	<-samplerDone
	require.Zero(t, violations.Load())

	reclaims := 0
	for _, id := range ids {
		exec, err := h.store.GetExecution(ctx, id)
		require.NoError(t, err)
		require.Equal(t, store.ExecutionStatusCompleted, exec.Status)

		jobs, err := h.store.ListJobs(ctx, id)
		require.NoError(t, err)
		lineages := make(map[string][]*store.Job)
		for _, j := range jobs {
			lineages[j.TestCaseID] = append(lineages[j.TestCaseID], j)
			reclaims += j.Reclaims
		}
		require.Len(t, lineages, casesPerSuite)

		var want store.Counts
		want.Total = casesPerSuite
		for tc, lineage := range lineages {
			for i, j := range lineage {
				require.Equal(t, i+1, j.Attempt, "attempts of %s must be contiguous", tc)
				if i < len(lineage)-1 {
					require.Equal(t, store.JobStatusRetrying, j.Status)
				}
			}
			want.Retried += len(lineage) - 1

			last := lineage[len(lineage)-1]
			switch {
			case last.Status == store.JobStatusSucceeded:
				want.Passed++
			case last.Status == store.JobStatusAbandoned && last.FailureKind.CountsAsFailed():
				want.Failed++
			case last.Status == store.JobStatusAbandoned:
				want.Errored++
			default:
				t.Fatalf("lineage %s ends in %s", tc, last.Status)
			}
		}
		require.Equal(t, want, exec.Counts)
	}
	require.Positive(t, reclaims, "expected expired leases to be reclaimed")
}
