package coordinator

import (
	"math"
	"time"

	"suiteplane/internal/store"
)

// Defaults fill in policy fields a request leaves unset.
type Defaults struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Jitter      float64
}

// DefaultDefaults are used when the coordinator is built without explicit defaults.
var DefaultDefaults = Defaults{
	MaxRetries:  3,
	BackoffBase: 10 * time.Second,
	BackoffMax:  10 * time.Minute,
	Jitter:      0.2,
}

// Policy is the caller's view of store.Policy. Nil and zero fields take the
// configured defaults.
type Policy struct {
	MaxRetries             *int
	TestCaseMaxRetries     map[string]int
	BackoffBase            time.Duration
	BackoffMax             time.Duration
	Jitter                 *float64
	FailOnAnyFailure       bool
	RetryAssertionFailures bool

	// Timeout bounds the execution from its creation. Deadline, if set, wins.
	Timeout  time.Duration
	Deadline *time.Time
}

func (p Policy) resolve(d Defaults, now time.Time) (store.Policy, *time.Time) {
	out := store.Policy{
		MaxRetries:             d.MaxRetries,
		TestCaseMaxRetries:     p.TestCaseMaxRetries,
		BackoffBase:            d.BackoffBase,
		BackoffMax:             d.BackoffMax,
		Jitter:                 d.Jitter,
		FailOnAnyFailure:       p.FailOnAnyFailure,
		RetryAssertionFailures: p.RetryAssertionFailures,
	}
	if p.MaxRetries != nil && *p.MaxRetries >= 0 {
		out.MaxRetries = *p.MaxRetries
	}
	if p.BackoffBase > 0 {
		out.BackoffBase = p.BackoffBase
	}
	if p.BackoffMax > 0 {
		out.BackoffMax = p.BackoffMax
	}
	if out.BackoffMax < out.BackoffBase {
		out.BackoffMax = out.BackoffBase
	}
	if p.Jitter != nil {
		out.Jitter = math.Min(math.Max(*p.Jitter, 0), 1)
	}

	var deadline *time.Time
	switch {
	case p.Deadline != nil:
		d := p.Deadline.UTC()
		deadline = &d
	case p.Timeout > 0:
		d := now.Add(p.Timeout)
		deadline = &d
	}
	return out, deadline
}

// Retryable reports whether a failure of this kind may be retried under p.
func Retryable(p store.Policy, kind store.FailureKind) bool {
	switch kind {
	case store.FailureInfra:
		return true
	case store.FailureAssertion:
		return p.RetryAssertionFailures
	default:
		return false
	}
}

// Backoff is the delay before attempt+1 after attempt failed:
// min(max, base*2^(attempt-1)) scaled by 1+jitter*(2r-1), where r is uniform in [0,1).
func Backoff(p store.Policy, attempt int, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BackoffBase) * math.Pow(2, float64(attempt-1))
	if max := float64(p.BackoffMax); p.BackoffMax > 0 && d > max {
		d = max
	}
	d *= 1 + p.Jitter*(2*r-1)
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// finalStatus picks the terminal status of an execution with no pending jobs.
func finalStatus(e *store.Execution) (store.ExecutionStatus, string) {
	if e.CancelRequested {
		if e.CancelReason == store.ReasonDeadlineExceeded {
			return store.ExecutionStatusFailed, store.ReasonDeadlineExceeded
		}
		return store.ExecutionStatusCancelled, e.CancelReason
	}
	if e.Policy.FailOnAnyFailure && e.Counts.Failed+e.Counts.Errored > 0 {
		return store.ExecutionStatusFailed, "one or more test cases did not pass"
	}
	return store.ExecutionStatusCompleted, ""
}
