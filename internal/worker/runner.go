package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"suiteplane/internal/logger"
	"suiteplane/internal/store"
	"suiteplane/internal/suite"
	"suiteplane/internal/worker/runtime"
)

// logTailBytes is how much process output is kept in a job result.
const logTailBytes = 4 * 1024

// TestRunner runs one attempt of a test case and classifies the result.
// The context carries the job deadline; runners must stop when it is done.
type TestRunner interface {
	Run(ctx context.Context, job *store.Job) store.Outcome
}

// TestCaseSource looks up how to run a test case.
type TestCaseSource interface {
	TestCase(id string) (suite.TestCase, bool)
}

// RunResult is the JSON stored as a job's result.
type RunResult struct {
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
	LogTail    string `json:"log_tail,omitempty"`
}

// RuntimeRunner runs test cases on a process backend. Exit code 0 is a pass,
// exit code 1 an assertion failure, anything else an infrastructure error.
type RuntimeRunner struct {
	runtime runtime.Runtime
	cases   TestCaseSource
	logger  *slog.Logger
}

// NewRuntimeRunner creates a runner backed by rt.
func NewRuntimeRunner(rt runtime.Runtime, cases TestCaseSource, log *slog.Logger) *RuntimeRunner {
	if log == nil {
		log = logger.Discard()
	}
	return &RuntimeRunner{runtime: rt, cases: cases, logger: log}
}

// Run implements TestRunner.
func (r *RuntimeRunner) Run(ctx context.Context, job *store.Job) store.Outcome {
	tc, ok := r.cases.TestCase(job.TestCaseID)
	if !ok {
		return infraOutcome(nil, fmt.Sprintf("unknown test case %q", job.TestCaseID))
	}

	runCtx := ctx
	if tc.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, tc.Timeout)
		defer cancel()
	}

	env := make(map[string]string, len(tc.Env)+4)
	for k, v := range tc.Env {
		env[k] = v
	}
	env["SUITEPLANE_EXECUTION_ID"] = job.ExecutionID.String()
	env["SUITEPLANE_JOB_ID"] = job.ID.String()
	env["SUITEPLANE_TEST_CASE_ID"] = job.TestCaseID
	env["SUITEPLANE_ATTEMPT"] = strconv.Itoa(job.Attempt)

	started := time.Now()
	handle, err := r.runtime.Start(runCtx, runtime.StartOptions{
		Name:    job.ID.String(),
		Image:   tc.Image,
		Command: tc.Command,
		Env:     env,
		Labels: map[string]string{
			runtime.LabelExecution: job.ExecutionID.String(),
			runtime.LabelTestCase:  job.TestCaseID,
			runtime.LabelAttempt:   strconv.Itoa(job.Attempt),
		},
		Timeout: tc.Timeout,
	})
	if err != nil {
		return infraOutcome(nil, fmt.Sprintf("failed to start test case: %v", err))
	}
	defer func() {
		if err := handle.Cleanup(); err != nil {
			r.logger.Warn("cleanup failed", "job_id", job.ID, "error", err)
		}
	}()

	exit, waitErr := handle.Wait(runCtx)
	result := RunResult{
		ExitCode:   exit.ExitCode,
		DurationMs: time.Since(started).Milliseconds(),
		LogTail:    r.logTail(handle),
	}

	if waitErr != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = handle.Stop(stopCtx)

		if errors.Is(waitErr, context.DeadlineExceeded) {
			return infraOutcome(&result, "test case timed out")
		}
		if errors.Is(waitErr, context.Canceled) {
			return infraOutcome(&result, "test case interrupted")
		}
		return infraOutcome(&result, fmt.Sprintf("runtime error: %v", waitErr))
	}

	switch exit.ExitCode {
	case 0:
		return store.Outcome{Succeeded: true, Result: encodeResult(&result)}
	case 1:
		return store.Outcome{
			Kind:   store.FailureAssertion,
			Result: encodeResult(&result),
			Error:  "assertion failed (exit code 1)",
		}
	default:
		msg := fmt.Sprintf("exit code %d", exit.ExitCode)
		if exit.Error != nil {
			msg = exit.Error.Error()
		}
		return infraOutcome(&result, msg)
	}
}

func (r *RuntimeRunner) logTail(handle runtime.Handle) string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rc, err := handle.StreamLogs(ctx)
	if err != nil || rc == nil {
		return ""
	}
	defer rc.Close()
	return readTail(rc, logTailBytes)
}

// readTail returns the last n bytes of r with NUL bytes removed.
func readTail(r io.Reader, n int) string {
	buf := make([]byte, 0, n)
	chunk := make([]byte, 32*1024)
	for {
		k, err := r.Read(chunk)
		buf = append(buf, chunk[:k]...)
		if over := len(buf) - n; over > 0 {
			buf = append(buf[:0], buf[over:]...)
		}
		if err != nil {
			break
		}
	}
	return strings.ReplaceAll(string(buf), "\x00", "")
}

func infraOutcome(result *RunResult, msg string) store.Outcome {
	return store.Outcome{Kind: store.FailureInfra, Result: encodeResult(result), Error: msg}
}

func encodeResult(result *RunResult) json.RawMessage {
	if result == nil {
		return nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil
	}
	return data
}
