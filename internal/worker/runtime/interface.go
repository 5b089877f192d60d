// Package runtime provides the process backends that run a test case:
// local processes, Docker containers and Kubernetes Jobs.
package runtime

import (
	"context"
	"io"
	"time"
)

// Runtime starts one test-case process.
type Runtime interface {
	// Start begins execution and returns a handle.
	Start(ctx context.Context, opts StartOptions) (Handle, error)
}

// Labels attached to containers and Kubernetes Jobs.
const (
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelExecution = "suiteplane.io/execution-id"
	LabelTestCase  = "suiteplane.io/test-case"
	LabelAttempt   = "suiteplane.io/attempt"

	managedBy = "suiteplane"
)

// StartOptions contains the parameters for starting a test case.
type StartOptions struct {
	// Name is the job id. Backends derive their resource names from it and
	// add a per-start suffix, since a reclaimed job is started again under
	// the same id.
	Name    string
	Image   string
	Command []string
	Env     map[string]string
	// Labels tag what the backend creates so an operator can find every
	// process of an execution. The exec backend ignores them.
	Labels  map[string]string
	Timeout time.Duration
}

func (o StartOptions) labels() map[string]string {
	out := make(map[string]string, len(o.Labels)+1)
	for k, v := range o.Labels {
		out[k] = v
	}
	out[LabelManagedBy] = managedBy
	return out
}

// ExitResult is how a process ended.
type ExitResult struct {
	ExitCode int
	Error    error
}

// Handle represents a running test case.
type Handle interface {
	// Wait blocks until the process exits. A cancelled ctx stops the process
	// and returns ExitCode -1 with ctx.Err().
	Wait(ctx context.Context) (ExitResult, error)

	// Stop forcefully terminates the process.
	Stop(ctx context.Context) error

	// StreamLogs returns the combined stdout/stderr.
	StreamLogs(ctx context.Context) (io.ReadCloser, error)

	// Cleanup releases what Start allocated.
	Cleanup() error
}
