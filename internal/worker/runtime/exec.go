package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// maxLogBytes caps the output kept in memory per process.
const maxLogBytes = 64 * 1024

// ExecRuntime implements the Runtime interface using raw OS processes.
// The Image field is ignored.
type ExecRuntime struct {
	WorkDir string
}

// NewExecRuntime creates a new process-based runtime. Each process runs in
// its own directory under workDir, named after StartOptions.Name plus a
// random suffix.
func NewExecRuntime(workDir string) *ExecRuntime {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "suiteplane", "runner")
	}
	return &ExecRuntime{WorkDir: workDir}
}

// Start implements Runtime.Start using os/exec.
func (e *ExecRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("command is required")
	}

	if err := os.MkdirAll(e.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	prefix := "run-"
	if opts.Name != "" {
		prefix = opts.Name + "-"
	}
	// A reclaimed job starts again under the same name, possibly while the
	// earlier process is still running.
	dir, err := os.MkdirTemp(e.WorkDir, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	out := &tailBuffer{limit: maxLogBytes}
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	h := &ExecHandle{cmd: cmd, dir: dir, out: out, done: make(chan struct{})}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

// ExecHandle is a running OS process.
type ExecHandle struct {
	cmd     *exec.Cmd
	dir     string
	out     *tailBuffer
	done    chan struct{}
	waitErr error
}

func (h *ExecHandle) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		h.kill()
		<-h.done
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}

	if h.waitErr == nil {
		return ExitResult{ExitCode: 0}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(h.waitErr, &exitErr) {
		return ExitResult{ExitCode: exitErr.ExitCode(), Error: exitErr}, nil
	}
	return ExitResult{ExitCode: -1, Error: h.waitErr}, h.waitErr
}

// Stop sends SIGTERM to the process group and SIGKILL after 5 seconds.
func (h *ExecHandle) Stop(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	default:
	}
	if err := syscall.Kill(-h.cmd.Process.Pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
	}
	h.kill()
	return nil
}

func (h *ExecHandle) kill() {
	syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
}

func (h *ExecHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(h.out.Bytes())), nil
}

func (h *ExecHandle) Cleanup() error {
	return os.RemoveAll(h.dir)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf...)
}
