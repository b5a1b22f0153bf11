package mcpconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

// processHandle owns a spawned child process and its three standard streams. It
// is owned exclusively by the StdIO transport; handles are never shared across
// components.
type processHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	logger *slog.Logger

	mu          sync.Mutex
	stdinClosed bool
	released    bool

	waitOnce sync.Once
	waitErr  error
}

const (
	// defaultStartGraceDelay is how long start waits before verifying the child
	// did not exit immediately.
	defaultStartGraceDelay = 100 * time.Millisecond

	// defaultShutdownTimeout bounds the graceful-termination wait before the
	// child is force-killed.
	defaultShutdownTimeout = 5 * time.Second
)

// startProcess spawns command with args. The child inherits the parent's
// environment when inheritEnv is true, merged with env; explicit variables win
// on conflict. When inheritEnv is false only env is passed. After a short grace
// delay the child is probed so that command-not-found and immediate-exit are
// surfaced as distinct connect-time errors.
func startProcess(
	ctx context.Context,
	logger *slog.Logger,
	command string,
	args []string,
	env map[string]string,
	inheritEnv bool,
	graceDelay time.Duration,
) (*processHandle, error) {
	if command == "" {
		return nil, &ValidationError{Field: "command", Reason: "must not be empty"}
	}
	if graceDelay <= 0 {
		graceDelay = defaultStartGraceDelay
	}

	// The child's lifetime is bound to stop(), not to the connect context; a
	// connect deadline must not kill an established session later.
	cmd := exec.Command(command, args...)
	cmd.Env = mergeEnv(env, inheritEnv)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, newTransportError("connect", fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, newTransportError("connect", fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, newTransportError("connect", fmt.Errorf("stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		if errors.Is(err, exec.ErrNotFound) {
			return nil, newTransportError("connect", fmt.Errorf("command not found: %s: %w", command, err))
		}
		return nil, newTransportError("connect", fmt.Errorf("failed to start process: %w", err))
	}

	p := &processHandle{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		logger: logger,
	}

	select {
	case <-ctx.Done():
		_ = p.stop(defaultShutdownTimeout)
		return nil, newTransportError("connect", ctx.Err())
	case <-time.After(graceDelay):
	}

	if !p.alive() {
		err := p.wait()
		p.release()
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return nil, newTransportError("connect", fmt.Errorf("process exited immediately with code %d", code))
	}

	logger.Debug("child process started", slog.Int("pid", cmd.Process.Pid))
	return p, nil
}

func (p *processHandle) pid() int {
	return p.cmd.Process.Pid
}

// alive reports whether the child process is still running.
func (p *processHandle) alive() bool {
	return p.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// closeStdin closes the child's input stream, signalling end-of-input. It is
// safe to call more than once.
func (p *processHandle) closeStdin() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stdinClosed {
		return nil
	}
	p.stdinClosed = true
	return p.stdin.Close()
}

// stop terminates the child process in strict order: close the input stream,
// request graceful termination, wait up to shutdownTimeout, then force-kill.
// Pipe handles are always released even when termination partially fails, and
// stop is idempotent.
func (p *processHandle) stop(shutdownTimeout time.Duration) error {
	defer p.release()

	if err := p.closeStdin(); err != nil {
		p.logger.Warn("failed to close child stdin", "err", err)
	}

	if !p.alive() {
		_ = p.wait()
		return nil
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.logger.Warn("failed to signal child process", "err", err)
	}

	done := make(chan error, 1)
	go func() { done <- p.wait() }()

	select {
	case <-done:
		return nil
	case <-time.After(shutdownTimeout):
	}

	p.logger.Warn("child did not terminate gracefully, killing", slog.Int("pid", p.pid()))
	if err := p.cmd.Process.Kill(); err != nil {
		return newTransportError("disconnect", fmt.Errorf("failed to kill process: %w", err))
	}
	<-done
	return nil
}

func (p *processHandle) wait() error {
	p.waitOnce.Do(func() { p.waitErr = p.cmd.Wait() })
	return p.waitErr
}

func (p *processHandle) release() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released {
		return
	}
	p.released = true
	if !p.stdinClosed {
		p.stdinClosed = true
		_ = p.stdin.Close()
	}
	_ = p.stdout.Close()
	_ = p.stderr.Close()
}

// mergeEnv builds the child environment. Explicit variables always win over
// inherited ones.
func mergeEnv(env map[string]string, inheritEnv bool) []string {
	merged := make(map[string]string)
	if inheritEnv {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				merged[k] = v
			}
		}
	}
	for k, v := range env {
		merged[k] = v
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
