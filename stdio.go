package mcpconn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// StdIO implements the Transport interface over the standard streams of a
// spawned subprocess, using JSON-RPC message encoding with newline-delimited
// framing. Connect starts the configured command; Close terminates it with a
// graceful-then-forced shutdown sequence.
//
// Instances must be created with NewStdIO and are not safe for use by more than
// one Client.
type StdIO struct {
	command    string
	args       []string
	env        map[string]string
	inheritEnv bool

	logger *slog.Logger
	codec  *Codec

	startGraceDelay time.Duration
	shutdownTimeout time.Duration
	receiveTimeout  time.Duration

	mu        sync.Mutex
	writeMu   sync.Mutex
	proc      *processHandle
	lines     chan stdioLine
	done      chan struct{}
	connected bool
}

type stdioLine struct {
	text string
	err  error
}

// StdIOOption represents the options for the StdIO transport.
type StdIOOption func(*StdIO)

var defaultStdIOReceiveTimeout = 30 * time.Second

// WithStdIOEnv sets explicit environment variables for the child process. When
// environment inheritance is enabled these override inherited variables of the
// same name.
func WithStdIOEnv(env map[string]string) StdIOOption {
	return func(s *StdIO) {
		s.env = env
	}
}

// WithStdIOInheritEnv controls whether the child inherits the parent's
// environment. Inheritance is enabled by default.
func WithStdIOInheritEnv(inherit bool) StdIOOption {
	return func(s *StdIO) {
		s.inheritEnv = inherit
	}
}

// WithStdIOLogger sets the logger for the transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.logger = logger
	}
}

// WithStdIOStartGraceDelay sets how long Connect waits before verifying the
// child process survived startup.
func WithStdIOStartGraceDelay(d time.Duration) StdIOOption {
	return func(s *StdIO) {
		s.startGraceDelay = d
	}
}

// WithStdIOShutdownTimeout sets how long Close waits for graceful termination
// before force-killing the child.
func WithStdIOShutdownTimeout(d time.Duration) StdIOOption {
	return func(s *StdIO) {
		s.shutdownTimeout = d
	}
}

// WithStdIOReceiveTimeout sets the timeout applied to Receive calls whose
// context carries no deadline of its own.
func WithStdIOReceiveTimeout(d time.Duration) StdIOOption {
	return func(s *StdIO) {
		s.receiveTimeout = d
	}
}

// NewStdIO creates a stdio transport that will spawn command with args on
// Connect. The instance is initialized with default logging and a default
// message codec.
func NewStdIO(command string, args []string, options ...StdIOOption) *StdIO {
	s := &StdIO{
		command:         command,
		args:            args,
		inheritEnv:      true,
		logger:          slog.Default(),
		codec:           NewCodec(0),
		startGraceDelay: defaultStartGraceDelay,
		shutdownTimeout: defaultShutdownTimeout,
		receiveTimeout:  defaultStdIOReceiveTimeout,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Connect spawns the child process, binds its standard streams, and verifies it
// survived startup. Calling Connect on a connected transport fails with
// ErrAlreadyConnected.
func (s *StdIO) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return ErrAlreadyConnected
	}

	proc, err := startProcess(ctx, s.logger, s.command, s.args, s.env, s.inheritEnv, s.startGraceDelay)
	if err != nil {
		return err
	}

	s.proc = proc
	s.lines = make(chan stdioLine)
	s.done = make(chan struct{})
	s.connected = true

	go s.readLines(proc, s.lines, s.done)
	go s.drainStderr(proc)

	return nil
}

// Send encodes msg as a single newline-terminated frame and writes it to the
// child's standard input. Messages whose serialized form contains a line
// terminator fail validation before anything is written.
func (s *StdIO) Send(ctx context.Context, msg JSONRPCMessage) error {
	s.mu.Lock()
	proc := s.proc
	connected := s.connected
	s.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}

	msgBs, err := s.codec.EncodeLine(msg)
	if err != nil {
		return err
	}

	// Serialize writes so interleaved frames cannot corrupt the line framing.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := proc.stdin.Write(msgBs)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return newTransportError("send", err)
		}
		return nil
	case <-ctx.Done():
		s.logger.Error("send interrupted", slog.String("err", ctx.Err().Error()))
		return newTransportError("send", ctx.Err())
	}
}

// Receive reads one frame from the child's standard output and decodes it. It
// returns (nil, nil) when the read times out or the child closed its output
// stream; malformed frames fail with a *ProtocolError.
func (s *StdIO) Receive(ctx context.Context) (*JSONRPCMessage, error) {
	s.mu.Lock()
	lines := s.lines
	connected := s.connected
	s.mu.Unlock()

	if !connected {
		return nil, ErrNotConnected
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.receiveTimeout)
		defer cancel()
	}

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, nil
			}
			return nil, newTransportError("receive", ctx.Err())
		case line, ok := <-lines:
			if !ok {
				// Child closed its output stream; end of the message loop.
				return nil, nil
			}
			if line.err != nil {
				return nil, newTransportError("receive", line.err)
			}
			if line.text == "" {
				continue
			}
			msg, err := s.codec.DecodeLine([]byte(line.text))
			if err != nil {
				return nil, err
			}
			return &msg, nil
		}
	}
}

// Connected reports whether the transport has a live child process.
func (s *StdIO) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Close shuts the transport down: the child's input stream is closed first to
// signal end-of-input, graceful termination is requested, and the process is
// force-killed if it outlives the shutdown timeout. Pipe handles are released
// even if termination partially fails. Close is idempotent.
func (s *StdIO) Close(_ context.Context) error {
	s.mu.Lock()
	proc := s.proc
	done := s.done
	wasConnected := s.connected
	s.connected = false
	s.proc = nil
	s.mu.Unlock()

	if !wasConnected {
		return nil
	}
	close(done)

	return proc.stop(s.shutdownTimeout)
}

// ParseFailures exposes the codec's rolling log of recently rejected frames.
func (s *StdIO) ParseFailures() []ParseFailure {
	return s.codec.ParseFailures()
}

func (s *StdIO) readLines(proc *processHandle, lines chan<- stdioLine, done <-chan struct{}) {
	defer close(lines)

	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(proc.stdout)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) && !isClosedFile(err) {
				select {
				case lines <- stdioLine{err: fmt.Errorf("failed to read frame: %w", err)}:
				case <-done:
				}
			}
			return
		}
		select {
		case lines <- stdioLine{text: strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")}:
		case <-done:
			return
		}
	}
}

// drainStderr forwards the child's diagnostic stream to the logger. The stream
// is advisory; read failures end the drain without affecting the session.
func (s *StdIO) drainStderr(proc *processHandle) {
	scanner := bufio.NewScanner(proc.stderr)
	for scanner.Scan() {
		if text := scanner.Text(); text != "" {
			s.logger.Debug("child stderr", slog.String("line", text))
		}
	}
}

func isClosedFile(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF) || strings.Contains(err.Error(), "file already closed")
}
