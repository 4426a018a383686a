// Package supervisor runs the inference engine as a long-lived child process.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/kalambet/inferhost/internal/metrics"
)

// DefaultStopTimeout bounds how long Stop waits after the graceful signal.
const DefaultStopTimeout = 5 * time.Second

// ReadyPollInterval is the readiness probe cadence used by WaitReady.
const ReadyPollInterval = 100 * time.Millisecond

// State is the lifecycle position of the supervised process.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
	Failed
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrAlreadyRunning is returned by Start while a process is active.
	ErrAlreadyRunning = errors.New("engine process already running")
	// ErrNotReady is returned by WaitReady when the probe never succeeds.
	ErrNotReady = errors.New("engine did not become ready")
	// ErrExited is returned by WaitReady when the process dies while waiting.
	ErrExited = errors.New("engine process exited")
)

// StartError reports a failure to spawn the engine executable.
type StartError struct {
	Path string
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("starting engine %s: %v", e.Path, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// TimeoutError describes a process that ignored the graceful stop signal.
// It is reported to the diagnostic sink, never returned from Stop.
type TimeoutError struct {
	PID   int
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("engine (pid %d) did not exit within %s, forcing termination", e.PID, e.After)
}

// LineSink receives diagnostic output one line at a time. It is called from
// reader goroutines and must return quickly.
type LineSink func(line string)

// Command describes the process to spawn.
type Command struct {
	Path string
	Args []string
	// Dir is the working directory, normally the installation root.
	Dir string
	// Env, when non-nil, replaces the inherited environment.
	Env []string
}

// Supervisor owns at most one engine process. All methods are safe for
// concurrent use.
type Supervisor struct {
	sink        LineSink
	stopTimeout time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	state   State
	cmd     *exec.Cmd
	done    chan struct{}
	exitErr error
	forced  bool
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithStopTimeout overrides DefaultStopTimeout.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.stopTimeout = d }
}

// WithLogger replaces the logger used for lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// New creates a Supervisor that forwards process output to sink.
func New(sink LineSink, opts ...Option) *Supervisor {
	if sink == nil {
		sink = func(string) {}
	}
	s := &Supervisor{
		sink:        sink,
		stopTimeout: DefaultStopTimeout,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID returns the process id, or 0 when no process exists.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// LastStopForced reports whether the most recent Stop had to kill the process.
func (s *Supervisor) LastStopForced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forced
}

// ExitErr returns the wait error of the last process that exited.
func (s *Supervisor) ExitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

func (s *Supervisor) setState(st State) {
	s.state = st
	metrics.SetProcessState(int(st))
}

// Start spawns the engine. A second Start while a process is starting,
// running or stopping fails with ErrAlreadyRunning.
func (s *Supervisor) Start(c Command) error {
	s.mu.Lock()
	switch s.state {
	case Starting, Running, Stopping:
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.setState(Starting)
	s.forced = false
	s.exitErr = nil

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	if c.Env != nil {
		cmd.Env = c.Env
	}
	stdout := newLineWriter(s.sink)
	stderr := newLineWriter(s.sink)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Bounds Wait when grandchildren keep the output pipes open.
	cmd.WaitDelay = 2 * time.Second
	configureProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		s.sink("Failed to start engine process: " + c.Path)
		s.Stop(context.Background())
		s.mu.Lock()
		s.setState(Failed)
		s.mu.Unlock()
		return &StartError{Path: c.Path, Err: err}
	}

	done := make(chan struct{})
	s.cmd = cmd
	s.done = done
	s.setState(Running)
	pid := cmd.Process.Pid
	s.mu.Unlock()

	s.sink(fmt.Sprintf("engine pid: %d", pid))
	s.logger.Info("engine started", "pid", pid, "path", c.Path)

	go s.wait(cmd, done, stdout, stderr)
	return nil
}

func (s *Supervisor) wait(cmd *exec.Cmd, done chan struct{}, outputs ...*lineWriter) {
	err := cmd.Wait()
	for _, w := range outputs {
		w.Flush()
	}

	s.mu.Lock()
	s.exitErr = err
	unexpected := s.state == Running && s.cmd == cmd
	if unexpected {
		s.setState(Failed)
	}
	s.mu.Unlock()

	code := -1
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	s.sink(fmt.Sprintf("engine exited with code %d", code))
	if unexpected {
		s.logger.Warn("engine exited unexpectedly", "code", code, "error", err)
	}
	close(done)
}

// Stop terminates the process: graceful signal first, then a kill once the
// stop timeout elapses. It returns nil whether or not a process existed and
// may be called repeatedly or concurrently with Start.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cmd == nil {
		if s.state != Starting {
			s.setState(Stopped)
		}
		s.mu.Unlock()
		return nil
	}

	cmd, done := s.cmd, s.done
	if s.state == Stopping {
		// Another Stop owns the shutdown; just wait for it.
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return nil
	}

	select {
	case <-done:
		s.release(cmd)
		s.mu.Unlock()
		return nil
	default:
	}

	s.setState(Stopping)
	s.mu.Unlock()

	if err := terminate(cmd.Process); err != nil {
		s.logger.Debug("graceful signal failed", "error", err)
	}

	timer := time.NewTimer(s.stopTimeout)
	defer timer.Stop()

	forced := false
	select {
	case <-done:
	case <-timer.C:
		forced = true
	case <-ctx.Done():
		forced = true
	}

	if forced {
		s.sink((&TimeoutError{PID: cmd.Process.Pid, After: s.stopTimeout}).Error())
		metrics.IncForcedStop()
		cmd.Process.Kill()
		<-done
	}

	s.mu.Lock()
	s.forced = forced
	s.release(cmd)
	s.mu.Unlock()
	return nil
}

// release clears the handle for cmd. Caller holds s.mu.
func (s *Supervisor) release(cmd *exec.Cmd) {
	if s.cmd != cmd {
		return
	}
	s.cmd = nil
	s.done = nil
	s.setState(Stopped)
}

// Probe reports whether the engine is accepting requests.
type Probe func(ctx context.Context) bool

// WaitReady polls probe every ReadyPollInterval until it succeeds, the
// process exits, timeout elapses or ctx is cancelled.
func (s *Supervisor) WaitReady(ctx context.Context, probe Probe, timeout time.Duration) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(ReadyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("engine failed to start in %s: %w", timeout, ErrNotReady)
			}
			return ctx.Err()
		case <-done:
			s.mu.Lock()
			exitErr := s.exitErr
			s.mu.Unlock()
			if exitErr != nil {
				return fmt.Errorf("%w: %v", ErrExited, exitErr)
			}
			return ErrExited
		case <-ticker.C:
			if probe(ctx) {
				return nil
			}
		}
	}
}
