package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/inferhost/internal/chat"
	"github.com/kalambet/inferhost/internal/install"
	"github.com/kalambet/inferhost/internal/platform"
	"github.com/kalambet/inferhost/internal/storage"
	"github.com/kalambet/inferhost/internal/supervisor"
)

// maxLogLines is how much engine output Logs keeps.
const maxLogLines = 200

// ErrAlreadyServing is returned by Serve while the supervised engine is up.
var ErrAlreadyServing = errors.New("engine is already being served")

// Options configures a Runtime.
type Options struct {
	Platform platform.Key
	// Host is the engine base URL; its host:port is passed to the server
	// as OLLAMA_HOST.
	Host             string
	KeepAcceleration bool
	StartTimeout     time.Duration
	StopTimeout      time.Duration

	Model         string
	SystemPrompt  string
	MaxToolRounds int
	Temperature   float64

	// Recorder is optional.
	Recorder Recorder
	Logger   *slog.Logger
}

// Runtime owns one acquirer, one supervised engine process and one
// conversation. Install, Serve and Stop are serialized.
type Runtime struct {
	opts     Options
	acquirer *install.Acquirer
	engine   Engine
	super    *supervisor.Supervisor
	tools    *chat.Registry
	conv     *chat.Conversation
	titler   *chat.Titler
	logger   *slog.Logger
	logs     *logRing

	mu sync.Mutex

	smu      sync.Mutex // guards the fields below
	version  string
	runID    string
	external bool
}

// New wires a Runtime around acq and the engine API client eng.
func New(acq *install.Acquirer, eng Engine, opts Options) *Runtime {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 5 * time.Second
	}

	r := &Runtime{
		opts:     opts,
		acquirer: acq,
		engine:   eng,
		logger:   opts.Logger,
		logs:     newLogRing(maxLogLines),
		tools:    chat.NewRegistry(),
	}

	sopts := []supervisor.Option{supervisor.WithLogger(opts.Logger)}
	if opts.StopTimeout > 0 {
		sopts = append(sopts, supervisor.WithStopTimeout(opts.StopTimeout))
	}
	r.super = supervisor.New(r.engineLine, sopts...)

	registerBuiltinTools(r.tools, r)
	r.conv = chat.NewConversation(eng, chat.Config{
		Model:         opts.Model,
		SystemPrompt:  opts.SystemPrompt,
		MaxToolRounds: opts.MaxToolRounds,
		Temperature:   opts.Temperature,
		Tools:         r.tools,
		Logger:        opts.Logger,
	})
	r.titler = chat.NewTitler(eng, opts.Model)
	return r
}

func (r *Runtime) engineLine(line string) {
	r.logs.add(line)
	r.logger.Debug("engine", "line", line)
}

func (r *Runtime) Platform() platform.Key { return r.opts.Platform }
func (r *Runtime) Engine() Engine { return r.engine }
func (r *Runtime) Conversation() *chat.Conversation { return r.conv }
func (r *Runtime) Titler() *chat.Titler { return r.titler }
func (r *Runtime) Tools() *chat.Registry { return r.tools }
func (r *Runtime) Supervisor() *supervisor.Supervisor { return r.super }

// Logs returns the most recent engine output lines, oldest first.
func (r *Runtime) Logs() []string { return r.logs.lines() }

// Install downloads selector for the runtime's platform and records it.
func (r *Runtime) Install(ctx context.Context, selector string, progress install.ProgressFunc) (install.Installation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, err := r.acquirer.Download(ctx, selector, r.opts.Platform, install.Options{
		Progress:         progress,
		KeepAcceleration: r.opts.KeepAcceleration,
	})
	if err != nil {
		return install.Installation{}, err
	}
	r.record(inst)
	r.logger.Info("engine installed", "version", inst.Version, "platform", inst.Platform.String(), "root", inst.Root)
	return inst, nil
}

// Versions lists the installed versions, oldest first.
func (r *Runtime) Versions() ([]string, error) {
	versions, err := r.acquirer.DownloadedVersions(r.opts.Platform)
	if err != nil {
		return nil, err
	}
	install.SortVersions(versions)
	return versions, nil
}

func (r *Runtime) record(inst install.Installation) {
	if r.opts.Recorder == nil {
		return
	}
	err := r.opts.Recorder.SaveInstallation(storage.Installation{
		Version:     inst.Version,
		Platform:    inst.Platform.String(),
		Root:        inst.Root,
		Executable:  inst.Executable,
		Digest:      inst.Digest,
		SizeBytes:   inst.Size,
		InstalledAt: time.Now(),
	})
	if err != nil {
		r.logger.Warn("recording installation failed", "error", err)
	}
}

func (r *Runtime) beginRun(version string, pid int) {
	id := uuid.NewString()
	r.smu.Lock()
	r.version = version
	r.runID = id
	r.smu.Unlock()

	if r.opts.Recorder == nil {
		return
	}
	err := r.opts.Recorder.StartEngineRun(storage.EngineRun{
		ID:        id,
		Version:   version,
		PID:       pid,
		StartedAt: time.Now(),
	})
	if err != nil {
		r.logger.Warn("recording engine run failed", "error", err)
	}
}

func (r *Runtime) finishRun(exitErr string) {
	r.smu.Lock()
	id := r.runID
	r.runID = ""
	r.version = ""
	r.smu.Unlock()

	if id == "" || r.opts.Recorder == nil {
		return
	}
	if err := r.opts.Recorder.FinishEngineRun(id, time.Now(), r.super.LastStopForced(), exitErr); err != nil {
		r.logger.Warn("recording engine stop failed", "error", err)
	}
}

// Stop stops the supervised engine. An engine that was already running when
// Serve was called is left alone.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopLocked(ctx)
}

func (r *Runtime) stopLocked(ctx context.Context) error {
	r.smu.Lock()
	external := r.external
	r.external = false
	r.smu.Unlock()
	if external {
		r.logger.Info("engine was not started here, leaving it running")
		return nil
	}

	failed := r.super.State() == supervisor.Failed
	err := r.super.Stop(ctx)

	exitErr := ""
	if failed {
		if e := r.super.ExitErr(); e != nil {
			exitErr = e.Error()
		} else {
			exitErr = "exited unexpectedly"
		}
	}
	r.finishRun(exitErr)
	return err
}

// Status reports the process state and whether the engine answers.
func (r *Runtime) Status(ctx context.Context) Status {
	r.smu.Lock()
	version, external := r.version, r.external
	r.smu.Unlock()

	st := Status{
		State:     r.super.State().String(),
		PID:       r.super.PID(),
		Version:   version,
		External:  external,
		Reachable: r.engine.IsRunning(ctx),
		Host:      r.opts.Host,
		Platform:  r.opts.Platform.String(),
	}
	if versions, err := r.Versions(); err == nil {
		st.Installed = versions
	}
	return st
}

// logRing keeps the last n lines.
type logRing struct {
	mu  sync.Mutex
	n   int
	buf []string
}

func newLogRing(n int) *logRing { return &logRing{n: n} }

func (l *logRing) add(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf = append(l.buf, line)
	if len(l.buf) > l.n {
		l.buf = append(l.buf[:0], l.buf[len(l.buf)-l.n:]...)
	}
}

func (l *logRing) lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.buf...)
}
