package engine

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/kalambet/inferhost/internal/install"
	"github.com/kalambet/inferhost/internal/ollama"
	"github.com/kalambet/inferhost/internal/supervisor"
)

// Serve makes sure selector is installed, starts `ollama serve` and waits
// until the engine answers its liveness probe or the start timeout elapses.
// When an engine already answers on the configured host nothing is spawned
// and the result is marked External.
func (r *Runtime) Serve(ctx context.Context, selector string, progress install.ProgressFunc) (ServeResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.super.State() {
	case supervisor.Starting, supervisor.Running, supervisor.Stopping:
		r.smu.Lock()
		version := r.version
		r.smu.Unlock()
		return ServeResult{Version: version, PID: r.super.PID()}, ErrAlreadyServing
	case supervisor.Failed:
		// Clear the dead process and close its run record.
		r.stopLocked(ctx)
	}

	if r.engine.IsRunning(ctx) {
		r.smu.Lock()
		r.external = true
		r.smu.Unlock()
		r.logger.Info("engine already listening, not spawning", "host", r.opts.Host)
		return ServeResult{External: true}, nil
	}

	inst, downloaded, err := r.acquirer.Ensure(ctx, selector, r.opts.Platform, install.Options{
		Progress:         progress,
		KeepAcceleration: r.opts.KeepAcceleration,
	})
	if err != nil {
		return ServeResult{}, err
	}
	if downloaded {
		r.record(inst)
	}
	res := ServeResult{Version: inst.Version, Downloaded: downloaded}

	err = r.super.Start(supervisor.Command{
		Path: inst.Executable,
		Args: []string{"serve"},
		Dir:  inst.Root,
		Env:  r.engineEnv(),
	})
	if err != nil {
		r.super.Stop(ctx)
		return res, err
	}
	res.PID = r.super.PID()
	r.beginRun(inst.Version, res.PID)

	if err := r.super.WaitReady(ctx, r.engine.IsRunning, r.opts.StartTimeout); err != nil {
		r.stopLocked(context.Background())
		return res, fmt.Errorf("waiting for engine: %w", err)
	}

	r.logger.Info("engine ready", "version", inst.Version, "pid", res.PID, "host", r.opts.Host)
	return res, nil
}

// engineEnv is the process environment plus OLLAMA_HOST for the
// configured host.
func (r *Runtime) engineEnv() []string {
	env := os.Environ()
	u, err := url.Parse(r.opts.Host)
	if err != nil || u.Host == "" {
		return env
	}
	return append(env, "OLLAMA_HOST="+u.Host)
}

// EnsureModels pulls any missing models, defaulting to the chat model, and
// warms the first one. Progress is written to w.
func (r *Runtime) EnsureModels(ctx context.Context, w io.Writer, models ...string) error {
	if len(models) == 0 && r.opts.Model != "" {
		models = []string{r.opts.Model}
	}
	return ollama.EnsureModels(ctx, r.engine, w, models...)
}
