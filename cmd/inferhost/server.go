package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/kalambet/inferhost/internal/api"
	"github.com/kalambet/inferhost/internal/config"
	"github.com/kalambet/inferhost/internal/engine"
	"github.com/kalambet/inferhost/internal/install"
	"github.com/kalambet/inferhost/internal/ollama"
	"github.com/kalambet/inferhost/internal/platform"
	"github.com/kalambet/inferhost/internal/release"
	"github.com/kalambet/inferhost/internal/session"
	"github.com/kalambet/inferhost/internal/storage"
)

type serveOptions struct {
	startEngine bool
	version     string
	pull        bool
	mcp         bool
	proxyRate   float64
	proxyBurst  int
}

var serveOpts serveOptions

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control server and the engine (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(serveOpts)
	},
}

func init() {
	f := serveCmd.Flags()
	f.BoolVar(&serveOpts.startEngine, "engine", true, "install if needed and start the engine")
	f.StringVar(&serveOpts.version, "version", "", "engine release to serve (default engine.version)")
	f.BoolVar(&serveOpts.pull, "pull", false, "pull the chat model once the engine is up")
	f.BoolVar(&serveOpts.mcp, "mcp", false, "serve MCP over stdin/stdout")
	f.Float64Var(&serveOpts.proxyRate, "proxy-rate", 20, "requests per second allowed through /engine/api (0 for unlimited)")
	f.IntVar(&serveOpts.proxyBurst, "proxy-burst", 40, "burst size for /engine/api")
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running inferhost server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and engine status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "inferhost.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

// newRuntime builds the engine runtime for the current platform. store may
// be nil.
func newRuntime(cfg config.Config, store *storage.Store) (*engine.Runtime, error) {
	key, err := platform.Current()
	if err != nil {
		return nil, err
	}
	if cfg.Engine.Variant != "" {
		key = key.WithVariant(cfg.Engine.Variant)
	}

	resolver := release.NewResolver(
		release.WithAPIURL(cfg.Release.APIURL),
		release.WithRepository(cfg.Release.Repository),
		release.WithToken(cfg.Release.GitHubToken),
	)
	acq := install.NewAcquirer(cfg.Engine.BaseDir, cfg.Engine.Directory, resolver)

	opts := engine.Options{
		Platform:         key,
		Host:             cfg.Engine.Host,
		KeepAcceleration: cfg.Engine.KeepAcceleration,
		StartTimeout:     cfg.StartTimeoutDuration(),
		Model:            cfg.Chat.Model,
		MaxToolRounds:    cfg.Chat.MaxToolRounds,
		Temperature:      cfg.Chat.Temperature,
	}
	if store != nil {
		opts.Recorder = store
	}
	return engine.New(acq, ollama.New(cfg.Engine.Host), opts), nil
}

func newSyncer(cfg config.Config, store *storage.Store) *session.Syncer {
	var remote session.Remote
	if cfg.Sessions.RemoteURL != "" {
		remote = session.NewRemoteClient(cfg.Sessions.RemoteURL, cfg.Sessions.RemoteToken)
	}
	var rec session.RunRecorder
	if store != nil {
		rec = store
	}
	return session.NewSyncer(session.NewFileStore(cfg.Sessions.File), remote, rec)
}

func setupLogging(cfg config.Config) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
}

func runServer(opts serveOptions) error {
	fmt.Fprintf(os.Stderr, "inferhost version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	token, err := config.EnsureAPIToken(cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available", "store", config.SecretStore())

	// Refuse to start twice.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("inferhost is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("inferhost is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	rt, err := newRuntime(cfg, store)
	if err != nil {
		return fmt.Errorf("building runtime: %w", err)
	}

	syncer := newSyncer(cfg, store)
	if cfg.Sessions.RemoteURL != "" {
		go syncOnChange(ctx, syncer, cfg.Sessions.File)
	}

	proxy, err := api.NewEngineProxy(cfg.Engine.Host, rate.Limit(opts.proxyRate), opts.proxyBurst)
	if err != nil {
		return fmt.Errorf("building engine proxy: %w", err)
	}
	handler := api.NewAppHandler(api.AppDeps{
		Runtime:     rt,
		Store:       store,
		Syncer:      syncer,
		Token:       token,
		EngineProxy: proxy,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	if opts.mcp {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Runtime: rt, Syncer: syncer, Version: version})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	if opts.startEngine {
		selector := opts.version
		if selector == "" {
			selector = cfg.Engine.Version
		}
		go startEngine(ctx, rt, selector, opts.pull)
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "inferhost listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown", "error", err)
	}
	return rt.Stop(shutdownCtx)
}

func startEngine(ctx context.Context, rt *engine.Runtime, selector string, pull bool) {
	res, err := rt.Serve(ctx, selector, progressPrinter(statusOut))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Error("engine did not start", "version", selector, "error", err)
		}
		return
	}
	if res.External {
		slog.Info("using engine already running", "host", rt.Status(ctx).Host)
	} else {
		slog.Info("engine running", "version", res.Version, "pid", res.PID, "downloaded", res.Downloaded)
	}
	if pull {
		if err := rt.EnsureModels(ctx, os.Stderr); err != nil {
			slog.Warn("pulling chat model failed", "error", err)
		}
	}
}

// syncOnChange syncs sessions at startup and after each edit of the session
// file by another program. Events for the syncer's own saves are skipped by
// comparing the file against the last saved content.
func syncOnChange(ctx context.Context, syncer *session.Syncer, path string) {
	var mu sync.Mutex
	run := func(reason string) {
		mu.Lock()
		defer mu.Unlock()
		res, err := syncer.Sync(ctx)
		if err != nil {
			slog.Warn("session sync failed", "reason", reason, "error", err)
			return
		}
		slog.Info("sessions synced", "reason", reason, "sessions", len(res.Sessions),
			"merged", res.Merged, "pushed", res.Pushed, "offline", res.Offline)
	}

	run("startup")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		slog.Warn("session watch disabled", "error", err)
		return
	}
	err := session.Watch(ctx, path, func() {
		if externalEdit(syncer.Store()) {
			run("file changed")
		}
	})
	if err != nil {
		slog.Warn("session watch disabled", "error", err)
	}
}

// externalEdit reports whether the session file changed since the store's
// own last save. Read errors count as a change so the sync can report them.
func externalEdit(store *session.FileStore) bool {
	changed, err := store.Modified()
	return err != nil || changed
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("inferhost is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop inferhost (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to inferhost (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	running := err == nil && resp.StatusCode == http.StatusOK
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case running:
		printStatus("Server", "running on port %d", cfg.Server.Port)
	default:
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
	}
	if resp != nil {
		resp.Body.Close()
	}

	var st engine.Status
	if running && cfg.Server.APIToken != "" {
		c := &apiClient{baseURL: serverURL, token: cfg.Server.APIToken, httpClient: client}
		r, err := c.get(ctx, "/engine/status")
		if err == nil {
			if err := decodeJSON(r, &st); err != nil {
				printWarning("engine status: %v", err)
			}
		}
	} else {
		// No server: report what can be seen locally.
		rt, err := newRuntime(cfg, nil)
		if err != nil {
			printError("%v", err)
			return nil
		}
		st = rt.Status(ctx)
	}
	printEngineStatus(st)

	printStatus("Chat model", "%s", cfg.Chat.Model)
	printStatus("Sessions", "%s", cfg.Sessions.File)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func printEngineStatus(st engine.Status) {
	switch {
	case st.External:
		printStatus("Engine", "external instance at %s", st.Host)
	case st.PID != 0:
		printStatus("Engine", "%s %s (PID %d)", st.State, st.Version, st.PID)
	case st.State != "":
		printStatus("Engine", "%s", st.State)
	}
	if st.Reachable {
		printStatus("Endpoint", "%s (reachable)", st.Host)
	} else if st.Host != "" {
		printStatus("Endpoint", "%s (not reachable)", st.Host)
	}
	if st.Platform != "" {
		printStatus("Platform", "%s", st.Platform)
	}
	if len(st.Installed) == 0 {
		printStatus("Installed", "none")
	} else {
		printStatus("Installed", "%s", strings.Join(st.Installed, ", "))
	}
}
