package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kalambet/inferhost/internal/chat"
	"github.com/kalambet/inferhost/internal/config"
	"github.com/kalambet/inferhost/internal/engine"
	"github.com/kalambet/inferhost/internal/ollama"
	"github.com/kalambet/inferhost/internal/release"
	"github.com/kalambet/inferhost/internal/session"
	"github.com/kalambet/inferhost/internal/storage"
)

// --- install ---

var installCmd = &cobra.Command{
	Use:   "install [version]",
	Short: "Download and unpack an engine release",
	Long: `Download and unpack an engine release for this machine.

Examples:
  inferhost install
  inferhost install v0.6.2
  inferhost install --keep-acceleration`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg)
		if cmd.Flags().Changed("keep-acceleration") {
			cfg.Engine.KeepAcceleration, _ = cmd.Flags().GetBool("keep-acceleration")
		}

		selector := cfg.Engine.Version
		if len(args) == 1 {
			selector = args[0]
		}

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		rt, err := newRuntime(cfg, store)
		if err != nil {
			return err
		}

		printStep("Installing %s for %s", selector, rt.Platform())
		inst, err := rt.Install(cmd.Context(), selector, progressPrinter(statusOut))
		if errors.Is(err, release.ErrAssetNotFound) {
			return fmt.Errorf("%w: no build of %s for %s", err, selector, rt.Platform())
		}
		if err != nil {
			return err
		}
		printSuccess("Installed %s (%s) at %s", inst.Version, humanize.Bytes(uint64(inst.Size)), inst.Root)
		return nil
	},
}

func init() {
	installCmd.Flags().Bool("keep-acceleration", false, "keep the GPU runtime libraries (default engine.keep_acceleration)")
}

var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "List installed engine versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		rt, err := newRuntime(cfg, nil)
		if err != nil {
			return err
		}
		versions, err := rt.Versions()
		if err != nil {
			return err
		}
		if len(versions) == 0 {
			fmt.Println("No engine versions installed.")
			return nil
		}
		for i, v := range versions {
			if i == len(versions)-1 {
				fmt.Printf("%s %s\n", v, colorize(colorGreen, "(newest)"))
				continue
			}
			fmt.Println(v)
		}
		return nil
	},
}

// --- engine ---

var engineCmd = &cobra.Command{
	Use:   "engine",
	Short: "Control the engine managed by the running server",
}

var engineStartCmd = &cobra.Command{
	Use:   "start [version]",
	Short: "Start the engine, installing it if needed",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		body := map[string]string{}
		if len(args) == 1 {
			body["version"] = args[0]
		}

		printStep("Starting engine...")
		hc := *client.httpClient
		hc.Timeout = 0 // downloads can take a while
		client.httpClient = &hc
		resp, err := client.post(cmd.Context(), "/engine/start", body)
		if err != nil {
			return err
		}
		var res engine.ServeResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		if res.External {
			printSuccess("An engine is already listening; using it")
			return nil
		}
		printSuccess("Engine %s running (PID %d)", res.Version, res.PID)
		return nil
	},
}

var engineStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/engine/stop", nil)
		if err != nil {
			return err
		}
		var st engine.Status
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		printSuccess("Engine %s", st.State)
		return nil
	},
}

var engineLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent engine output",
	RunE: func(cmd *cobra.Command, args []string) error {
		tail, _ := cmd.Flags().GetInt("tail")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/engine/logs?tail=%d", tail))
		if err != nil {
			return err
		}
		var out struct {
			Lines []string `json:"lines"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		for _, l := range out.Lines {
			fmt.Println(l)
		}
		return nil
	},
}

var engineRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent engine process lifetimes",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/engine/runs?limit=%d", limit))
		if err != nil {
			return err
		}
		var runs []storage.EngineRun
		if err := decodeJSON(resp, &runs); err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No engine runs recorded.")
			return nil
		}
		for _, r := range runs {
			fmt.Println(formatRun(r))
		}
		return nil
	},
}

func formatRun(r storage.EngineRun) string {
	state := "running"
	if !r.StoppedAt.IsZero() {
		state = "ran " + humanize.RelTime(r.StartedAt, r.StoppedAt, "", "")
		state = strings.TrimSpace(state)
		if r.ForcedStop {
			state += ", killed"
		}
	}
	line := fmt.Sprintf("%s  %-8s pid %-7d %s  %s",
		colorize(colorCyan, shortID(r.ID)), r.Version, r.PID, humanize.Time(r.StartedAt), state)
	if r.ExitError != "" {
		line += "  " + colorize(colorRed, r.ExitError)
	}
	return line
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	engineLogsCmd.Flags().Int("tail", 50, "number of lines to show (0 for all kept)")
	engineRunsCmd.Flags().Int("limit", 10, "maximum number of runs to list")
	engineCmd.AddCommand(engineStartCmd)
	engineCmd.AddCommand(engineStopCmd)
	engineCmd.AddCommand(engineLogsCmd)
	engineCmd.AddCommand(engineRunsCmd)
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send a message to the local model and stream the reply",
	Long: `Send a message in the server's conversation and stream the reply.

Examples:
  inferhost chat "what time is it?"
  inferhost chat --model qwen2.5 --no-tools "summarize Go generics"
  inferhost chat --reset "start over"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		model, _ := cmd.Flags().GetString("model")
		noTools, _ := cmd.Flags().GetBool("no-tools")
		reset, _ := cmd.Flags().GetBool("reset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		if reset {
			resp, err := client.post(ctx, "/chat/reset", nil)
			if err != nil {
				return err
			}
			resp.Body.Close()
		}

		req := map[string]any{"message": strings.Join(args, " ")}
		if model != "" {
			req["model"] = model
		}
		if noTools {
			req["tools"] = []string{}
		}

		w := &chatWriter{out: os.Stdout, errOut: statusOut}
		return client.stream(ctx, "/chat", req, w.handle)
	},
}

func init() {
	chatCmd.Flags().String("model", "", "model for this turn (default chat.model)")
	chatCmd.Flags().Bool("no-tools", false, "do not offer tools to the model")
	chatCmd.Flags().Bool("reset", false, "clear the conversation first")
}

// chatLine mirrors the server's NDJSON chat event.
type chatLine struct {
	Type     string              `json:"type"`
	Text     string              `json:"text"`
	Error    string              `json:"error"`
	ToolCall *chat.ToolCallEvent `json:"tool_call"`
}

// chatWriter renders chat events: tokens to out, everything else to errOut.
type chatWriter struct {
	out, errOut io.Writer
	wrote       bool
}

func (w *chatWriter) handle(line []byte) error {
	var ev chatLine
	if err := json.Unmarshal(line, &ev); err != nil {
		return fmt.Errorf("decoding chat event: %w", err)
	}
	switch ev.Type {
	case "token":
		fmt.Fprint(w.out, ev.Text)
		w.wrote = true
	case "tool_call":
		if ev.ToolCall != nil && ev.ToolCall.State != chat.ToolPending {
			fmt.Fprintln(w.errOut, colorize(colorCyan, fmt.Sprintf("→ %s %s", ev.ToolCall.Name, ev.ToolCall.State)))
		}
	case "decode_error":
		fmt.Fprintln(w.errOut, colorize(colorYellow, "⚠ skipped malformed record"))
	case "done":
		if w.wrote {
			fmt.Fprintln(w.out)
		}
	case "error":
		if w.wrote {
			fmt.Fprintln(w.out)
		}
		return errors.New(ev.Error)
	}
	return nil
}

// --- models ---

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Manage engine models",
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed models",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/models")
		if err != nil {
			return err
		}
		var out struct {
			Models []ollama.Model `json:"models"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		if len(out.Models) == 0 {
			fmt.Println("No models installed.")
			return nil
		}
		for _, m := range out.Models {
			fmt.Printf("%-32s %10s  %s\n", m.Name, humanize.Bytes(uint64(m.Size)), humanize.Time(m.ModifiedAt))
		}
		return nil
	},
}

var modelsPullCmd = &cobra.Command{
	Use:   "pull <model>",
	Short: "Download a model into the engine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var last string
		err = client.stream(cmd.Context(), "/models/pull", map[string]string{"model": args[0]}, func(line []byte) error {
			var p struct {
				ollama.PullProgress
				Rendered string `json:"rendered"`
			}
			if err := json.Unmarshal(line, &p); err != nil {
				return fmt.Errorf("decoding progress: %w", err)
			}
			if p.Error != "" {
				return errors.New(p.Error)
			}
			if p.Rendered != "" && p.Rendered != last {
				fmt.Fprintln(statusOut, p.Rendered)
				last = p.Rendered
			}
			return nil
		})
		if err != nil {
			return err
		}
		printSuccess("Pulled %s", args[0])
		return nil
	},
}

var modelsRmCmd = &cobra.Command{
	Use:   "rm <model>",
	Short: "Delete a model from the engine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/models/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var out map[string]string
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("Deleted %s", args[0])
		return nil
	},
}

func init() {
	modelsCmd.AddCommand(modelsListCmd)
	modelsCmd.AddCommand(modelsPullCmd)
	modelsCmd.AddCommand(modelsRmCmd)
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Reconcile chat sessions",
}

var sessionsMergeCmd = &cobra.Command{
	Use:   "merge <local.json> <remote.json>",
	Short: "Merge two session files and print the result",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		merged, err := mergeSessionFiles(args[0], args[1])
		if err != nil {
			return err
		}

		if output != "" {
			if err := session.NewFileStore(output).Save(merged); err != nil {
				return err
			}
			printSuccess("Wrote %d sessions to %s", len(merged), output)
			return nil
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(merged)
	},
}

func mergeSessionFiles(localPath, remotePath string) (session.Map, error) {
	local, err := session.NewFileStore(localPath).Load()
	if err != nil {
		return nil, err
	}
	remote, err := session.NewFileStore(remotePath).Load()
	if err != nil {
		return nil, err
	}
	return session.Merge(local, remote), nil
}

var sessionsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile the local session file with the sessions backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg)
		if cfg.Sessions.RemoteURL == "" {
			printWarning("sessions.remote_url is not set; nothing to sync against")
			return nil
		}

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		res, err := newSyncer(cfg, store).Sync(cmd.Context())
		if err != nil {
			return err
		}
		if res.Offline {
			printWarning("Sessions backend unreachable; kept %d local sessions", len(res.Sessions))
			return nil
		}
		printSuccess("Synced %d sessions (%d merged)", len(res.Sessions), res.Merged)
		return nil
	},
}

var sessionsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent session syncs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		runs, err := store.RecentSyncRuns(limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No syncs recorded.")
			return nil
		}
		for _, r := range runs {
			status := colorize(colorGreen, "ok")
			switch {
			case r.Error != "":
				status = colorize(colorRed, r.Error)
			case r.Offline:
				status = colorize(colorYellow, "offline")
			}
			fmt.Printf("%s  local %d  remote %d  merged %d  %s\n",
				humanize.Time(r.StartedAt), r.LocalCount, r.RemoteCount, r.MergedCount, status)
		}
		return nil
	},
}

func init() {
	sessionsMergeCmd.Flags().String("output", "", "write the merged sessions to this file instead of stdout")
	sessionsHistoryCmd.Flags().Int("limit", 10, "maximum number of syncs to list")
	sessionsCmd.AddCommand(sessionsMergeCmd)
	sessionsCmd.AddCommand(sessionsSyncCmd)
	sessionsCmd.AddCommand(sessionsHistoryCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		fmt.Printf("  %s\n", colorize(colorCyan, "# "+config.Location()))
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key>",
	Short: "Store a secret read from stdin in the secret store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 64*1024))
		if err != nil {
			return fmt.Errorf("reading secret: %w", err)
		}
		value := strings.TrimSpace(string(data))
		if value == "" {
			return errors.New("empty secret on stdin")
		}
		if err := config.SetSecret(args[0], value); err != nil {
			return err
		}
		printSuccess("Stored %s in %s", args[0], config.SecretStore())
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List configuration keys",
	Run: func(cmd *cobra.Command, args []string) {
		for _, k := range config.ValidKeys() {
			fmt.Println(k)
		}
		for _, k := range config.SecretKeys() {
			fmt.Printf("%s %s\n", k, colorize(colorYellow, "(secret)"))
		}
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetSecretCmd)
	configCmd.AddCommand(configKeysCmd)
}
