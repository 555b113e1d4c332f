package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/landoncolburn/devpod/internal/api"
	"github.com/landoncolburn/devpod/internal/client"
	"github.com/landoncolburn/devpod/internal/config"
	"github.com/landoncolburn/devpod/internal/events"
	"github.com/landoncolburn/devpod/internal/lock"
	"github.com/landoncolburn/devpod/internal/log"
	"github.com/landoncolburn/devpod/internal/opcache"
	"github.com/landoncolburn/devpod/internal/protocol"
	"github.com/landoncolburn/devpod/internal/provider"
	"github.com/landoncolburn/devpod/internal/storage"
	"github.com/landoncolburn/devpod/internal/tui/watch"
	"github.com/landoncolburn/devpod/internal/workspace"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "agent":
		os.Exit(runAgentNoun(args))
	case "workspace":
		os.Exit(runWorkspaceNoun(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "watch":
		os.Exit(runWatch(args))
	case "version":
		fmt.Printf("devpod-agent version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`devpod-agent - Local agent coordinating remote dev workspaces

Usage:
  devpod-agent <noun> <action> [flags]

Nouns and actions:
  agent start            Run the agent daemon (providers, state, HTTP API)
  workspace add          Register a workspace
  workspace list         List registered workspaces
  workspace remove       Unregister a workspace
  workspace start        Start a workspace (joins an in-flight start)
  workspace stop         Stop a workspace
  workspace rebuild      Rebuild a workspace
  workspace status       Query a workspace's current state
  workspace history      Show recent operations for a workspace
  config check           Validate the configuration
  config hash-update     Write the config checksums manifest
  watch                  Live TUI over the agent's event stream
  version                Print version

Run 'devpod-agent <noun> <action> -h' for flags.
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

// --- agent ---

func printAgentNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: devpod-agent agent <action>")
	fmt.Fprintln(w, "Actions: start")
}

func printAgentStartHelp() {
	fmt.Println("Usage: devpod-agent agent start [--config PATH]")
	fmt.Println("Run the agent in the foreground: providers, state store, HTTP API.")
}

func runAgentNoun(args []string) int {
	if len(args) < 1 {
		printAgentNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printAgentNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printAgentStartHelp()
			return 0
		}
		return runAgentStart(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown agent action: %s\n", action)
		return 1
	}
}

func runAgentStart(args []string) int {
	fs := flag.NewFlagSet("agent start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, code := loadConfig(*configPath)
	if code != 0 {
		return code
	}

	log.SetupWithFormat(cfg.Agent.LogLevel, cfg.Agent.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("devpod-agent starting", "version", version)

	pidLock, err := lock.Acquire(cfg.State.LockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.State.LockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	rt, err := openRuntime(cfg)
	if err != nil {
		logger.Error("failed to initialize runtime", "error", err)
		return 1
	}
	defer rt.Close()
	logger.Info("provider discovery complete", "count", len(rt.providers.All()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
		}, rt.client, rt.store, rt.providers, rt.cache, rt.hub, log.WithComponent("api"))

		go func() {
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	} else {
		logger.Warn("API server disabled; only the in-process CLI can reach this agent")
	}

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		cancel()
		return 0
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}
}

// --- workspace ---

func printWorkspaceNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: devpod-agent workspace <action> [flags]")
	fmt.Fprintln(w, "Actions: add, list, remove, start, stop, rebuild, status, history")
}

func printWorkspaceAddHelp() {
	fmt.Println("Usage: devpod-agent workspace add --id ID --provider NAME [--name NAME] [--options JSON] [--config PATH]")
	fmt.Println("Register a workspace against a discovered provider.")
}

func printWorkspaceOpHelp(action string) {
	fmt.Printf("Usage: devpod-agent workspace %s <id> [--config PATH]\n", action)
	switch action {
	case "start":
		fmt.Println("Start the workspace, streaming provider progress. Joins an in-flight start.")
	case "stop":
		fmt.Println("Stop the workspace.")
	case "rebuild":
		fmt.Println("Rebuild the workspace from its declared options.")
	case "status":
		fmt.Println("Query the workspace's current state from its provider.")
	}
}

func runWorkspaceNoun(args []string) int {
	if len(args) < 1 {
		printWorkspaceNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printWorkspaceNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "add":
		if hasHelpFlag(actionArgs) {
			printWorkspaceAddHelp()
			return 0
		}
		return runWorkspaceAdd(actionArgs)
	case "list":
		return runWorkspaceList(actionArgs)
	case "remove":
		return runWorkspaceRemove(actionArgs)
	case "start", "stop", "rebuild", "status":
		if hasHelpFlag(actionArgs) {
			printWorkspaceOpHelp(action)
			return 0
		}
		return runWorkspaceOp(action, actionArgs)
	case "history":
		return runWorkspaceHistory(actionArgs)
	case "help":
		printWorkspaceNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown workspace action: %s\n", action)
		return 1
	}
}

func runWorkspaceAdd(args []string) int {
	fs := flag.NewFlagSet("workspace add", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	id := fs.String("id", "", "Workspace ID (required)")
	name := fs.String("name", "", "Display name (defaults to ID)")
	providerName := fs.String("provider", "", "Provider name (required)")
	optionsJSON := fs.String("options", "", "Provider options as JSON object")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *id == "" || *providerName == "" {
		fmt.Fprintln(os.Stderr, "Error: --id and --provider are required")
		return 1
	}
	if *name == "" {
		*name = *id
	}

	var options workspace.Options
	if *optionsJSON != "" {
		if err := json.Unmarshal([]byte(*optionsJSON), &options); err != nil {
			fmt.Fprintf(os.Stderr, "Error: --options is not valid JSON: %v\n", err)
			return 1
		}
	}

	rt, code := openRuntimeQuiet(*configPath)
	if code != 0 {
		return code
	}
	defer rt.Close()

	if _, ok := rt.providers.Get(*providerName); !ok {
		fmt.Fprintf(os.Stderr, "Error: unknown provider %q\n", *providerName)
		return 1
	}

	err := rt.store.Create(context.Background(), workspace.Workspace{
		ID:       *id,
		Name:     *name,
		Provider: *providerName,
		Options:  options,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Registered workspace %s (provider %s)\n", *id, *providerName)
	return 0
}

func runWorkspaceList(args []string) int {
	fs := flag.NewFlagSet("workspace list", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	rt, code := openRuntimeQuiet(*configPath)
	if code != 0 {
		return code
	}
	defer rt.Close()

	list, err := rt.store.List(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPROVIDER\tLAST STATE\tSINCE")
	for _, ws := range list {
		state := string(ws.LastState)
		if state == "" {
			state = "-"
		}
		since := "-"
		if ws.LastStateAt != nil {
			since = ws.LastStateAt.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", ws.ID, ws.Name, ws.Provider, state, since)
	}
	w.Flush()
	return 0
}

func runWorkspaceRemove(args []string) int {
	fs := flag.NewFlagSet("workspace remove", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: devpod-agent workspace remove <id>")
		return 1
	}

	rt, code := openRuntimeQuiet(*configPath)
	if code != 0 {
		return code
	}
	defer rt.Close()

	id := fs.Arg(0)
	if err := rt.store.Delete(context.Background(), id); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Removed workspace %s\n", id)
	return 0
}

func runWorkspaceOp(action string, args []string) int {
	fs := flag.NewFlagSet("workspace "+action, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: devpod-agent workspace %s <id>\n", action)
		return 1
	}
	id := fs.Arg(0)

	rt, code := openRuntimeQuiet(*configPath)
	if code != 0 {
		return code
	}
	defer rt.Close()

	ctx := context.Background()
	switch action {
	case "status":
		status, err := rt.client.Status(ctx, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Printf("%s: %s (observed %s)\n", status.WorkspaceID, status.State, status.ObservedAt.Local().Format(time.RFC3339))
		return 0

	case "start":
		out, err := rt.client.Start(ctx, id, "cli", func(ev protocol.ProgressEvent) {
			if ev.Percent > 0 {
				fmt.Fprintf(os.Stderr, "  [%3.0f%%] %s: %s\n", ev.Percent, ev.Stage, ev.Message)
			} else {
				fmt.Fprintf(os.Stderr, "  %s: %s\n", ev.Stage, ev.Message)
			}
		})
		return printOutcome(out, err)

	case "stop":
		out, err := rt.client.Stop(ctx, id)
		return printOutcome(out, err)

	case "rebuild":
		out, err := rt.client.Rebuild(ctx, id)
		return printOutcome(out, err)
	}
	return 1
}

func printOutcome(out *client.Outcome, err error) int {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if out.Joined {
		fmt.Fprintln(os.Stderr, "Joined an already running start")
	}
	if !out.Result.OK() {
		fmt.Fprintf(os.Stderr, "%s failed: %s (workspace is %s)\n", out.Command, out.Result.Error, out.Status.State)
		return 1
	}
	fmt.Printf("%s complete: workspace is %s\n", out.Command, out.Status.State)
	return 0
}

func runWorkspaceHistory(args []string) int {
	fs := flag.NewFlagSet("workspace history", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	limit := fs.Int("limit", 20, "Maximum rows")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: devpod-agent workspace history <id>")
		return 1
	}

	rt, code := openRuntimeQuiet(*configPath)
	if code != 0 {
		return code
	}
	defer rt.Close()

	recs, err := rt.store.RecentOperations(context.Background(), fs.Arg(0), *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COMPLETED\tCOMMAND\tSTATUS\tSTATE\tERROR")
	for _, rec := range recs {
		errText := "-"
		if rec.LastError != nil {
			errText = *rec.LastError
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rec.CompletedAt.Local().Format(time.RFC3339), rec.Command, rec.Status, rec.State, errText)
	}
	w.Flush()
	return 0
}

// --- config ---

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: devpod-agent config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, hash-update")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: devpod-agent config check [--config PATH]")
	fmt.Println("Validate configuration, integrity checksums, and provider manifests.")
}

func printConfigHashUpdateHelp() {
	fmt.Println("Usage: devpod-agent config hash-update [--config PATH]")
	fmt.Println("Recompute and write the config checksums manifest.")
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "hash-update":
		if hasHelpFlag(actionArgs) {
			printConfigHashUpdateHelp()
			return 0
		}
		return runConfigHashUpdate(actionArgs)
	case "help":
		printConfigNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("config check", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, code := loadConfig(*configPath)
	if code != 0 {
		return code
	}

	reg, err := provider.Discover(cfg.ProvidersDir, func(level, msg string, args ...any) {
		if level == "warn" {
			fmt.Fprintf(os.Stderr, "warning: %s %v\n", msg, args)
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Provider discovery error: %v\n", err)
		return 1
	}

	fmt.Printf("Configuration OK: %d provider(s) loaded from %s\n", len(reg.All()), cfg.ProvidersDir)
	for _, p := range reg.All() {
		commands := make([]string, 0, len(p.Commands))
		for _, c := range p.Commands {
			commands = append(commands, c.Name)
		}
		fmt.Printf("  %s %s (%s)\n", p.Name, p.Version, strings.Join(commands, ", "))
	}
	return 0
}

func runConfigHashUpdate(args []string) int {
	fs := flag.NewFlagSet("config hash-update", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	path := *configPath
	if path == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		path = discovered
	}

	if err := config.GenerateChecksums(path); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Wrote checksums for %s\n", path)
	return 0
}

// --- watch ---

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL := fs.String("api", "http://127.0.0.1:7070", "Agent API base URL")
	apiKey := fs.String("key", os.Getenv("DEVPOD_API_KEY"), "API key (defaults to $DEVPOD_API_KEY)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required (--key or $DEVPOD_API_KEY)")
		return 1
	}

	p := tea.NewProgram(watch.New(*apiURL, *apiKey))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

// --- shared runtime wiring ---

type runtime struct {
	cfg       *config.Config
	store     *workspace.Store
	cache     *opcache.Cache
	hub       *events.Hub
	providers *provider.Registry
	runner    *provider.Runner
	client    *client.Client
	closeFn   func()
}

func (r *runtime) Close() {
	if r.closeFn != nil {
		r.closeFn()
	}
}

func loadConfig(configPath string) (*config.Config, int) {
	path := configPath
	if path == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return nil, 1
		}
		path = discovered
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", path)
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, 1
	}
	return cfg, 0
}

// openRuntimeQuiet builds the full runtime with logging at error level,
// for one-shot CLI actions.
func openRuntimeQuiet(configPath string) (*runtime, int) {
	cfg, code := loadConfig(configPath)
	if code != 0 {
		return nil, code
	}
	log.Setup("ERROR")

	rt, err := openRuntime(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return nil, 1
	}
	return rt, 0
}

func openRuntime(cfg *config.Config) (*runtime, error) {
	logger := log.WithComponent("runtime")

	db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.State.Path, err)
	}

	registry, err := provider.Discover(cfg.ProvidersDir, func(level, msg string, args ...any) {
		switch level {
		case "debug":
			logger.Debug(msg, args...)
		case "info":
			logger.Info(msg, args...)
		case "warn":
			logger.Warn(msg, args...)
		case "error":
			logger.Error(msg, args...)
		}
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("provider discovery in %s: %w", cfg.ProvidersDir, err)
	}

	store := workspace.NewStore(db)
	cache := opcache.New()
	hub := events.NewHub(cfg.Events.BufferSize)
	runner := provider.NewRunner(registry, provider.Timeouts{
		Start:   cfg.Timeouts.Start,
		Stop:    cfg.Timeouts.Stop,
		Rebuild: cfg.Timeouts.Rebuild,
		Status:  cfg.Timeouts.Status,
	})
	cl := client.New(store, cache, runner, runner, hub)

	return &runtime{
		cfg:       cfg,
		store:     store,
		cache:     cache,
		hub:       hub,
		providers: registry,
		runner:    runner,
		client:    cl,
		closeFn:   func() { _ = db.Close() },
	}, nil
}
