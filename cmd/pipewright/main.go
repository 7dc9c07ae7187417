package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mattjoyce/pipewright/internal/config"
	"github.com/mattjoyce/pipewright/internal/lock"
	"github.com/mattjoyce/pipewright/internal/log"
	"github.com/mattjoyce/pipewright/internal/plugin"
	"github.com/mattjoyce/pipewright/internal/resolver"
	"github.com/mattjoyce/pipewright/internal/run"
	"github.com/mattjoyce/pipewright/internal/storage"
	"github.com/mattjoyce/pipewright/internal/telemetry"
	"github.com/mattjoyce/pipewright/internal/trigger"
	_ "github.com/mattjoyce/pipewright/internal/trigger/providers"
	"github.com/mattjoyce/pipewright/internal/webhook"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	_ = godotenv.Load()
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	// --- NOUNS ---
	case "pipeline":
		return runPipelineNoun(args)
	case "trigger":
		return runTriggerNoun(args)
	case "run":
		return runRunNoun(args)
	case "plugin":
		return runPluginNoun(args)
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "doctor":
		return runConfigCheck(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: pipewright version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("pipewright %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalizedBuildTime, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalizedBuildTime
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}

	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`pipewright - Pipeline step resolution and webhook trigger verification

Usage:
  pipewright <noun> <action> [flags]

Core Resources (Nouns):
  pipeline  Pipeline files and their resolved plans
  trigger   Webhook trigger verification
  run       Prepared runs in the state database
  plugin    Builtin plugins
  system    Service lifecycle
  config    System configuration and integrity

Pipeline Commands:
  pipeline plan <file>    Install missing plugins and print the ordered plan
  pipeline check <path>   Validate a pipeline file or directory against the configuration

Trigger Commands:
  trigger verify          Check a payload against a pipeline's triggers

Run Commands:
  run list                Show recent runs
  run show <id>           Show one run's plan
  run watch               Follow runs live in the terminal

Plugin Commands:
  plugin list             Show builtin plugins from the configuration

System Commands:
  system start            Start the webhook server in foreground

Config Commands:
  config lock             Authorize current state (update integrity hashes)
  config check            Validate syntax, policy, and integrity

General:
  version                 Show version information
  help                    Show this help message

Use 'pipewright <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runPipelineNoun(args []string) int {
	if len(args) < 1 {
		printPipelineNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printPipelineNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "plan":
		if hasHelpFlag(actionArgs) {
			printPipelinePlanHelp()
			return 0
		}
		return runPipelinePlan(actionArgs)
	case "check":
		if hasHelpFlag(actionArgs) {
			printPipelineCheckHelp()
			return 0
		}
		return runPipelineCheck(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown pipeline action: %s\n", action)
		return 1
	}
}

func runTriggerNoun(args []string) int {
	if len(args) < 1 {
		printTriggerNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printTriggerNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "verify":
		if hasHelpFlag(actionArgs) {
			printTriggerVerifyHelp()
			return 0
		}
		return runTriggerVerify(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown trigger action: %s\n", action)
		return 1
	}
}

func runRunNoun(args []string) int {
	if len(args) < 1 {
		printRunNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printRunNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		return runRunList(actionArgs)
	case "show":
		return runRunShow(actionArgs)
	case "watch":
		return runRunWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown run action: %s\n", action)
		return 1
	}
}

func runPluginNoun(args []string) int {
	if len(args) < 1 {
		printPluginNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printPluginNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printPluginListHelp()
			return 0
		}
		return runPluginList(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown plugin action: %s\n", action)
		return 1
	}
}

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
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
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
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

// parseWithPositional parses flags on both sides of a single positional
// argument and returns it.
func parseWithPositional(fs *flag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() == 0 {
		return "", nil
	}
	positional := fs.Arg(0)
	if err := fs.Parse(fs.Args()[1:]); err != nil {
		return "", err
	}
	if fs.NArg() > 0 {
		return "", fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return positional, nil
}

func printPipelineNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: pipewright pipeline <action>")
	fmt.Fprintln(w, "Actions: plan, check")
}

func printTriggerNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: pipewright trigger <action>")
	fmt.Fprintln(w, "Actions: verify")
}

func printRunNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: pipewright run <action>")
	fmt.Fprintln(w, "Actions: list, show, watch")
}

func printPluginNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: pipewright plugin <action>")
	fmt.Fprintln(w, "Actions: list")
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: pipewright system <action>")
	fmt.Fprintln(w, "Actions: start")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: pipewright config <action> [flags]")
	fmt.Fprintln(w, "Actions: lock, check")
}

func printPipelinePlanHelp() {
	fmt.Println("Usage: pipewright pipeline plan <file> [--config PATH] [--json] [--record]")
	fmt.Println("Install missing plugins, then print the ordered step list with execution tokens.")
	fmt.Println("--record stores the run in the state database.")
}

func printPipelineCheckHelp() {
	fmt.Println("Usage: pipewright pipeline check <file|dir> [--config PATH] [--json]")
	fmt.Println("Validate steps, triggers and plugin references without installing anything.")
	fmt.Println("A directory checks every *.yaml and *.yml pipeline in it.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  Valid")
	fmt.Println("  1  Errors found")
	fmt.Println("  2  Valid with warnings")
}

func printTriggerVerifyHelp() {
	fmt.Println("Usage: pipewright trigger verify --pipeline FILE --payload FILE [--header 'Name: value']...")
	fmt.Println("Check a webhook payload against a pipeline's triggers. --payload - reads stdin.")
	fmt.Println("")
	fmt.Println("Exit codes:")
	fmt.Println("  0  Verified")
	fmt.Println("  1  Error")
	fmt.Println("  2  Not a trigger event")
}

func printPluginListHelp() {
	fmt.Println("Usage: pipewright plugin list [--config PATH] [--json]")
	fmt.Println("List the builtin plugins declared under plugins.builtin.")
}

func printSystemStartHelp() {
	fmt.Println("Usage: pipewright system start [--config PATH]")
	fmt.Println("Serve webhook endpoints and prepare verified runs in the foreground.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: pipewright config lock [--config PATH]")
	fmt.Println("Hash the config file and every webhook pipeline into .checksums.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: pipewright config check [--config PATH] [--json]")
	fmt.Println("Validate configuration, webhook pipelines and integrity hashes.")
}

// --- SHARED WIRING ---

func loadConfig(configPath string) (*config.Config, error) {
	return config.LoadOrDefault(configPath)
}

// setupToolLogging sends logs to stderr so command output stays clean.
func setupToolLogging(cfg *config.Config) {
	log.SetupWriter(os.Stderr, cfg.Service.LogLevel, cfg.Service.LogFormat)
}

type planner struct {
	loader    *plugin.Loader
	procs     *plugin.Processes
	installer *plugin.Installer
	resolver  *resolver.Resolver
}

func newPlanner(cfg *config.Config) (*planner, error) {
	opts := cfg.PluginOptions()
	builtins, err := cfg.BuiltinRegistry()
	if err != nil {
		return nil, err
	}
	loader := plugin.NewLoader(builtins, opts.SearchPaths)
	procs := plugin.NewProcesses()
	installer, err := plugin.NewInstaller(loader, procs, opts)
	if err != nil {
		return nil, err
	}
	return &planner{
		loader:    loader,
		procs:     procs,
		installer: installer,
		resolver:  resolver.New(installer, loader, nil),
	}, nil
}

func getPIDLockPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.State.Path), "pipewright.lock")
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if len(cfg.Webhooks.Endpoints) == 0 {
		fmt.Fprintln(os.Stderr, "No webhook endpoints configured; nothing to serve")
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("pipewright starting", "version", version, "config", cfg.Path)

	if cfg.Telemetry.Enabled {
		serviceName := cfg.Telemetry.ServiceName
		if serviceName == "" {
			serviceName = cfg.Service.Name
		}
		shutdown, err := telemetry.InitTracer(serviceName, logger)
		if err != nil {
			logger.Error("failed to initialize tracing", "error", err)
			return 1
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(ctx)
		}()
	}

	pidLockPath := getPIDLockPath(cfg)
	pidLock, err := lock.TryAcquire(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	store := run.NewStore(db)
	pl, err := newPlanner(cfg)
	if err != nil {
		logger.Error("failed to configure plugin installer", "error", err)
		return 1
	}
	pl.installer.SetJournal(store)
	preparer := run.NewPreparer(store, pl.resolver, pl.procs, 0)

	webhookConfig, err := webhook.FromGlobalConfig(&cfg.Webhooks)
	if err != nil {
		logger.Error("failed to configure webhooks", "error", err)
		return 1
	}
	for _, ep := range webhookConfig.Endpoints {
		logger.Info("pipeline registered", "path", ep.Path, "name", ep.Pipeline.Name)
	}
	webhookServer := webhook.New(webhookConfig, trigger.NewDispatcher(nil), preparer, store, log.WithComponent("webhook"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)
	prepDone := make(chan struct{})

	go func() {
		defer close(prepDone)
		if err := preparer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("preparer: %w", err)
		}
	}()

	go func() {
		if err := webhookServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("webhook: %w", err)
		}
	}()

	logger.Info("pipewright running (press Ctrl+C to stop)")

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	}
	cancel()
	<-prepDone

	logger.Info("pipewright stopped")
	return code
}
