package main

import (
	"context"
	"database/sql"
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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kestrelsec/reconforge/internal/api"
	"github.com/kestrelsec/reconforge/internal/config"
	"github.com/kestrelsec/reconforge/internal/dispatch"
	"github.com/kestrelsec/reconforge/internal/doctor"
	"github.com/kestrelsec/reconforge/internal/events"
	"github.com/kestrelsec/reconforge/internal/lock"
	"github.com/kestrelsec/reconforge/internal/log"
	"github.com/kestrelsec/reconforge/internal/metrics"
	"github.com/kestrelsec/reconforge/internal/modules"
	"github.com/kestrelsec/reconforge/internal/queue"
	"github.com/kestrelsec/reconforge/internal/recon"
	"github.com/kestrelsec/reconforge/internal/storage"
	"github.com/kestrelsec/reconforge/internal/workspace"
)

var version = "0.1.0-dev"

func main() {
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
	case "serve":
		return runServe(args)
	case "scan":
		return runScan(args)
	case "run":
		return runDirect(args)
	case "job":
		return runJobNoun(args)
	case "workspace":
		return runWorkspaceNoun(args)
	case "module":
		return runModuleNoun(args)
	case "doctor":
		return runDoctor(args)
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

func printUsage() {
	fmt.Print(`reconforge - Reconnaissance job orchestrator

Usage:
  reconforge <command> [flags]

Commands:
  serve             Start the orchestrator service in foreground
  scan              Enqueue reconnaissance jobs for a target
  run               Run a single module directly, without the queue
  job show <id>     Show one job record
  job list          List job records
  workspace list    List workspaces
  module list       List registered modules
  doctor            Validate configuration, tools, and credentials
  version           Show version information

Use 'reconforge <command> --help' for command-specific flags.
`)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("RECONFORGE_CONFIG")
	}
	if path == "" {
		path = "config.yaml"
	}
	return config.Load(path)
}

func buildRegistry(logger recon.Logger) *recon.Registry {
	return recon.Build(modules.Builtins(), logger)
}

func registryLogger() recon.Logger {
	return func(level, msg string, args ...any) {
		switch level {
		case "debug":
			log.Debug(msg, args...)
		case "warn":
			log.Warn(msg, args...)
		case "error":
			log.Error(msg, args...)
		default:
			log.Info(msg, args...)
		}
	}
}

func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	return storage.OpenSQLite(ctx, cfg.Storage.Path)
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("reconforge starting", "version", version)

	lockPath := filepath.Join(filepath.Dir(cfg.Storage.Path), "reconforge.lock")
	pidLock, err := lock.Acquire(lockPath)
	if err != nil {
		logger.Error("failed to acquire lock (another instance may be running)", "path", lockPath, "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := openDB(ctx, cfg)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.Storage.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.Storage.Path)

	q := queue.New(db)
	q.SetBackoffBase(cfg.Service.Retry.BackoffBase)

	registry := buildRegistry(registryLogger())
	logger.Info("module registry built", "modules", registry.Len())

	ws, err := workspace.NewStore(db, cfg.Workspaces.Dir)
	if err != nil {
		logger.Error("failed to initialize workspace store", "dir", cfg.Workspaces.Dir, "error", err)
		return 1
	}

	hub := events.NewHub(256)
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	disp := dispatch.New(q, registry, hub, m, dispatch.Config{
		Workers:      cfg.Service.Workers,
		TickInterval: cfg.Service.TickInterval,
		JobTimeout:   cfg.Service.JobTimeout,
		Retention:    cfg.Service.Retention,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)

	go func() {
		if err := disp.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("dispatcher: %w", err)
		}
	}()

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen:      cfg.API.Listen,
			APIKey:      cfg.API.APIKey,
			MaxAttempts: cfg.Service.Retry.MaxAttempts,
		}, q, registry, ws, hub, m, promReg, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
	}

	logger.Info("reconforge running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	logger.Info("reconforge stopped")
	return 0
}

func runScan(args []string) int {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	moduleList := fs.String("modules", "subdomains", "Comma-separated module names")
	target := fs.String("target", "", "Target domain, IP, or CIDR")
	wsName := fs.String("workspace", "default", "Workspace name")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *target == "" {
		fmt.Fprintln(os.Stderr, "Usage: reconforge scan --target <target> [--modules m1,m2] [--workspace NAME]")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

	normalized, err := recon.NormalizeTarget(*target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid target: %v\n", err)
		return 1
	}

	registry := buildRegistry(nil)
	var names []string
	for _, name := range strings.Split(*moduleList, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := registry.Resolve(name); !ok {
			fmt.Fprintf(os.Stderr, "Unknown module: %s\n", name)
			return 1
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		fmt.Fprintln(os.Stderr, "No modules selected")
		return 1
	}

	ctx := context.Background()
	db, err := openDB(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	q := queue.New(db)
	ws, err := workspace.NewStore(db, cfg.Workspaces.Dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize workspace store: %v\n", err)
		return 1
	}
	w, err := ws.Ensure(ctx, *wsName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Workspace error: %v\n", err)
		return 1
	}

	for _, name := range names {
		outDir, err := ws.OutDir(w.Name, normalized, name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Workspace error: %v\n", err)
			return 1
		}
		var options json.RawMessage
		if mc, ok := cfg.Modules[name]; ok && len(mc.Options) > 0 {
			options, err = json.Marshal(mc.Options)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Module options error: %v\n", err)
				return 1
			}
		}
		jobID, err := q.Enqueue(ctx, queue.EnqueueRequest{
			Workspace:   w.Name,
			Module:      name,
			Target:      normalized,
			OutDir:      outDir,
			Options:     options,
			MaxAttempts: cfg.Service.Retry.MaxAttempts,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Enqueue failed for %s: %v\n", name, err)
			return 1
		}
		fmt.Printf("enqueued %s %s %s\n", jobID, name, normalized)
	}
	return 0
}

func runDirect(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	moduleName := fs.String("module", "", "Module to run")
	target := fs.String("target", "", "Target domain, IP, or CIDR")
	outDir := fs.String("out", "", "Output directory (default: temp directory)")
	execute := fs.Bool("execute", false, "Actually execute; default is a dry-run plan")
	timeout := fs.Duration("timeout", time.Hour, "Run timeout")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *moduleName == "" || *target == "" {
		fmt.Fprintln(os.Stderr, "Usage: reconforge run --module <name> --target <target> [--out DIR] [--execute]")
		return 1
	}

	registry := buildRegistry(nil)
	desc, ok := registry.Resolve(*moduleName)
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown module: %s (try 'reconforge module list')\n", *moduleName)
		return 1
	}

	dir := *outDir
	if dir == "" {
		var err error
		dir, err = os.MkdirTemp("", "reconforge-run-")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create output directory: %v\n", err)
			return 1
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	result, err := desc.Module.Run(ctx, recon.Request{
		Target:  *target,
		OutDir:  dir,
		Execute: *execute,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
		return 1
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render result: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

func runJobNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: reconforge job <show|list> [flags]")
		return 1
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "show":
		return runJobShow(actionArgs)
	case "list":
		return runJobList(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown job action: %s\n", action)
		return 1
	}
}

func runJobShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: reconforge job show <job_id>")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := openDB(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	job, err := queue.New(db).Get(ctx, fs.Arg(0))
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			fmt.Fprintf(os.Stderr, "Job not found: %s\n", fs.Arg(0))
		} else {
			fmt.Fprintf(os.Stderr, "Lookup failed: %v\n", err)
		}
		return 1
	}

	data, _ := json.MarshalIndent(job, "", "  ")
	fmt.Println(string(data))
	return 0
}

func runJobList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	wsName := fs.String("workspace", "", "Filter by workspace")
	limit := fs.Int("limit", 50, "Maximum rows")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := openDB(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	jobs, err := queue.New(db).List(ctx, *wsName, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
		return 1
	}

	for _, job := range jobs {
		fmt.Printf("%s  %-10s %-12s %-10s %s\n",
			job.ID, job.Status, job.Module, job.Workspace, job.Target)
	}
	return 0
}

func runWorkspaceNoun(args []string) int {
	if len(args) < 1 || args[0] != "list" {
		fmt.Fprintln(os.Stderr, "Usage: reconforge workspace list")
		return 1
	}

	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := openDB(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	ws, err := workspace.NewStore(db, cfg.Workspaces.Dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize workspace store: %v\n", err)
		return 1
	}
	list, err := ws.List(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
		return 1
	}

	for _, w := range list {
		fmt.Printf("%-20s created %s\n", w.Name, w.CreatedAt.Format(time.RFC3339))
	}
	return 0
}

func runModuleNoun(args []string) int {
	if len(args) < 1 || args[0] != "list" {
		fmt.Fprintln(os.Stderr, "Usage: reconforge module list")
		return 1
	}

	registry := buildRegistry(nil)
	for _, desc := range registry.All() {
		fmt.Printf("%-12s %s\n", desc.Name, desc.Version)
	}
	return 0
}

func runDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output the report as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	registry := buildRegistry(nil)
	result := doctor.New(cfg, registry).Validate()

	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render report: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	return 0
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	commit := "unknown"
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && setting.Value != "" {
				commit = setting.Value
				if len(commit) > 12 {
					commit = commit[:12]
				}
			}
		}
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(map[string]string{
			"version": version,
			"commit":  commit,
		}, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("reconforge %s\n", version)
	fmt.Printf("commit: %s\n", commit)
	return 0
}
