package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/exprun/internal/daemon"
	"github.com/msageha/exprun/internal/history"
	"github.com/msageha/exprun/internal/logging"
	"github.com/msageha/exprun/internal/model"
	"github.com/msageha/exprun/internal/observer"
	"github.com/msageha/exprun/internal/plan"
	"github.com/msageha/exprun/internal/setup"
	"github.com/msageha/exprun/internal/state"
	"github.com/msageha/exprun/internal/status"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "run":
		runScheduler(os.Args[2:])
	case "see":
		runSee(os.Args[2:])
	case "command":
		runCommand(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "history":
		runHistory(os.Args[2:])
	case "version":
		fmt.Printf("exprun %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// requireValue returns the value following flag i, exiting when it is missing.
func requireValue(args []string, i int) string {
	if i+1 >= len(args) {
		fatalf("%s requires a value", args[i])
	}
	return args[i+1]
}

func runInit(args []string) {
	dir := "."
	baseDir := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--base-dir":
			baseDir = requireValue(args, i)
			i++
		default:
			dir = args[i]
		}
	}
	res, err := setup.Run(dir, baseDir)
	if err != nil {
		fatalf("init: %v", err)
	}
	fmt.Printf("wrote %s\n", res.ConfigPath)
	fmt.Printf("experiments will be stored under %s\n", res.BaseDir)
}

func runScheduler(args []string) {
	var configPath, logLevel string
	var dryRun, serve bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dry-run":
			dryRun = true
		case "--serve":
			serve = true
		case "--log-level":
			logLevel = requireValue(args, i)
			i++
		default:
			if configPath != "" {
				fatalf("unexpected argument: %s\nusage: exprun run <config> [--dry-run] [--serve] [--log-level L]", args[i])
			}
			configPath = args[i]
		}
	}
	if configPath == "" {
		fatalf("usage: exprun run <config> [--dry-run] [--serve] [--log-level L]")
	}

	p, err := plan.Load(configPath)
	if err != nil {
		var ce *plan.ConfigError
		if plan.IsValidationError(err) && errors.As(err, &ce) {
			fmt.Fprint(os.Stderr, ce.FormatStderr())
			os.Exit(1)
		}
		fatalf("load config: %v", err)
	}

	if dryRun {
		instances := plan.Expand(plan.SortByPriority(p.Definitions), model.NewIDGenerator(), time.Now())
		plan.WritePlan(os.Stdout, instances)
		return
	}

	fmt.Printf("starting scheduler, config: %s\n", p.Path)
	d := daemon.New(p, daemon.Options{Serve: serve, Signals: true, LogLevel: logLevel})
	report, err := d.Run(context.Background())
	if err != nil {
		fatalf("run: %v", err)
	}
	if report.Failed > 0 {
		os.Exit(2)
	}
}

func runSee(args []string) {
	var logDir string
	addr := model.DefaultObserverAddr
	level := "info"
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--addr":
			addr = requireValue(args, i)
			i++
		case "--log-level":
			level = requireValue(args, i)
			i++
		default:
			logDir = args[i]
		}
	}
	if logDir == "" {
		fatalf("usage: exprun see <base_experiment_dir> [--addr host:port]")
	}
	store := openStore(logDir)

	logger := logging.Console(level).With().Str("component", "observer").Logger()
	session := observer.NewSession(store, logger)
	if h := openHistory(store, logger); h != nil {
		defer h.Close()
		session.SetHistory(h)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := listenWithFallback(ctx, addr)
	if err != nil {
		fatalf("see: %v", err)
	}
	fmt.Printf("exprun observer @ http://%s\n", ln.Addr())
	fmt.Printf("watching %s\n", store.Dir())

	srv := observer.NewServer(session, model.ObserverConfig{Addr: addr}, logger)
	if err := srv.Serve(ctx, ln); err != nil {
		fatalf("see: %v", err)
	}
}

// listenWithFallback binds addr, or an ephemeral port on the same host when addr is taken.
func listenWithFallback(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err == nil {
		return ln, nil
	}
	host, _, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		return nil, err
	}
	return lc.Listen(ctx, "tcp", net.JoinHostPort(host, "0"))
}

func runCommand(args []string) {
	if len(args) != 3 {
		fatalf("usage: exprun command <base_experiment_dir> <action> <task_id>\nactions: remove_pending, terminate_running, retry_error, remove_finished, remove_error")
	}
	action := model.Action(args[1])
	if !model.IsKnownAction(action) {
		fatalf("unknown action: %s", args[1])
	}
	if !model.ValidateTaskID(args[2]) {
		fatalf("invalid task id: %s (expected task_<unix>_<counter>_<session>)", args[2])
	}
	store := openStore(args[0])
	session := observer.NewSession(store, zerolog.Nop())
	cmd, err := session.SendCommand(action, map[string]any{model.PayloadTaskID: args[2]})
	if err != nil {
		fatalf("command: %v", err)
	}
	fmt.Printf("queued %s\n", cmd)
}

func runStatus(args []string) {
	var logDir string
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			logDir = a
		}
	}
	if logDir == "" {
		fatalf("usage: exprun status <base_experiment_dir> [--json]")
	}
	if err := status.Run(os.Stdout, openStore(logDir), jsonOutput); err != nil {
		fatalf("status: %v", err)
	}
}

func runHistory(args []string) {
	var logDir string
	limit := 20
	jsonOutput := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--json":
			jsonOutput = true
		case "--limit":
			n, err := strconv.Atoi(requireValue(args, i))
			if err != nil || n <= 0 {
				fatalf("--limit must be a positive integer")
			}
			limit = n
			i++
		default:
			logDir = args[i]
		}
	}
	if logDir == "" {
		fatalf("usage: exprun history <base_experiment_dir> [--limit N] [--json]")
	}
	store := openStore(logDir)
	h := openHistory(store, zerolog.Nop())
	if h == nil {
		fatalf("history: no history database in %s", store.Dir())
	}
	defer h.Close()

	runs, err := h.List(context.Background(), limit)
	if err != nil {
		fatalf("history: %v", err)
	}
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(runs); err != nil {
			fatalf("history: %v", err)
		}
		return
	}
	fmt.Printf("%-24s  %-20s  %-10s  %7s  %4s  %s\n", "TASK", "NAME", "STATUS", "ATTEMPT", "CODE", "COMPLETED")
	for _, r := range runs {
		code := "-"
		if r.ReturnCode != nil {
			code = strconv.Itoa(*r.ReturnCode)
		}
		fmt.Printf("%-24s  %-20s  %-10s  %7d  %4s  %s\n", r.TaskID, r.Name, r.Status, r.Attempt, code, r.CompletedAt)
	}
	counts, err := h.Stats(context.Background())
	if err != nil {
		fatalf("history: %v", err)
	}
	if len(counts) > 0 {
		fmt.Printf("\ntotals: %s\n", status.FormatCounts(counts))
	}
}

// openStore accepts either base_experiment_dir or the state directory itself.
func openStore(dir string) *state.Store {
	abs, err := filepath.Abs(plan.ResolvePath("", dir))
	if err != nil {
		fatalf("resolve %s: %v", dir, err)
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		fatalf("experiment directory does not exist: %s", abs)
	}
	stateDir := abs
	if filepath.Base(abs) != model.StateDirName {
		stateDir = filepath.Join(abs, model.StateDirName)
	}
	store, err := state.Open(stateDir, zerolog.Nop())
	if err != nil {
		fatalf("open state: %v", err)
	}
	return store
}

func openHistory(store *state.Store, logger zerolog.Logger) *history.Store {
	if _, err := os.Stat(store.HistoryPath()); err != nil {
		return nil
	}
	h, err := history.Open(store.HistoryPath(), logger)
	if err != nil {
		logger.Warn().Err(err).Msg("history_unavailable")
		return nil
	}
	return h
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `exprun %s - experiment batch scheduler

Usage: exprun <command> [options]

Scheduling:
  init [dir] [--base-dir D]                      Write a starter experiments.yaml
  run <config> [--dry-run] [--serve] [--log-level L]
                                                 Run every experiment in the config

Observing:
  see <dir> [--addr host:port]                   Serve the observer HTTP API
  status <dir> [--json]                          Print the current snapshot
  history <dir> [--limit N] [--json]             List recorded attempts
  command <dir> <action> <task_id>               Queue a command for the scheduler

Utilities:
  version                                        Print version

<dir> is the scheduler's base_experiment_dir.
`, version)
}
