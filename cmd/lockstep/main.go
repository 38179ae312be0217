package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/lockstep/internal/api"
	"github.com/mattjoyce/lockstep/internal/channel"
	"github.com/mattjoyce/lockstep/internal/coordinator"
	"github.com/mattjoyce/lockstep/internal/events"
	"github.com/mattjoyce/lockstep/internal/journal"
	"github.com/mattjoyce/lockstep/internal/lock"
	"github.com/mattjoyce/lockstep/internal/log"
	"github.com/mattjoyce/lockstep/internal/policy"
	"github.com/mattjoyce/lockstep/internal/tui/watch"
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
	case "run":
		os.Exit(runRun(args))
	case "policy":
		os.Exit(runPolicyNoun(args))
	case "watch":
		os.Exit(runWatch(args))
	case "version":
		fmt.Printf("lockstep version %s\n", version)
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
	fmt.Print(`lockstep - Lock-step pipeline harness

Usage:
  lockstep <command> [flags]

Commands:
  run           Execute a pipeline run in the foreground
  policy check  Validate policy syntax and integrity
  policy lock   Authorize current policy state (update integrity hashes)
  watch         Live TUI monitor for a running pipeline
  version       Show version information
  help          Show this help message

Run Flags:
  lockstep run --policy PATH [--run-id ID] [-l LEVEL]

Use 'lockstep <command> --help' for command-specific flags.
`)
}

func runPolicyNoun(args []string) int {
	if len(args) < 1 {
		printPolicyNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printPolicyNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: lockstep policy check --policy PATH")
			fmt.Println("Validate policy syntax, semantics, and integrity hashes.")
			return 0
		}
		return runPolicyCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: lockstep policy lock --policy PATH")
			fmt.Println("Authorize the current policy state by regenerating integrity hashes.")
			return 0
		}
		return runPolicyLock(actionArgs)
	case "help":
		printPolicyNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown policy action: %s\n", action)
		return 1
	}
}

func printPolicyNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: lockstep policy <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock")
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

// --- ACTION IMPLEMENTATIONS ---

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	policyPath := fs.String("policy", "policy.yaml", "Path to run policy file")
	runID := fs.String("run-id", "", "Run identifier (generated when empty)")
	logLevel := fs.String("l", "", "Log level override (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	pol, err := policy.Load(*policyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load policy: %v\n", err)
		return 1
	}

	locked, err := policy.Verify(*policyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Policy integrity check failed: %v\n", err)
		fmt.Fprintln(os.Stderr, "Run 'lockstep policy lock' to authorize the current state.")
		return 1
	}

	level := pol.Run.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	log.Setup(level, pol.Run.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("lockstep starting", "version", version, "policy", *policyPath)
	if !locked {
		logger.Warn("policy has no integrity manifest; run 'lockstep policy lock' to create one")
	}

	rc := pol.RunContext(*policyPath, *runID)
	rc.LogLevel = level
	if err := rc.Validate(); err != nil {
		logger.Error("invalid run context", "error", err)
		return 1
	}
	runLogger := log.WithRun(rc.RunID)

	if pol.Run.LockPath != "" {
		runLock, err := lock.Acquire(pol.Run.LockPath)
		if err != nil {
			logger.Error("failed to acquire run lock (another run may be active)",
				"path", pol.Run.LockPath, "error", err)
			return 1
		}
		defer runLock.Release()
		logger.Info("acquired run lock", "path", runLock.Path())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var jnl *journal.Journal
	if pol.Journal.Path != "" {
		jnl, err = journal.Open(ctx, pol.Journal.Path)
		if err != nil {
			logger.Error("failed to open journal", "path", pol.Journal.Path, "error", err)
			return 1
		}
		defer jnl.Close()
		logger.Info("journal opened", "path", pol.Journal.Path)
	}

	hub := events.NewHub(256)

	workerExec := pol.Run.WorkerExec
	if workerExec == "" {
		workerExec, err = defaultWorkerExec()
		if err != nil {
			logger.Error("failed to locate worker executable", "error", err)
			return 1
		}
	}

	var stop func() bool
	if pol.Run.StopFile != "" {
		stopFile := pol.Run.StopFile
		stop = func() bool {
			_, err := os.Stat(stopFile)
			return err == nil
		}
	}

	coord := coordinator.New(coordinator.Config{
		RunContext:    rc,
		Channel:       channel.NewExecChannel(),
		WorkerExec:    workerExec,
		Hub:           hub,
		Journal:       jnl,
		StopCondition: stop,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if pol.API.Enabled {
		apiServer := api.New(api.Config{Listen: pol.API.Listen}, coord, hub, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("status API failed", "error", err)
			}
		}()
		logger.Info("status API enabled", "listen", pol.API.Listen)
	}

	if err := coord.Run(ctx); err != nil {
		runLogger.Error("run failed", "error", err)
		return 1
	}

	runLogger.Info("run completed")
	return 0
}

// defaultWorkerExec resolves the lockstep-worker binary next to the
// coordinator binary.
func defaultWorkerExec() (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(self), "lockstep-worker"), nil
}

func runPolicyCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	policyPath := fs.String("policy", "policy.yaml", "Path to run policy file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	pol, err := policy.Load(*policyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Policy check FAILED: %v\n", err)
		return 1
	}

	locked, err := policy.Verify(*policyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Policy integrity FAILED: %v\n", err)
		return 1
	}

	fmt.Printf("Policy check PASSED: %d stages, %d workers\n", len(pol.Stages), pol.GroupSize())
	if !locked {
		fmt.Println("Warning: no integrity manifest (run 'lockstep policy lock')")
	}
	return 0
}

func runPolicyLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ExitOnError)
	policyPath := fs.String("policy", "policy.yaml", "Path to run policy file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	// Validate before authorizing: never lock a broken policy.
	if _, err := policy.Load(*policyPath); err != nil {
		fmt.Fprintf(os.Stderr, "Refusing to lock invalid policy: %v\n", err)
		return 1
	}

	if err := policy.Lock(*policyPath); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock policy: %v\n", err)
		return 1
	}

	fmt.Printf("Successfully locked policy: %s\n", *policyPath)
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL := fs.String("api", "http://127.0.0.1:8080", "Status API base URL")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	p := tea.NewProgram(watch.New(*apiURL))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Watch TUI failed: %v\n", err)
		return 1
	}
	return 0
}
