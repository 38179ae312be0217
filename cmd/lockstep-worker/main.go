// lockstep-worker is the worker bootstrap. The coordinator spawns one per
// group member with argv {policyRef, runId, -l, level}; rank and group size
// arrive through the environment. Stdin carries broadcast commands, stdout
// carries barrier arrivals, so all logging goes to stderr.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/mattjoyce/lockstep/internal/channel"
	"github.com/mattjoyce/lockstep/internal/log"
	"github.com/mattjoyce/lockstep/internal/policy"
	"github.com/mattjoyce/lockstep/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("lockstep-worker", flag.ExitOnError)
	logLevel := fs.String("l", "info", "Log level")

	// Positional args come first on the bootstrap command line.
	args := os.Args[1:]
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: lockstep-worker <policyRef> <runId> [-l LEVEL]")
		return 1
	}
	policyRef, runID := args[0], args[1]
	if err := fs.Parse(args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	rank, err := envInt(channel.EnvRank)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Bad environment: %v\n", err)
		return 1
	}
	groupSize, err := envInt(channel.EnvGroupSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Bad environment: %v\n", err)
		return 1
	}

	pol, err := policy.Load(policyRef)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load policy: %v\n", err)
		return 1
	}

	log.Setup(*logLevel, pol.Run.LogFormat)
	logger := log.WithRole("worker", rank).With("run_id", runID)
	logger.Info("worker starting", "policy", policyRef, "group_size", groupSize)

	w := worker.New(worker.Config{
		RunID:     runID,
		Rank:      rank,
		GroupSize: groupSize,
		Stages:    worker.StagesFromPolicy(pol),
		In:        os.Stdin,
		Out:       os.Stdout,
	})

	if err := w.Loop(context.Background()); err != nil {
		logger.Error("worker failed", "error", err)
		return 1
	}

	logger.Info("worker shut down")
	return 0
}

func envInt(name string) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, fmt.Errorf("%s is not set", name)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s is not an integer: %q", name, raw)
	}
	return v, nil
}
