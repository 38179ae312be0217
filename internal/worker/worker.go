// Package worker implements the receiving half of the command protocol: a
// mirror state machine that decodes commands from the coordinator, runs the
// named stage, and answers barriers. The loop stays in lock-step with the
// coordinator even when a stage fails — it flags the error, keeps answering
// barriers, and reports the failure when the run ends. Dropping out of the
// barrier sequence would stall the whole group.
package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/mattjoyce/lockstep/internal/command"
	"github.com/mattjoyce/lockstep/internal/log"
)

// Exchange performs the inter-worker data exchange behind a SYNC command.
// The harness core does not define what is exchanged; nil means no-op.
type Exchange func(ctx context.Context, rank int) error

// Config assembles a Worker.
type Config struct {
	RunID     string
	Rank      int
	GroupSize int
	Stages    []Stage
	Exchange  Exchange

	// In carries broadcast commands, Out carries barrier arrivals. For a
	// spawned worker these are stdin and stdout.
	In  io.Reader
	Out io.Writer
}

// Worker is one group member's control loop.
type Worker struct {
	runID     string
	rank      int
	groupSize int
	stages    []Stage
	exchange  Exchange
	in        io.Reader
	out       io.Writer
	logger    *slog.Logger

	// stageErr is the first flagged stage failure; processing is skipped
	// after it but lock-step participation continues.
	stageErr error
}

// New creates a Worker from cfg.
func New(cfg Config) *Worker {
	exchange := cfg.Exchange
	if exchange == nil {
		exchange = func(context.Context, int) error { return nil }
	}
	return &Worker{
		runID:     cfg.RunID,
		rank:      cfg.Rank,
		groupSize: cfg.GroupSize,
		stages:    cfg.Stages,
		exchange:  exchange,
		in:        cfg.In,
		out:       cfg.Out,
		logger:    log.WithRole("worker", cfg.Rank).With("run_id", cfg.RunID),
	}
}

// Loop runs until SHUTDOWN is received or the command stream breaks. The
// return value is what the worker process should die with: nil for an
// orderly shutdown with no flagged errors, otherwise the fatal error.
func (w *Worker) Loop(ctx context.Context) error {
	w.logger.Info("worker loop started", "group_size", w.groupSize, "stages", len(w.stages))

	for {
		cmd, err := command.Decode(w.in)
		if err != nil {
			// An unrecognized tag is a protocol error and must never be
			// skipped; a broken stream means the coordinator is gone.
			w.logger.Error("command stream failed", "error", err)
			return err
		}

		w.logger.Debug("command received", "command", cmd.String())

		switch cmd.Kind {
		case command.KindProcess:
			w.runStage(ctx, cmd.Stage)
			if err := w.arrive(); err != nil {
				return err
			}

		case command.KindSync:
			if err := w.runExchange(ctx); err != nil {
				return err
			}
			if err := w.arrive(); err != nil {
				return err
			}

		case command.KindContinue:
			// Heartbeat: no pending shutdown.

		case command.KindShutdown:
			w.logger.Info("shutdown received")
			return w.stageErr
		}
	}
}

func (w *Worker) runStage(ctx context.Context, index int) {
	if w.stageErr != nil {
		w.logger.Warn("skipping stage, earlier failure flagged", "stage", index)
		return
	}
	if index < 0 || index >= len(w.stages) {
		w.stageErr = fmt.Errorf("stage index %d out of range (have %d stages)", index, len(w.stages))
		w.logger.Error("bad stage index", "stage", index)
		return
	}

	stage := w.stages[index]
	sc := &StageContext{
		RunID:      w.runID,
		Rank:       w.rank,
		GroupSize:  w.groupSize,
		StageIndex: index,
		Logger:     w.logger.With("stage", index, "name", stage.Name()),
	}

	sc.Logger.Info("stage processing")
	if err := stage.Process(ctx, sc); err != nil {
		w.stageErr = err
		sc.Logger.Error("stage failed", "error", err)
		return
	}
	sc.Logger.Info("stage done")
}

func (w *Worker) runExchange(ctx context.Context) error {
	if w.stageErr != nil {
		return nil
	}
	if err := w.exchange(ctx, w.rank); err != nil {
		w.stageErr = err
		w.logger.Error("sync exchange failed", "error", err)
	}
	return nil
}

func (w *Worker) arrive() error {
	if err := command.EncodeArrival(w.out); err != nil {
		w.logger.Error("barrier arrival write failed", "error", err)
		return err
	}
	return nil
}
