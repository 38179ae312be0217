// Package coordinator drives a run: it spawns the worker group and walks the
// ordered stage list in lock-step, one collective command at a time.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/lockstep/internal/channel"
	"github.com/mattjoyce/lockstep/internal/command"
	"github.com/mattjoyce/lockstep/internal/events"
	"github.com/mattjoyce/lockstep/internal/group"
	"github.com/mattjoyce/lockstep/internal/journal"
	"github.com/mattjoyce/lockstep/internal/log"
	"github.com/mattjoyce/lockstep/internal/run"
)

//go:generate mockgen -destination=mocks/mock_group.go -package=mocks github.com/mattjoyce/lockstep/internal/coordinator GroupService

// GroupService is the slice of worker-group behavior the sequencer needs.
type GroupService interface {
	// SendCommand broadcasts one command and, for barrier-bearing commands,
	// waits for the whole group to acknowledge.
	SendCommand(ctx context.Context, cmd command.Command) error

	// Close shuts the group down (SHUTDOWN broadcast + teardown). Idempotent.
	Close(ctx context.Context)

	// Abort tears the group down without a SHUTDOWN broadcast. Used when
	// the run is already dying of a communication failure.
	Abort()
}

// State is the sequencer lifecycle.
type State string

const (
	StateInitializing State = "initializing"
	StateSpawning     State = "spawning"
	StateRunning      State = "running"
	StateShutdown     State = "shutdown"
	StateTerminated   State = "terminated"
)

// Status is a point-in-time snapshot for the API and watch surfaces.
// CurrentStage is -1 outside the Running state.
type Status struct {
	RunID        string    `json:"run_id"`
	State        State     `json:"state"`
	CurrentStage int       `json:"current_stage"`
	StageName    string    `json:"stage_name,omitempty"`
	TotalStages  int       `json:"total_stages"`
	GroupSize    int       `json:"group_size"`
	StartedAt    time.Time `json:"started_at"`
	Error        string    `json:"error,omitempty"`
}

// Config assembles a coordinator. Hub and Journal are optional; StopCondition
// is the externally-supplied between-stages shutdown check and may be nil.
type Config struct {
	RunContext    *run.Context
	Channel       channel.Channel
	WorkerExec    string
	Hub           *events.Hub
	Journal       *journal.Journal
	StopCondition func() bool
}

// Coordinator is the orchestration state machine. One per run; Run may be
// called once.
type Coordinator struct {
	rc      *run.Context
	hub     *events.Hub
	journal *journal.Journal
	stop    func() bool
	logger  *slog.Logger

	// spawnGroup is swapped out by tests.
	spawnGroup func(ctx context.Context) (GroupService, error)

	mu     sync.Mutex
	status Status
}

// New creates a Coordinator for one run.
func New(cfg Config) *Coordinator {
	hub := cfg.Hub
	if hub == nil {
		hub = events.NewHub(128)
	}
	stop := cfg.StopCondition
	if stop == nil {
		stop = func() bool { return false }
	}

	c := &Coordinator{
		rc:      cfg.RunContext,
		hub:     hub,
		journal: cfg.Journal,
		stop:    stop,
		logger:  log.WithComponent("coordinator").With("run_id", cfg.RunContext.RunID),
		status: Status{
			RunID:        cfg.RunContext.RunID,
			State:        StateInitializing,
			CurrentStage: -1,
			TotalStages:  len(cfg.RunContext.Stages),
			GroupSize:    cfg.RunContext.GroupSize,
		},
	}
	c.spawnGroup = func(ctx context.Context) (GroupService, error) {
		return group.Create(ctx, cfg.RunContext, cfg.Channel, cfg.WorkerExec)
	}
	return c
}

// Status returns a snapshot of the run.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Run executes the full sequence: validate, spawn, iterate stages, shut down.
// Any error is fatal to the run; there is no retry or partial continuation.
func (c *Coordinator) Run(ctx context.Context) error {
	c.setState(StateInitializing, -1, "")
	c.logger.Info("run initializing",
		"stages", len(c.rc.Stages), "group_size", c.rc.GroupSize)

	if err := c.rc.Validate(); err != nil {
		// Nothing was spawned; nothing to tear down.
		c.fail(ctx, nil, -1, err)
		return err
	}

	c.markStarted()
	c.hub.Publish(events.TypeRunStarted, c.rc.RunID, -1, "")
	c.journalRunStart(ctx)

	c.setState(StateSpawning, -1, "")
	g, err := c.spawnGroup(ctx)
	if err != nil {
		c.fail(ctx, nil, -1, err)
		return err
	}

	c.setState(StateRunning, -1, "")
	stopped := false

	for i, stage := range c.rc.Stages {
		c.setState(StateRunning, i, stage.Name)
		c.logger.Info("stage starting", "stage", i, "name", stage.Name)
		c.journalStageStart(ctx, i, stage.Name)
		c.hub.Publish(events.TypeStageStarted, c.rc.RunID, i, stage.Name)

		if err := g.SendCommand(ctx, command.Process(i)); err != nil {
			c.journalStageEnd(ctx, i, journal.StatusFailed)
			c.fail(ctx, g, i, err)
			return err
		}

		c.journalStageEnd(ctx, i, journal.StatusCompleted)
		c.hub.Publish(events.TypeStageCompleted, c.rc.RunID, i, stage.Name)
		c.logger.Info("stage completed", "stage", i, "name", stage.Name)

		if stage.SyncAfter {
			if err := g.SendCommand(ctx, command.Sync()); err != nil {
				c.fail(ctx, g, i, err)
				return err
			}
			c.hub.Publish(events.TypeSyncCompleted, c.rc.RunID, i, stage.Name)
		}

		// The stop condition is evaluated strictly between stages, never
		// inside a PROCESS/SYNC pair, so a command is always followed by
		// its matching barrier before any new decision.
		if c.stop() {
			c.logger.Info("shutdown requested, leaving stage loop", "after_stage", i)
			stopped = true
			break
		}

		if i < len(c.rc.Stages)-1 {
			if err := g.SendCommand(ctx, command.Continue()); err != nil {
				c.fail(ctx, g, i, err)
				return err
			}
		}
	}

	c.setState(StateShutdown, -1, "")
	g.Close(ctx)

	c.setState(StateTerminated, -1, "")
	c.journalRunEnd(ctx, journal.StatusCompleted, "")
	c.hub.Publish(events.TypeRunCompleted, c.rc.RunID, -1, "")
	c.logger.Info("run terminated", "stopped_early", stopped)
	return nil
}

// fail handles every fatal path: one terminal log line naming the error kind
// and the stage in flight, best-effort group shutdown, then Terminated.
func (c *Coordinator) fail(ctx context.Context, g GroupService, stage int, err error) {
	kind := errorKind(err)
	c.logger.Error("run failed", "kind", kind, "stage", stage, "error", err)

	if g != nil {
		var cerr *channel.CommFailure
		if errors.As(err, &cerr) {
			// The channel is already broken; a SHUTDOWN broadcast could
			// only fail or block. Tear down without it.
			g.Abort()
		} else {
			g.Close(ctx)
		}
	}

	c.mu.Lock()
	c.status.State = StateTerminated
	c.status.Error = fmt.Sprintf("%s: %v", kind, err)
	c.mu.Unlock()

	// On a validation failure no run row exists; the update is then a no-op.
	c.journalRunEnd(ctx, journal.StatusFailed, fmt.Sprintf("%s at stage %d: %v", kind, stage, err))
	c.hub.Publish(events.TypeRunFailed, c.rc.RunID, stage, kind)
}

func errorKind(err error) string {
	var (
		serr *channel.SpawnError
		cerr *channel.CommFailure
		perr *command.ProtocolError
		verr *run.ValidationError
	)
	switch {
	case errors.As(err, &serr):
		return "spawn error"
	case errors.As(err, &cerr):
		return "comm failure"
	case errors.As(err, &perr):
		return "protocol error"
	case errors.As(err, &verr):
		return "validation error"
	default:
		return "error"
	}
}

func (c *Coordinator) setState(s State, stage int, stageName string) {
	c.mu.Lock()
	c.status.State = s
	c.status.CurrentStage = stage
	c.status.StageName = stageName
	c.mu.Unlock()
}

func (c *Coordinator) markStarted() {
	c.mu.Lock()
	c.status.StartedAt = time.Now().UTC()
	c.mu.Unlock()
}

func (c *Coordinator) journalRunStart(ctx context.Context) {
	if c.journal == nil {
		return
	}
	if err := c.journal.RecordRunStart(ctx, c.rc); err != nil {
		c.logger.Warn("journal write failed", "error", err)
	}
}

func (c *Coordinator) journalRunEnd(ctx context.Context, status, lastError string) {
	if c.journal == nil {
		return
	}
	if err := c.journal.RecordRunEnd(ctx, c.rc.RunID, status, lastError); err != nil {
		c.logger.Warn("journal write failed", "error", err)
	}
}

func (c *Coordinator) journalStageStart(ctx context.Context, index int, name string) {
	if c.journal == nil {
		return
	}
	if err := c.journal.RecordStageStart(ctx, c.rc.RunID, index, name); err != nil {
		c.logger.Warn("journal write failed", "error", err)
	}
}

func (c *Coordinator) journalStageEnd(ctx context.Context, index int, status string) {
	if c.journal == nil {
		return
	}
	if err := c.journal.RecordStageEnd(ctx, c.rc.RunID, index, status); err != nil {
		c.logger.Warn("journal write failed", "error", err)
	}
}
