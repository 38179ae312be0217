// Package group owns the lifecycle of the worker group: spawn, command
// fan-out, and teardown. All protocol operations on a group are strictly
// sequential from the coordinator's side; Group serializes them with a mutex
// so no two commands are ever in flight at once.
package group

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mattjoyce/lockstep/internal/channel"
	"github.com/mattjoyce/lockstep/internal/command"
	"github.com/mattjoyce/lockstep/internal/log"
	"github.com/mattjoyce/lockstep/internal/run"
)

// State tracks the group lifecycle. Transitions are monotonic:
// Unspawned -> Active -> ShuttingDown -> Terminated.
type State int

const (
	StateUnspawned State = iota
	StateActive
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnspawned:
		return "unspawned"
	case StateActive:
		return "active"
	case StateShuttingDown:
		return "shutting-down"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Group is a spawned worker group. Create is the only constructor.
type Group struct {
	size   int
	handle channel.Handle
	logger *slog.Logger

	mu    sync.Mutex
	state State
}

// Create spawns rc.GroupSize workers over ch using the worker bootstrap
// command line: `workerExec <policyRef> <runId> -l <level>`. The spawn is
// all-or-nothing; on success the group is Active.
func Create(ctx context.Context, rc *run.Context, ch channel.Channel, workerExec string) (*Group, error) {
	spec := channel.SpawnSpec{
		Executable: workerExec,
		Args:       []string{rc.PolicyRef, rc.RunID, "-l", rc.LogLevel},
		Count:      rc.GroupSize,
	}

	logger := log.WithComponent("group").With("run_id", rc.RunID)

	handle, err := ch.Spawn(ctx, spec)
	if err != nil {
		return nil, err
	}

	logger.Info("worker group active", "size", rc.GroupSize)
	return &Group{
		size:   rc.GroupSize,
		handle: handle,
		logger: logger,
		state:  StateActive,
	}, nil
}

// Size returns the number of workers in the group.
func (g *Group) Size() int { return g.size }

// State returns the current lifecycle state.
func (g *Group) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// SendCommand encodes and broadcasts cmd, then waits on the group barrier for
// commands that require completion acknowledgment (PROCESS, SYNC). CONTINUE
// and SHUTDOWN are broadcast-only.
func (g *Group) SendCommand(ctx context.Context, cmd command.Command) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != StateActive {
		return fmt.Errorf("send %s: group is %s", cmd, g.state)
	}
	return g.sendLocked(ctx, cmd)
}

func (g *Group) sendLocked(ctx context.Context, cmd command.Command) error {
	var buf bytes.Buffer
	if err := command.Encode(&buf, cmd); err != nil {
		return fmt.Errorf("encode %s: %w", cmd, err)
	}

	g.logger.Debug("broadcasting command", "command", cmd.String())
	if err := g.handle.Broadcast(ctx, buf.Bytes()); err != nil {
		return err
	}

	if cmd.RequiresBarrier() {
		g.logger.Debug("waiting on barrier", "command", cmd.String())
		if err := g.handle.Barrier(ctx); err != nil {
			return err
		}
		g.logger.Debug("barrier released", "command", cmd.String())
	}
	return nil
}

// Close issues SHUTDOWN if the group is still active, then tears it down.
// The shutdown broadcast is best-effort: a failure is logged, never retried.
// Idempotent; a second call is a no-op and does not re-broadcast SHUTDOWN.
func (g *Group) Close(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == StateTerminated {
		return
	}

	if g.state == StateActive {
		g.state = StateShuttingDown
		if err := g.sendLocked(ctx, command.Shutdown()); err != nil {
			g.logger.Error("best-effort shutdown broadcast failed", "error", err)
		}
	}

	g.handle.Teardown()
	g.state = StateTerminated
	g.logger.Info("worker group terminated")
}

// Abort tears the group down without attempting a SHUTDOWN broadcast. Used
// when the failure in hand is itself a communication failure, so another
// broadcast could only block or fail again. Idempotent.
func (g *Group) Abort() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == StateTerminated {
		return
	}
	g.state = StateShuttingDown
	g.handle.Teardown()
	g.state = StateTerminated
	g.logger.Info("worker group aborted")
}
