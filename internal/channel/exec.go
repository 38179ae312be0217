package channel

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/lockstep/internal/command"
	"github.com/mattjoyce/lockstep/internal/log"
)

const (
	// Rank and group size are carried in the environment so every member
	// can be launched with an identical command line.
	EnvRank      = "LOCKSTEP_RANK"
	EnvGroupSize = "LOCKSTEP_GROUP_SIZE"

	// terminationGracePeriod is the time we wait after SIGTERM before SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// ExecChannel spawns worker groups as local subprocesses. Each member reads
// its command stream on stdin and writes barrier-arrival frames on stdout;
// stderr passes through so worker logs land next to the coordinator's.
type ExecChannel struct {
	logger *slog.Logger
	grace  time.Duration
}

// NewExecChannel creates a subprocess-backed channel.
func NewExecChannel() *ExecChannel {
	return &ExecChannel{
		logger: log.WithComponent("channel"),
		grace:  terminationGracePeriod,
	}
}

type execMember struct {
	rank   int
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *bufio.Reader
}

type execHandle struct {
	members []*execMember
	logger  *slog.Logger
	grace   time.Duration

	teardownOnce sync.Once
}

// Spawn launches spec.Count workers. If any member fails to start, the ones
// already started are terminated and a SpawnError is returned.
func (c *ExecChannel) Spawn(ctx context.Context, spec SpawnSpec) (Handle, error) {
	if spec.Count < 1 {
		return nil, &SpawnError{Requested: spec.Count, Err: fmt.Errorf("invalid worker count")}
	}
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Requested: spec.Count, Err: err}
	}

	h := &execHandle{logger: c.logger, grace: c.grace}

	for rank := 0; rank < spec.Count; rank++ {
		m, err := c.startMember(spec, rank)
		if err != nil {
			c.logger.Error("worker spawn failed, rolling back group",
				"rank", rank, "error", err)
			h.Teardown()
			return nil, &SpawnError{Requested: spec.Count, Err: err}
		}
		h.members = append(h.members, m)
	}

	c.logger.Info("worker group spawned",
		"count", spec.Count, "executable", spec.Executable)
	return h, nil
}

func (c *ExecChannel) startMember(spec SpawnSpec, rank int) (*execMember, error) {
	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Env = append(cmd.Env,
		fmt.Sprintf("%s=%d", EnvRank, rank),
		fmt.Sprintf("%s=%d", EnvGroupSize, spec.Count),
	)
	cmd.Stderr = os.Stderr

	// An os.Pipe rather than StdinPipe: the write side must survive the
	// exec.Cmd and stay open across the whole run.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("rank %d: stdin pipe: %w", rank, err)
	}
	cmd.Stdin = stdinR

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("rank %d: stdout pipe: %w", rank, err)
	}

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("rank %d: start: %w", rank, err)
	}
	stdinR.Close()

	c.logger.Debug("worker started", "rank", rank, "pid", cmd.Process.Pid)

	return &execMember{
		rank:   rank,
		cmd:    cmd,
		stdin:  stdinW,
		stdout: bufio.NewReader(stdout),
	}, nil
}

// Broadcast writes payload to every member's stdin.
func (h *execHandle) Broadcast(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return &CommFailure{Op: "broadcast", Err: err}
	}
	for _, m := range h.members {
		if _, err := m.stdin.Write(payload); err != nil {
			return &CommFailure{Op: "broadcast", Err: fmt.Errorf("rank %d: %w", m.rank, err)}
		}
	}
	return nil
}

// Barrier reads one arrival frame from every member. A member that exits or
// writes anything else fails the whole barrier.
func (h *execHandle) Barrier(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &CommFailure{Op: "barrier", Err: err}
	}
	for _, m := range h.members {
		if err := command.DecodeArrival(m.stdout); err != nil {
			return &CommFailure{Op: "barrier", Err: fmt.Errorf("rank %d: %w", m.rank, err)}
		}
	}
	return nil
}

// Teardown closes every member's stdin and escalates through SIGTERM and
// SIGKILL for members that do not exit within the grace period.
func (h *execHandle) Teardown() {
	h.teardownOnce.Do(func() {
		var wg sync.WaitGroup
		for _, m := range h.members {
			wg.Add(1)
			go func(m *execMember) {
				defer wg.Done()
				h.reap(m)
			}(m)
		}
		wg.Wait()
	})
}

func (h *execHandle) reap(m *execMember) {
	_ = m.stdin.Close()

	done := make(chan error, 1)
	go func() {
		done <- m.cmd.Wait()
	}()

	grace := time.NewTimer(h.grace)
	defer grace.Stop()

	select {
	case err := <-done:
		h.logExit(m, err)
		return
	case <-grace.C:
		h.logger.Warn("worker did not exit, sending SIGTERM", "rank", m.rank)
		if m.cmd.Process != nil {
			_ = m.cmd.Process.Signal(syscall.SIGTERM)
		}
	}

	grace.Reset(h.grace)
	select {
	case err := <-done:
		h.logExit(m, err)
	case <-grace.C:
		h.logger.Warn("worker did not exit after SIGTERM, sending SIGKILL", "rank", m.rank)
		if m.cmd.Process != nil {
			_ = m.cmd.Process.Kill()
		}
		h.logExit(m, <-done)
	}
}

func (h *execHandle) logExit(m *execMember, err error) {
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			h.logger.Warn("worker exited with non-zero status",
				"rank", m.rank, "exit_code", exitErr.ExitCode())
			return
		}
		h.logger.Error("worker wait failed", "rank", m.rank, "error", err)
		return
	}
	h.logger.Debug("worker exited", "rank", m.rank)
}
