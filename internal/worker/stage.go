package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/mattjoyce/lockstep/internal/policy"
)

// Stage is one unit of per-worker processing logic. Implementations are
// invoked in stage-list order, once per PROCESS command.
type Stage interface {
	Name() string
	Process(ctx context.Context, sc *StageContext) error
}

// StageContext carries the run coordinates a stage may care about.
type StageContext struct {
	RunID      string
	Rank       int
	GroupSize  int
	StageIndex int
	Logger     *slog.Logger
}

// NoopStage does nothing. It stands in for stages whose processing happens
// elsewhere or that exist only to structure the run.
type NoopStage struct {
	name string
}

func (s *NoopStage) Name() string { return s.name }

func (s *NoopStage) Process(ctx context.Context, sc *StageContext) error {
	sc.Logger.Debug("noop stage", "stage", sc.StageIndex)
	return nil
}

// ExecStage runs a shell command for the stage. Stdout is redirected to
// stderr: a worker's stdout belongs to the barrier protocol.
type ExecStage struct {
	name   string
	script string
}

func (s *ExecStage) Name() string { return s.name }

func (s *ExecStage) Process(ctx context.Context, sc *StageContext) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", s.script)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("LOCKSTEP_RUN_ID=%s", sc.RunID),
		fmt.Sprintf("LOCKSTEP_RANK=%d", sc.Rank),
		fmt.Sprintf("LOCKSTEP_GROUP_SIZE=%d", sc.GroupSize),
		fmt.Sprintf("LOCKSTEP_STAGE=%d", sc.StageIndex),
	)

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("stage %q exec: %w", s.name, err)
	}
	return nil
}

// StagesFromPolicy materializes the worker-side stage list from policy
// configuration, preserving order.
func StagesFromPolicy(p *policy.Policy) []Stage {
	out := make([]Stage, len(p.Stages))
	for i, sc := range p.Stages {
		if sc.Exec != "" {
			out[i] = &ExecStage{name: sc.Name, script: sc.Exec}
		} else {
			out[i] = &NoopStage{name: sc.Name}
		}
	}
	return out
}
