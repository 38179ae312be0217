package policy

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/lockstep/internal/run"
)

// Load reads and parses a policy file, applies defaults, and validates it.
func Load(path string) (*Policy, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve policy path %q: %w", path, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("policy file not found: %s\n"+
			"Hint: check the path or pass --policy", absPath)
	}

	p := Defaults()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse policy %s: %w", absPath, err)
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("policy validation failed: %w", err)
	}
	return p, nil
}

// Validate checks the policy for the failures cheapest to catch before any
// process is spawned.
func (p *Policy) Validate() error {
	if p.Run.Workers < 2 {
		return fmt.Errorf("run.workers must be >= 2 (one coordinator plus at least one worker), got %d", p.Run.Workers)
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("policy defines no stages")
	}

	seen := make(map[string]bool, len(p.Stages))
	for i, s := range p.Stages {
		if s.Name == "" {
			return fmt.Errorf("stage %d has no name", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate stage name %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// GroupSize is the worker count: the reserved capacity minus the
// coordinator's own slot.
func (p *Policy) GroupSize() int {
	return p.Run.Workers - 1
}

// RunContext derives the immutable per-run configuration from the policy.
// policyRef is the path workers will load the policy from; runID may be
// empty, in which case a fresh one is generated.
func (p *Policy) RunContext(policyRef, runID string) *run.Context {
	if runID == "" {
		runID = run.NewRunID()
	}

	stages := make([]run.Stage, len(p.Stages))
	for i, s := range p.Stages {
		stages[i] = run.Stage{Name: s.Name, SyncAfter: s.SyncAfter}
	}

	return &run.Context{
		RunID:     runID,
		PolicyRef: policyRef,
		Stages:    stages,
		GroupSize: p.GroupSize(),
		LogLevel:  p.Run.LogLevel,
	}
}
