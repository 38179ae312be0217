// Package run holds the immutable per-run configuration threaded through the
// coordinator and worker group.
package run

import (
	"fmt"

	"github.com/google/uuid"
)

// Stage is one entry in the ordered stage list. Name is opaque to the
// coordinator; the stage's position in the list is its identity on the wire.
type Stage struct {
	Name string

	// SyncAfter marks the stage boundary as requiring inter-worker data
	// exchange: the coordinator issues SYNC after the stage's PROCESS
	// barrier releases.
	SyncAfter bool
}

// Context is the immutable per-run configuration. Construct it once, validate
// it before any spawning, and treat it as read-only everywhere else.
type Context struct {
	// RunID identifies the run. Opaque pass-through: the harness only
	// forwards it to worker bootstrap and stamps it on logs and journal rows.
	RunID string

	// PolicyRef names the policy the workers should load. Opaque.
	PolicyRef string

	// Stages is the ordered stage list. Stage indices on the wire are
	// positions in this slice.
	Stages []Stage

	// GroupSize is the number of workers. The process-group capacity
	// reserved for the run is GroupSize+1: one slot for the coordinator.
	GroupSize int

	// LogLevel is mirrored to workers via the -l bootstrap flag.
	LogLevel string
}

// ValidationError reports a malformed run context. Cheapest failure to
// detect, so it is always reported before a single worker is spawned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid run context: %s %s", e.Field, e.Reason)
}

// Validate checks the context. A nil return means the run may proceed to
// spawning.
func (c *Context) Validate() error {
	if c.RunID == "" {
		return &ValidationError{Field: "run id", Reason: "is empty"}
	}
	if len(c.Stages) == 0 {
		return &ValidationError{Field: "stage list", Reason: "is empty"}
	}
	if c.GroupSize < 1 {
		return &ValidationError{Field: "group size", Reason: fmt.Sprintf("must be >= 1, got %d", c.GroupSize)}
	}
	for i, s := range c.Stages {
		if s.Name == "" {
			return &ValidationError{Field: "stage list", Reason: fmt.Sprintf("stage %d has no name", i)}
		}
	}
	return nil
}

// UniverseSize is the total process-group capacity for the run: the workers
// plus the coordinator itself.
func (c *Context) UniverseSize() int {
	return c.GroupSize + 1
}

// NewRunID generates a fresh run identifier for callers that do not supply
// their own.
func NewRunID() string {
	return uuid.NewString()
}
