// Package channel provides the collective communication medium between one
// coordinator and a fixed-size group of workers. The only primitives are
// group-wide broadcast and a group-wide barrier: the protocol has no
// point-to-point addressing, which keeps the coordinator's state space small
// and guarantees lock-step execution.
package channel

import (
	"context"
	"fmt"
)

// SpawnSpec describes the worker group to launch.
type SpawnSpec struct {
	// Executable and Args form the worker bootstrap command line. Every
	// member is launched with the identical command line; rank is carried
	// in the environment.
	Executable string
	Args       []string

	// Count is the number of workers. Spawn is all-or-nothing: a partial
	// group is rolled back and reported as a SpawnError.
	Count int

	// Env holds extra environment entries appended to the parent's.
	Env []string
}

// Handle represents a spawned group as a single addressable collective.
type Handle interface {
	// Broadcast delivers payload to every member. It blocks on delivery
	// only, never on member processing.
	Broadcast(ctx context.Context, payload []byte) error

	// Barrier blocks until every member has reached its corresponding
	// rendezvous point. There is deliberately no timeout: a stalled worker
	// stalls the whole group, and the only escape is external termination.
	Barrier(ctx context.Context) error

	// Teardown releases all coordinator-side resources for the group.
	// Idempotent.
	Teardown()
}

// Channel launches worker groups over some transport.
type Channel interface {
	Spawn(ctx context.Context, spec SpawnSpec) (Handle, error)
}

// SpawnError reports that the group could not be brought to the full
// requested size. There is no degraded-group mode; the caller must not retry.
type SpawnError struct {
	Requested int
	Err       error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %d workers: %v", e.Requested, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// CommFailure reports that a broadcast or barrier did not complete. The
// transport cannot tell one failed member from all, so the failure is always
// group-wide and fatal.
type CommFailure struct {
	Op  string // "broadcast" or "barrier"
	Err error
}

func (e *CommFailure) Error() string {
	return fmt.Sprintf("group %s failed: %v", e.Op, e.Err)
}

func (e *CommFailure) Unwrap() error { return e.Err }
