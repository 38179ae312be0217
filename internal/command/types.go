package command

import "fmt"

// Kind identifies one of the four collective commands a coordinator can
// issue to its worker group.
type Kind int

const (
	KindShutdown Kind = iota
	KindContinue
	KindSync
	KindProcess
)

// Wire tags. Every frame starts with a fixed-width, blank-padded ASCII tag;
// comparison on the receiving side is exact-match.
const (
	TagWidth = 8

	TagShutdown = "SHUTDOWN"
	TagContinue = "CONTINUE"
	TagSync     = "SYNC"
	TagProcess  = "PROCESS"

	// TagArrive is the worker->coordinator half of a barrier: a worker writes
	// this frame when it reaches its rendezvous point.
	TagArrive = "ARRIVE"
)

// Command is an immutable protocol command. Stage is only meaningful for
// KindProcess and holds the zero-based stage index to execute.
type Command struct {
	Kind  Kind
	Stage int
}

// Shutdown returns the SHUTDOWN command: begin orderly worker termination.
func Shutdown() Command { return Command{Kind: KindShutdown} }

// Continue returns the CONTINUE command: no pending shutdown, keep looping.
func Continue() Command { return Command{Kind: KindContinue} }

// Sync returns the SYNC command: perform inter-worker data exchange, then
// rendezvous.
func Sync() Command { return Command{Kind: KindSync} }

// Process returns the PROCESS command for the given stage index.
func Process(stage int) Command { return Command{Kind: KindProcess, Stage: stage} }

// RequiresBarrier reports whether the command must be followed by a
// group-wide barrier before the coordinator may proceed.
func (c Command) RequiresBarrier() bool {
	return c.Kind == KindProcess || c.Kind == KindSync
}

// Tag returns the wire tag for the command kind.
func (c Command) Tag() string {
	switch c.Kind {
	case KindShutdown:
		return TagShutdown
	case KindContinue:
		return TagContinue
	case KindSync:
		return TagSync
	case KindProcess:
		return TagProcess
	default:
		return ""
	}
}

// String renders the command for logs.
func (c Command) String() string {
	if c.Kind == KindProcess {
		return fmt.Sprintf("PROCESS(%d)", c.Stage)
	}
	return c.Tag()
}

// ProtocolError reports an unrecognized wire tag. It is fatal on the
// receiving worker and, by extension, fatal to the whole run.
type ProtocolError struct {
	Tag string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: unrecognized command tag %q", e.Tag)
}
