package channel

import (
	"context"
	"fmt"
	"sync"
)

// MemWorker is the body of an in-process group member. It receives broadcast
// payloads on ep.Commands and reports barrier arrival with ep.Arrive. The
// function returns when the command stream is closed or it decides to stop.
type MemWorker func(ctx context.Context, rank int, ep *MemEndpoint)

// MemEndpoint is one member's view of an in-process group.
type MemEndpoint struct {
	Rank     int
	Commands <-chan []byte

	arrivals chan<- struct{}
}

// Arrive marks this member as having reached the current rendezvous point.
func (ep *MemEndpoint) Arrive() {
	ep.arrivals <- struct{}{}
}

// MemChannel runs the worker group as goroutines connected by Go channels.
// It exists for tests and for embedding the harness without subprocesses;
// semantics mirror ExecChannel, including all-or-nothing spawn.
type MemChannel struct {
	worker MemWorker
}

// NewMemChannel creates an in-process channel whose members run worker.
func NewMemChannel(worker MemWorker) *MemChannel {
	return &MemChannel{worker: worker}
}

type memMember struct {
	commands chan []byte
	arrivals chan struct{}
}

type memHandle struct {
	members []*memMember
	wg      sync.WaitGroup

	teardownOnce sync.Once
}

// Spawn starts spec.Count member goroutines. Executable and Args are ignored
// by this transport.
func (c *MemChannel) Spawn(ctx context.Context, spec SpawnSpec) (Handle, error) {
	if c.worker == nil {
		return nil, &SpawnError{Requested: spec.Count, Err: fmt.Errorf("no worker function configured")}
	}
	if spec.Count < 1 {
		return nil, &SpawnError{Requested: spec.Count, Err: fmt.Errorf("invalid worker count")}
	}
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Requested: spec.Count, Err: err}
	}

	h := &memHandle{}
	for rank := 0; rank < spec.Count; rank++ {
		m := &memMember{
			commands: make(chan []byte, 1),
			arrivals: make(chan struct{}, 1),
		}
		h.members = append(h.members, m)

		ep := &MemEndpoint{
			Rank:     rank,
			Commands: m.commands,
			arrivals: m.arrivals,
		}
		h.wg.Add(1)
		go func(rank int, ep *MemEndpoint) {
			defer h.wg.Done()
			c.worker(ctx, rank, ep)
		}(rank, ep)
	}
	return h, nil
}

// Broadcast delivers a copy of payload to every member.
func (h *memHandle) Broadcast(ctx context.Context, payload []byte) error {
	for _, m := range h.members {
		buf := make([]byte, len(payload))
		copy(buf, payload)
		select {
		case m.commands <- buf:
		case <-ctx.Done():
			return &CommFailure{Op: "broadcast", Err: ctx.Err()}
		}
	}
	return nil
}

// Barrier waits for one arrival from every member.
func (h *memHandle) Barrier(ctx context.Context) error {
	for _, m := range h.members {
		select {
		case <-m.arrivals:
		case <-ctx.Done():
			return &CommFailure{Op: "barrier", Err: ctx.Err()}
		}
	}
	return nil
}

// Teardown closes every member's command stream and waits for the goroutines
// to return.
func (h *memHandle) Teardown() {
	h.teardownOnce.Do(func() {
		for _, m := range h.members {
			close(m.commands)
		}
		h.wg.Wait()
	})
}
