package channel

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/mattjoyce/lockstep/internal/command"
)

// echoWorker decodes commands and arrives at barriers, mirroring the real
// worker loop.
func echoWorker(processed *atomic.Int64) MemWorker {
	return func(ctx context.Context, rank int, ep *MemEndpoint) {
		for payload := range ep.Commands {
			cmd, err := command.Decode(bytes.NewReader(payload))
			if err != nil {
				return
			}
			switch cmd.Kind {
			case command.KindProcess:
				processed.Add(1)
				ep.Arrive()
			case command.KindSync:
				ep.Arrive()
			case command.KindContinue:
				// keep looping
			case command.KindShutdown:
				return
			}
		}
	}
}

func encodeCmd(t *testing.T, cmd command.Command) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := command.Encode(&buf, cmd); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return buf.Bytes()
}

func TestMemChannelLockstep(t *testing.T) {
	var processed atomic.Int64
	ch := NewMemChannel(echoWorker(&processed))

	ctx := context.Background()
	h, err := ch.Spawn(ctx, SpawnSpec{Count: 4})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer h.Teardown()

	for i := 0; i < 3; i++ {
		if err := h.Broadcast(ctx, encodeCmd(t, command.Process(i))); err != nil {
			t.Fatalf("Broadcast PROCESS(%d): %v", i, err)
		}
		if err := h.Barrier(ctx); err != nil {
			t.Fatalf("Barrier after PROCESS(%d): %v", i, err)
		}
	}

	if err := h.Broadcast(ctx, encodeCmd(t, command.Shutdown())); err != nil {
		t.Fatalf("Broadcast SHUTDOWN: %v", err)
	}
	h.Teardown()

	if got := processed.Load(); got != 12 {
		t.Errorf("processed = %d, want 12 (3 stages x 4 workers)", got)
	}
}

func TestMemChannelSyncBarrier(t *testing.T) {
	var processed atomic.Int64
	ch := NewMemChannel(echoWorker(&processed))

	ctx := context.Background()
	h, err := ch.Spawn(ctx, SpawnSpec{Count: 2})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer h.Teardown()

	if err := h.Broadcast(ctx, encodeCmd(t, command.Sync())); err != nil {
		t.Fatalf("Broadcast SYNC: %v", err)
	}
	if err := h.Barrier(ctx); err != nil {
		t.Fatalf("Barrier after SYNC: %v", err)
	}

	if err := h.Broadcast(ctx, encodeCmd(t, command.Shutdown())); err != nil {
		t.Fatalf("Broadcast SHUTDOWN: %v", err)
	}
}

func TestMemChannelSpawnErrors(t *testing.T) {
	t.Run("no worker function", func(t *testing.T) {
		ch := NewMemChannel(nil)
		_, err := ch.Spawn(context.Background(), SpawnSpec{Count: 2})
		var serr *SpawnError
		if !errors.As(err, &serr) {
			t.Fatalf("expected *SpawnError, got %v", err)
		}
	})

	t.Run("invalid count", func(t *testing.T) {
		ch := NewMemChannel(func(context.Context, int, *MemEndpoint) {})
		_, err := ch.Spawn(context.Background(), SpawnSpec{Count: 0})
		var serr *SpawnError
		if !errors.As(err, &serr) {
			t.Fatalf("expected *SpawnError, got %v", err)
		}
	})
}

func TestMemChannelBarrierCancellation(t *testing.T) {
	// Workers that never arrive: barrier must stay blocked until the
	// context is cancelled, then surface a CommFailure.
	ch := NewMemChannel(func(ctx context.Context, rank int, ep *MemEndpoint) {
		for range ep.Commands {
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	h, err := ch.Spawn(ctx, SpawnSpec{Count: 2})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer h.Teardown()

	cancel()
	err = h.Barrier(ctx)
	var cerr *CommFailure
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *CommFailure, got %v", err)
	}
	if cerr.Op != "barrier" {
		t.Errorf("CommFailure.Op = %q, want barrier", cerr.Op)
	}
}

func TestMemChannelTeardownIdempotent(t *testing.T) {
	ch := NewMemChannel(func(ctx context.Context, rank int, ep *MemEndpoint) {
		for range ep.Commands {
		}
	})
	h, err := ch.Spawn(context.Background(), SpawnSpec{Count: 2})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	h.Teardown()
	h.Teardown() // must not panic on double close
}
