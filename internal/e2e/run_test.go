// End-to-end pipeline tests: a real coordinator driving real worker loops
// over the in-process transport, with the journal and event hub attached.
package e2e

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/lockstep/internal/channel"
	"github.com/mattjoyce/lockstep/internal/coordinator"
	"github.com/mattjoyce/lockstep/internal/events"
	"github.com/mattjoyce/lockstep/internal/journal"
	"github.com/mattjoyce/lockstep/internal/run"
	"github.com/mattjoyce/lockstep/internal/worker"
)

// endpointReader adapts a MemEndpoint's command channel to the byte stream a
// worker loop reads frames from.
type endpointReader struct {
	commands <-chan []byte
	buf      []byte
}

func (r *endpointReader) Read(p []byte) (int, error) {
	if len(r.buf) == 0 {
		frame, ok := <-r.commands
		if !ok {
			return 0, io.EOF
		}
		r.buf = frame
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// endpointWriter turns each written arrival frame into a barrier arrival.
type endpointWriter struct {
	ep      *channel.MemEndpoint
	pending int
}

func (w *endpointWriter) Write(p []byte) (int, error) {
	w.pending += len(p)
	for w.pending >= 8 {
		w.pending -= 8
		w.ep.Arrive()
	}
	return len(p), nil
}

// countingStage records how many times each rank processed it.
type countingStage struct {
	name string
	fail func(rank int) error

	mu    sync.Mutex
	runs  map[int]int
	total int
}

func newCountingStage(name string) *countingStage {
	return &countingStage{name: name, runs: make(map[int]int)}
}

func (s *countingStage) Name() string { return s.name }

func (s *countingStage) Process(ctx context.Context, sc *worker.StageContext) error {
	s.mu.Lock()
	s.runs[sc.Rank]++
	s.total++
	s.mu.Unlock()
	if s.fail != nil {
		return s.fail(sc.Rank)
	}
	return nil
}

func (s *countingStage) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// memWorker runs a full worker loop against a MemEndpoint and records its
// exit error.
func memWorker(rc *run.Context, stages func() []worker.Stage, errs *sync.Map) channel.MemWorker {
	return func(ctx context.Context, rank int, ep *channel.MemEndpoint) {
		w := worker.New(worker.Config{
			RunID:     rc.RunID,
			Rank:      rank,
			GroupSize: rc.GroupSize,
			Stages:    stages(),
			In:        &endpointReader{commands: ep.Commands},
			Out:       &endpointWriter{ep: ep},
		})
		errs.Store(rank, w.Loop(ctx))
	}
}

// exitStatus fetches a worker's recorded exit error. A clean shutdown is
// stored as a nil interface, so the two-value assertion is required here.
func exitStatus(t *testing.T, errs *sync.Map, rank int) error {
	t.Helper()
	v, ok := errs.Load(rank)
	require.True(t, ok, "worker %d never exited", rank)
	err, _ := v.(error)
	return err
}

func testRunContext(groupSize int, stages ...run.Stage) *run.Context {
	return &run.Context{
		RunID:     run.NewRunID(),
		PolicyRef: "e2e.yaml",
		Stages:    stages,
		GroupSize: groupSize,
		LogLevel:  "error",
	}
}

func TestFullPipelineRun(t *testing.T) {
	rc := testRunContext(4,
		run.Stage{Name: "extract"},
		run.Stage{Name: "transform", SyncAfter: true},
		run.Stage{Name: "load"},
	)

	stageSet := []*countingStage{
		newCountingStage("extract"),
		newCountingStage("transform"),
		newCountingStage("load"),
	}
	asStages := func() []worker.Stage {
		out := make([]worker.Stage, len(stageSet))
		for i, s := range stageSet {
			out[i] = s
		}
		return out
	}

	var workerErrs sync.Map
	hub := events.NewHub(64)

	jnl, err := journal.Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer jnl.Close()

	coord := coordinator.New(coordinator.Config{
		RunContext: rc,
		Channel:    channel.NewMemChannel(memWorker(rc, asStages, &workerErrs)),
		Hub:        hub,
		Journal:    jnl,
	})

	require.NoError(t, coord.Run(context.Background()))

	status := coord.Status()
	assert.Equal(t, coordinator.StateTerminated, status.State)
	assert.Empty(t, status.Error)

	// Every worker processed every stage exactly once.
	for _, s := range stageSet {
		assert.Equal(t, rc.GroupSize, s.Total(), "stage %s", s.Name())
	}

	// All workers shut down cleanly.
	for rank := 0; rank < rc.GroupSize; rank++ {
		assert.NoError(t, exitStatus(t, &workerErrs, rank), "worker %d", rank)
	}

	// The journal recorded the run and all stage boundaries.
	rec, err := jnl.GetRun(context.Background(), rc.RunID)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusCompleted, rec.Status)
	stageRecs, err := jnl.StageRecords(context.Background(), rc.RunID)
	require.NoError(t, err)
	assert.Len(t, stageRecs, 3)

	// The event stream ends with run completion.
	evs := hub.SnapshotSince(0)
	require.NotEmpty(t, evs)
	assert.Equal(t, events.TypeRunStarted, evs[0].Type)
	assert.Equal(t, events.TypeRunCompleted, evs[len(evs)-1].Type)
}

func TestWorkerStageFailureStaysInLockStep(t *testing.T) {
	rc := testRunContext(3,
		run.Stage{Name: "a"},
		run.Stage{Name: "b"},
	)

	// Rank 1 fails stage "a"; the group must still complete the run and the
	// failure surfaces only in that worker's exit status.
	asStages := func() []worker.Stage {
		a := newCountingStage("a")
		a.fail = func(rank int) error {
			if rank == 1 {
				return assert.AnError
			}
			return nil
		}
		return []worker.Stage{a, newCountingStage("b")}
	}

	var workerErrs sync.Map
	coord := coordinator.New(coordinator.Config{
		RunContext: rc,
		Channel:    channel.NewMemChannel(memWorker(rc, asStages, &workerErrs)),
	})

	require.NoError(t, coord.Run(context.Background()))
	assert.Equal(t, coordinator.StateTerminated, coord.Status().State)

	assert.ErrorIs(t, exitStatus(t, &workerErrs, 1), assert.AnError)
	assert.NoError(t, exitStatus(t, &workerErrs, 0))
}

func TestStopConditionEndsRunEarly(t *testing.T) {
	rc := testRunContext(2,
		run.Stage{Name: "first"},
		run.Stage{Name: "second"},
		run.Stage{Name: "third"},
	)

	first := newCountingStage("first")
	second := newCountingStage("second")
	third := newCountingStage("third")
	asStages := func() []worker.Stage {
		return []worker.Stage{first, second, third}
	}

	var workerErrs sync.Map
	coord := coordinator.New(coordinator.Config{
		RunContext: rc,
		Channel:    channel.NewMemChannel(memWorker(rc, asStages, &workerErrs)),
		StopCondition: func() bool {
			// Request shutdown as soon as one stage has completed.
			return first.Total() == rc.GroupSize
		},
	})

	require.NoError(t, coord.Run(context.Background()))

	assert.Equal(t, rc.GroupSize, first.Total())
	assert.Zero(t, second.Total())
	assert.Zero(t, third.Total())

	for rank := 0; rank < rc.GroupSize; rank++ {
		assert.NoError(t, exitStatus(t, &workerErrs, rank))
	}
}
