package worker

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/lockstep/internal/command"
)

type recordingStage struct {
	name      string
	processed []int
	err       error
}

func (s *recordingStage) Name() string { return s.name }

func (s *recordingStage) Process(ctx context.Context, sc *StageContext) error {
	s.processed = append(s.processed, sc.StageIndex)
	return s.err
}

// commandStream pre-encodes a coordinator's command sequence.
func commandStream(t *testing.T, cmds ...command.Command) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	for _, cmd := range cmds {
		require.NoError(t, command.Encode(&buf, cmd))
	}
	return &buf
}

func countArrivals(t *testing.T, out *bytes.Buffer) int {
	t.Helper()
	n := 0
	for out.Len() > 0 {
		require.NoError(t, command.DecodeArrival(out))
		n++
	}
	return n
}

func TestLoopLockstep(t *testing.T) {
	a := &recordingStage{name: "a"}
	b := &recordingStage{name: "b"}

	in := commandStream(t,
		command.Process(0),
		command.Continue(),
		command.Process(1),
		command.Sync(),
		command.Shutdown(),
	)
	var out bytes.Buffer

	syncs := 0
	w := New(Config{
		RunID:     "R1",
		Rank:      2,
		GroupSize: 4,
		Stages:    []Stage{a, b},
		Exchange: func(ctx context.Context, rank int) error {
			syncs++
			assert.Equal(t, 2, rank)
			return nil
		},
		In:  in,
		Out: &out,
	})

	require.NoError(t, w.Loop(context.Background()))

	assert.Equal(t, []int{0}, a.processed)
	assert.Equal(t, []int{1}, b.processed)
	assert.Equal(t, 1, syncs)
	// One arrival per barrier-bearing command: PROCESS, PROCESS, SYNC.
	assert.Equal(t, 3, countArrivals(t, &out))
}

func TestLoopUnknownTagIsFatal(t *testing.T) {
	in := bytes.NewBufferString("MYSTERY ")
	var out bytes.Buffer

	w := New(Config{RunID: "R1", Stages: []Stage{&recordingStage{name: "a"}}, In: in, Out: &out})
	err := w.Loop(context.Background())

	var perr *command.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "MYSTERY", perr.Tag)
}

func TestLoopStreamEOFIsFatal(t *testing.T) {
	var in, out bytes.Buffer
	w := New(Config{RunID: "R1", Stages: []Stage{&recordingStage{name: "a"}}, In: &in, Out: &out})
	assert.Error(t, w.Loop(context.Background()))
}

func TestLoopStageFailureStaysInLockstep(t *testing.T) {
	boom := errors.New("boom")
	a := &recordingStage{name: "a", err: boom}
	b := &recordingStage{name: "b"}

	in := commandStream(t,
		command.Process(0),
		command.Continue(),
		command.Process(1),
		command.Shutdown(),
	)
	var out bytes.Buffer

	w := New(Config{RunID: "R1", Stages: []Stage{a, b}, In: in, Out: &out})
	err := w.Loop(context.Background())

	// The failure surfaces at shutdown, not before.
	assert.ErrorIs(t, err, boom)
	// Stage b is skipped after the flagged failure, but both barriers were
	// still answered.
	assert.Empty(t, b.processed)
	assert.Equal(t, 2, countArrivals(t, &out))
}

func TestLoopStageIndexOutOfRange(t *testing.T) {
	in := commandStream(t,
		command.Process(5),
		command.Shutdown(),
	)
	var out bytes.Buffer

	w := New(Config{RunID: "R1", Stages: []Stage{&recordingStage{name: "a"}}, In: in, Out: &out})
	err := w.Loop(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
	assert.Equal(t, 1, countArrivals(t, &out))
}
