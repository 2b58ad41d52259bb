package gpu

import (
	"errors"
	"testing"

	"github.com/kress-vann/glinfer/gl"
)

// recordingLayer is a fake synchronous Layer that records the order and
// arguments of every call it receives, used to assert Engine.Forward's
// sequencing without any real GPU resource.
type recordingLayer struct {
	name       string
	forwardErr error
	calls      *[]string
}

func (l *recordingLayer) Setup(gl.ContextLink) error { return nil }
func (l *recordingLayer) Cleanup()                   {}
func (l *recordingLayer) Forward(seq uint64, state *SequenceState) error {
	*l.calls = append(*l.calls, l.name)
	return l.forwardErr
}
func (l *recordingLayer) RequiredInputBuffers() []BufferSpec  { return nil }
func (l *recordingLayer) RequiredOutputBuffers() []BufferSpec { return nil }

var _ Layer = (*recordingLayer)(nil)

// recordingAsyncLayer is a fake AsyncLayer that completes synchronously
// (invoking the engine callback immediately) so tests never need a real
// worker pool, matching the other example repos' posture of faking the
// collaborator interface instead of the concrete implementation.
type recordingAsyncLayer struct {
	recordingLayer
	ok           bool
	asyncErr     error
	unlocked     *[]uint64
	fenceID      gl.SyncID
	hasFence     bool
	fenceCleared *[]uint64
}

func (l *recordingAsyncLayer) AsyncForward(seq uint64, state *SequenceState, cb EngineCallback) (bool, error) {
	*l.calls = append(*l.calls, l.name+":async")
	if l.asyncErr != nil {
		return false, l.asyncErr
	}
	if !l.ok {
		return false, nil
	}
	cb(seq)
	return true, nil
}

func (l *recordingAsyncLayer) Unlock(seq uint64) {
	*l.unlocked = append(*l.unlocked, seq)
}

func (l *recordingAsyncLayer) PendingFence(seq uint64) (gl.SyncID, bool) {
	return l.fenceID, l.hasFence
}

func (l *recordingAsyncLayer) ClearFence(seq uint64) {
	*l.fenceCleared = append(*l.fenceCleared, seq)
}

var _ AsyncLayer = (*recordingAsyncLayer)(nil)
var _ fencer = (*recordingAsyncLayer)(nil)

func TestEngineForwardOrdersSyncLayersAndTracksSeq(t *testing.T) {
	var calls []string
	e := NewEngine(gl.ContextLink{},
		WithLayer(&recordingLayer{name: "conv1", calls: &calls}, false),
		WithLayer(&recordingLayer{name: "pool1", calls: &calls}, false),
	)

	seq1, err := e.Forward(&SequenceState{})
	if err != nil {
		t.Fatalf("Forward #1: %v", err)
	}
	seq2, err := e.Forward(&SequenceState{})
	if err != nil {
		t.Fatalf("Forward #2: %v", err)
	}

	if seq1 != 1 || seq2 != 2 {
		t.Fatalf("seq numbers = %d, %d; want strictly increasing starting at 1", seq1, seq2)
	}
	if e.LastSeq() != 2 {
		t.Fatalf("LastSeq() = %d, want 2", e.LastSeq())
	}
	want := []string{"conv1", "pool1", "conv1", "pool1"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls[%d] = %q, want %q", i, calls[i], want[i])
		}
	}
}

func TestEngineForwardPropagatesSyncLayerError(t *testing.T) {
	var calls []string
	boom := errors.New("boom")
	e := NewEngine(gl.ContextLink{},
		WithLayer(&recordingLayer{name: "conv1", calls: &calls, forwardErr: boom}, false),
		WithLayer(&recordingLayer{name: "pool1", calls: &calls}, false),
	)

	if _, err := e.Forward(&SequenceState{}); !errors.Is(err, boom) {
		t.Fatalf("Forward error = %v, want wrapping %v", err, boom)
	}
	if len(calls) != 1 {
		t.Fatalf("calls = %v, want only conv1 to have run", calls)
	}
}

func TestEngineForwardUnlocksAsyncLayerAfterNextConsumerRuns(t *testing.T) {
	var calls []string
	var unlocked []uint64
	upload := &recordingAsyncLayer{
		recordingLayer: recordingLayer{name: "upload", calls: &calls},
		ok:             true,
		unlocked:       &unlocked,
		fenceCleared:   &[]uint64{},
	}
	consumer := &recordingLayer{name: "conv1", calls: &calls}

	e := NewEngine(gl.ContextLink{},
		WithLayer(upload, true),
		WithLayer(consumer, false),
	)

	seq, err := e.Forward(&SequenceState{})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if len(calls) != 2 || calls[0] != "upload:async" || calls[1] != "conv1" {
		t.Fatalf("calls = %v, want [upload:async conv1]", calls)
	}
	if len(unlocked) != 1 || unlocked[0] != seq {
		t.Fatalf("unlocked = %v, want [%d] (unlocked right after the next consumer ran)", unlocked, seq)
	}
}

// failingAsyncLayer accepts the dispatch, then reports a worker-task
// failure through SeqError — the shape of an async upload whose worker
// errored after AsyncForward already returned true.
type failingAsyncLayer struct {
	recordingAsyncLayer
	taskErr error
}

func (l *failingAsyncLayer) SeqError(seq uint64) error { return l.taskErr }

func TestEngineForwardProgressesPastFailedAsyncSeq(t *testing.T) {
	var calls []string
	var unlocked []uint64
	boom := errors.New("worker task failed")
	upload := &failingAsyncLayer{
		recordingAsyncLayer: recordingAsyncLayer{
			recordingLayer: recordingLayer{name: "upload", calls: &calls},
			ok:             true,
			unlocked:       &unlocked,
			hasFence:       true, // must never be consulted for a failed seq
			fenceCleared:   &[]uint64{},
		},
		taskErr: boom,
	}
	consumer := &recordingLayer{name: "conv1", calls: &calls}
	e := NewEngine(gl.ContextLink{}, WithLayer(upload, true), WithLayer(consumer, false))

	state := &SequenceState{}
	seq, err := e.Forward(state)
	if err != nil {
		t.Fatalf("Forward: %v (a worker-task failure must not abort the pass)", err)
	}
	if !errors.Is(state.Err, boom) {
		t.Fatalf("state.Err = %v, want the worker failure %v", state.Err, boom)
	}
	if len(calls) != 2 || calls[1] != "conv1" {
		t.Fatalf("calls = %v, want the consumer to still run after the failed upload", calls)
	}
	if len(unlocked) != 1 || unlocked[0] != seq {
		t.Fatalf("unlocked = %v, want [%d] (failed seq still releases its slot)", unlocked, seq)
	}
	if got := *upload.fenceCleared; len(got) != 0 {
		t.Fatalf("fence cleared for a failed seq: %v (the fence branch must be skipped)", got)
	}
}

func TestEngineForwardReturnsErrNoFreeSlotWhenAsyncForwardDeclines(t *testing.T) {
	var calls []string
	var unlocked []uint64
	upload := &recordingAsyncLayer{
		recordingLayer: recordingLayer{name: "upload", calls: &calls},
		ok:             false,
		unlocked:       &unlocked,
	}
	e := NewEngine(gl.ContextLink{}, WithLayer(upload, true))

	if _, err := e.Forward(&SequenceState{}); !errors.Is(err, ErrNoFreeSlot) {
		t.Fatalf("Forward error = %v, want wrapping ErrNoFreeSlot", err)
	}
}

func TestEngineForwardSkipsFenceWaitWhenNoPendingFence(t *testing.T) {
	var calls []string
	var unlocked []uint64
	var cleared []uint64
	upload := &recordingAsyncLayer{
		recordingLayer: recordingLayer{name: "upload", calls: &calls},
		ok:             true,
		unlocked:       &unlocked,
		hasFence:       false,
		fenceCleared:   &cleared,
	}
	// ctx is the empty link: if the engine tried to WaitSync here it would
	// fail with ErrInvalidContext, so a passing Forward proves the fence
	// branch was skipped because PendingFence reported has=false.
	e := NewEngine(gl.ContextLink{}, WithLayer(upload, true))

	if _, err := e.Forward(&SequenceState{}); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if len(cleared) != 0 {
		t.Fatalf("ClearFence should not run when PendingFence reports no fence, got %v", cleared)
	}
}

func TestEngineAddLayerFallsBackToSyncWhenLayerIsNotAsync(t *testing.T) {
	var calls []string
	e := NewEngine(gl.ContextLink{})
	e.AddLayer(&recordingLayer{name: "conv1", calls: &calls}, true)

	if _, err := e.Forward(&SequenceState{}); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if len(calls) != 1 || calls[0] != "conv1" {
		t.Fatalf("calls = %v, want [conv1] (async=true on a non-AsyncLayer must degrade to sync)", calls)
	}
}
