package gpu

import (
	"fmt"
	"sync/atomic"

	"github.com/kress-vann/glinfer/gl"
)

// fencer is implemented by layers (UploadLayer) that hand the engine a
// server-side fence to wait on before the layer's first consumer runs,
// per spec.md §4.7 "Fence barrier (engine side)".
type fencer interface {
	PendingFence(seq uint64) (gl.SyncID, bool)
	ClearFence(seq uint64)
}

// seqFailer is implemented by layers whose worker tasks can fail after
// AsyncForward returned true. The engine consults it once the engine
// callback fires: a recorded failure marks the seq failed and the sequence
// progresses, per spec.md §7.
type seqFailer interface {
	SeqError(seq uint64) error
}

// waiter is implemented by layers (DownloadLayer) whose async work continues
// past the forward pass that launched it; Engine.Wait lets a caller block
// until a specific seq has fully drained across every such layer.
type waiter interface {
	Wait(seq uint64)
}

// entry pairs one registered layer with how the engine should drive it.
type entry struct {
	layer    Layer
	async    AsyncLayer // non-nil iff layer also implements AsyncLayer
	useAsync bool
}

// EngineOption is a functional option for configuring an Engine at
// construction, mirroring the teacher's EngineBuilderOption /
// WindowBuilderOption pattern.
type EngineOption func(*Engine)

// WithLayer registers layer to run in forward order. If async is true and
// layer implements AsyncLayer, the engine drives it through AsyncForward and
// inserts the fence-wait/unlock bookkeeping of spec.md §4.10; otherwise the
// engine calls its synchronous Forward.
func WithLayer(layer Layer, async bool) EngineOption {
	return func(e *Engine) {
		e.addLayer(layer, async)
	}
}

// Engine is the C10 inference engine adaptor: it drives one forward pass by
// invoking registered layers in topological (registration) order under a
// monotonically increasing sequence number, inserting upload-fence barriers
// between async uploads and their first consumer, per spec.md §4.10.
type Engine struct {
	ctx     gl.ContextLink
	entries []entry

	seqCounter uint64 // atomic
}

// NewEngine constructs an Engine driving layers against ctx, the render
// thread's main context.
func NewEngine(ctx gl.ContextLink, opts ...EngineOption) *Engine {
	e := &Engine{ctx: ctx}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddLayer registers an additional layer after construction, in the same
// style as the teacher's AddScene.
func (e *Engine) AddLayer(layer Layer, async bool) {
	e.addLayer(layer, async)
}

func (e *Engine) addLayer(layer Layer, async bool) {
	async2, _ := layer.(AsyncLayer)
	e.entries = append(e.entries, entry{layer: layer, async: async2, useAsync: async && async2 != nil})
}

// Setup binds the engine's context current on the calling thread and calls
// Setup on every registered layer in registration order.
func (e *Engine) Setup() error {
	if err := e.ctx.MakeCurrent(); err != nil {
		return fmt.Errorf("gpu: engine setup: %w", err)
	}
	for _, en := range e.entries {
		if err := en.layer.Setup(e.ctx); err != nil {
			return fmt.Errorf("gpu: engine setup: %w", err)
		}
	}
	return nil
}

// Cleanup tears down every registered layer in reverse registration order.
func (e *Engine) Cleanup() {
	for i := len(e.entries) - 1; i >= 0; i-- {
		e.entries[i].layer.Cleanup()
	}
}

// Forward drives one full pass: it assigns seq a fresh, strictly monotone
// value, then invokes every registered layer in order. An async-capable
// layer is dispatched through AsyncForward; the engine blocks on that
// layer's engine callback (spec.md §4.10 "ready set"), then — if the layer
// exposes a pending fence (an upload) — issues a server-side WaitSync before
// its immediate next layer runs, and unlocks the upload once that consumer
// has returned. A worker-task failure after dispatch does not abort the
// pass: the layer records it, the engine surfaces it through state.Err, and
// the remaining layers still run. Returns the assigned seq so the caller
// can later call Wait for any download layers still draining asynchronously.
func (e *Engine) Forward(state *SequenceState) (uint64, error) {
	seq := atomic.AddUint64(&e.seqCounter, 1)

	var pendingUnlock AsyncLayer
	for _, en := range e.entries {
		if en.useAsync {
			ready := make(chan struct{})
			ok, err := en.async.AsyncForward(seq, state, func(uint64) { close(ready) })
			if err != nil {
				return seq, fmt.Errorf("gpu: engine forward seq %d: %w", seq, err)
			}
			if !ok {
				return seq, fmt.Errorf("gpu: engine forward seq %d: %w", seq, ErrNoFreeSlot)
			}
			<-ready

			if fl, ok := en.layer.(seqFailer); ok {
				if ferr := fl.SeqError(seq); ferr != nil {
					// The worker task failed after accepting seq: its
					// resources are already released and the user callback
					// has fired. Mark the seq failed and keep the sequence
					// progressing.
					if state != nil {
						state.Err = ferr
					}
					pendingUnlock = en.async
					continue
				}
			}

			if f, ok := en.layer.(fencer); ok {
				if id, has := f.PendingFence(seq); has {
					if err := e.ctx.WaitSync(id); err != nil {
						return seq, fmt.Errorf("gpu: engine forward seq %d: %w", seq, err)
					}
					e.ctx.DeleteSync(id)
					f.ClearFence(seq)
				}
			}
			pendingUnlock = en.async
			continue
		}

		if err := en.layer.Forward(seq, state); err != nil {
			return seq, fmt.Errorf("gpu: engine forward seq %d: %w", seq, err)
		}
		if pendingUnlock != nil {
			pendingUnlock.Unlock(seq)
			pendingUnlock = nil
		}
	}
	if pendingUnlock != nil {
		pendingUnlock.Unlock(seq)
	}
	return seq, nil
}

// Wait blocks until every registered layer capable of trailing asynchronous
// work (download layers) has finished draining seq.
func (e *Engine) Wait(seq uint64) {
	for _, en := range e.entries {
		if w, ok := en.layer.(waiter); ok {
			w.Wait(seq)
		}
	}
}

// LastSeq returns the most recently assigned sequence number, or 0 if no
// forward pass has run yet.
func (e *Engine) LastSeq() uint64 {
	return atomic.LoadUint64(&e.seqCounter)
}
