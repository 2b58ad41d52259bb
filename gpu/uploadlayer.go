package gpu

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kress-vann/glinfer/common"
	"github.com/kress-vann/glinfer/gl"
)

// asyncBuffers is the number of in-flight upload slots an asynchronous
// upload layer keeps, per spec.md §4.7 ASYNC_BUFFERS.
const asyncBuffers = 2

// uploadDispenseTimeout bounds how long AsyncForward's derived-context
// dispense will wait before giving up when the async pool is saturated.
const uploadDispenseTimeout = 5 * time.Second

// UploadLayer streams a CPU-side input buffer into the output texture(s) a
// downstream layer consumes, either synchronously (Forward) or through a
// pooled PBO and a worker goroutine (AsyncForward), per spec.md §4.7.
type UploadLayer struct {
	Name string

	ctx gl.ContextLink
	mgr *gl.Manager

	width, height, channels int
	dataType                gl.PixelType
	bytesPerChan            int
	padding                 int

	maxSeqLen  int
	seqPacking int

	async        bool
	userCallback UserCallback

	mu       sync.Mutex
	input    []byte
	locked   int
	inFlight [asyncBuffers]uint64
	failures map[uint64]error

	primary []gl.TextureHandle
	shadow  []gl.TextureHandle

	fences map[uint64]gl.SyncID
}

// UploadLayerOption is a functional option for configuring an UploadLayer,
// mirroring the teacher's EngineBuilderOption/WindowBuilderOption pattern.
type UploadLayerOption func(*UploadLayer)

// WithUploadPadding sets the border padding applied on all four sides of a
// shallow-encoded upload's output texture(s). Values <= 0 leave the default
// (no padding) in place, resolved via common.Coalesce the way the teacher's
// With* options fall back to a zero-value default.
func WithUploadPadding(p int) UploadLayerOption {
	return func(l *UploadLayer) {
		l.padding = common.Coalesce(max(p, 0), l.padding)
	}
}

// WithUploadAsync switches the layer into asynchronous mode (AsyncForward
// instead of Forward), invoking cb at the two-phase callback points of
// spec.md §4.7.
func WithUploadAsync(cb UserCallback) UploadLayerOption {
	return func(l *UploadLayer) {
		l.async = true
		l.userCallback = cb
	}
}

// NewUploadLayer constructs a shallow-encoded upload layer for a
// (width,height,channels) tensor.
func NewUploadLayer(name string, mgr *gl.Manager, width, height, channels int, dtype gl.PixelType, opts ...UploadLayerOption) *UploadLayer {
	l := &UploadLayer{
		Name:         name,
		mgr:          mgr,
		width:        width,
		height:       height,
		channels:     channels,
		dataType:     dtype,
		bytesPerChan: gl.BytesPerChannel(dtype),
		fences:       make(map[uint64]gl.SyncID),
		failures:     make(map[uint64]error),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewSequenceUploadLayer constructs an upload layer targeting the
// sequence-encoded texture layout of spec.md §4.8: k channels packed per
// texel, one texture row per token, up to maxSeqLen rows.
func NewSequenceUploadLayer(name string, mgr *gl.Manager, maxSeqLen, seqPacking, channels int, dtype gl.PixelType, opts ...UploadLayerOption) *UploadLayer {
	l := &UploadLayer{
		Name:         name,
		mgr:          mgr,
		width:        (channels + seqPacking - 1) / seqPacking,
		height:       maxSeqLen,
		channels:     channels,
		dataType:     dtype,
		bytesPerChan: gl.BytesPerChannel(dtype),
		maxSeqLen:    maxSeqLen,
		seqPacking:   seqPacking,
		fences:       make(map[uint64]gl.SyncID),
		failures:     make(map[uint64]error),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *UploadLayer) isSequence() bool { return l.maxSeqLen > 0 }

// Setup obtains (and locks, so they survive texture pool GC) this layer's
// output texture set(s) from the manager's texture pool, including the
// shadow set used for double-buffered async uploads.
func (l *UploadLayer) Setup(ctx gl.ContextLink) error {
	l.ctx = ctx
	pool := l.mgr.TexturePool()

	texCount := 1
	packing := 4
	if l.isSequence() {
		packing = l.seqPacking
	} else {
		texCount = (l.channels + 3) / 4
	}

	primary := make([]gl.TextureHandle, 0, texCount)
	for i := 0; i < texCount; i++ {
		chans := packing
		if !l.isSequence() {
			rem := l.channels - i*4
			if rem < 4 {
				chans = rem
			}
		}
		h, err := pool.Obtain(l.width+2*l.padding, l.height+2*l.padding, chans, l.dataType, true)
		if err != nil {
			return fmt.Errorf("gpu: upload layer %q setup: %w", l.Name, err)
		}
		primary = append(primary, h)
	}
	l.primary = primary

	if l.async {
		shadow := make([]gl.TextureHandle, 0, texCount)
		for i := 0; i < texCount; i++ {
			chans := packing
			if !l.isSequence() {
				rem := l.channels - i*4
				if rem < 4 {
					chans = rem
				}
			}
			h, err := pool.Obtain(l.width+2*l.padding, l.height+2*l.padding, chans, l.dataType, true)
			if err != nil {
				return fmt.Errorf("gpu: upload layer %q setup shadow: %w", l.Name, err)
			}
			shadow = append(shadow, h)
		}
		l.shadow = shadow
	}
	return nil
}

// Cleanup releases this layer's texture handles back to the pool.
func (l *UploadLayer) Cleanup() {
	for _, h := range l.primary {
		l.mgr.TexturePool().Unlock(h)
		h.Release()
	}
	for _, h := range l.shadow {
		l.mgr.TexturePool().Unlock(h)
		h.Release()
	}
	l.primary, l.shadow = nil, nil
}

// SetCPUInputBuffer attaches the source buffer this layer uploads on the
// next Forward/AsyncForward. The caller must not reuse buf until the
// corresponding UploadDone callback (async) or Forward return (sync).
func (l *UploadLayer) SetCPUInputBuffer(buf []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.input = buf
}

// RequiredInputBuffers reports the CPU-side buffer shape this layer expects.
func (l *UploadLayer) RequiredInputBuffers() []BufferSpec {
	return []BufferSpec{{
		Width: l.width + 2*l.padding, Height: l.height + 2*l.padding,
		Channels: l.channels, DType: l.dataType, Usage: "upload-src", DataOrder: DataOrderHWC,
	}}
}

// RequiredOutputBuffers reports the texture shape(s) downstream layers must
// bind against.
func (l *UploadLayer) RequiredOutputBuffers() []BufferSpec {
	if l.isSequence() {
		return []BufferSpec{{
			Width: l.width, Height: l.height, Channels: l.channels,
			DType: l.dataType, Usage: "upload-dst", DataOrder: DataOrderHWC,
		}}
	}
	result := make([]BufferSpec, 0, len(l.primary))
	for i := range l.primary {
		chans := 4
		rem := l.channels - i*4
		if rem < 4 {
			chans = rem
		}
		result = append(result, BufferSpec{
			Index: i, Width: l.width + 2*l.padding, Height: l.height + 2*l.padding,
			Channels: chans, DType: l.dataType, Usage: "upload-dst", DataOrder: DataOrderHWC,
		})
	}
	return result
}

// Forward performs a synchronous upload: map the input buffer and issue a
// direct GPU write against every output texture. Async layers must use
// AsyncForward instead.
func (l *UploadLayer) Forward(seq uint64, state *SequenceState) error {
	if l.async {
		return fmt.Errorf("gpu: upload layer %q is async, use AsyncForward", l.Name)
	}
	l.mu.Lock()
	src := l.input
	l.mu.Unlock()
	if src == nil {
		return fmt.Errorf("gpu: upload layer %q: %w", l.Name, ErrMissingState)
	}

	w, h := l.width+2*l.padding, l.height+2*l.padding
	if l.isSequence() {
		if state == nil {
			return ErrMissingState
		}
		w, h = l.width, state.SeqLength
	}

	offset := 0
	for _, handle := range l.primary {
		tex := handle.Texture()
		size := w * h * tex.Channels() * l.bytesPerChan
		if offset+size > len(src) {
			return fmt.Errorf("gpu: upload layer %q: %w", l.Name, ErrShapeMismatch)
		}
		if err := gl.WriteTextureDirect(l.ctx, tex, src[offset:offset+size], w, h); err != nil {
			return err
		}
		offset += size
	}
	return nil
}

// AsyncForward dispatches a worker-goroutine upload for seq through a
// pooled write PBO, returning immediately. The engine callback fires once
// every output texture in the chosen buffer set has been written to the
// command queue. Returns (false, ErrNoFreeSlot) when no async slot is
// currently free (spec.md §4.7 "isLocked").
func (l *UploadLayer) AsyncForward(seq uint64, state *SequenceState, cb EngineCallback) (bool, error) {
	if !l.async {
		return false, fmt.Errorf("gpu: upload layer %q is not async", l.Name)
	}
	l.mu.Lock()
	src := l.input
	if src == nil {
		l.mu.Unlock()
		return false, fmt.Errorf("gpu: upload layer %q: %w", l.Name, ErrMissingState)
	}

	slot := -1
	if l.locked < asyncBuffers {
		for i := 0; i < asyncBuffers; i++ {
			if l.inFlight[i] == 0 {
				slot = i
				break
			}
		}
	}
	if slot < 0 {
		l.mu.Unlock()
		return false, ErrNoFreeSlot
	}
	l.inFlight[slot] = seq
	l.locked++
	l.mu.Unlock()

	w, h := l.width+2*l.padding, l.height+2*l.padding
	if l.isSequence() {
		if state == nil {
			l.releaseSlot(slot)
			return false, ErrMissingState
		}
		w, h = l.width, state.SeqLength
	}

	textures := l.primary
	if slot != 0 {
		textures = l.shadow
	}

	worker, err := gl.DefaultAsyncPool().GetDerivedContextThread(l.ctx, uploadDispenseTimeout)
	if err != nil {
		l.releaseSlot(slot)
		return false, err
	}

	worker.SetTask(func() {
		defer gl.DefaultAsyncPool().Release(worker)
		l.asyncUploadTask(seq, worker.Context(), src, w, h, textures, cb)
	})

	if l.userCallback != nil {
		l.userCallback(UploadCommenced, seq, nil)
	}
	return true, nil
}

// asyncUploadTask runs on a derived-context worker. It first stages every
// chunk of src into its own write PBO, row by row at the aligned copy
// stride — once this loop finishes the caller's input buffer is free to
// reuse, so UploadDone fires here — and only then issues the PBO→texture
// GPU copies, a fence covering them, and the engine callback (spec.md §4.7,
// §4.10 fence barrier). All GPU commands go through workerCtx, the derived
// context current on this goroutine; the fence it issues is waitable from
// the render thread because fences are shared across a sharing group.
//
// The engine callback fires on every exit, success or failure: the engine
// is blocked on it, and a worker-task error must mark the seq failed and
// let the sequence progress rather than hang the forward pass (spec.md §7).
func (l *UploadLayer) asyncUploadTask(seq uint64, workerCtx gl.ContextLink, src []byte, w, h int, textures []gl.TextureHandle, cb EngineCallback) {
	type stagedChunk struct {
		pbo       gl.ManagedPBO
		tex       *gl.Texture
		rowBytes  int
		rowStride int
	}

	chunks := make([]stagedChunk, 0, len(textures))
	offset := 0
	fail := func(err error) {
		for _, c := range chunks {
			c.pbo.SetDrained()
			c.pbo.Release()
		}
		l.recordFailure(seq, err)
		if l.userCallback != nil {
			l.userCallback(CallbackError, seq, err)
		}
		cb(seq)
	}

	for _, handle := range textures {
		tex := handle.Texture()
		rowBytes := w * tex.Channels() * l.bytesPerChan
		rowStride := gl.AlignedBytesPerRow(w, tex.Channels(), l.bytesPerChan)
		size := rowBytes * h
		if offset+size > len(src) {
			fail(ErrShapeMismatch)
			return
		}

		pbo, err := l.mgr.WritePBOPool().Get(w, h, tex.Channels(), l.bytesPerChan)
		if err != nil {
			fail(err)
			return
		}
		pbo.MarkPending()

		mapped, err := pbo.PBO().MapWrite(uint64(rowStride*h), 0, true)
		if err != nil {
			pbo.SetDrained()
			pbo.Release()
			fail(err)
			return
		}
		for r := 0; r < h; r++ {
			copy(mapped[r*rowStride:r*rowStride+rowBytes], src[offset+r*rowBytes:])
		}
		pbo.PBO().UnmapWrite()

		chunks = append(chunks, stagedChunk{pbo: pbo, tex: tex, rowBytes: rowBytes, rowStride: rowStride})
		offset += size
	}

	if l.userCallback != nil {
		l.userCallback(UploadDone, seq, nil)
	}

	for i, c := range chunks {
		if err := gl.UploadFromBuffer(workerCtx, c.tex, c.pbo.PBO().Buffer(), w, h); err != nil {
			for _, rest := range chunks[i:] {
				rest.pbo.SetDrained()
				rest.pbo.Release()
			}
			l.recordFailure(seq, err)
			if l.userCallback != nil {
				l.userCallback(CallbackError, seq, err)
			}
			cb(seq)
			return
		}
		c.pbo.SetDrained()
		c.pbo.Release()
	}

	id, err := workerCtx.IssueSync()
	if err != nil {
		l.recordFailure(seq, err)
		if l.userCallback != nil {
			l.userCallback(CallbackError, seq, err)
		}
		cb(seq)
		return
	}
	l.mu.Lock()
	l.fences[seq] = id
	l.mu.Unlock()

	cb(seq)
}

func (l *UploadLayer) recordFailure(seq uint64, err error) {
	log.Printf("gpu: upload layer %q: async task for seq %d failed: %v", l.Name, seq, err)
	l.mu.Lock()
	l.failures[seq] = err
	l.mu.Unlock()
}

// SeqError reports the asynchronous failure recorded for seq, if any. The
// engine consults it after the engine callback fires to decide whether the
// seq's textures are usable; the record is cleared on Unlock.
func (l *UploadLayer) SeqError(seq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures[seq]
}

func (l *UploadLayer) releaseSlot(slot int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inFlight[slot] = 0
	l.locked--
}

// Unlock marks the buffer set used by seq as free for reuse, per spec.md
// §4.7. Must be called only after every downstream consumer of that set has
// finished reading it.
func (l *UploadLayer) Unlock(seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failures, seq)
	for i := 0; i < asyncBuffers; i++ {
		if l.inFlight[i] == seq {
			l.inFlight[i] = 0
			l.locked--
			return
		}
	}
}

// OutputTextures returns the layer's primary output texture set, the one a
// synchronous Forward writes. Async consumers must use SwapOutputTextures
// instead, which resolves the set belonging to a specific seq.
func (l *UploadLayer) OutputTextures() []gl.TextureHandle {
	return l.primary
}

// SwapOutputTextures returns the texture set that was written for seq: the
// primary set if seq occupies slot 0, the shadow set otherwise.
func (l *UploadLayer) SwapOutputTextures(seq uint64) []gl.TextureHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight[0] == seq {
		return l.primary
	}
	return l.shadow
}

// PendingFence returns the fence id the async worker for seq issued once its
// texture uploads landed on the queue, for the engine to consume as a
// server-side wait barrier before seq's first consumer runs (spec.md §4.10).
func (l *UploadLayer) PendingFence(seq uint64) (gl.SyncID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.fences[seq]
	return id, ok
}

// ClearFence drops the recorded fence for seq once the engine has consumed
// it. The underlying sync object itself is released by the engine via
// DeleteSync after its WaitSync barrier executes.
func (l *UploadLayer) ClearFence(seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.fences, seq)
}

var _ AsyncLayer = (*UploadLayer)(nil)
