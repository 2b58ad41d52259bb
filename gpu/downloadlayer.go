package gpu

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kress-vann/glinfer/common"
	"github.com/kress-vann/glinfer/gl"
)

// downloadWaitTimeout is the hard ceiling on a download's fence client-wait,
// per spec.md §4.8 ("5s max").
const downloadWaitTimeout = 5 * time.Second

// downloadHandle pairs the two operations a DownloadLayer needs to perform
// against an in-flight worker without naming its unexported type: blocking
// until its task completes, and returning it to the async pool.
type downloadHandle struct {
	wait    func()
	release func()
}

// DownloadLayer reads one or more input textures back into a CPU-side
// output buffer, either synchronously (Forward) or through a pooled read
// PBO, a fence, and a worker goroutine (AsyncForward), per spec.md §4.8.
type DownloadLayer struct {
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

	mu            sync.Mutex
	inputTextures []gl.TextureHandle
	output        []byte
	outputBound   bool
	threads       map[uint64]downloadHandle
	failures      map[uint64]error
}

// DownloadLayerOption is a functional option for configuring a
// DownloadLayer, mirroring UploadLayerOption.
type DownloadLayerOption func(*DownloadLayer)

// WithDownloadPadding sets the border padding on all four sides of a
// shallow-encoded download's input texture(s). The staging PBO and the CPU
// output both cover the padded (width+2p)x(height+2p) area, border
// included. Values <= 0 leave the default (no padding) in place.
func WithDownloadPadding(p int) DownloadLayerOption {
	return func(l *DownloadLayer) {
		l.padding = common.Coalesce(max(p, 0), l.padding)
	}
}

// WithDownloadAsync switches the layer into asynchronous mode (AsyncForward
// instead of Forward), invoking cb at the two-phase callback points of
// spec.md §4.8.
func WithDownloadAsync(cb UserCallback) DownloadLayerOption {
	return func(l *DownloadLayer) {
		l.async = true
		l.userCallback = cb
	}
}

// NewDownloadLayer constructs a shallow-encoded download layer reading a
// (width,height,channels) tensor back to the CPU.
func NewDownloadLayer(name string, mgr *gl.Manager, width, height, channels int, dtype gl.PixelType, opts ...DownloadLayerOption) *DownloadLayer {
	l := &DownloadLayer{
		Name:         name,
		mgr:          mgr,
		width:        width,
		height:       height,
		channels:     channels,
		dataType:     dtype,
		bytesPerChan: gl.BytesPerChannel(dtype),
		threads:      make(map[uint64]downloadHandle),
		failures:     make(map[uint64]error),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewSequenceDownloadLayer constructs a download layer reading back a
// sequence-encoded tensor, restricted at Forward/AsyncForward time to
// state.SeqLength live rows (spec.md §4.8).
func NewSequenceDownloadLayer(name string, mgr *gl.Manager, maxSeqLen, seqPacking, channels int, dtype gl.PixelType, opts ...DownloadLayerOption) *DownloadLayer {
	l := &DownloadLayer{
		Name:         name,
		mgr:          mgr,
		width:        (channels + seqPacking - 1) / seqPacking,
		height:       maxSeqLen,
		channels:     channels,
		dataType:     dtype,
		bytesPerChan: gl.BytesPerChannel(dtype),
		maxSeqLen:    maxSeqLen,
		seqPacking:   seqPacking,
		threads:      make(map[uint64]downloadHandle),
		failures:     make(map[uint64]error),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *DownloadLayer) isSequence() bool { return l.maxSeqLen > 0 }

// Setup records the context this layer issues copy/fence commands against.
// Input textures are wired separately via SetInputTextures once the
// upstream layer's output is known.
func (l *DownloadLayer) Setup(ctx gl.ContextLink) error {
	l.ctx = ctx
	return nil
}

// Cleanup detaches this layer's input wiring. The texture handles belong to
// the upstream layer that produced them, so they are dropped, not released.
func (l *DownloadLayer) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inputTextures = nil
}

// SetInputTextures wires the upstream layer's output texture set as this
// layer's read source, mirroring the upload layer's addOutputTexture.
func (l *DownloadLayer) SetInputTextures(textures []gl.TextureHandle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inputTextures = textures
}

// SetCPUOutputBuffer attaches the destination buffer for the next
// Forward/AsyncForward. Only one output buffer is supported on this port: a
// second call returns ErrDuplicateOutput rather than silently replacing the
// first binding. Callers that legitimately need to swap the buffer (e.g.
// multi-buffering across overlapping async downloads) must use
// UpdateOutputBuffer instead.
func (l *DownloadLayer) SetCPUOutputBuffer(buf []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.outputBound {
		return fmt.Errorf("gpu: download layer %q: %w", l.Name, ErrDuplicateOutput)
	}
	l.output = buf
	l.outputBound = true
	return nil
}

// UpdateOutputBuffer swaps in a new destination buffer, used by callers
// multi-buffering their CPU-side output across overlapping async downloads.
// Unlike SetCPUOutputBuffer it never fails on an already-bound port; there is
// no "first bind" to protect once a buffer is already attached.
func (l *DownloadLayer) UpdateOutputBuffer(buf []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = buf
	l.outputBound = true
}

// RequiredInputBuffers reports the texture shape(s) this layer expects as
// its read source.
func (l *DownloadLayer) RequiredInputBuffers() []BufferSpec {
	count := (l.channels + 3) / 4
	if l.isSequence() {
		count = 1
	}
	result := make([]BufferSpec, 0, count)
	for i := 0; i < count; i++ {
		result = append(result, BufferSpec{
			Index: i, Width: l.width + 2*l.padding, Height: l.height + 2*l.padding,
			Channels: 4, DType: l.dataType, Usage: "download-src", DataOrder: DataOrderHWC,
		})
	}
	return result
}

// RequiredOutputBuffers reports the CPU-side buffer shape this layer
// produces.
func (l *DownloadLayer) RequiredOutputBuffers() []BufferSpec {
	if l.isSequence() {
		return []BufferSpec{{
			Width: l.width * l.seqPacking, Height: l.maxSeqLen, Channels: 1,
			DType: l.dataType, Usage: "download-dst", DataOrder: DataOrderHWC,
		}}
	}
	return []BufferSpec{{
		Width: l.width + 2*l.padding, Height: l.height + 2*l.padding, Channels: l.channels,
		DType: l.dataType, Usage: "download-dst", DataOrder: DataOrderHWC,
	}}
}

// blitChunk records where one input texture's rows live in the staging PBO
// (at the aligned copy stride) and where they belong in the tightly packed
// CPU output buffer.
type blitChunk struct {
	pboOffset int
	dstOffset int
	rowBytes  int
	rowStride int
	rows      int
}

// blitResult carries the per-texture staging layout out of blit so the
// readout (sync or worker) can unpack it.
type blitResult struct {
	chunks    []blitChunk
	tightLen  int // bytes the CPU output buffer must hold
	stagedLen int // bytes the PBO holds, including alignment slack
}

// unpackChunks copies each texture's rows from the mapped staging buffer
// into the tight CPU layout, dropping the per-row alignment slack.
func unpackChunks(dst, mapped []byte, chunks []blitChunk) {
	for _, c := range chunks {
		for r := 0; r < c.rows; r++ {
			copy(dst[c.dstOffset+r*c.rowBytes:c.dstOffset+(r+1)*c.rowBytes],
				mapped[c.pboOffset+r*c.rowStride:])
		}
	}
}

// blit obtains a read PBO sized for the current (padded) viewport and
// issues the texture→buffer copy commands for every input texture, each at
// its own aligned offset so tiles land at distinct staging ranges.
func (l *DownloadLayer) blit(state *SequenceState) (gl.ManagedPBO, blitResult, error) {
	w, h := l.width+2*l.padding, l.height+2*l.padding
	packedChannels := 4 * ((l.channels + 3) / 4)
	if l.isSequence() {
		if state == nil {
			return gl.ManagedPBO{}, blitResult{}, ErrMissingState
		}
		w, h, packedChannels = l.width, state.SeqLength, l.seqPacking
	}

	pbo, err := l.mgr.ReadPBOPool().Get(w, h, packedChannels, l.bytesPerChan)
	if err != nil {
		return gl.ManagedPBO{}, blitResult{}, err
	}

	var res blitResult
	res.chunks = make([]blitChunk, 0, len(l.inputTextures))
	for _, handle := range l.inputTextures {
		tex := handle.Texture()
		rowBytes := w * tex.Channels() * l.bytesPerChan
		rowStride := gl.AlignedBytesPerRow(w, tex.Channels(), l.bytesPerChan)
		res.chunks = append(res.chunks, blitChunk{
			pboOffset: res.stagedLen,
			dstOffset: res.tightLen,
			rowBytes:  rowBytes,
			rowStride: rowStride,
			rows:      h,
		})
		res.tightLen += rowBytes * h
		res.stagedLen += rowStride * h
	}

	// The pool sizes entries for one texture's aligned footprint; a
	// multi-texture download needs room for every tile (grow-only).
	if err := pbo.PBO().PrepareForRead(uint64(res.stagedLen)); err != nil {
		pbo.Release()
		return gl.ManagedPBO{}, blitResult{}, err
	}

	for i, handle := range l.inputTextures {
		tex := handle.Texture()
		if _, err := gl.DownloadToBuffer(l.ctx, tex, pbo.PBO().Buffer(), w, h, uint64(res.chunks[i].pboOffset)); err != nil {
			pbo.Release()
			return gl.ManagedPBO{}, blitResult{}, err
		}
	}
	return pbo, res, nil
}

// Forward performs a synchronous download: blit every input texture into a
// read PBO, fence-wait inline, then map and copy the result into the
// attached CPU buffer.
func (l *DownloadLayer) Forward(seq uint64, state *SequenceState) error {
	if l.async {
		return fmt.Errorf("gpu: download layer %q is async, use AsyncForward", l.Name)
	}
	l.mu.Lock()
	dst := l.output
	l.mu.Unlock()
	if dst == nil {
		return fmt.Errorf("gpu: download layer %q: %w", l.Name, ErrMissingState)
	}

	pbo, res, err := l.blit(state)
	if err != nil {
		return fmt.Errorf("gpu: download layer %q: %w", l.Name, err)
	}
	defer pbo.Release()

	id, err := l.ctx.IssueSync()
	if err != nil {
		return fmt.Errorf("gpu: download layer %q: %w", l.Name, err)
	}
	defer l.ctx.DeleteSync(id)
	result, err := l.ctx.ClientWaitSync(id, downloadWaitTimeout)
	if err != nil {
		return fmt.Errorf("gpu: download layer %q: %w", l.Name, err)
	}
	if result != gl.WaitSatisfied {
		return fmt.Errorf("gpu: download layer %q: %w", l.Name, ErrDownloadTimeout)
	}

	if res.tightLen > len(dst) {
		return fmt.Errorf("gpu: download layer %q: %w", l.Name, ErrShapeMismatch)
	}
	mapped, err := pbo.PBO().MapRead(uint64(res.stagedLen), 0)
	if err != nil {
		return fmt.Errorf("gpu: download layer %q: %w", l.Name, err)
	}
	unpackChunks(dst, mapped, res.chunks)
	pbo.PBO().UnmapRead()
	return nil
}

// AsyncForward blits every input texture into a read PBO, issues a fence
// covering that work, and hands the fence-wait plus readout off to a
// derived-context worker goroutine. Returns once the copy commands and
// fence have been issued, not once the data has landed in the CPU buffer
// (see Wait).
func (l *DownloadLayer) AsyncForward(seq uint64, state *SequenceState, cb EngineCallback) (bool, error) {
	if !l.async {
		return false, fmt.Errorf("gpu: download layer %q is not async", l.Name)
	}
	l.mu.Lock()
	dst := l.output
	l.mu.Unlock()
	if dst == nil {
		return false, fmt.Errorf("gpu: download layer %q: %w", l.Name, ErrMissingState)
	}

	pbo, res, err := l.blit(state)
	if err != nil {
		return false, fmt.Errorf("gpu: download layer %q: %w", l.Name, err)
	}
	pbo.MarkPending()

	id, err := l.ctx.IssueSync()
	if err != nil {
		pbo.SetDrained()
		pbo.Release()
		return false, fmt.Errorf("gpu: download layer %q: %w", l.Name, err)
	}

	worker, err := gl.DefaultAsyncPool().GetDerivedContextThread(l.ctx, downloadWaitTimeout)
	if err != nil {
		l.ctx.DeleteSync(id)
		pbo.SetDrained()
		pbo.Release()
		return false, err
	}

	l.mu.Lock()
	l.threads[seq] = downloadHandle{
		wait:    worker.Wait,
		release: func() { gl.DefaultAsyncPool().Release(worker) },
	}
	l.mu.Unlock()

	worker.SetTask(func() {
		l.readoutTask(seq, id, pbo, res, dst, cb)
	})

	if l.userCallback != nil {
		l.userCallback(DownloadCommenced, seq, nil)
	}
	return true, nil
}

// readoutTask runs on a derived-context worker. Like the upload task, the
// engine callback fires on every exit: a failed readout marks the seq
// failed and lets the engine's sequence progress instead of hanging it.
func (l *DownloadLayer) readoutTask(seq uint64, id gl.SyncID, pbo gl.ManagedPBO, res blitResult, dst []byte, cb EngineCallback) {
	defer l.finishAsync(seq)

	fail := func(err error) {
		pbo.SetDrained()
		pbo.Release()
		l.recordFailure(seq, err)
		if l.userCallback != nil {
			l.userCallback(CallbackError, seq, err)
		}
		cb(seq)
	}

	result, err := l.ctx.ClientWaitSync(id, downloadWaitTimeout)
	l.ctx.DeleteSync(id)
	if err != nil || result != gl.WaitSatisfied {
		if err == nil {
			err = ErrDownloadTimeout
		}
		fail(err)
		return
	}

	if res.tightLen > len(dst) {
		fail(ErrShapeMismatch)
		return
	}

	mapped, err := pbo.PBO().MapRead(uint64(res.stagedLen), 0)
	if err != nil {
		fail(err)
		return
	}
	unpackChunks(dst, mapped, res.chunks)
	pbo.PBO().UnmapRead()
	pbo.SetDrained()
	pbo.Release()

	if l.userCallback != nil {
		l.userCallback(DownloadDone, seq, nil)
	}
	cb(seq)
}

func (l *DownloadLayer) recordFailure(seq uint64, err error) {
	log.Printf("gpu: download layer %q: async readout for seq %d failed: %v", l.Name, seq, err)
	l.mu.Lock()
	l.failures[seq] = err
	l.mu.Unlock()
}

// SeqError reports the asynchronous failure recorded for seq, if any,
// consuming the record: downloads have no Unlock phase, so the engine's
// single read after the callback is the natural clearing point.
func (l *DownloadLayer) SeqError(seq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.failures[seq]
	delete(l.failures, seq)
	return err
}

func (l *DownloadLayer) finishAsync(seq uint64) {
	l.mu.Lock()
	h, ok := l.threads[seq]
	delete(l.threads, seq)
	l.mu.Unlock()
	if ok {
		h.release()
	}
}

// Wait blocks until the async download for seq has finished reading into
// the CPU buffer, or returns immediately if no such download is in flight.
func (l *DownloadLayer) Wait(seq uint64) {
	l.mu.Lock()
	h, ok := l.threads[seq]
	l.mu.Unlock()
	if ok {
		h.wait()
	}
}

// Unlock is a no-op for DownloadLayer: unlike UploadLayer's double-buffered
// texture sets, a download's read PBO is privately owned by its
// readoutTask and never shared with downstream layers, so there is no
// buffer set to release on the caller's behalf.
func (l *DownloadLayer) Unlock(seq uint64) {}

var _ AsyncLayer = (*DownloadLayer)(nil)
