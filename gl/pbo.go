package gl

import (
	"fmt"
	"sync"

	"github.com/cogentcore/webgpu/wgpu"
)

// PBODirection distinguishes buffers sized for GPU→CPU readback from
// buffers sized for CPU→GPU upload; it selects the wgpu usage flags a PBO's
// underlying buffer is created with.
type PBODirection int

const (
	// PBORead backs download-layer staging buffers (MapRead | CopyDst).
	PBORead PBODirection = iota
	// PBOWrite backs upload-layer staging buffers (MapWrite | CopySrc).
	PBOWrite
)

// PBO is a pixel-transfer buffer: a GPU-resident staging buffer used to
// pipeline CPU↔GPU transfers, per spec.md §3/§4.4.
type PBO struct {
	mu sync.Mutex

	ctx       ContextLink
	direction PBODirection

	buf      *wgpu.Buffer
	capacity uint64

	width, height, channels, bytesPerChannel int

	initialized bool
	persistent  bool

	mappedRange []byte
}

func newPBO(ctx ContextLink, direction PBODirection) *PBO {
	return &PBO{ctx: ctx, direction: direction}
}

func (p *PBO) usage() wgpu.BufferUsage {
	if p.direction == PBORead {
		return wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst
	}
	return wgpu.BufferUsageMapWrite | wgpu.BufferUsageCopySrc
}

// prepareFor sizes the underlying buffer to at least size bytes (grow-only;
// smaller requests reuse the existing allocation).
func (p *PBO) prepareFor(size uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized && p.capacity >= size {
		return nil
	}
	device := p.ctx.Context().(*contextImpl).Device()
	if p.buf != nil {
		p.buf.Release()
		p.buf = nil
	}
	buf, err := device.CreateBuffer(&wgpu.BufferDescriptor{
		Label:            "glinfer pbo",
		Size:             size,
		Usage:            p.usage(),
		MappedAtCreation: false,
	})
	if err != nil {
		return fmt.Errorf("gl: pbo prepare: %w", err)
	}
	p.buf = buf
	p.capacity = size
	p.initialized = true
	return nil
}

// PrepareForRead sizes the buffer for a GPU→CPU transfer of size bytes.
func (p *PBO) PrepareForRead(size uint64) error { return p.prepareFor(size) }

// PrepareForWrite sizes the buffer for a CPU→GPU transfer of size bytes.
func (p *PBO) PrepareForWrite(size uint64) error { return p.prepareFor(size) }

// PrepareForPersistentRead sizes the buffer with persistent-mapping storage
// flags. WebGPU has no coherent persistent-mapping primitive equivalent to
// GL_MAP_PERSISTENT_BIT (a mapped buffer may not be used by the GPU), so
// this always fails NotImplemented, matching the EGL/WebGL caveat in
// spec.md §4.4.
func (p *PBO) PrepareForPersistentRead(size uint64) error {
	return ErrNotImplemented
}

// MapRead maps size bytes at offset for CPU reads.
func (p *PBO) MapRead(size, offset uint64) ([]byte, error) {
	if err := p.mapSync(wgpu.MapModeRead, offset, size); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mappedRange = p.buf.GetMappedRange(uint(offset), uint(size))
	return p.mappedRange, nil
}

// MapWrite maps size bytes at offset for CPU writes. synced, when true,
// requests the "invalidate buffer" hint used for streaming uploads (wgpu
// always invalidates write-mapped ranges, so this parameter only documents
// intent here — kept for parity with spec.md's prepare_for_write(..., synced)
// signature).
func (p *PBO) MapWrite(size, offset uint64, synced bool) ([]byte, error) {
	if err := p.mapSync(wgpu.MapModeWrite, offset, size); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mappedRange = p.buf.GetMappedRange(uint(offset), uint(size))
	return p.mappedRange, nil
}

func (p *PBO) mapSync(mode wgpu.MapMode, offset, size uint64) error {
	p.mu.Lock()
	buf := p.buf
	p.mu.Unlock()
	if buf == nil {
		return fmt.Errorf("gl: pbo map: buffer not sized")
	}

	done := make(chan error, 1)
	err := buf.MapAsync(mode, offset, size, func(status wgpu.BufferMapAsyncStatus) {
		if status != wgpu.BufferMapAsyncStatusSuccess {
			done <- fmt.Errorf("gl: pbo map failed: status %v", status)
			return
		}
		done <- nil
	})
	if err != nil {
		return fmt.Errorf("gl: pbo map: %w", err)
	}

	device := p.ctx.Context().(*contextImpl).Device()
	for {
		device.Poll(true, nil)
		select {
		case err := <-done:
			return err
		default:
		}
	}
}

// UnmapRead unmaps a buffer previously mapped with MapRead.
func (p *PBO) UnmapRead() {
	p.unmap()
}

// UnmapWrite unmaps a buffer previously mapped with MapWrite.
func (p *PBO) UnmapWrite() {
	p.unmap()
}

func (p *PBO) unmap() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buf != nil {
		p.buf.Unmap()
	}
	p.mappedRange = nil
}

// FlushForRead issues a client-mapped-buffer memory barrier. wgpu's MapAsync
// callback already guarantees visibility once invoked, so this is a no-op
// retained only so callers written against the spec's explicit-flush model
// compile unchanged against a backend that needs one.
func (p *PBO) FlushForRead() {}

// SetBufferData performs a one-shot upload via the queue's buffer-subdata
// path, bypassing the map/unmap dance for small, infrequent transfers.
func (p *PBO) SetBufferData(src []byte, usage wgpu.BufferUsage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	device := p.ctx.Context().(*contextImpl).Device()
	queue := p.ctx.Context().(*contextImpl).Queue()
	if p.buf == nil || p.capacity < uint64(len(src)) {
		buf, err := device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: "glinfer pbo",
			Size:  uint64(len(src)),
			Usage: usage | wgpu.BufferUsageCopyDst,
		})
		if err != nil {
			return fmt.Errorf("gl: pbo set_buffer_data: %w", err)
		}
		if p.buf != nil {
			p.buf.Release()
		}
		p.buf = buf
		p.capacity = uint64(len(src))
		p.initialized = true
	}
	queue.WriteBuffer(p.buf, 0, src)
	return nil
}

// Buffer exposes the backing wgpu.Buffer for collaborators issuing copy
// commands (upload/download layers copying to/from textures).
func (p *PBO) Buffer() *wgpu.Buffer { return p.buf }

// Capacity reports the current buffer size in bytes.
func (p *PBO) Capacity() uint64 { return p.capacity }

// Dims reports the logical (width, height, channels, bytesPerChannel) this
// PBO was last sized for.
func (p *PBO) Dims() (w, h, c, bpc int) {
	return p.width, p.height, p.channels, p.bytesPerChannel
}

// SetDims records the logical dimensions a pool match is keyed on.
func (p *PBO) SetDims(w, h, c, bpc int) {
	p.width, p.height, p.channels, p.bytesPerChannel = w, h, c, bpc
}

func (p *PBO) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buf != nil {
		p.buf.Release()
		p.buf = nil
	}
	p.initialized = false
}
