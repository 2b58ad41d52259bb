package gl

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cogentcore/webgpu/wgpu"
)

// contextImpl is the wgpu-backed implementation of Context. It also serves
// the BackendOffscreen variant: the only difference is whether it owns a
// hiddenSurface (offscreen main contexts do; contexts wrapping an externally
// supplied current context or derived contexts do not need their own
// surface since they share the main's device/queue).
type contextImpl struct {
	mu sync.Mutex

	kind BackendKind

	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	surface  *hiddenSurface

	external bool // wraps a backend context the manager does not own

	main         Context  // self if not derived
	manager      *Manager // owning manager, nil until registered
	deviceID     int
	index        int
	derivedIndex int // -1 if this context is a main

	boundThread atomic.Int64 // goroutine id currently bound, 0 = unbound
	refcount    atomic.Int32

	// Fence state lives on the main context: the whole sharing group submits
	// to one queue, so a fence issued on a derived context (a worker) must be
	// waitable from any other context in the group.
	fenceMu  sync.Mutex
	fences   map[SyncID]wgpu.SubmissionIndex
	nextSync SyncID

	destroyed bool
}

// fenceOwner resolves to the context holding the sharing group's fence map.
func (c *contextImpl) fenceOwner() *contextImpl {
	if m, ok := c.main.(*contextImpl); ok {
		return m
	}
	return c
}

var _ Context = (*contextImpl)(nil)

// newMainWGPUContext constructs a fresh off-screen wgpu context: a hidden
// GLFW window supplies the surface, an adapter/device/queue triple is
// requested from it. This implements spec.md §4.2 create_main_context.
func newMainWGPUContext(deviceID, index int, forceFallbackAdapter bool, makeCurrent bool) (*contextImpl, error) {
	surf, err := newHiddenSurface()
	if err != nil {
		return nil, err
	}

	instance := wgpu.CreateInstance(nil)
	wgpuSurface := instance.CreateSurface(surf.descriptor())

	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		ForceFallbackAdapter: forceFallbackAdapter,
		CompatibleSurface:    wgpuSurface,
	})
	if err != nil {
		surf.destroy()
		return nil, fmt.Errorf("gl: failed to request adapter: %w", err)
	}

	device, err := adapter.RequestDevice(&wgpu.DeviceDescriptor{
		Label: "glinfer main context",
	})
	if err != nil {
		surf.destroy()
		return nil, fmt.Errorf("gl: failed to request device: %w", err)
	}

	c := &contextImpl{
		kind:         BackendOffscreen,
		instance:     instance,
		adapter:      adapter,
		device:       device,
		queue:        device.GetQueue(),
		surface:      surf,
		deviceID:     deviceID,
		index:        index,
		derivedIndex: -1,
		fences:       make(map[SyncID]wgpu.SubmissionIndex),
	}
	c.main = c

	if makeCurrent {
		if err := c.MakeCurrent(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// newDerivedWGPUContext creates a context sharing the parent's device/queue.
// wgpu devices are already safe to issue commands from multiple goroutines
// (the Rust core serializes internally), so "sharing" here means reusing the
// same device/queue handles rather than creating a second logical device —
// the Go-level modeling of spec.md's "derived context" is the refcounted
// ContextLink plumbing and per-worker binding, not a second GPU device.
func newDerivedWGPUContext(parentMain *contextImpl, index, derivedIndex int) *contextImpl {
	c := &contextImpl{
		kind:         parentMain.kind,
		instance:     parentMain.instance,
		adapter:      parentMain.adapter,
		device:       parentMain.device,
		queue:        parentMain.queue,
		deviceID:     parentMain.deviceID,
		index:        index,
		derivedIndex: derivedIndex,
	}
	c.main = parentMain
	return c
}

// wrapExternalWGPUContext wraps a caller-supplied device/queue pair that was
// already current before the manager was asked to look at it. Spec.md §4.2
// create_main_context_from_current.
func wrapExternalWGPUContext(device *wgpu.Device, queue *wgpu.Queue, deviceID, index int) *contextImpl {
	c := &contextImpl{
		kind:         BackendWGPU,
		device:       device,
		queue:        queue,
		external:     true,
		deviceID:     deviceID,
		index:        index,
		derivedIndex: -1,
		fences:       make(map[SyncID]wgpu.SubmissionIndex),
	}
	c.main = c
	c.boundThread.Store(goroutineID())
	return c
}

func (c *contextImpl) MakeCurrent() error {
	if c.external && c.device == nil {
		return ErrContextUnavailable
	}
	c.boundThread.Store(goroutineID())
	return nil
}

func (c *contextImpl) ReleaseCurrent() bool {
	gid := goroutineID()
	return c.boundThread.CompareAndSwap(gid, 0)
}

func (c *contextImpl) IsCurrent() bool {
	return c.boundThread.Load() == goroutineID()
}

// Sync flushes pending GPU commands. For a wgpu context without a pending
// swapchain present, this means polling the device until all submitted work
// completes — equivalent to the source's finish+swap for windowed surfaces.
func (c *contextImpl) Sync() {
	if c.device == nil {
		return
	}
	c.device.Poll(true, nil)
}

func (c *contextImpl) IssueSync() (SyncID, error) {
	if !c.IsCurrent() {
		if DebugBuild {
			return 0, ErrContextMismatch
		}
	}
	c.mu.Lock()
	encoder, err := c.device.CreateCommandEncoder(nil)
	if err != nil {
		c.mu.Unlock()
		return 0, fmt.Errorf("gl: issue_sync: %w", err)
	}
	cmd, err := encoder.Finish(nil)
	encoder.Release()
	if err != nil {
		c.mu.Unlock()
		return 0, fmt.Errorf("gl: issue_sync: %w", err)
	}
	idx := c.queue.Submit(cmd)
	cmd.Release()
	c.mu.Unlock()

	owner := c.fenceOwner()
	owner.fenceMu.Lock()
	owner.nextSync++
	id := owner.nextSync
	owner.fences[id] = idx
	owner.fenceMu.Unlock()
	return id, nil
}

func (c *contextImpl) WaitSync(id SyncID) error {
	if DebugBuild && !c.IsCurrent() {
		return ErrContextMismatch
	}
	// Server-side wait: wgpu's submission ordering on a single queue already
	// orders subsequent submits after the fenced one, so a server-side wait
	// against our own queue is a no-op beyond bookkeeping.
	owner := c.fenceOwner()
	owner.fenceMu.Lock()
	_, ok := owner.fences[id]
	owner.fenceMu.Unlock()
	if !ok {
		return fmt.Errorf("gl: wait_sync: unknown sync id %d", id)
	}
	return nil
}

func (c *contextImpl) ClientWaitSync(id SyncID, timeout time.Duration) (WaitResult, error) {
	owner := c.fenceOwner()
	owner.fenceMu.Lock()
	idx, ok := owner.fences[id]
	owner.fenceMu.Unlock()
	if !ok {
		return WaitError, fmt.Errorf("gl: client_wait_sync: unknown sync id %d", id)
	}

	deadline := time.Now().Add(timeout)
	for {
		done := c.device.Poll(false, &wgpu.WrappedSubmissionIndex{
			Queue:           c.queue,
			SubmissionIndex: idx,
		})
		if done {
			return WaitSatisfied, nil
		}
		if time.Now().After(deadline) {
			return WaitTimeout, nil
		}
		time.Sleep(500 * time.Microsecond)
	}
}

func (c *contextImpl) DeleteSync(id SyncID) {
	owner := c.fenceOwner()
	owner.fenceMu.Lock()
	delete(owner.fences, id)
	owner.fenceMu.Unlock()
}

func (c *contextImpl) IsDerivedFrom(other Context) bool {
	if other == nil {
		return false
	}
	return c.Main() == other.Main()
}

func (c *contextImpl) Main() Context {
	return c.main
}

func (c *contextImpl) DeviceID() int     { return c.deviceID }
func (c *contextImpl) Index() int        { return c.index }
func (c *contextImpl) DerivedIndex() int { return c.derivedIndex }
func (c *contextImpl) External() bool    { return c.external }
func (c *contextImpl) Kind() BackendKind { return c.kind }

func (c *contextImpl) Hash() uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%p:%d:%d", c.device, c.deviceID, c.index)
	return h.Sum64()
}

func (c *contextImpl) addLink() {
	c.refcount.Add(1)
}

func (c *contextImpl) dropLink() int32 {
	v := c.refcount.Add(-1)
	if v < 0 && DebugBuild {
		panic("gl: context link refcount underflow")
	}
	return v
}

func (c *contextImpl) links() int32 {
	return c.refcount.Load()
}

// Device exposes the underlying wgpu.Device for pool and layer
// implementations that need to create buffers/textures directly.
func (c *contextImpl) Device() *wgpu.Device { return c.device }

// Queue exposes the underlying wgpu.Queue.
func (c *contextImpl) Queue() *wgpu.Queue { return c.queue }

// Pool getters resolve to the pools owned by the main context's manager;
// derived contexts delegate to their main.
func (c *contextImpl) ReadPBOPool() *pboPool {
	if m, ok := c.main.(*contextImpl); ok && m.manager != nil {
		return m.manager.ReadPBOPool()
	}
	return nil
}

func (c *contextImpl) WritePBOPool() *pboPool {
	if m, ok := c.main.(*contextImpl); ok && m.manager != nil {
		return m.manager.WritePBOPool()
	}
	return nil
}

func (c *contextImpl) TexturePool() *texturePool {
	if m, ok := c.main.(*contextImpl); ok && m.manager != nil {
		return m.manager.TexturePool()
	}
	return nil
}

func (c *contextImpl) destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.destroyed = true
	if c.external {
		// Externally-wrapped contexts are not destroyed, only unwrapped.
		return
	}
	if c.surface != nil {
		c.surface.destroy()
	}
	if c.device != nil && c.derivedIndex < 0 {
		// Only the main context owns the device; derived contexts share it.
		c.device.Release()
	}
}
