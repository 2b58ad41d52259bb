// Package gl implements the GPU execution substrate: backend-agnostic
// graphics contexts, the context manager and refcounted links, pooled
// pixel-transfer buffers and textures, and the cooperative async thread
// pool that binds worker goroutines to shared derived contexts.
package gl

import (
	"time"

	"github.com/cogentcore/webgpu/wgpu"
)

// SyncID is an opaque fence-sync token. It is valid only against the
// context that issued it.
type SyncID uint64

// WaitResult is the outcome of a client-side fence wait.
type WaitResult int

const (
	// WaitSatisfied means the fence had already signaled or signaled before
	// the timeout elapsed.
	WaitSatisfied WaitResult = iota
	// WaitTimeout means the timeout elapsed before the fence signaled.
	WaitTimeout
	// WaitError means the backend reported a failure evaluating the fence.
	WaitError
)

// BackendKind identifies which concrete Context implementation is in use.
// The six backends named in spec.md §6 collapse onto two Go variants: wgpu
// (covering desktop GL, GLES/EGL, CGL, WGL and WebGL uniformly, since
// cogentcore/webgpu already abstracts those differences) and a headless
// offscreen variant used when no window surface is requested.
type BackendKind int

const (
	// BackendWGPU is the default cross-platform backend.
	BackendWGPU BackendKind = iota
	// BackendOffscreen is a headless variant used for pbuffer-equivalent
	// main contexts with no associated window.
	BackendOffscreen
)

// Context is the backend-agnostic façade for one GPU execution context.
// Implementations wrap a concrete backend (wgpu device/queue/surface) or a
// headless equivalent. Any collaborator that needs GPU resources holds a
// ContextLink, never a Context directly.
type Context interface {
	// MakeCurrent binds this context to the calling goroutine's OS thread.
	// Fails with ErrContextUnavailable when wrapping an external context
	// that cannot be rebound, or when the surface is gone.
	MakeCurrent() error

	// ReleaseCurrent unbinds this context from the calling thread if it is
	// currently bound. Returns false (no error) if it was not current.
	ReleaseCurrent() bool

	// IsCurrent reports whether the backend considers this context bound to
	// the calling thread.
	IsCurrent() bool

	// Sync flushes pending commands in a backend-appropriate way (finish and
	// swap for windowed surfaces, or queue submit + device poll for
	// offscreen/compute-only contexts).
	Sync()

	// IssueSync inserts a fence into the command stream and returns its id.
	IssueSync() (SyncID, error)

	// WaitSync issues a server-side wait: subsequent commands on this
	// context do not execute until the fence signals. Requires IsCurrent().
	WaitSync(id SyncID) error

	// ClientWaitSync blocks the calling thread until the fence signals or
	// timeout elapses.
	ClientWaitSync(id SyncID, timeout time.Duration) (WaitResult, error)

	// DeleteSync releases backend resources associated with a fence.
	DeleteSync(id SyncID)

	// IsDerivedFrom reports whether this context shares resources with other
	// (i.e. other is this context's main, or the same main).
	IsDerivedFrom(other Context) bool

	// Main returns the context that owns this context's sharing group (the
	// context itself if it is not derived).
	Main() Context

	// DeviceID is the GPU ordinal this context was created against.
	DeviceID() int

	// Index is this context's position in its manager's context list.
	Index() int

	// DerivedIndex is this context's position among its main's derived
	// contexts, or -1 if this context is itself a main.
	DerivedIndex() int

	// External reports whether this context wraps a backend context the
	// manager does not own (and therefore will not destroy on teardown).
	External() bool

	// Hash returns an identity hash used by the manager to deduplicate
	// contexts when matching against the backend's current-context query.
	Hash() uint64

	// Kind reports which backend variant implements this context.
	Kind() BackendKind

	// Device exposes the wgpu device backing this context, for collaborators
	// (pools, upload/download layers) that issue buffer/texture commands
	// directly rather than through the Context façade.
	Device() *wgpu.Device

	// Queue exposes the wgpu queue backing this context.
	Queue() *wgpu.Queue

	// ReadPBOPool resolves to the read-PBO pool owned by this context's
	// main (derived contexts delegate to their main, mains to their
	// manager). Nil when the context is not manager-owned.
	ReadPBOPool() *pboPool

	// WritePBOPool resolves to the write-PBO pool owned by this context's
	// main.
	WritePBOPool() *pboPool

	// TexturePool resolves to the texture pool owned by this context's main.
	TexturePool() *texturePool

	// addLink / dropLink back the refcount maintained by ContextLink. They
	// are not part of the public collaborator surface.
	addLink()
	dropLink() int32

	// links reports the current refcount, used by manager teardown and
	// the test suite to assert invariants.
	links() int32

	// destroy releases backend resources. Called only by the owning
	// Manager during teardown, after links() has reached zero (or is
	// external, in which case it only unwraps bookkeeping).
	destroy()
}
