package gl

import (
	"fmt"
	"log"
	"sync"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/kress-vann/glinfer/common"
)

// Manager is the singleton-per-device registry described in spec.md §4.2. It
// owns a growable list of contexts plus the read/write PBO pools and the
// texture pool that non-derived contexts resolve to.
//
// Construction and modification of the context list are NOT thread-safe by
// design: spec.md §4.2 documents this as a deliberate invariant, so callers
// must only touch a Manager from the application's main thread before
// inference starts.
type Manager struct {
	deviceID int

	contexts []*contextImpl
	main     *contextImpl

	readPBOs  *pboPool
	writePBOs *pboPool
	textures  *texturePool

	maxPBOs int
}

var (
	managersMu sync.Mutex
	managers   = map[int]*Manager{}
)

// ManagerOption is a functional option for configuring a Manager at first
// construction, mirroring the teacher's EngineBuilderOption pattern.
type ManagerOption func(*Manager)

// WithMaxPBOs sets the capacity of the read/write PBO pools created on the
// next CreateMainContext call. n <= 0 leaves the default (8) in place,
// resolved via common.Coalesce.
func WithMaxPBOs(n int) ManagerOption {
	return func(m *Manager) {
		m.maxPBOs = common.Coalesce(max(n, 0), m.maxPBOs)
	}
}

// ManagerFor returns the lazily-constructed Manager for the given device
// ordinal, creating it on first request. Options are only applied the first
// time a given deviceID is requested.
func ManagerFor(deviceID int, opts ...ManagerOption) *Manager {
	managersMu.Lock()
	defer managersMu.Unlock()
	if m, ok := managers[deviceID]; ok {
		return m
	}
	m := &Manager{deviceID: deviceID, maxPBOs: 8}
	for _, opt := range opts {
		opt(m)
	}
	managers[deviceID] = m
	return m
}

// SetMaxPBOs configures the capacity of the read/write PBO pools created on
// the next CreateMainContext call. Must be called before the main context is
// created; has no effect afterwards.
func (m *Manager) SetMaxPBOs(n int) {
	if n > 0 {
		m.maxPBOs = n
	}
}

// CreateMainContextFromCurrent wraps the currently-bound backend context
// into a new managed context marked external (not destroyed on teardown).
// Fails when no backend context is current, per spec.md §4.2.
func (m *Manager) CreateMainContextFromCurrent(current CurrentWGPUContext) (ContextLink, error) {
	if current.Device == nil || current.Queue == nil {
		return ContextLink{}, fmt.Errorf("gl: %w: no backend context current", ErrContextUnavailable)
	}
	idx := len(m.contexts)
	c := wrapExternalWGPUContext(current.Device, current.Queue, m.deviceID, idx)
	c.manager = m
	m.contexts = append(m.contexts, c)
	m.main = c
	m.ensurePools()
	return NewContextLink(c), nil
}

// CreateMainContext constructs a fresh off-screen context. If makeCurrent is
// true (the default per spec.md §4.2) it is bound to the calling thread.
func (m *Manager) CreateMainContext(makeCurrent bool, forceFallbackAdapter bool) (ContextLink, error) {
	idx := len(m.contexts)
	c, err := newMainWGPUContext(m.deviceID, idx, forceFallbackAdapter, makeCurrent)
	if err != nil {
		return ContextLink{}, err
	}
	c.manager = m
	m.contexts = append(m.contexts, c)
	m.main = c
	m.ensurePools()
	return NewContextLink(c), nil
}

// CreateDerived constructs a new context sharing resources with parent's
// main context, assigning it a per-main monotone derived index.
func (m *Manager) CreateDerived(parent ContextLink) (ContextLink, error) {
	if parent.IsEmpty() {
		return ContextLink{}, fmt.Errorf("gl: create_derived: %w", ErrInvalidContext)
	}
	parentImpl, ok := parent.Context().Main().(*contextImpl)
	if !ok {
		return ContextLink{}, fmt.Errorf("gl: create_derived: %w", ErrInvalidContext)
	}

	derivedIdx := 0
	for _, ctx := range m.contexts {
		if ctx.main == parentImpl && ctx != parentImpl {
			derivedIdx++
		}
	}

	idx := len(m.contexts)
	c := newDerivedWGPUContext(parentImpl, idx, derivedIdx)
	c.manager = m
	m.contexts = append(m.contexts, c)
	return NewContextLink(c), nil
}

// FindCurrentContext answers "which managed context wraps the context bound
// to the calling thread?", used by link construction when no context is
// passed explicitly.
func (m *Manager) FindCurrentContext() (ContextLink, bool) {
	for _, c := range m.contexts {
		if c.IsCurrent() {
			return NewContextLink(c), true
		}
	}
	return ContextLink{}, false
}

// GetDerived performs a linear lookup for the derived context at
// derivedIndex relative to parent's main.
func (m *Manager) GetDerived(parent ContextLink, derivedIndex int) (ContextLink, bool) {
	if parent.IsEmpty() {
		return ContextLink{}, false
	}
	parentMain := parent.Context().Main()
	for _, ctx := range m.contexts {
		if ctx.main == parentMain && ctx.derivedIndex == derivedIndex {
			return NewContextLink(ctx), true
		}
	}
	return ContextLink{}, false
}

// CurrentWGPUContext is the backend-specific payload used by
// CreateMainContextFromCurrent. It stands in for the "ask the backend which
// context is current on this thread" query of spec.md's find_current_context
// — for the wgpu backend there is no ambient global to query, so the caller
// supplies the device/queue pair it already owns.
type CurrentWGPUContext struct {
	Device *wgpu.Device
	Queue  *wgpu.Queue
}

func (m *Manager) ensurePools() {
	if m.readPBOs == nil {
		m.readPBOs = newPBOPool(m.maxPBOs, NewContextLink(m.main), PBORead)
	}
	if m.writePBOs == nil {
		m.writePBOs = newPBOPool(m.maxPBOs, NewContextLink(m.main), PBOWrite)
	}
	if m.textures == nil {
		m.textures = newTexturePool(NewContextLink(m.main))
	}
}

// ReadPBOPool returns the pool backing GPU→CPU transfers.
func (m *Manager) ReadPBOPool() *pboPool { return m.readPBOs }

// WritePBOPool returns the pool backing CPU→GPU transfers.
func (m *Manager) WritePBOPool() *pboPool { return m.writePBOs }

// TexturePool returns the shared texture pool.
func (m *Manager) TexturePool() *texturePool { return m.textures }

// Cleanup requires the main context to be current on the calling thread. It
// destroys the PBO pools first, then iterates contexts; a non-external
// context with a nonzero link count is leaked (fatal in debug builds,
// logged in release).
func (m *Manager) Cleanup() error {
	if m.main == nil {
		return nil
	}
	if DebugBuild && !m.main.IsCurrent() {
		return fmt.Errorf("gl: manager cleanup: main context not current: %w", ErrContextMismatch)
	}

	if m.readPBOs != nil {
		m.readPBOs.drain()
	}
	if m.writePBOs != nil {
		m.writePBOs.drain()
	}
	if m.textures != nil {
		m.textures.drain()
	}

	for _, c := range m.contexts {
		if !c.external && c.links() > 0 {
			msg := fmt.Sprintf("gl: context (device %d index %d) leaked with %d links", c.deviceID, c.index, c.links())
			if DebugBuild {
				panic(msg)
			}
			log.Println(msg)
			continue
		}
		c.destroy()
	}
	m.contexts = nil
	m.main = nil
	m.readPBOs = nil
	m.writePBOs = nil
	m.textures = nil
	return nil
}

// TearDown tears down every manager constructed so far, in the order
// required by spec.md §4.2: shader/snippet caches (owned by layer
// collaborators, out of scope here), then the async thread pool, then every
// manager's Cleanup in turn.
func TearDown() {
	defaultAsyncPool.tearDown()

	managersMu.Lock()
	defer managersMu.Unlock()
	for id, m := range managers {
		if err := m.Cleanup(); err != nil {
			log.Printf("gl: manager %d cleanup failed: %v", id, err)
		}
		delete(managers, id)
	}
}
