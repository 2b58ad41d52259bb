package gl

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kress-vann/glinfer/common"
)

// hardMaxThreads is the platform upper bound on live workers, spec.md §4.6:
// 32 on mobile, 128 elsewhere.
func hardMaxThreads() int {
	switch runtime.GOOS {
	case "android", "ios":
		return 32
	default:
		return 128
	}
}

const (
	dispensePollInterval  = 5 * time.Millisecond
	watchdogInterval      = time.Second
	workerInactivityLimit = 15 * time.Second
)

// workerKind distinguishes context-less workers from context-bound ones.
type workerKind int

const (
	workerContextless workerKind = iota
	workerContextBound
)

// worker is one dispensable entry in the async pool. Its task slot is
// modeled as a single rendezvous channel rather than a literal
// condition-variable pair — per DESIGN NOTES §9, an unbuffered channel send
// blocks the issuer exactly when (and only when) the worker's loop is still
// executing a previous task, which is the same serialization the source's
// issue-lock-guarded task slot provides.
type worker struct {
	kind workerKind
	ctx  ContextLink

	taskCh chan func()
	quitCh chan struct{}

	refcount atomic.Int32
	busy     atomic.Bool
	lastUsed atomic.Int64 // unix nanos
}

func newWorker(kind workerKind, ctx ContextLink) *worker {
	w := &worker{kind: kind, ctx: ctx, taskCh: make(chan func()), quitCh: make(chan struct{})}
	w.lastUsed.Store(time.Now().UnixNano())
	go w.run()
	if kind == workerContextBound {
		w.WaitTask(func() {
			_ = ctx.MakeCurrent()
		})
	}
	return w
}

func (w *worker) run() {
	for {
		select {
		case fn := <-w.taskCh:
			w.busy.Store(true)
			fn()
			w.busy.Store(false)
			w.lastUsed.Store(time.Now().UnixNano())
		case <-w.quitCh:
			return
		}
	}
}

// SetTask places a task in the worker's single slot without waiting for it
// to complete. Blocks only if the worker is still executing a previous task.
func (w *worker) SetTask(fn func()) {
	select {
	case w.taskCh <- fn:
	case <-w.quitCh:
	}
}

// WaitTask places a task and blocks until it completes.
func (w *worker) WaitTask(fn func()) {
	done := make(chan struct{})
	w.SetTask(func() {
		fn()
		close(done)
	})
	<-done
}

// Wait blocks until any currently in-flight task completes.
func (w *worker) Wait() {
	w.WaitTask(func() {})
}

// IsBusy reports whether the worker is currently executing a task.
func (w *worker) IsBusy() bool { return w.busy.Load() }

// Context returns the derived context this worker is bound to (the empty
// link for context-less workers). Tasks that issue GPU commands must do so
// against this context, which is current on the worker's goroutine.
func (w *worker) Context() ContextLink { return w.ctx }

func (w *worker) stop() {
	close(w.quitCh)
}

// AsyncPool is the process-wide pool of two thread kinds described in
// spec.md §4.6: context-less workers and context-bound workers, guarded by
// one mutex plus an atomic "teardown protection" counter that prevents
// TearDown from racing with dispense.
type AsyncPool struct {
	mu sync.Mutex

	contextless  []*worker
	contextBound []*worker

	hardMax      int
	maxGLThreads int

	goingDown          atomic.Bool
	teardownProtection atomic.Int32

	watchdogOnce sync.Once
	watchdogQuit chan struct{}

	manager *Manager
}

var defaultAsyncPool = newAsyncPool(nil)

// DefaultAsyncPool returns the process-wide async thread pool.
func DefaultAsyncPool() *AsyncPool { return defaultAsyncPool }

// AsyncPoolOption is a functional option for configuring an AsyncPool,
// mirroring ManagerOption/UploadLayerOption.
type AsyncPoolOption func(*AsyncPool)

// WithMaxGLThreads caps the number of context-bound workers the pool will
// create, independent of HardMaxThreads. n <= 0 leaves the platform default
// (equal to HardMaxThreads) in place.
func WithMaxGLThreads(n int) AsyncPoolOption {
	return func(p *AsyncPool) {
		p.maxGLThreads = common.Coalesce(max(n, 0), p.maxGLThreads)
	}
}

// WithHardMaxThreads overrides the platform HardMaxThreads cap (spec.md
// §4.6), mainly useful for exercising the ThreadPoolExhausted boundary in
// tests without spinning up the platform default of dozens of workers.
func WithHardMaxThreads(n int) AsyncPoolOption {
	return func(p *AsyncPool) {
		p.hardMax = common.Coalesce(n, p.hardMax)
	}
}

// ConfigureDefaultAsyncPool applies opts to the process-wide default pool.
// Must be called before the first dispense to take effect.
func ConfigureDefaultAsyncPool(opts ...AsyncPoolOption) {
	for _, opt := range opts {
		opt(defaultAsyncPool)
	}
}

func newAsyncPool(manager *Manager, opts ...AsyncPoolOption) *AsyncPool {
	hm := hardMaxThreads()
	p := &AsyncPool{hardMax: hm, maxGLThreads: hm, manager: manager, watchdogQuit: make(chan struct{})}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// BindManager associates the manager used to create derived contexts for
// context-bound workers. Must be called once before the first
// GetDerivedContextThread/GetContextThread dispense.
func (p *AsyncPool) BindManager(m *Manager) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.manager = m
}

func (p *AsyncPool) protect() bool {
	if p.goingDown.Load() {
		return false
	}
	p.teardownProtection.Add(1)
	if p.goingDown.Load() {
		p.teardownProtection.Add(-1)
		return false
	}
	return true
}

func (p *AsyncPool) unprotect() {
	p.teardownProtection.Add(-1)
}

func (p *AsyncPool) ensureWatchdog() {
	p.watchdogOnce.Do(func() {
		go p.watchdogLoop(p.watchdogQuit)
	})
}

// watchdogLoop takes its quit channel by value: tearDown closes the current
// channel and installs a fresh one for any later reuse of the pool, so the
// loop must not re-read the field.
func (p *AsyncPool) watchdogLoop(quit chan struct{}) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			p.mu.Lock()
			for _, w := range p.contextless {
				if w.refcount.Load() == 0 && !w.IsBusy() {
					last := time.Unix(0, w.lastUsed.Load())
					if now.Sub(last) > workerInactivityLimit {
						w.stop()
					}
				}
			}
			kept := p.contextless[:0]
			for _, w := range p.contextless {
				select {
				case <-w.quitCh:
					// stopped: drop from list (quitCh already closed, reading
					// it here is safe since we only ever close it once).
				default:
					kept = append(kept, w)
				}
			}
			p.contextless = kept
			p.mu.Unlock()
		case <-quit:
			return
		}
	}
}

// GetThread dispenses a context-less worker.
func (p *AsyncPool) GetThread() (*worker, error) {
	if !p.protect() {
		return nil, ErrThreadPoolExhausted
	}
	defer p.unprotect()

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, w := range p.contextless {
		if w.refcount.CompareAndSwap(0, 1) {
			return w, nil
		}
	}
	if p.totalCountLocked() >= p.hardMax {
		return nil, ErrThreadPoolExhausted
	}
	w := newWorker(workerContextless, ContextLink{})
	w.refcount.Store(1)
	p.contextless = append(p.contextless, w)
	p.ensureWatchdog()
	return w, nil
}

func (p *AsyncPool) totalCountLocked() int {
	return len(p.contextless) + len(p.contextBound)
}

// GetDerivedContextThread dispenses a worker bound to a context derived
// from ctx's main (creating one if capacity allows), matching any existing
// worker whose context shares ctx's sharing group.
func (p *AsyncPool) GetDerivedContextThread(ctx ContextLink, timeout time.Duration) (*worker, error) {
	deadline := time.Now().Add(timeout)
	infinite := timeout < 0

	for {
		if p.goingDown.Load() {
			return nil, ErrThreadPoolExhausted
		}
		if !p.protect() {
			return nil, ErrThreadPoolExhausted
		}

		p.mu.Lock()
		for _, w := range p.contextBound {
			if w.ctx.IsDerivedFrom(ctx.Main()) || w.ctx.IsDerivedFrom(ctx) {
				if w.refcount.CompareAndSwap(0, 1) {
					p.mu.Unlock()
					p.unprotect()
					return w, nil
				}
			}
		}

		if len(p.contextBound) < p.maxGLThreads && p.manager != nil {
			derived, err := p.manager.CreateDerived(ctx)
			if err != nil {
				p.mu.Unlock()
				p.unprotect()
				return nil, err
			}
			w := newWorker(workerContextBound, derived)
			w.refcount.Store(1)
			p.contextBound = append(p.contextBound, w)
			p.ensureWatchdog()
			p.mu.Unlock()
			p.unprotect()
			return w, nil
		}
		p.mu.Unlock()
		p.unprotect()

		if !infinite && time.Now().After(deadline) {
			return nil, ErrThreadPoolExhausted
		}
		time.Sleep(dispensePollInterval)
	}
}

// GetContextThread dispenses the single worker bound to exactly ctx,
// creating it if it doesn't exist, or blocking up to timeout if it exists
// but is busy.
func (p *AsyncPool) GetContextThread(ctx ContextLink, timeout time.Duration) (*worker, error) {
	deadline := time.Now().Add(timeout)
	infinite := timeout < 0

outer:
	for {
		if p.goingDown.Load() {
			return nil, ErrThreadPoolExhausted
		}
		if !p.protect() {
			return nil, ErrThreadPoolExhausted
		}

		p.mu.Lock()
		for _, w := range p.contextBound {
			if w.ctx.Context() != ctx.Context() {
				continue
			}
			if w.refcount.CompareAndSwap(0, 1) {
				p.mu.Unlock()
				p.unprotect()
				return w, nil
			}
			p.mu.Unlock()
			p.unprotect()
			if !infinite && time.Now().After(deadline) {
				return nil, ErrThreadPoolExhausted
			}
			time.Sleep(dispensePollInterval)
			continue outer
		}

		if p.totalCountLocked() < p.hardMax {
			w := newWorker(workerContextBound, ctx.Retain())
			w.refcount.Store(1)
			p.contextBound = append(p.contextBound, w)
			p.ensureWatchdog()
			p.mu.Unlock()
			p.unprotect()
			return w, nil
		}
		p.mu.Unlock()
		p.unprotect()
		return nil, ErrThreadPoolExhausted
	}
}

// CreateDerivedBatch pre-creates n context-bound workers derived from ctx up
// front, used to avoid context-creation races (spec.md §4.6).
func (p *AsyncPool) CreateDerivedBatch(ctx ContextLink, n int) error {
	for i := 0; i < n; i++ {
		w, err := p.GetDerivedContextThread(ctx, 0)
		if err != nil {
			return err
		}
		w.refcount.Add(-1)
	}
	return nil
}

// Release drops one reference from a dispensed worker.
func (p *AsyncPool) Release(w *worker) {
	if w.refcount.Add(-1) < 0 {
		if DebugBuild {
			panic("gl: thread pool refcount underflow")
		}
		w.refcount.Store(0)
	}
}

// tearDown sets goingDown and spin-waits until teardownProtection drains,
// then, under the pool lock, stops the watchdog, joins every worker
// (draining its refcount first), releases the context-bound workers'
// links, and clears goingDown.
func (p *AsyncPool) tearDown() {
	p.goingDown.Store(true)
	for p.teardownProtection.Load() > 0 {
		time.Sleep(dispensePollInterval)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	close(p.watchdogQuit)
	p.watchdogQuit = make(chan struct{})
	p.watchdogOnce = sync.Once{}

	for _, w := range p.contextless {
		for w.refcount.Load() > 0 {
			time.Sleep(dispensePollInterval)
		}
		w.Wait()
		w.stop()
	}
	for _, w := range p.contextBound {
		for w.refcount.Load() > 0 {
			time.Sleep(dispensePollInterval)
		}
		w.Wait()
		w.stop()
		w.ctx = w.ctx.Release()
	}
	p.contextless = nil
	p.contextBound = nil
	p.goingDown.Store(false)
}
