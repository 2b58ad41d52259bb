package gpu

import (
	"fmt"
	"sync"
	"time"

	"github.com/Carmen-Shannon/automation/tools/worker"
)

// ParameterPrefetcher decorates a ParameterProvider with a background fetch
// queue, so a layer's Setup can kick off every weight/bias load it will need
// before its first Forward instead of blocking on each one in turn. It is
// itself a ParameterProvider, so it drops in wherever one is expected.
type ParameterPrefetcher struct {
	provider ParameterProvider
	pool     worker.DynamicWorkerPool

	mu      sync.Mutex
	nextID  int
	ready   map[string]chan struct{}
	weights map[string][]byte
	errs    map[string]error
}

// NewParameterPrefetcher wraps provider with a pool of minWorkers reusable
// goroutines, a task queue capped at maxQueued, and idleTimeout before an
// unused worker exits — mirroring the compute pool scene graphs size up
// front for per-frame parallel work.
func NewParameterPrefetcher(provider ParameterProvider, minWorkers, maxQueued int, idleTimeout time.Duration) *ParameterPrefetcher {
	return &ParameterPrefetcher{
		provider: provider,
		pool:     worker.NewDynamicWorkerPool(minWorkers, maxQueued, idleTimeout),
		ready:    make(map[string]chan struct{}),
		weights:  make(map[string][]byte),
		errs:     make(map[string]error),
	}
}

func paramKey(name string, layerNo, subIndex int) string {
	return fmt.Sprintf("%s#%d#%d", name, layerNo, subIndex)
}

// Prefetch queues a background load of (name, layerNo, subIndex) on the pool
// and returns immediately. Calling it more than once for the same key is a
// no-op after the first call; later calls just let Weights join the
// in-flight fetch.
func (p *ParameterPrefetcher) Prefetch(name string, layerNo, subIndex int) {
	key := paramKey(name, layerNo, subIndex)

	p.mu.Lock()
	if _, exists := p.ready[key]; exists {
		p.mu.Unlock()
		return
	}
	done := make(chan struct{})
	p.ready[key] = done
	p.nextID++
	id := p.nextID
	p.mu.Unlock()

	p.pool.SubmitTask(worker.Task{
		ID: id,
		Do: func() (any, error) {
			defer close(done)
			data, err := p.provider.Weights(name, layerNo, subIndex)
			p.mu.Lock()
			p.weights[key] = data
			p.errs[key] = err
			p.mu.Unlock()
			return data, err
		},
	})
}

// Weights implements ParameterProvider. If a Prefetch for this key is
// already in flight (or finished), it waits for that result instead of
// issuing a second fetch; otherwise it fetches synchronously through the
// wrapped provider, exactly as if no prefetcher were present.
func (p *ParameterPrefetcher) Weights(name string, layerNo, subIndex int) ([]byte, error) {
	key := paramKey(name, layerNo, subIndex)

	p.mu.Lock()
	done, exists := p.ready[key]
	p.mu.Unlock()

	if !exists {
		return p.provider.Weights(name, layerNo, subIndex)
	}
	<-done

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.weights[key], p.errs[key]
}

var _ ParameterProvider = (*ParameterPrefetcher)(nil)
