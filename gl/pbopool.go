package gl

import (
	"sync"
	"sync/atomic"
	"time"
)

// pboBackoff is the polling interval pboPool.Get retries at when the pool is
// full and nothing matches, per spec.md §4.4/§5.
const pboBackoff = 5 * time.Millisecond

// pboPoolStats tracks the diagnostic counters spec.md §4.4 calls for:
// immediate hits vs. wait cycles.
type pboPoolStats struct {
	immediateHits atomic.Int64
	waitCycles    atomic.Int64
}

// pboPool is a capacity-bounded pool of PBOs, each entry refcounted with a
// pending flag (spec.md §4.4). get_available_pbo matches exactly on
// (w,h,c,bpc) — the spec's open question about the source's looser
// size-only matching is resolved in favor of exact match, per spec.md §9.
type pboPool struct {
	mu  sync.Mutex
	ctx ContextLink
	dir PBODirection

	maxPBOs int
	entries []*pboEntry
	nextGen uint64

	stats pboPoolStats
}

func newPBOPool(maxPBOs int, ctx ContextLink, dir PBODirection) *pboPool {
	return &pboPool{maxPBOs: maxPBOs, ctx: ctx, dir: dir, entries: make([]*pboEntry, 0, maxPBOs)}
}

// Get returns a managed PBO sized/matched for (w,h,c,bpc), blocking in 5ms
// backoff steps if the pool is at capacity and nothing matches.
func (p *pboPool) Get(w, h, c, bpc int) (ManagedPBO, error) {
	for {
		p.mu.Lock()
		for _, e := range p.entries {
			if e.busy {
				continue
			}
			ew, eh, ec, ebpc := e.pbo.Dims()
			if ew == w && eh == h && ec == c && ebpc == bpc {
				e.busy = true
				e.refcount.Store(1)
				p.stats.immediateHits.Add(1)
				handle := ManagedPBO{pool: p, slot: p.indexOf(e), gener: e.generation}
				p.mu.Unlock()
				return handle, nil
			}
		}

		if len(p.entries) < p.maxPBOs {
			pbo := newPBO(p.ctx, p.dir)
			pbo.SetDims(w, h, c, bpc)
			size := uint64(w*h*c*bpc) + pboPadding(w, h, c, bpc)
			if err := pbo.prepareFor(size); err != nil {
				p.mu.Unlock()
				return ManagedPBO{}, err
			}
			p.nextGen++
			e := &pboEntry{pbo: pbo, busy: true, generation: p.nextGen}
			e.refcount.Store(1)
			p.entries = append(p.entries, e)
			p.stats.immediateHits.Add(1)
			handle := ManagedPBO{pool: p, slot: len(p.entries) - 1, gener: e.generation}
			p.mu.Unlock()
			return handle, nil
		}
		p.mu.Unlock()

		p.stats.waitCycles.Add(1)
		time.Sleep(pboBackoff)
	}
}

// pboPadding is the slack a buffer↔texture copy needs on top of the tight
// w*h*c*bpc footprint: rows are staged at wgpu's 256-byte-aligned stride.
func pboPadding(w, h, c, bpc int) uint64 {
	return uint64(h*AlignedBytesPerRow(w, c, bpc)) - uint64(w*h*c*bpc)
}

func (p *pboPool) indexOf(target *pboEntry) int {
	for i, e := range p.entries {
		if e == target {
			return i
		}
	}
	return -1
}

func (p *pboPool) entryAt(slot int) *pboEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slot < 0 || slot >= len(p.entries) {
		return nil
	}
	return p.entries[slot]
}

func (p *pboPool) releaseEntry(slot int, gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slot < 0 || slot >= len(p.entries) {
		return
	}
	e := p.entries[slot]
	if e.generation != gen {
		return
	}
	e.busy = false
}

// Stats returns a snapshot of (immediateHits, waitCycles).
func (p *pboPool) Stats() (immediateHits, waitCycles int64) {
	return p.stats.immediateHits.Load(), p.stats.waitCycles.Load()
}

func (p *pboPool) drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		e.pbo.release()
	}
	p.entries = nil
	p.ctx = p.ctx.Release()
}
