package gl

import "sync"

// texKey identifies a pooled texture by (width, height, channels, pixelType)
// with a total order (pixel-type major, then channels, then width, then
// height), per spec.md §3.
type texKey struct {
	width, height, channels int
	pixelType               PixelType
}

func (a texKey) less(b texKey) bool {
	if a.pixelType != b.pixelType {
		return a.pixelType < b.pixelType
	}
	if a.channels != b.channels {
		return a.channels < b.channels
	}
	if a.width != b.width {
		return a.width < b.width
	}
	return a.height < b.height
}

type texPoolEntry struct {
	tex      *Texture
	refcount int
	locked   bool
}

// TextureHandle is a refcounted handle into the texture pool. A handle
// dispensed while the pool's keyed entry was locked holds its texture
// directly instead: the pool keeps at most one entry per key, so a second
// live texture of the same shape lives outside the pool for its whole
// lifetime (the upload layer's shadow set is the main customer).
type TextureHandle struct {
	pool   *texturePool
	key    texKey
	direct *Texture
}

// Texture returns the underlying Texture.
func (h TextureHandle) Texture() *Texture {
	if h.direct != nil {
		return h.direct
	}
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	if e, ok := h.pool.entries[h.key]; ok {
		return e.tex
	}
	return nil
}

// Release returns a pooled texture to the pool, decrementing its refcount,
// or destroys an unpooled one outright.
func (h TextureHandle) Release() {
	if h.direct != nil {
		h.direct.release()
		return
	}
	h.pool.release(h.key)
}

// texturePool is a keyed pool of 2D textures; at most one entry per key but
// many keys may be live at once, per spec.md §4.5. A plain sync.Mutex
// serializes all operations; Obtain briefly releases it around texture
// creation so a slow allocation doesn't stall unrelated keys, re-checking
// the map afterward in case another caller won the race.
type texturePool struct {
	mu      sync.Mutex
	ctx     ContextLink
	entries map[texKey]*texPoolEntry
}

func newTexturePool(ctx ContextLink) *texturePool {
	return &texturePool{ctx: ctx, entries: make(map[texKey]*texPoolEntry)}
}

// Obtain returns a handle to the texture for (w,h,channels,pixelType),
// creating it on first request. If lock is true the texture is added to the
// locked set and will not be considered for garbage collection until
// Unlock is called.
func (p *texturePool) Obtain(w, h, channels int, pt PixelType, lock bool) (TextureHandle, error) {
	key := texKey{width: w, height: h, channels: channels, pixelType: pt}

	p.mu.Lock()
	e, ok := p.entries[key]
	if ok && e.locked {
		// The keyed entry is locked and must not be re-dispensed; the pool
		// holds at most one entry per key, so the caller gets a fresh
		// unpooled texture it owns outright.
		p.mu.Unlock()
		tex, err := newTexture(p.ctx, key)
		if err != nil {
			return TextureHandle{}, err
		}
		return TextureHandle{direct: tex}, nil
	}
	if !ok {
		p.mu.Unlock()
		tex, err := newTexture(p.ctx, key)
		if err != nil {
			return TextureHandle{}, err
		}
		p.mu.Lock()
		if e, ok = p.entries[key]; !ok {
			e = &texPoolEntry{tex: tex}
			p.entries[key] = e
		} else {
			tex.release()
		}
	}
	e.refcount++
	if lock {
		e.locked = true
	}
	p.mu.Unlock()
	return TextureHandle{pool: p, key: key}, nil
}

// Unlock removes the texture from the locked set, making it eligible for
// garbage collection once its refcount reaches zero. Unpooled handles have
// nothing to unlock.
func (p *texturePool) Unlock(h TextureHandle) {
	if h.direct != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[h.key]; ok {
		e.locked = false
	}
}

func (p *texturePool) release(key texKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok {
		return
	}
	if e.refcount > 0 {
		e.refcount--
	}
}

// GarbageCollection destroys unreferenced, unlocked textures.
func (p *texturePool) GarbageCollection() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, e := range p.entries {
		if e.refcount <= 0 && !e.locked {
			e.tex.release()
			delete(p.entries, key)
		}
	}
}

func (p *texturePool) drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, e := range p.entries {
		e.tex.release()
		delete(p.entries, key)
	}
	p.ctx = p.ctx.Release()
}
