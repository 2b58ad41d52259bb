package gl

import (
	"time"

	"github.com/cogentcore/webgpu/wgpu"
)

// ContextLink is a value-copy refcounted handle to a Context. It is the only
// type any collaborator (pool, worker, layer) holds; Context itself is never
// passed around directly so that lifetime tracking is automatic.
//
// The zero value is the documented empty link: all methods on it are no-ops
// or return ErrInvalidContext, matching spec.md §3 "Context link (C3)".
type ContextLink struct {
	ctx Context
}

// NewContextLink wraps ctx in a link, incrementing its refcount. Passing nil
// produces the empty link.
func NewContextLink(ctx Context) ContextLink {
	if ctx == nil {
		return ContextLink{}
	}
	ctx.addLink()
	return ContextLink{ctx: ctx}
}

// IsEmpty reports whether this link holds no context.
func (l ContextLink) IsEmpty() bool {
	return l.ctx == nil
}

// Context returns the underlying Context, or nil for an empty link.
func (l ContextLink) Context() Context {
	return l.ctx
}

// Retain returns a new link to the same context, incrementing the refcount
// once more. Used where a copy must independently outlive the receiver
// (copy/assign semantics from spec.md §4.3).
func (l ContextLink) Retain() ContextLink {
	if l.ctx == nil {
		return ContextLink{}
	}
	l.ctx.addLink()
	return ContextLink{ctx: l.ctx}
}

// Release decrements the refcount of the held context, if any, and returns
// the empty link. Callers should assign the result back:
//
//	link = link.Release()
func (l ContextLink) Release() ContextLink {
	if l.ctx != nil {
		l.ctx.dropLink()
	}
	return ContextLink{}
}

// Links reports the current refcount of the underlying context, or 0 for an
// empty link. Exposed for tests and debug diagnostics only.
func (l ContextLink) Links() int32 {
	if l.ctx == nil {
		return 0
	}
	return l.ctx.links()
}

// MakeCurrent forwards to the underlying context, or ErrInvalidContext.
func (l ContextLink) MakeCurrent() error {
	if l.ctx == nil {
		return ErrInvalidContext
	}
	return l.ctx.MakeCurrent()
}

// ReleaseCurrent forwards to the underlying context.
func (l ContextLink) ReleaseCurrent() bool {
	if l.ctx == nil {
		return false
	}
	return l.ctx.ReleaseCurrent()
}

// IsCurrent forwards to the underlying context.
func (l ContextLink) IsCurrent() bool {
	return l.ctx != nil && l.ctx.IsCurrent()
}

// IssueSync forwards to the underlying context.
func (l ContextLink) IssueSync() (SyncID, error) {
	if l.ctx == nil {
		return 0, ErrInvalidContext
	}
	return l.ctx.IssueSync()
}

// WaitSync forwards to the underlying context.
func (l ContextLink) WaitSync(id SyncID) error {
	if l.ctx == nil {
		return ErrInvalidContext
	}
	return l.ctx.WaitSync(id)
}

// ClientWaitSync forwards to the underlying context.
func (l ContextLink) ClientWaitSync(id SyncID, timeout time.Duration) (WaitResult, error) {
	if l.ctx == nil {
		return WaitError, ErrInvalidContext
	}
	return l.ctx.ClientWaitSync(id, timeout)
}

// DeleteSync forwards to the underlying context.
func (l ContextLink) DeleteSync(id SyncID) {
	if l.ctx != nil {
		l.ctx.DeleteSync(id)
	}
}

// Main returns a link to the underlying context's main, or the empty link.
func (l ContextLink) Main() ContextLink {
	if l.ctx == nil {
		return ContextLink{}
	}
	return NewContextLink(l.ctx.Main())
}

// IsDerivedFrom forwards to the underlying context.
func (l ContextLink) IsDerivedFrom(other ContextLink) bool {
	if l.ctx == nil || other.ctx == nil {
		return false
	}
	return l.ctx.IsDerivedFrom(other.ctx)
}

// Device forwards to the underlying context, or nil for an empty link.
func (l ContextLink) Device() *wgpu.Device {
	if l.ctx == nil {
		return nil
	}
	return l.ctx.Device()
}

// Queue forwards to the underlying context, or nil for an empty link.
func (l ContextLink) Queue() *wgpu.Queue {
	if l.ctx == nil {
		return nil
	}
	return l.ctx.Queue()
}

// ReadPBOPool forwards to the underlying context, or nil for an empty link.
func (l ContextLink) ReadPBOPool() *pboPool {
	if l.ctx == nil {
		return nil
	}
	return l.ctx.ReadPBOPool()
}

// WritePBOPool forwards to the underlying context, or nil for an empty link.
func (l ContextLink) WritePBOPool() *pboPool {
	if l.ctx == nil {
		return nil
	}
	return l.ctx.WritePBOPool()
}

// TexturePool forwards to the underlying context, or nil for an empty link.
func (l ContextLink) TexturePool() *texturePool {
	if l.ctx == nil {
		return nil
	}
	return l.ctx.TexturePool()
}
