package gl

import (
	"testing"
	"time"

	"github.com/cogentcore/webgpu/wgpu"
)

// mockContext is a minimal in-package Context implementation used to test
// ContextLink's refcount invariants without a real backend device, the same
// way the pack's gogpu-gg mocks GPUAccelerator rather than standing up a
// real renderer in unit tests.
type mockContext struct {
	refcount  int32
	destroyed bool
	main      Context
	current   bool
}

func newMockContext() *mockContext {
	m := &mockContext{current: false}
	m.main = m
	return m
}

func (m *mockContext) MakeCurrent() error     { m.current = true; return nil }
func (m *mockContext) ReleaseCurrent() bool   { was := m.current; m.current = false; return was }
func (m *mockContext) IsCurrent() bool        { return m.current }
func (m *mockContext) Sync()                  {}
func (m *mockContext) IssueSync() (SyncID, error)                        { return 1, nil }
func (m *mockContext) WaitSync(SyncID) error                             { return nil }
func (m *mockContext) ClientWaitSync(SyncID, time.Duration) (WaitResult, error) { return WaitSatisfied, nil }
func (m *mockContext) DeleteSync(SyncID)      {}
func (m *mockContext) IsDerivedFrom(o Context) bool {
	if o == nil {
		return false
	}
	return m.Main() == o.Main()
}
func (m *mockContext) Main() Context     { return m.main }
func (m *mockContext) DeviceID() int     { return 0 }
func (m *mockContext) Index() int        { return 0 }
func (m *mockContext) DerivedIndex() int { return -1 }
func (m *mockContext) External() bool    { return false }
func (m *mockContext) Hash() uint64      { return 0 }
func (m *mockContext) Kind() BackendKind { return BackendOffscreen }
func (m *mockContext) Device() *wgpu.Device        { return nil }
func (m *mockContext) Queue() *wgpu.Queue          { return nil }
func (m *mockContext) ReadPBOPool() *pboPool       { return nil }
func (m *mockContext) WritePBOPool() *pboPool      { return nil }
func (m *mockContext) TexturePool() *texturePool   { return nil }

func (m *mockContext) addLink()      { m.refcount++ }
func (m *mockContext) dropLink() int32 {
	m.refcount--
	return m.refcount
}
func (m *mockContext) links() int32 { return m.refcount }
func (m *mockContext) destroy()     { m.destroyed = true }

var _ Context = (*mockContext)(nil)

func TestContextLinkEmptyIsZeroValue(t *testing.T) {
	var l ContextLink
	if !l.IsEmpty() {
		t.Fatalf("zero-value ContextLink should be empty")
	}
	if l.Context() != nil {
		t.Fatalf("zero-value ContextLink should have a nil Context")
	}
	if l.Links() != 0 {
		t.Fatalf("zero-value ContextLink should report 0 links")
	}
	if err := l.MakeCurrent(); err != ErrInvalidContext {
		t.Fatalf("MakeCurrent on empty link: got %v, want ErrInvalidContext", err)
	}
	if l.ReleaseCurrent() {
		t.Fatalf("ReleaseCurrent on empty link should be a no-op returning false")
	}
}

func TestContextLinkRefcounting(t *testing.T) {
	ctx := newMockContext()

	l1 := NewContextLink(ctx)
	if got := ctx.links(); got != 1 {
		t.Fatalf("after NewContextLink: links() = %d, want 1", got)
	}

	l2 := l1.Retain()
	if got := ctx.links(); got != 2 {
		t.Fatalf("after Retain: links() = %d, want 2", got)
	}

	l1 = l1.Release()
	if !l1.IsEmpty() {
		t.Fatalf("Release should return the empty link")
	}
	if got := ctx.links(); got != 1 {
		t.Fatalf("after first Release: links() = %d, want 1", got)
	}

	l2 = l2.Release()
	if got := ctx.links(); got != 0 {
		t.Fatalf("after second Release: links() = %d, want 0", got)
	}
}

// TestContextLinkSurvivesDestroyUntilLastRelease exercises spec.md §8's
// "Context teardown with a still-held C3 link must not destroy the
// underlying context" boundary behavior: a Manager must refuse to destroy
// (or must warn instead of destroying) any context whose link count has not
// drained to zero.
func TestContextLinkSurvivesDestroyUntilLastRelease(t *testing.T) {
	ctx := newMockContext()
	held := NewContextLink(ctx)

	if ctx.links() == 0 {
		t.Fatalf("held link must keep links() > 0")
	}
	// A well-behaved teardown routine must check links() before calling
	// destroy(); we assert the precondition it must observe here.
	if ctx.destroyed {
		t.Fatalf("context must not be destroyed while still linked")
	}

	held.Release()
	if ctx.links() != 0 {
		t.Fatalf("links() should reach 0 after releasing the only link")
	}
}

func TestContextLinkIsDerivedFrom(t *testing.T) {
	main := newMockContext()
	mainLink := NewContextLink(main)
	derivedCtx := &mockContext{main: main}
	derivedLink := NewContextLink(derivedCtx)

	if !derivedLink.IsDerivedFrom(mainLink) {
		t.Fatalf("derived context link should report IsDerivedFrom(main)")
	}
	if derivedLink.IsDerivedFrom(ContextLink{}) {
		t.Fatalf("IsDerivedFrom against an empty link should be false")
	}
}
