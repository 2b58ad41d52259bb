package gl

import "errors"

// Error taxonomy surfaced by the context/pool/thread substrate. Collaborators
// (layer implementations, the gpu package) match on these with errors.Is.
var (
	// ErrInvalidContext is returned when an operation requiring a valid
	// context received a null/empty link.
	ErrInvalidContext = errors.New("gl: invalid context")

	// ErrContextMismatch is returned when an operation must run on a specific
	// context that is not current on the calling thread.
	ErrContextMismatch = errors.New("gl: context mismatch")

	// ErrContextUnavailable is returned when the backend refuses make-current,
	// e.g. an externally-wrapped context whose surface has gone away.
	ErrContextUnavailable = errors.New("gl: context unavailable")

	// ErrThreadPoolExhausted is returned when HardMaxThreads has been reached.
	ErrThreadPoolExhausted = errors.New("gl: thread pool exhausted")

	// ErrPBOProtocolViolation indicates the last reference to a managed PBO
	// was dropped while a GPU operation targeting it was still pending.
	ErrPBOProtocolViolation = errors.New("gl: pbo released while pending")

	// ErrNotImplemented indicates the backend does not support the requested
	// feature, e.g. persistent mapping on a backend without coherent buffers.
	ErrNotImplemented = errors.New("gl: not implemented on this backend")
)

// DebugBuild gates the strict (panic/fatal) variants of invariant checks
// described in spec §7/§8 (PBO pending-on-release, refcount underflow, leaked
// non-external context on teardown). Flip to false to get release semantics,
// where violations are logged instead of fatal.
var DebugBuild = true
