package gpu

import "errors"

// Error taxonomy surfaced by the streaming/tiling/engine layer, spec.md §7.
var (
	// ErrDownloadTimeout indicates a download's fence sync did not signal
	// within the hard 5s client-wait deadline.
	ErrDownloadTimeout = errors.New("gpu: download timed out")

	// ErrMissingState indicates a sequence-mode layer was invoked without a
	// SequenceState token.
	ErrMissingState = errors.New("gpu: missing sequence state")

	// ErrInsufficientWeights indicates a ParameterProvider returned fewer
	// bytes than a layer declared it needed.
	ErrInsufficientWeights = errors.New("gpu: insufficient weights")

	// ErrShapeMismatch indicates a buffer attached to a layer disagrees with
	// the layer's declared port shape.
	ErrShapeMismatch = errors.New("gpu: shape mismatch")

	// ErrDuplicateOutput indicates more than one output buffer was attached
	// to a single download port.
	ErrDuplicateOutput = errors.New("gpu: duplicate output buffer")

	// ErrNoFreeSlot indicates an async upload was attempted while all
	// ASYNC_BUFFERS slots are already in flight.
	ErrNoFreeSlot = errors.New("gpu: no free async slot")
)
