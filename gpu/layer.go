// Package gpu implements the tensor-in-texture streaming layers (C7/C8),
// the tiling encodings (C9), and the inference engine adaptor (C10) that
// drive the GPU execution substrate in package gl. The individual
// convolution/pooling/argmax/batchnorm shaders are external collaborators:
// this package only fixes the interface they consume.
package gpu

import (
	"fmt"

	"github.com/kress-vann/glinfer/gl"
)

// DataOrder distinguishes row-major CPU buffers (HWC) from the planar
// layouts some importers produce.
type DataOrder int

const (
	DataOrderHWC DataOrder = iota
	DataOrderCHW
)

// BufferSpec describes a single port's expected buffer shape, per spec.md
// §6 "Input/output port declarations".
type BufferSpec struct {
	Channel       int
	Index         int
	Width         int
	Height        int
	SizedFormat   gl.PixelType
	GenericFormat int
	DType         gl.PixelType
	Usage         string
	Channels      int
	Device        int
	DataOrder     DataOrder
}

// ByteSize returns the size in bytes of a buffer matching this spec.
func (b BufferSpec) ByteSize() int {
	return b.Width * b.Height * b.Channels * gl.BytesPerChannel(b.DType)
}

// CallbackState is the sum-type event passed to a layer's user callback.
// Spec.md §9 "Callbacks": the source's four named states plus an explicit
// error variant.
type CallbackState int

const (
	UploadCommenced CallbackState = iota
	UploadDone
	DownloadCommenced
	DownloadDone
	CallbackError
)

func (s CallbackState) String() string {
	switch s {
	case UploadCommenced:
		return "UPLOAD_COMMENCED"
	case UploadDone:
		return "UPLOAD_DONE"
	case DownloadCommenced:
		return "DOWNLOAD_COMMENCED"
	case DownloadDone:
		return "DOWNLOAD_DONE"
	case CallbackError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// UserCallback is invoked by an upload/download layer at the two-phase
// points named in spec.md §4.7/§4.8.
type UserCallback func(state CallbackState, seq uint64, err error)

// EngineCallback is invoked by a layer once its async work for seq has been
// issued (C7) or has completed (C8), per spec.md §4.10.
type EngineCallback func(seq uint64)

// SequenceState is the per-forward-pass token threaded through Forward and
// AsyncForward. SeqLength matters only for sequence-encoded tensors (spec.md
// §4.8 "only state.seqLength rows are copied"); Err carries the failure
// attached to this seq when a worker task surfaces one via the CallbackError
// state (spec.md §7 "Runtime errors inside worker tasks").
type SequenceState struct {
	SeqLength int
	Err       error
}

// Layer is the fixed contract the core exposes to out-of-scope layer
// implementations (spec.md §6 "Layer-to-core interfaces").
type Layer interface {
	Setup(ctx gl.ContextLink) error
	Cleanup()
	Forward(seq uint64, state *SequenceState) error
	RequiredInputBuffers() []BufferSpec
	RequiredOutputBuffers() []BufferSpec
}

// AsyncLayer is implemented by layers capable of the async streaming path
// (C7 upload, C8 download).
type AsyncLayer interface {
	Layer
	AsyncForward(seq uint64, state *SequenceState, cb EngineCallback) (bool, error)
	Unlock(seq uint64)
}

// ParameterProvider is the external collaborator supplying per-layer
// weights/biases by (name, layerNo, subIndex), per spec.md §6 "Persisted
// state". No concrete provider lives in this repo; it is an external
// collaborator exactly like the layer factory and builder DSL.
type ParameterProvider interface {
	Weights(name string, layerNo, subIndex int) ([]byte, error)
}

// ValidateWeights checks that a parameter blob covers the byte count a layer
// declared for it. Layer implementations call this on every blob a
// ParameterProvider hands back before touching it.
func ValidateWeights(data []byte, declaredBytes int) error {
	if len(data) < declaredBytes {
		return fmt.Errorf("gpu: weights blob holds %d bytes, layer declared %d: %w",
			len(data), declaredBytes, ErrInsufficientWeights)
	}
	return nil
}
