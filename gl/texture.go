package gl

import (
	"fmt"

	"github.com/cogentcore/webgpu/wgpu"
)

// PixelType enumerates the texel scalar types supported by the tensor
// encodings in the gpu package (spec.md §4.7 "Supported dtypes").
type PixelType int

const (
	PixelFloat32 PixelType = iota
	PixelFloat16
	PixelUint8
	PixelUint16
	PixelInt16
	PixelUint32
	PixelInt32
)

// wgpuFormat maps a (channels, PixelType) pair to a concrete wgpu texture
// format. EGL/WebGL lack sized 3-channel formats, so 3-channel requests
// always fall back to a 4-channel format, per spec.md §4.7.
func wgpuFormat(channels int, pt PixelType) (wgpu.TextureFormat, error) {
	if channels == 3 {
		channels = 4
	}
	switch pt {
	case PixelFloat32:
		switch channels {
		case 1:
			return wgpu.TextureFormatR32Float, nil
		case 2:
			return wgpu.TextureFormatRG32Float, nil
		case 4:
			return wgpu.TextureFormatRGBA32Float, nil
		}
	case PixelFloat16:
		switch channels {
		case 1:
			return wgpu.TextureFormatR16Float, nil
		case 2:
			return wgpu.TextureFormatRG16Float, nil
		case 4:
			return wgpu.TextureFormatRGBA16Float, nil
		}
	case PixelUint8:
		switch channels {
		case 1:
			return wgpu.TextureFormatR8Unorm, nil
		case 2:
			return wgpu.TextureFormatRG8Unorm, nil
		case 4:
			return wgpu.TextureFormatRGBA8Unorm, nil
		}
	case PixelUint16:
		switch channels {
		case 1:
			return wgpu.TextureFormatR16Uint, nil
		case 2:
			return wgpu.TextureFormatRG16Uint, nil
		case 4:
			return wgpu.TextureFormatRGBA16Uint, nil
		}
	case PixelInt16:
		switch channels {
		case 1:
			return wgpu.TextureFormatR16Sint, nil
		case 2:
			return wgpu.TextureFormatRG16Sint, nil
		case 4:
			return wgpu.TextureFormatRGBA16Sint, nil
		}
	case PixelUint32:
		switch channels {
		case 1:
			return wgpu.TextureFormatR32Uint, nil
		case 2:
			return wgpu.TextureFormatRG32Uint, nil
		case 4:
			return wgpu.TextureFormatRGBA32Uint, nil
		}
	case PixelInt32:
		switch channels {
		case 1:
			return wgpu.TextureFormatR32Sint, nil
		case 2:
			return wgpu.TextureFormatRG32Sint, nil
		case 4:
			return wgpu.TextureFormatRGBA32Sint, nil
		}
	}
	return 0, fmt.Errorf("gl: unsupported (channels=%d, pixelType=%v) texture format", channels, pt)
}

// copyRowAlign is wgpu's COPY_BYTES_PER_ROW_ALIGNMENT: BytesPerRow in a
// buffer↔texture copy must be a multiple of 256.
const copyRowAlign = 256

// AlignedBytesPerRow rounds the tight row size width*channels*bpc up to
// wgpu's copy alignment. Staging buffers lay texture rows out at this
// stride; CPU-side tensor buffers stay tightly packed.
func AlignedBytesPerRow(width, channels, bpc int) int {
	row := width * channels * bpc
	return (row + copyRowAlign - 1) / copyRowAlign * copyRowAlign
}

// BytesPerChannel returns the byte width of one scalar of the given type.
func BytesPerChannel(pt PixelType) int {
	switch pt {
	case PixelFloat32, PixelUint32, PixelInt32:
		return 4
	case PixelFloat16, PixelUint16, PixelInt16:
		return 2
	default:
		return 1
	}
}

// Texture is a pooled GPU texture plus its view, keyed by (w,h,channels,pixelType).
type Texture struct {
	tex  *wgpu.Texture
	view *wgpu.TextureView

	width, height, channels int
	pixelType               PixelType
}

func (t *Texture) Texture() *wgpu.Texture { return t.tex }
func (t *Texture) View() *wgpu.TextureView { return t.view }
func (t *Texture) Width() int { return t.width }
func (t *Texture) Height() int { return t.height }
func (t *Texture) Channels() int { return t.channels }
func (t *Texture) PixelType() PixelType { return t.pixelType }

func newTexture(ctx ContextLink, key texKey) (*Texture, error) {
	device := ctx.Context().(*contextImpl).Device()
	format, err := wgpuFormat(key.channels, key.pixelType)
	if err != nil {
		return nil, err
	}
	tex, err := device.CreateTexture(&wgpu.TextureDescriptor{
		Label: "glinfer tensor texture",
		Size: wgpu.Extent3D{
			Width:              uint32(key.width),
			Height:             uint32(key.height),
			DepthOrArrayLayers: 1,
		},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     wgpu.TextureDimension2D,
		Format:        format,
		Usage:         wgpu.TextureUsageTextureBinding | wgpu.TextureUsageRenderAttachment | wgpu.TextureUsageCopyDst | wgpu.TextureUsageCopySrc,
	})
	if err != nil {
		return nil, fmt.Errorf("gl: texture pool: %w", err)
	}
	view, err := tex.CreateView(nil)
	if err != nil {
		tex.Release()
		return nil, fmt.Errorf("gl: texture pool: %w", err)
	}
	// The 3-channel fallback means the texture's real texel layout is
	// 4-channel; all byte-layout math downstream must see the effective
	// count, not the requested one.
	effChannels := key.channels
	if effChannels == 3 {
		effChannels = 4
	}
	return &Texture{
		tex: tex, view: view,
		width: key.width, height: key.height, channels: effChannels, pixelType: key.pixelType,
	}, nil
}

func (t *Texture) release() {
	if t.view != nil {
		t.view.Release()
		t.view = nil
	}
	if t.tex != nil {
		t.tex.Release()
		t.tex = nil
	}
}

// WriteTextureDirect performs a one-shot CPU→GPU texture write via the
// queue's buffer-subdata path, bypassing the PBO map/unmap dance — used by
// the synchronous upload path (spec.md §4.7 "syncUpload").
func WriteTextureDirect(ctx ContextLink, tex *Texture, data []byte, width, height int) error {
	queue := ctx.Queue()
	if queue == nil {
		return ErrContextUnavailable
	}
	rowBytes := tightRowBytes(tex, width)
	bytesPerRow := AlignedBytesPerRow(width, tex.channels, BytesPerChannel(tex.pixelType))
	if bytesPerRow != rowBytes {
		// Restage tight source rows at the aligned stride the copy requires.
		staged := make([]byte, bytesPerRow*height)
		for r := 0; r < height; r++ {
			copy(staged[r*bytesPerRow:r*bytesPerRow+rowBytes], data[r*rowBytes:])
		}
		data = staged
	}
	queue.WriteTexture(
		&wgpu.ImageCopyTexture{
			Texture:  tex.tex,
			MipLevel: 0,
			Origin:   wgpu.Origin3D{},
			Aspect:   wgpu.TextureAspectAll,
		},
		data,
		&wgpu.TextureDataLayout{
			Offset:       0,
			BytesPerRow:  uint32(bytesPerRow),
			RowsPerImage: uint32(height),
		},
		&wgpu.Extent3D{
			Width:              uint32(width),
			Height:             uint32(height),
			DepthOrArrayLayers: 1,
		},
	)
	return nil
}

func tightRowBytes(tex *Texture, width int) int {
	return width * tex.channels * BytesPerChannel(tex.pixelType)
}

// UploadFromBuffer records a GPU-side copy from a PBO's buffer into this
// texture on ctx's device/queue, sized (width,height). Used by the upload
// layer's async path (spec.md §4.7) after the CPU source has been staged
// row-by-row into the PBO's mapped range at the aligned stride.
func UploadFromBuffer(ctx ContextLink, tex *Texture, buf *wgpu.Buffer, width, height int) error {
	device := ctx.Device()
	if device == nil {
		return ErrContextUnavailable
	}
	bytesPerRow := AlignedBytesPerRow(width, tex.channels, BytesPerChannel(tex.pixelType))
	encoder, err := device.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("gl: upload_from_buffer: %w", err)
	}
	defer encoder.Release()

	encoder.CopyBufferToTexture(
		&wgpu.ImageCopyBuffer{
			Buffer: buf,
			Layout: wgpu.TextureDataLayout{
				Offset:       0,
				BytesPerRow:  uint32(bytesPerRow),
				RowsPerImage: uint32(height),
			},
		},
		&wgpu.ImageCopyTexture{
			Texture:  tex.tex,
			MipLevel: 0,
			Origin:   wgpu.Origin3D{},
			Aspect:   wgpu.TextureAspectAll,
		},
		&wgpu.Extent3D{
			Width:              uint32(width),
			Height:             uint32(height),
			DepthOrArrayLayers: 1,
		},
	)

	cmd, err := encoder.Finish(nil)
	if err != nil {
		return fmt.Errorf("gl: upload_from_buffer: %w", err)
	}
	defer cmd.Release()
	ctx.Queue().Submit(cmd)
	return nil
}

// DownloadToBuffer records a GPU-side copy from this texture into a PBO's
// buffer at the given byte offset, sized (width,height), returning the
// submission index so the caller can fence-wait for completion. Rows land
// at the aligned stride; a multi-texture download passes each texture a
// distinct offset so tiles never overwrite one another. Used by the
// download layer (spec.md §4.8).
func DownloadToBuffer(ctx ContextLink, tex *Texture, buf *wgpu.Buffer, width, height int, offset uint64) (wgpu.SubmissionIndex, error) {
	device := ctx.Device()
	if device == nil {
		return 0, ErrContextUnavailable
	}
	bytesPerRow := AlignedBytesPerRow(width, tex.channels, BytesPerChannel(tex.pixelType))
	encoder, err := device.CreateCommandEncoder(nil)
	if err != nil {
		return 0, fmt.Errorf("gl: download_to_buffer: %w", err)
	}
	defer encoder.Release()

	encoder.CopyTextureToBuffer(
		&wgpu.ImageCopyTexture{
			Texture:  tex.tex,
			MipLevel: 0,
			Origin:   wgpu.Origin3D{},
			Aspect:   wgpu.TextureAspectAll,
		},
		&wgpu.ImageCopyBuffer{
			Buffer: buf,
			Layout: wgpu.TextureDataLayout{
				Offset:       offset,
				BytesPerRow:  uint32(bytesPerRow),
				RowsPerImage: uint32(height),
			},
		},
		&wgpu.Extent3D{
			Width:              uint32(width),
			Height:             uint32(height),
			DepthOrArrayLayers: 1,
		},
	)

	cmd, err := encoder.Finish(nil)
	if err != nil {
		return 0, fmt.Errorf("gl: download_to_buffer: %w", err)
	}
	defer cmd.Release()
	idx := ctx.Queue().Submit(cmd)
	return idx, nil
}
