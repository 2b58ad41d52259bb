package gpu

import "github.com/kress-vann/glinfer/gl"

// Tiler encodes a 3-D tensor (H,W,C) as one or more 2-D textures and
// exposes the per-tile geometry layer shaders need to render against it,
// per spec.md §3/§4.9.
type Tiler interface {
	// TextureCount is the number of distinct textures this encoding spans.
	TextureCount() int

	// TextureSize returns the (width, height) of texture index i.
	TextureSize(i int) (w, h int)

	// Viewport returns the (width, height) a render pass targeting this
	// tiling should configure.
	Viewport() (w, h int)

	// NumTiles is the number of tiles (distinct channel groups) encoded.
	NumTiles() int

	// TileQuad returns the 8-float screen-space quad (4 corners, xy) for
	// tile index t.
	TileQuad(t int) [8]float32

	// TileTexCoords returns the 8-float normalized texture-coordinate quad
	// for tile index t.
	TileTexCoords(t int) [8]float32

	// TexStep returns the per-texel step in normalized (s,t) units.
	TexStep() (s, t float32)
}

// ShallowTiler implements the shallow encoding: ceil(C/k) textures of size
// (W+2p)x(H+2p), k<=4 channels packed per texel.
type ShallowTiler struct {
	H, W, C, P, K int
}

func NewShallowTiler(h, w, c, p, k int) (*ShallowTiler, error) {
	if k < 1 || k > 4 {
		return nil, gl.ErrNotImplemented
	}
	return &ShallowTiler{H: h, W: w, C: c, P: p, K: k}, nil
}

func (t *ShallowTiler) TextureCount() int {
	return (t.C + t.K - 1) / t.K
}

func (t *ShallowTiler) TextureSize(i int) (int, int) {
	return t.W + 2*t.P, t.H + 2*t.P
}

func (t *ShallowTiler) Viewport() (int, int) {
	return t.W + 2*t.P, t.H + 2*t.P
}

func (t *ShallowTiler) NumTiles() int {
	return t.TextureCount()
}

func (t *ShallowTiler) TileQuad(tile int) [8]float32 {
	w, h := t.Viewport()
	return fullscreenQuad(w, h)
}

func (t *ShallowTiler) TileTexCoords(tile int) [8]float32 {
	return unitQuad()
}

func (t *ShallowTiler) TexStep() (float32, float32) {
	w, h := t.Viewport()
	return 1.0 / float32(w), 1.0 / float32(h)
}

// DeepTiler implements the deep-tiled encoding: one large texture of
// tileCols*(W+p) x tileRows*(H+p), each tile holding 4 channels, row-major,
// with padding on each tile's top/left; no extra padding is added past the
// last tile column or row.
type DeepTiler struct {
	H, W, C, P    int
	maxTextureDim int

	tileCols, tileRows int
}

// NewDeepTiler computes (tileCols, tileRows) minimizing texture area subject
// to the maxTextureDim cap, per spec.md §4.9.
func NewDeepTiler(h, w, c, p, maxTextureDim int) *DeepTiler {
	numTiles := (c + 3) / 4
	cols, rows := bestTileGrid(numTiles, w+p, h+p, maxTextureDim)
	return &DeepTiler{H: h, W: w, C: c, P: p, maxTextureDim: maxTextureDim, tileCols: cols, tileRows: rows}
}

// bestTileGrid searches factorizations of at-least-numTiles cells for the
// (cols,rows) pair minimizing total texture area while keeping both
// dimensions within maxDim.
func bestTileGrid(numTiles, tileW, tileH, maxDim int) (cols, rows int) {
	bestArea := -1
	bestCols, bestRows := numTiles, 1
	maxCols := maxDim / tileW
	if maxCols < 1 {
		maxCols = 1
	}
	for c := 1; c <= maxCols; c++ {
		r := (numTiles + c - 1) / c
		totalW := c * tileW
		totalH := r * tileH
		if totalH > maxDim {
			continue
		}
		area := totalW * totalH
		if bestArea < 0 || area < bestArea {
			bestArea = area
			bestCols, bestRows = c, r
		}
	}
	return bestCols, bestRows
}

func (t *DeepTiler) TextureCount() int { return 1 }

func (t *DeepTiler) TextureSize(i int) (int, int) {
	return t.tileCols * (t.W + t.P), t.tileRows * (t.H + t.P)
}

func (t *DeepTiler) Viewport() (int, int) {
	return t.TextureSize(0)
}

func (t *DeepTiler) NumTiles() int {
	return (t.C + 3) / 4
}

func (t *DeepTiler) TileGrid() (cols, rows int) {
	return t.tileCols, t.tileRows
}

func (t *DeepTiler) TileQuad(tile int) [8]float32 {
	col := tile % t.tileCols
	row := tile / t.tileCols
	tw, th := t.W+t.P, t.H+t.P
	x0 := float32(col * tw)
	y0 := float32(row * th)
	x1 := x0 + float32(tw)
	y1 := y0 + float32(th)
	return [8]float32{x0, y0, x1, y0, x1, y1, x0, y1}
}

func (t *DeepTiler) TileTexCoords(tile int) [8]float32 {
	col := tile % t.tileCols
	row := tile / t.tileCols
	texW, texH := t.TextureSize(0)
	tw, th := t.W+t.P, t.H+t.P
	s0 := float32(col*tw) / float32(texW)
	t0 := float32(row*th) / float32(texH)
	s1 := s0 + float32(tw)/float32(texW)
	t1 := t0 + float32(th)/float32(texH)
	return [8]float32{s0, t0, s1, t0, s1, t1, s0, t1}
}

func (t *DeepTiler) TexStep() (float32, float32) {
	w, h := t.Viewport()
	return 1.0 / float32(w), 1.0 / float32(h)
}

// SequenceTiler implements the sequence encoding: one texture of width
// k*tokenWidth and height maxSequenceLen, one token per row.
type SequenceTiler struct {
	K, TokenWidth, MaxSequenceLen int
}

func NewSequenceTiler(k, tokenWidth, maxSeqLen int) *SequenceTiler {
	return &SequenceTiler{K: k, TokenWidth: tokenWidth, MaxSequenceLen: maxSeqLen}
}

func (t *SequenceTiler) TextureCount() int { return 1 }

func (t *SequenceTiler) TextureSize(i int) (int, int) {
	return t.K * t.TokenWidth, t.MaxSequenceLen
}

func (t *SequenceTiler) Viewport() (int, int) {
	return t.TextureSize(0)
}

func (t *SequenceTiler) NumTiles() int { return 1 }

func (t *SequenceTiler) TileQuad(tile int) [8]float32 {
	w, h := t.Viewport()
	return fullscreenQuad(w, h)
}

func (t *SequenceTiler) TileTexCoords(tile int) [8]float32 {
	return unitQuad()
}

// ActiveViewport returns the viewport restricted to the live seqLength rows,
// clamped to MaxSequenceLen.
func (t *SequenceTiler) ActiveViewport(seqLength int) (w, h int) {
	if seqLength > t.MaxSequenceLen {
		seqLength = t.MaxSequenceLen
	}
	return t.K * t.TokenWidth, seqLength
}

func (t *SequenceTiler) TexStep() (float32, float32) {
	w, h := t.Viewport()
	return 1.0 / float32(w), 1.0 / float32(h)
}

func fullscreenQuad(w, h int) [8]float32 {
	return [8]float32{0, 0, float32(w), 0, float32(w), float32(h), 0, float32(h)}
}

func unitQuad() [8]float32 {
	return [8]float32{0, 0, 1, 0, 1, 1, 0, 1}
}
