package damage

import (
	"errors"
	"fmt"
)

const (
	// GridPixels is the horizontal alignment of every copy at 32bpp.
	GridPixels = 16
	// BlockBytes is the unit of a row copy.
	BlockBytes = 64
)

var (
	ErrMisaligned     = errors.New("damage copy misaligned")
	ErrUnsupportedBpp = errors.New("unsupported bits per pixel")
)

// Surface describes a pixel buffer with its own row stride.
type Surface struct {
	Mem    []byte
	Width  int
	Height int
	Stride int
	Bpp    int
}

// AlignRect rounds r outward to the copy grid horizontally and clamps it
// to width x height.
func AlignRect(r Rect, width, height int) Rect {
	r.Xmin -= r.Xmin % GridPixels
	if rem := r.Xmax % GridPixels; rem != 0 {
		r.Xmax += GridPixels - rem
	}
	r.Xmin = max(r.Xmin, 0)
	r.Ymin = max(r.Ymin, 0)
	r.Xmax = min(r.Xmax, width)
	r.Ymax = min(r.Ymax, height)
	return r
}

// Blit copies the damaged region r of src into dst at the same
// coordinates. Both surfaces must be 32bpp; their strides may differ.
func Blit(dst, src Surface, r Rect) error {
	if dst.Bpp != 32 || src.Bpp != 32 {
		return fmt.Errorf("%w: src %d dst %d", ErrUnsupportedBpp, src.Bpp, dst.Bpp)
	}
	a := AlignRect(r, min(src.Width, dst.Width), min(src.Height, dst.Height))
	if a.Empty() {
		return nil
	}
	if a.Xmin%GridPixels != 0 {
		return fmt.Errorf("%w: xmin %d", ErrMisaligned, a.Xmin)
	}

	const pixel = 4
	start := a.Xmin * pixel
	rowBytes := (a.Xmax - a.Xmin) * pixel
	if (a.Ymax-1)*src.Stride+start+rowBytes > len(src.Mem) ||
		(a.Ymax-1)*dst.Stride+start+rowBytes > len(dst.Mem) {
		return fmt.Errorf("%w: rect %v exceeds buffer", ErrMisaligned, a)
	}

	for y := a.Ymin; y < a.Ymax; y++ {
		s := src.Mem[y*src.Stride+start : y*src.Stride+start+rowBytes]
		d := dst.Mem[y*dst.Stride+start : y*dst.Stride+start+rowBytes]
		for off := 0; off < rowBytes; off += BlockBytes {
			end := min(off+BlockBytes, rowBytes)
			copy(d[off:end], s[off:end])
		}
	}
	return nil
}
