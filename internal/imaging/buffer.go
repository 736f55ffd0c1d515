package imaging

import (
	"fmt"
	"image"
	"image/color"
)

// Layout describes the channel layout of a Buffer.
type Layout int

const (
	LayoutRGB Layout = iota
	LayoutRGBA
)

// Channels returns the number of bytes per pixel for the layout.
func (l Layout) Channels() int {
	if l == LayoutRGBA {
		return 4
	}
	return 3
}

func (l Layout) String() string {
	if l == LayoutRGBA {
		return "RGBA"
	}
	return "RGB"
}

// Buffer is an in-memory pixel grid. A buffer is owned by exactly one
// stage at a time; stages must not mutate their input and return a new
// buffer instead (or the same reference for a no-op).
type Buffer struct {
	Width  int
	Height int
	Layout Layout
	Pix    []uint8
}

// NewBuffer allocates a zeroed buffer of the given size and layout.
func NewBuffer(w, h int, layout Layout) *Buffer {
	return &Buffer{
		Width:  w,
		Height: h,
		Layout: layout,
		Pix:    make([]uint8, w*h*layout.Channels()),
	}
}

// Clone returns a deep copy of the buffer.
func (b *Buffer) Clone() *Buffer {
	out := &Buffer{Width: b.Width, Height: b.Height, Layout: b.Layout}
	out.Pix = make([]uint8, len(b.Pix))
	copy(out.Pix, b.Pix)
	return out
}

// ToRGBA widens an RGB buffer to RGBA with alpha=255. The conversion is
// lossless; an RGBA input is returned unchanged.
func (b *Buffer) ToRGBA() *Buffer {
	if b.Layout == LayoutRGBA {
		return b
	}
	out := NewBuffer(b.Width, b.Height, LayoutRGBA)
	n := b.Width * b.Height
	for i := 0; i < n; i++ {
		out.Pix[i*4+0] = b.Pix[i*3+0]
		out.Pix[i*4+1] = b.Pix[i*3+1]
		out.Pix[i*4+2] = b.Pix[i*3+2]
		out.Pix[i*4+3] = 255
	}
	return out
}

// ToRGB drops the alpha channel. An RGB input is returned unchanged.
func (b *Buffer) ToRGB() *Buffer {
	if b.Layout == LayoutRGB {
		return b
	}
	out := NewBuffer(b.Width, b.Height, LayoutRGB)
	n := b.Width * b.Height
	for i := 0; i < n; i++ {
		out.Pix[i*3+0] = b.Pix[i*4+0]
		out.Pix[i*3+1] = b.Pix[i*4+1]
		out.Pix[i*3+2] = b.Pix[i*4+2]
	}
	return out
}

// Convert returns the buffer in the requested layout.
func (b *Buffer) Convert(layout Layout) *Buffer {
	if layout == LayoutRGBA {
		return b.ToRGBA()
	}
	return b.ToRGB()
}

// Gray returns the 8-bit luma plane of the buffer (Rec. 601 weights).
func (b *Buffer) Gray() []uint8 {
	c := b.Layout.Channels()
	n := b.Width * b.Height
	out := make([]uint8, n)
	for i := 0; i < n; i++ {
		r := int(b.Pix[i*c+0])
		g := int(b.Pix[i*c+1])
		bl := int(b.Pix[i*c+2])
		out[i] = uint8((299*r + 587*g + 114*bl) / 1000)
	}
	return out
}

// FromImage converts a decoded image.Image into a Buffer. Images with an
// alpha channel become RGBA, everything else RGB.
func FromImage(img image.Image) *Buffer {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	layout := LayoutRGB
	if _, ok := img.(*image.NRGBA); ok {
		layout = LayoutRGBA
	}
	if _, ok := img.(*image.RGBA); ok {
		layout = LayoutRGBA
	}

	out := NewBuffer(w, h, layout)
	c := layout.Channels()
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			nrgba := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			out.Pix[i*c+0] = nrgba.R
			out.Pix[i*c+1] = nrgba.G
			out.Pix[i*c+2] = nrgba.B
			if c == 4 {
				out.Pix[i*c+3] = nrgba.A
			}
			i++
		}
	}
	return out
}

// Image converts the buffer back into a stdlib image for encoding.
func (b *Buffer) Image() image.Image {
	rgba := b.ToRGBA()
	img := &image.NRGBA{
		Pix:    rgba.Pix,
		Stride: rgba.Width * 4,
		Rect:   image.Rect(0, 0, rgba.Width, rgba.Height),
	}
	return img
}

func (b *Buffer) String() string {
	return fmt.Sprintf("%dx%d %s", b.Width, b.Height, b.Layout)
}
