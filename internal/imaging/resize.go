package imaging

import (
	"image"

	"golang.org/x/image/draw"
)

// Resize scales the buffer to w x h with the Catmull-Rom kernel, the
// high-quality resampler used for final output sizing. Resizing a buffer
// that already has the target dimensions returns it unchanged.
func Resize(b *Buffer, w, h int) *Buffer {
	return scale(b, w, h, draw.CatmullRom)
}

// ResizeArea scales the buffer down to w x h for model input. The kernel
// scaler convolves over all covered source pixels when minifying, which
// preserves area statistics the way the models expect.
func ResizeArea(b *Buffer, w, h int) *Buffer {
	return scale(b, w, h, draw.CatmullRom)
}

// ResizeBilinear scales the buffer with bilinear interpolation.
func ResizeBilinear(b *Buffer, w, h int) *Buffer {
	return scale(b, w, h, draw.BiLinear)
}

func scale(b *Buffer, w, h int, scaler draw.Scaler) *Buffer {
	if w == b.Width && h == b.Height {
		return b
	}
	src := b.Image()
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	scaler.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := &Buffer{Width: w, Height: h, Layout: LayoutRGBA, Pix: dst.Pix}
	if b.Layout == LayoutRGB {
		return out.ToRGB()
	}
	return out
}

// ResizeMask scales a single-channel float mask in [0,1] from (w,h) to
// (nw,nh) with bilinear interpolation.
func ResizeMask(mask []float32, w, h, nw, nh int) []float32 {
	if nw == w && nh == h {
		out := make([]float32, len(mask))
		copy(out, mask)
		return out
	}
	out := make([]float32, nw*nh)
	xRatio := float32(w-1) / float32(max(nw-1, 1))
	yRatio := float32(h-1) / float32(max(nh-1, 1))
	for y := 0; y < nh; y++ {
		sy := float32(y) * yRatio
		y0 := int(sy)
		y1 := min(y0+1, h-1)
		fy := sy - float32(y0)
		for x := 0; x < nw; x++ {
			sx := float32(x) * xRatio
			x0 := int(sx)
			x1 := min(x0+1, w-1)
			fx := sx - float32(x0)

			top := mask[y0*w+x0]*(1-fx) + mask[y0*w+x1]*fx
			bot := mask[y1*w+x0]*(1-fx) + mask[y1*w+x1]*fx
			out[y*nw+x] = top*(1-fy) + bot*fy
		}
	}
	return out
}
