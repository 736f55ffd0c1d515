package imaging

import (
	"path/filepath"
	"testing"
)

func TestLayoutRoundTrip(t *testing.T) {
	b := NewBuffer(2, 2, LayoutRGB)
	for i := range b.Pix {
		b.Pix[i] = uint8(i * 10)
	}

	rgba := b.ToRGBA()
	if rgba.Layout != LayoutRGBA {
		t.Fatalf("expected RGBA layout, got %v", rgba.Layout)
	}
	for i := 0; i < 4; i++ {
		if rgba.Pix[i*4+3] != 255 {
			t.Fatalf("widened alpha at pixel %d is %d, want 255", i, rgba.Pix[i*4+3])
		}
	}

	back := rgba.ToRGB()
	for i := range b.Pix {
		if back.Pix[i] != b.Pix[i] {
			t.Fatalf("channel %d changed across round trip: %d != %d", i, back.Pix[i], b.Pix[i])
		}
	}
}

func TestToRGBAIsNoopForRGBA(t *testing.T) {
	b := NewBuffer(3, 3, LayoutRGBA)
	if b.ToRGBA() != b {
		t.Fatal("ToRGBA on an RGBA buffer should return the same buffer")
	}
}

func TestResizeIdempotentAtTargetSize(t *testing.T) {
	b := NewBuffer(64, 64, LayoutRGB)
	if Resize(b, 64, 64) != b {
		t.Fatal("resizing to the current size should return the input unchanged")
	}
}

func TestResizeDimensions(t *testing.T) {
	b := NewBuffer(100, 50, LayoutRGB)
	out := Resize(b, 512, 512)
	if out.Width != 512 || out.Height != 512 {
		t.Fatalf("got %dx%d, want 512x512", out.Width, out.Height)
	}
	if out.Layout != LayoutRGB {
		t.Fatalf("layout changed to %v", out.Layout)
	}
}

func TestResizePreservesAlphaLayout(t *testing.T) {
	b := NewBuffer(10, 10, LayoutRGBA)
	out := Resize(b, 20, 20)
	if out.Layout != LayoutRGBA {
		t.Fatalf("RGBA input produced %v output", out.Layout)
	}
}

func TestGrayWeights(t *testing.T) {
	b := NewBuffer(1, 1, LayoutRGB)
	b.Pix[0], b.Pix[1], b.Pix[2] = 255, 255, 255
	if g := b.Gray(); g[0] != 255 {
		t.Fatalf("white pixel luma = %d, want 255", g[0])
	}

	b.Pix[0], b.Pix[1], b.Pix[2] = 0, 255, 0
	if g := b.Gray(); g[0] < 140 || g[0] > 155 {
		t.Fatalf("green pixel luma = %d, want ~149", g[0])
	}
}

func TestResizeMask(t *testing.T) {
	mask := []float32{0, 0, 1, 1}
	out := ResizeMask(mask, 2, 2, 4, 4)
	if len(out) != 16 {
		t.Fatalf("got %d values, want 16", len(out))
	}
	if out[0] != 0 {
		t.Fatalf("top-left should stay 0, got %g", out[0])
	}
	if out[15] != 1 {
		t.Fatalf("bottom-right should stay 1, got %g", out[15])
	}
}

func TestSaveAndLoadPNG(t *testing.T) {
	b := NewBuffer(4, 3, LayoutRGB)
	for i := range b.Pix {
		b.Pix[i] = uint8(i)
	}

	path := filepath.Join(t.TempDir(), "out.png")
	if err := SavePNG(path, b); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Width != 4 || loaded.Height != 3 {
		t.Fatalf("got %dx%d, want 4x3", loaded.Width, loaded.Height)
	}
}

func TestParseBackground(t *testing.T) {
	cases := []struct {
		in          string
		transparent bool
		r, g, b     uint8
		wantErr     bool
	}{
		{in: "transparent", transparent: true},
		{in: "none", transparent: true},
		{in: "", transparent: true},
		{in: "white", r: 255, g: 255, b: 255},
		{in: "black"},
		{in: "green", g: 255},
		{in: "#ff8000", r: 255, g: 128},
		{in: "chartreuse", wantErr: true},
		{in: "#zzzzzz", wantErr: true},
	}

	for _, tc := range cases {
		bg, err := ParseBackground(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseBackground(%q) should fail", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseBackground(%q): %v", tc.in, err)
		}
		if bg.Transparent != tc.transparent {
			t.Fatalf("ParseBackground(%q).Transparent = %v", tc.in, bg.Transparent)
		}
		if !tc.transparent && (bg.Color.R != tc.r || bg.Color.G != tc.g || bg.Color.B != tc.b) {
			t.Fatalf("ParseBackground(%q) = %v", tc.in, bg.Color)
		}
	}
}
