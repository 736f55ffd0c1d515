package imaging

import (
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"os"

	_ "golang.org/x/image/webp"
)

// Load decodes a PNG, JPEG or WebP file into a Buffer.
func Load(path string) (*Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return FromImage(img), nil
}

// SavePNG writes the buffer to path as PNG.
func SavePNG(path string, b *Buffer) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := png.Encode(f, b.Image()); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}
