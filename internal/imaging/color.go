package imaging

import (
	"fmt"
	"image/color"
	"strings"

	colors "gopkg.in/go-playground/colors.v1"
)

// Background describes the fill applied behind a cut-out foreground.
// When Transparent is set the mask becomes the alpha channel and Color
// is ignored.
type Background struct {
	Transparent bool
	Color       color.NRGBA
}

// ParseBackground accepts "transparent"/"none", the named colors white,
// black and green, or a #RRGGBB literal.
func ParseBackground(s string) (Background, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "transparent", "none":
		return Background{Transparent: true}, nil
	case "white":
		return Background{Color: color.NRGBA{R: 255, G: 255, B: 255, A: 255}}, nil
	case "black":
		return Background{Color: color.NRGBA{A: 255}}, nil
	case "green":
		return Background{Color: color.NRGBA{G: 255, A: 255}}, nil
	}

	hex, err := colors.ParseHEX(strings.TrimSpace(s))
	if err != nil {
		return Background{}, fmt.Errorf("invalid background color %q: %w", s, err)
	}
	rgb := hex.ToRGB()
	return Background{Color: color.NRGBA{R: rgb.R, G: rgb.G, B: rgb.B, A: 255}}, nil
}
