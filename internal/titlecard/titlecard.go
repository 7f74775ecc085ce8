// Package titlecard renders the still image an encoder loops under a radio
// stream: station name at the top, artwork in the middle, track at the bottom.
package titlecard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp"
)

const (
	Width  = 1280
	Height = 720

	ArtworkSize = 400
	artworkTop  = 160

	stationSize = 48
	titleSize   = 36
	textMargin  = 50
)

var (
	background = color.RGBA{R: 25, G: 25, B: 35, A: 255}
	foreground = color.White
)

// Renderer writes title cards as PNG files under Dir.
type Renderer struct {
	Dir string

	station *opentype.Font
	title   *opentype.Font
}

// NewRenderer parses the embedded Go fonts and returns a Renderer.
func NewRenderer(dir string) (*Renderer, error) {
	station, err := opentype.Parse(gobold.TTF)
	if err != nil {
		return nil, fmt.Errorf("parse station font: %w", err)
	}
	title, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("parse title font: %w", err)
	}
	return &Renderer{Dir: dir, station: station, title: title}, nil
}

// Path returns where the card of id lives.
func (r *Renderer) Path(id string) string {
	return filepath.Join(r.Dir, "overlay_"+id+".png")
}

// Exists reports whether a card for id has been rendered.
func (r *Renderer) Exists(id string) bool {
	_, err := os.Stat(r.Path(id))
	return err == nil
}

// Remove deletes the card of id. A missing card is not an error.
func (r *Renderer) Remove(id string) error {
	if err := os.Remove(r.Path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Render draws a card and atomically replaces the file at Path(id). Artwork
// that cannot be decoded is left out.
func (r *Renderer) Render(ctx context.Context, id, station, title string, artwork []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	img, err := r.compose(station, title, artwork)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create card dir: %w", err)
	}
	path := r.Path(id)
	if err := writePNG(path, img); err != nil {
		return "", err
	}
	return path, nil
}

func (r *Renderer) compose(station, title string, artwork []byte) (*image.RGBA, error) {
	img := image.NewRGBA(image.Rect(0, 0, Width, Height))
	xdraw.Draw(img, img.Bounds(), image.NewUniform(background), image.Point{}, xdraw.Src)

	stationFace, err := opentype.NewFace(r.station, &opentype.FaceOptions{Size: stationSize, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return nil, fmt.Errorf("station face: %w", err)
	}
	defer stationFace.Close()

	titleFace, err := opentype.NewFace(r.title, &opentype.FaceOptions{Size: titleSize, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return nil, fmt.Errorf("title face: %w", err)
	}
	defer titleFace.Close()

	top := textMargin + stationFace.Metrics().Ascent.Ceil()
	drawCentered(img, stationFace, station, top)

	bottom := Height - textMargin - titleFace.Metrics().Descent.Ceil()
	drawCentered(img, titleFace, title, bottom)

	if len(artwork) > 0 {
		if art, _, err := image.Decode(bytes.NewReader(artwork)); err == nil {
			x := (Width - ArtworkSize) / 2
			dst := image.Rect(x, artworkTop, x+ArtworkSize, artworkTop+ArtworkSize)
			xdraw.CatmullRom.Scale(img, dst, art, art.Bounds(), xdraw.Over, nil)
		}
	}

	return img, nil
}

// drawCentered draws s horizontally centered with its baseline at y,
// shortening it with an ellipsis when it does not fit.
func drawCentered(dst *image.RGBA, face font.Face, s string, y int) {
	d := &font.Drawer{Dst: dst, Src: image.NewUniform(foreground), Face: face}

	s = fit(d, s, fixed.I(Width-2*textMargin))
	w := d.MeasureString(s)
	d.Dot = fixed.Point26_6{X: (fixed.I(Width) - w) / 2, Y: fixed.I(y)}
	d.DrawString(s)
}

func fit(d *font.Drawer, s string, limit fixed.Int26_6) string {
	if d.MeasureString(s) <= limit {
		return s
	}
	runes := []rune(s)
	for len(runes) > 0 {
		runes = runes[:len(runes)-1]
		candidate := string(runes) + "..."
		if d.MeasureString(candidate) <= limit {
			return candidate
		}
	}
	return ""
}

func writePNG(path string, img image.Image) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".overlay-*.png")
	if err != nil {
		return fmt.Errorf("create temp card: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := png.Encode(tmp, img); err != nil {
		tmp.Close()
		return fmt.Errorf("encode card: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close card: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace card: %w", err)
	}
	return nil
}
