// Package thumbnail renders card avatars as small JPEGs.
package thumbnail

import (
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"

	"cardshelf/internal/shelf"
)

// DefaultWidth is the thumbnail width when none is configured.
const DefaultWidth = 300

const jpegQuality = 85

// Generator writes <dir>/<cardID>.jpg thumbnails.
type Generator struct {
	dir    string
	width  int
	logger shelf.Logger
}

// NewGenerator creates a Generator. Images narrower than width are not enlarged.
func NewGenerator(dir string, width int, logger shelf.Logger) *Generator {
	if width <= 0 {
		width = DefaultWidth
	}
	if logger == nil {
		logger = shelf.NewNopLogger()
	}
	return &Generator{dir: dir, width: width, logger: logger}
}

// Path returns where the thumbnail for cardID lives.
func (g *Generator) Path(cardID string) (string, error) {
	if cardID == "" || cardID != filepath.Base(cardID) || strings.HasPrefix(cardID, ".") {
		return "", fmt.Errorf("invalid card id %q", cardID)
	}
	return filepath.Join(g.dir, cardID+".jpg"), nil
}

// Generate renders src and returns the thumbnail path.
func (g *Generator) Generate(src string, cardID string) (string, error) {
	dst, err := g.Path(cardID)
	if err != nil {
		return "", err
	}

	f, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("opening image: %w", err)
	}
	img, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		return "", fmt.Errorf("decoding image: %w", err)
	}

	thumb := g.scale(img)

	if err := os.MkdirAll(g.dir, 0755); err != nil {
		return "", fmt.Errorf("creating thumbnail dir: %w", err)
	}
	tmp, err := os.CreateTemp(g.dir, ".thumb-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := jpeg.Encode(tmp, thumb, &jpeg.Options{Quality: jpegQuality}); err != nil {
		tmp.Close()
		return "", fmt.Errorf("encoding thumbnail: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("writing thumbnail: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return "", fmt.Errorf("moving thumbnail into place: %w", err)
	}
	g.logger.Debug("thumbnail written", "card", cardID, "path", dst)
	return dst, nil
}

// scale resizes img to the configured width, keeping the aspect ratio,
// over a white background since JPEG has no alpha.
func (g *Generator) scale(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > g.width {
		h = max(1, (h*g.width+w/2)/w)
		w = g.width
	}

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(out, out.Bounds(), image.White, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(out, out.Bounds(), img, b, draw.Over, nil)
	return out
}

// Remove deletes the thumbnail for cardID. A missing thumbnail is not an error.
func (g *Generator) Remove(cardID string) error {
	p, err := g.Path(cardID)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing thumbnail: %w", err)
	}
	return nil
}

// Compile-time check that Generator implements shelf.Thumbnailer
var _ shelf.Thumbnailer = (*Generator)(nil)
