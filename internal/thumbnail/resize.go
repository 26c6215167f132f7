package thumbnail

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"
)

const jpegQuality = 85

// resizeJPEG scales src to height keeping its aspect ratio and writes the
// result to dst through a temporary file.
func resizeJPEG(src, dst string, height int) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	img, err := jpeg.Decode(in)
	in.Close()
	if err != nil {
		return fmt.Errorf("decoding %s: %w", filepath.Base(src), err)
	}

	b := img.Bounds()
	if b.Dy() == 0 {
		return fmt.Errorf("decoding %s: empty image", filepath.Base(src))
	}
	width := max(1, b.Dx()*height/b.Dy())

	out := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(out, out.Bounds(), img, b, draw.Src, nil)

	return writeJPEG(dst, out)
}

func writeJPEG(dst string, img image.Image) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".resize-*.jpg")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := jpeg.Encode(tmp, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		tmp.Close()
		return fmt.Errorf("encoding jpeg: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
