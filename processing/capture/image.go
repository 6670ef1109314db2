package capture

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"sync"

	"golang.org/x/image/draw"
)

// imageDecoder yields a still image once, then ErrEndOfStream.
type imageDecoder struct {
	mu  sync.Mutex
	img *image.RGBA
}

func openImage(path string) (Decoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &OpenError{Locator: path, Err: err}
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, &OpenError{Locator: path, Err: err}
	}

	return &imageDecoder{img: toRGBA(src)}, nil
}

func (d *imageDecoder) ReadFrame() (*image.RGBA, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.img == nil {
		return nil, ErrEndOfStream
	}
	img := d.img
	d.img = nil
	return img, nil
}

func (d *imageDecoder) Close() error {
	d.mu.Lock()
	d.img = nil
	d.mu.Unlock()
	return nil
}

func toRGBA(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}
