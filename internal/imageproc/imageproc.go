// Package imageproc turns image files into network input: decode, drop
// alpha to RGB, resize, and lay pixels out as CHW float32 in 0..255.
package imageproc

import (
	"image"
	"io"
	"os"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
	"github.com/pkg/errors"

	_ "golang.org/x/image/webp"
)

const Channels = 3

// Decode reads an image in any registered format, applying EXIF
// orientation, and converts it to non-premultiplied RGBA.
func Decode(r io.Reader) (*image.NRGBA, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrap(err, "decode image")
	}
	return imaging.Clone(img), nil
}

// Open decodes the image at path.
func Open(path string) (*image.NRGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	img, err := Decode(f)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return img, nil
}

// ToTensor resizes img to size×size with bilinear interpolation and writes
// the RGB channels into dst in CHW order. dst must hold 3·size·size values;
// alpha is dropped without compositing.
func ToTensor(img image.Image, size int, dst []float32) error {
	if size <= 0 {
		return errors.Errorf("invalid target size %d", size)
	}
	if len(dst) != Channels*size*size {
		return errors.Errorf("destination holds %d values, need %d", len(dst), Channels*size*size)
	}

	var resized image.Image = img
	if b := img.Bounds(); b.Dx() != size || b.Dy() != size {
		resized = resize.Resize(uint(size), uint(size), img, resize.Bilinear)
	}
	rgba := imaging.Clone(resized)

	plane := size * size
	for y := 0; y < size; y++ {
		row := rgba.Pix[y*rgba.Stride:]
		for x := 0; x < size; x++ {
			px := row[x*4 : x*4+4]
			idx := y*size + x
			dst[idx] = float32(px[0])
			dst[plane+idx] = float32(px[1])
			dst[2*plane+idx] = float32(px[2])
		}
	}
	return nil
}

// Load is Open followed by ToTensor into a fresh buffer.
func Load(path string, size int) ([]float32, error) {
	img, err := Open(path)
	if err != nil {
		return nil, err
	}
	data := make([]float32, Channels*size*size)
	if err := ToTensor(img, size, data); err != nil {
		return nil, err
	}
	return data, nil
}
