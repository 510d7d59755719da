// Package snapshot turns captured frames into evidence stills.
package snapshot

import (
	"bytes"
	"image"
	"image/jpeg"
	_ "image/png"

	"github.com/m-mizutani/goerr/v2"
	"github.com/not-amarnath/final-year-project/internal/types"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
)

const (
	DefaultQuality = 80
	DefaultMaxSize = 640
)

// Encoder re-encodes frames as JPEG, downscaling anything larger than MaxSize.
type Encoder struct {
	Quality int
	MaxSize int
}

// New returns an encoder. Out of range values fall back to the defaults.
func New(quality, maxSize int) *Encoder {
	if quality < 1 || quality > 100 {
		quality = DefaultQuality
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Encoder{Quality: quality, MaxSize: maxSize}
}

// Encode decodes data (JPEG, PNG or BMP) and returns a JPEG still.
// Every failure matches types.ErrEncodeFailure.
func (e *Encoder) Encode(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, goerr.Wrap(types.ErrEncodeFailure, "empty frame")
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, goerr.Wrap(types.ErrEncodeFailure, "failed to decode frame", goerr.V("cause", err.Error()))
	}

	img = Fit(img, e.MaxSize)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.Quality}); err != nil {
		return nil, goerr.Wrap(types.ErrEncodeFailure, "failed to encode snapshot", goerr.V("format", format), goerr.V("cause", err.Error()))
	}
	return buf.Bytes(), nil
}

// Fit scales img down to fit within maxSize on its longer side, keeping aspect ratio.
// Images already small enough are returned unchanged.
func Fit(img image.Image, maxSize int) image.Image {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if maxSize <= 0 || (width <= maxSize && height <= maxSize) {
		return img
	}

	var newWidth, newHeight int
	if width > height {
		newWidth = maxSize
		newHeight = max(1, int(float64(height)*float64(maxSize)/float64(width)))
	} else {
		newHeight = maxSize
		newWidth = max(1, int(float64(width)*float64(maxSize)/float64(height)))
	}

	resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)
	return resized
}
