// Package preprocess turns encoded image bytes into the normalized tensor the
// vision encoder expects.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"strings"

	"github.com/cozy-creator/caption-server/internal/types"

	"github.com/anthonynsimon/bild/transform"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var ErrDecode = errors.New("failed to decode image")

// CLIP normalization constants, per RGB channel.
var (
	Mean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	Std  = [3]float32{0.26862954, 0.2613026, 0.2757771}
)

// Preprocess decodes data, resizes it to fill a 384x384 square (cropping the
// overflow around the centre), drops alpha and normalizes every channel.
func Preprocess(data []byte) (*types.ImageTensor, error) {
	img, _, err := Decode(data)
	if err != nil {
		return nil, err
	}

	return FromImage(img), nil
}

// Decode sniffs the content type of data and decodes it. The detected MIME
// type is returned for logging.
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty input", ErrDecode)
	}

	mime := mimetype.Detect(data).String()
	if !strings.HasPrefix(mime, "image/") {
		return nil, mime, fmt.Errorf("%w: unsupported content type %s", ErrDecode, mime)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, mime, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	if img.Bounds().Empty() {
		return nil, mime, fmt.Errorf("%w: image has no pixels", ErrDecode)
	}

	return img, mime, nil
}

// FromImage builds the normalized tensor for an already decoded image.
func FromImage(img image.Image) *types.ImageTensor {
	filled := ResizeToFill(img, types.ImageSize, types.ImageSize)
	return Normalize(filled)
}

// ResizeToFill scales img so that it covers width x height while keeping its
// aspect ratio, then crops the excess evenly from both sides.
func ResizeToFill(img image.Image, width, height int) *image.RGBA {
	b := img.Bounds()
	rw, rh := fillDimensions(b.Dx(), b.Dy(), width, height)
	resized := transform.Resize(img, rw, rh, transform.Linear)

	var rect image.Rectangle
	if uint64(width)*uint64(rh) > uint64(rw)*uint64(height) {
		y := (rh - height) / 2
		rect = image.Rect(0, y, width, y+height)
	} else {
		x := (rw - width) / 2
		rect = image.Rect(x, 0, x+width, height)
	}

	return transform.Crop(resized, rect)
}

func fillDimensions(w, h, width, height int) (int, int) {
	ratio := math.Max(float64(width)/float64(w), float64(height)/float64(h))

	nw := int(math.Round(float64(w) * ratio))
	nh := int(math.Round(float64(h) * ratio))

	return max(nw, 1), max(nh, 1)
}

// Normalize converts a 384x384 image to the channel-first tensor layout,
// scaling each channel to [0, 1] and applying the CLIP mean and std.
func Normalize(img image.Image) *types.ImageTensor {
	t := types.NewImageTensor()
	b := img.Bounds()
	plane := types.ImageSize * types.ImageSize

	for y := 0; y < types.ImageSize; y++ {
		for x := 0; x < types.ImageSize; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			idx := y*types.ImageSize + x

			t.Data[idx] = (float32(c.R)/255 - Mean[0]) / Std[0]
			t.Data[plane+idx] = (float32(c.G)/255 - Mean[1]) / Std[1]
			t.Data[2*plane+idx] = (float32(c.B)/255 - Mean[2]) / Std[2]
		}
	}

	return t
}
