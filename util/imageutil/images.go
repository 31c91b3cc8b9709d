package imageutil

import (
	"bytes"
	"encoding/base64"
	"image"
	_ "image/jpeg"
	"image/png"

	"github.com/film69/fastmodel/util/fileutil"
)

func LoadImageFromPath(path string) (image.Image, error) {
	b, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	return img, nil
}

// Thumbnail shrinks img so that neither side exceeds maxSize, keeping the aspect ratio.
// Images already within bounds are returned unchanged.
func Thumbnail(img image.Image, maxSize int) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if maxSize <= 0 || (w <= maxSize && h <= maxSize) {
		return img
	}
	var newW, newH int
	if w >= h {
		newW = maxSize
		newH = max(1, int(float64(h)*float64(maxSize)/float64(w)+0.5))
	} else {
		newH = maxSize
		newW = max(1, int(float64(w)*float64(maxSize)/float64(h)+0.5))
	}
	return resizeImage(img, newW, newH)
}

// EncodePNGBase64 serialises an image for the worker wire format.
func EncodePNGBase64(img image.Image) (string, error) {
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// resizeImage resizes an image to the given width and height using nearest neighbor.
func resizeImage(img image.Image, newW, newH int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	srcBounds := img.Bounds()
	for y := 0; y < newH; y++ {
		for x := 0; x < newW; x++ {
			srcX := srcBounds.Min.X + x*srcBounds.Dx()/newW
			srcY := srcBounds.Min.Y + y*srcBounds.Dy()/newH
			dst.Set(x, y, img.At(srcX, srcY))
		}
	}
	return dst
}
