// Package imageprocessor turns uploaded image bytes into classifier input.
package imageprocessor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DecodeError means the input could not be read as an image. Callers must
// treat it as rejected input; retrying the same bytes fails the same way.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// RGBDecoder decodes encoded image bytes into an opaque RGB raster. It is the
// only capability the pipeline needs from an imaging backend.
type RGBDecoder interface {
	DecodeRGB(data []byte) (*image.RGBA, error)
}

// StandardDecoder decodes PNG, JPEG, GIF, BMP, TIFF and WebP.
type StandardDecoder struct{}

// DecodeRGB implements RGBDecoder.
func (StandardDecoder) DecodeRGB(data []byte) (*image.RGBA, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Err: errors.New("empty input")}
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	if img.Bounds().Empty() {
		return nil, &DecodeError{Err: errors.New("image has no pixels")}
	}
	return ToRGB(img), nil
}

// ToRGB converts img to an opaque RGBA raster with origin (0, 0). Alpha is
// discarded rather than composited: each pixel keeps its un-premultiplied
// color. Gray images get their luminance copied into all three channels.
func ToRGB(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))

	switch src := img.(type) {
	case *image.RGBA:
		if isOpaque(src) {
			draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
			return dst
		}
	case *image.Gray:
		for y := 0; y < b.Dy(); y++ {
			row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < b.Dx(); x++ {
				v := row[x]
				i := dst.PixOffset(x, y)
				dst.Pix[i], dst.Pix[i+1], dst.Pix[i+2], dst.Pix[i+3] = v, v, v, 0xff
			}
		}
		return dst
	case *image.NRGBA64:
		// Pix holds big-endian 16 bit samples; the high byte of each is the
		// 8 bit value. Going through color.NRGBAModel would premultiply first.
		for y := 0; y < b.Dy(); y++ {
			row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < b.Dx(); x++ {
				p := row[8*x:]
				i := dst.PixOffset(x, y)
				dst.Pix[i], dst.Pix[i+1], dst.Pix[i+2], dst.Pix[i+3] = p[0], p[2], p[4], 0xff
			}
		}
		return dst
	}

	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := dst.PixOffset(x, y)
			dst.Pix[i], dst.Pix[i+1], dst.Pix[i+2], dst.Pix[i+3] = c.R, c.G, c.B, 0xff
		}
	}
	return dst
}

func isOpaque(img *image.RGBA) bool {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):]
		for x := 0; x < b.Dx(); x++ {
			if row[4*x+3] != 0xff {
				return false
			}
		}
	}
	return true
}
