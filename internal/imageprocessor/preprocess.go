package imageprocessor

import (
	"errors"
	"image"

	"github.com/nfnt/resize"

	"github.com/example/bloodgroup/internal/nn"
)

// Normalization is the per-channel affine transform applied after scaling
// pixels to [0, 1]. It is part of the weights' training contract.
type Normalization struct {
	Mean [3]float32
	Std  [3]float32
}

// ImageNetNormalization is the normalization the classifier was trained with.
var ImageNetNormalization = Normalization{
	Mean: [3]float32{0.485, 0.456, 0.406},
	Std:  [3]float32{0.229, 0.224, 0.225},
}

// Preprocessor resizes images to the network input and normalizes them.
type Preprocessor struct {
	size int
	norm Normalization
}

// NewPreprocessor returns a preprocessor producing [1, 3, size, size] tensors
// with ImageNet normalization.
func NewPreprocessor(size int) *Preprocessor {
	return &Preprocessor{size: size, norm: ImageNetNormalization}
}

// Size returns the side of the square output.
func (p *Preprocessor) Size() int {
	return p.size
}

// Preprocess converts img to RGB, stretches it to size x size with bilinear
// interpolation and emits the normalized NCHW tensor.
func (p *Preprocessor) Preprocess(img image.Image) (nn.Tensor, error) {
	if img == nil || img.Bounds().Empty() {
		return nn.Tensor{}, &DecodeError{Err: errors.New("image has no pixels")}
	}

	rgb, ok := img.(*image.RGBA)
	if !ok || !isOpaque(rgb) {
		rgb = ToRGB(img)
	}
	resized := resize.Resize(uint(p.size), uint(p.size), rgb, resize.Bilinear)

	t := nn.NewTensor(1, 3, p.size, p.size)
	plane := p.size * p.size
	b := resized.Bounds()
	for y := 0; y < p.size; y++ {
		for x := 0; x < p.size; x++ {
			r, g, bl, _ := resized.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := y*p.size + x
			t.Data[i] = p.normalize(0, r)
			t.Data[plane+i] = p.normalize(1, g)
			t.Data[2*plane+i] = p.normalize(2, bl)
		}
	}
	return t, nil
}

func (p *Preprocessor) normalize(c int, v uint32) float32 {
	scaled := float32(v>>8) / 255
	return (scaled - p.norm.Mean[c]) / p.norm.Std[c]
}
