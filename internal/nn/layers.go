package nn

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Conv2D is a 2D convolution with square kernels. Weight is laid out
// [out][in][kernel][kernel], Bias is [out].
type Conv2D struct {
	InChannels  int
	OutChannels int
	Kernel      int
	Stride      int
	Padding     int
	Weight      []float32
	Bias        []float32
}

// OutputSize returns the spatial size produced for an h x w input.
func (l *Conv2D) OutputSize(h, w int) (int, int) {
	oh := (h+2*l.Padding-l.Kernel)/l.Stride + 1
	ow := (w+2*l.Padding-l.Kernel)/l.Stride + 1
	return oh, ow
}

// Forward convolves in by lowering each batch element to a column matrix and
// multiplying it with the weight matrix.
func (l *Conv2D) Forward(in Tensor) (Tensor, error) {
	if err := in.check(); err != nil {
		return Tensor{}, err
	}
	if in.Shape[1] != l.InChannels {
		return Tensor{}, fmt.Errorf("conv2d: input has %d channels, want %d", in.Shape[1], l.InChannels)
	}
	n, h, w := in.Shape[0], in.Shape[2], in.Shape[3]
	oh, ow := l.OutputSize(h, w)
	if oh <= 0 || ow <= 0 {
		return Tensor{}, fmt.Errorf("conv2d: input %dx%d too small for kernel %d", h, w, l.Kernel)
	}

	rows := l.InChannels * l.Kernel * l.Kernel
	cols := oh * ow
	col := make([]float32, rows*cols)
	out := NewTensor(n, l.OutChannels, oh, ow)
	weights := blas32.General{Rows: l.OutChannels, Cols: rows, Stride: rows, Data: l.Weight}

	for b := 0; b < n; b++ {
		src := in.Data[b*l.InChannels*h*w : (b+1)*l.InChannels*h*w]
		l.im2col(src, h, w, oh, ow, col)

		dst := out.Data[b*l.OutChannels*cols : (b+1)*l.OutChannels*cols]
		for o := 0; o < l.OutChannels; o++ {
			row := dst[o*cols : (o+1)*cols]
			for i := range row {
				row[i] = l.Bias[o]
			}
		}
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, weights,
			blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: col},
			1, blas32.General{Rows: l.OutChannels, Cols: cols, Stride: cols, Data: dst})
	}
	return out, nil
}

// im2col writes one row per (channel, ky, kx) holding the input value each
// output position sees through that kernel tap. Taps that land in the padding
// are zero.
func (l *Conv2D) im2col(src []float32, h, w, oh, ow int, col []float32) {
	k := l.Kernel
	for c := 0; c < l.InChannels; c++ {
		plane := src[c*h*w : (c+1)*h*w]
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				row := col[((c*k+ky)*k+kx)*oh*ow:][:oh*ow]
				for oy := 0; oy < oh; oy++ {
					dst := row[oy*ow : (oy+1)*ow]
					iy := oy*l.Stride + ky - l.Padding
					if iy < 0 || iy >= h {
						for i := range dst {
							dst[i] = 0
						}
						continue
					}
					line := plane[iy*w : (iy+1)*w]
					for ox := range dst {
						ix := ox*l.Stride + kx - l.Padding
						if ix < 0 || ix >= w {
							dst[ox] = 0
							continue
						}
						dst[ox] = line[ix]
					}
				}
			}
		}
	}
}

// ReLU clamps negative values to zero in place.
func ReLU(values []float32) {
	for i, v := range values {
		if v < 0 {
			values[i] = 0
		}
	}
}

// MaxPool2D takes the maximum over Size x Size windows moved by Stride.
// Partial windows at the edges are dropped.
type MaxPool2D struct {
	Size   int
	Stride int
}

// Forward pools every channel of in.
func (p MaxPool2D) Forward(in Tensor) (Tensor, error) {
	if err := in.check(); err != nil {
		return Tensor{}, err
	}
	n, c, h, w := in.Shape[0], in.Shape[1], in.Shape[2], in.Shape[3]
	oh := (h-p.Size)/p.Stride + 1
	ow := (w-p.Size)/p.Stride + 1
	if oh <= 0 || ow <= 0 {
		return Tensor{}, fmt.Errorf("maxpool: input %dx%d smaller than window %d", h, w, p.Size)
	}

	out := NewTensor(n, c, oh, ow)
	for plane := 0; plane < n*c; plane++ {
		src := in.Data[plane*h*w : (plane+1)*h*w]
		dst := out.Data[plane*oh*ow : (plane+1)*oh*ow]
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				y0, x0 := oy*p.Stride, ox*p.Stride
				best := src[y0*w+x0]
				for dy := 0; dy < p.Size; dy++ {
					for dx := 0; dx < p.Size; dx++ {
						if v := src[(y0+dy)*w+x0+dx]; v > best {
							best = v
						}
					}
				}
				dst[oy*ow+ox] = best
			}
		}
	}
	return out, nil
}

// Linear is a fully connected layer. Weight is laid out [out][in].
type Linear struct {
	In     int
	Out    int
	Weight []float32
	Bias   []float32
}

// Forward returns Weight*x + Bias.
func (l *Linear) Forward(x []float32) ([]float32, error) {
	if len(x) != l.In {
		return nil, fmt.Errorf("linear: input has %d values, want %d", len(x), l.In)
	}
	y := make([]float32, l.Out)
	copy(y, l.Bias)
	blas32.Gemv(blas.NoTrans, 1,
		blas32.General{Rows: l.Out, Cols: l.In, Stride: l.In, Data: l.Weight},
		blas32.Vector{N: l.In, Inc: 1, Data: x},
		1, blas32.Vector{N: l.Out, Inc: 1, Data: y})
	return y, nil
}
