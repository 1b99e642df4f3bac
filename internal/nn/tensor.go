// Package nn implements the fixed convolutional classifier used to predict
// blood groups, its layers and its weight file format.
package nn

import "fmt"

// Tensor is a dense NCHW float32 array. A Tensor belongs to the call that
// created it and is never shared between classifications.
type Tensor struct {
	Shape [4]int
	Data  []float32
}

// NewTensor allocates a zeroed tensor of shape [n, c, h, w].
func NewTensor(n, c, h, w int) Tensor {
	return Tensor{Shape: [4]int{n, c, h, w}, Data: make([]float32, n*c*h*w)}
}

// Len returns the number of elements described by Shape.
func (t Tensor) Len() int {
	return t.Shape[0] * t.Shape[1] * t.Shape[2] * t.Shape[3]
}

// Index returns the offset of element (n, c, y, x) in Data.
func (t Tensor) Index(n, c, y, x int) int {
	return ((n*t.Shape[1]+c)*t.Shape[2]+y)*t.Shape[3] + x
}

// At returns element (n, c, y, x).
func (t Tensor) At(n, c, y, x int) float32 {
	return t.Data[t.Index(n, c, y, x)]
}

func (t Tensor) check() error {
	for _, d := range t.Shape {
		if d <= 0 {
			return fmt.Errorf("tensor has non-positive dimension: %v", t.Shape)
		}
	}
	if len(t.Data) != t.Len() {
		return fmt.Errorf("tensor data has %d values, shape %v needs %d", len(t.Data), t.Shape, t.Len())
	}
	return nil
}

// ShapeError reports an input tensor whose shape does not match the network.
type ShapeError struct {
	Want [4]int
	Got  [4]int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("input shape %v does not match network input %v", e.Got, e.Want)
}
