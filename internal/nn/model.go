package nn

import (
	"errors"
	"fmt"

	"github.com/example/bloodgroup/internal/bloodgroup"
)

// Architecture describes the two-stage conv net. Every stage uses 3x3
// convolutions with padding 1 followed by ReLU and a 2x2 max pool, then two
// fully connected layers end in one score per blood group.
type Architecture struct {
	InputSize     int
	InputChannels int
	Conv1Channels int
	Conv2Channels int
	Hidden        int
}

// DefaultArchitecture is the production network: 3x224x224 input,
// conv 3->32, conv 32->64, fc 64*56*56->512, fc 512->8.
var DefaultArchitecture = Architecture{
	InputSize:     224,
	InputChannels: 3,
	Conv1Channels: 32,
	Conv2Channels: 64,
	Hidden:        512,
}

const (
	kernelSize = 3
	poolSize   = 2
)

// Names of the tensors in a weight file, matching the PyTorch state_dict keys.
const (
	Conv1Weight = "conv1.weight"
	Conv1Bias   = "conv1.bias"
	Conv2Weight = "conv2.weight"
	Conv2Bias   = "conv2.bias"
	FC1Weight   = "fc1.weight"
	FC1Bias     = "fc1.bias"
	FC2Weight   = "fc2.weight"
	FC2Bias     = "fc2.bias"
)

// TensorSpec names one parameter tensor and its required shape.
type TensorSpec struct {
	Name  string
	Shape []int
}

// Elements returns the number of values in the tensor.
func (s TensorSpec) Elements() int {
	n := 1
	for _, d := range s.Shape {
		n *= d
	}
	return n
}

// Validate checks that the architecture can be built.
func (a Architecture) Validate() error {
	if a.InputSize <= 0 || a.InputSize%(poolSize*poolSize) != 0 {
		return fmt.Errorf("input size %d must be a positive multiple of %d", a.InputSize, poolSize*poolSize)
	}
	if a.InputChannels <= 0 || a.Conv1Channels <= 0 || a.Conv2Channels <= 0 || a.Hidden <= 0 {
		return errors.New("channel counts and hidden width must be positive")
	}
	return nil
}

// PooledSize is the spatial side after both pooling stages.
func (a Architecture) PooledSize() int {
	return a.InputSize / (poolSize * poolSize)
}

// FlattenSize is the length of the vector fed to the first dense layer.
func (a Architecture) FlattenSize() int {
	s := a.PooledSize()
	return a.Conv2Channels * s * s
}

// InputShape is the tensor shape Forward accepts.
func (a Architecture) InputShape() [4]int {
	return [4]int{1, a.InputChannels, a.InputSize, a.InputSize}
}

// TensorSpecs lists every parameter tensor in load order.
func (a Architecture) TensorSpecs() []TensorSpec {
	return []TensorSpec{
		{Conv1Weight, []int{a.Conv1Channels, a.InputChannels, kernelSize, kernelSize}},
		{Conv1Bias, []int{a.Conv1Channels}},
		{Conv2Weight, []int{a.Conv2Channels, a.Conv1Channels, kernelSize, kernelSize}},
		{Conv2Bias, []int{a.Conv2Channels}},
		{FC1Weight, []int{a.Hidden, a.FlattenSize()}},
		{FC1Bias, []int{a.Hidden}},
		{FC2Weight, []int{bloodgroup.NumClasses, a.Hidden}},
		{FC2Bias, []int{bloodgroup.NumClasses}},
	}
}

// Classifier runs the network with a fixed set of weights. It holds no
// mutable state, so one instance serves any number of concurrent callers.
type Classifier struct {
	arch        Architecture
	conv1       *Conv2D
	conv2       *Conv2D
	pool        MaxPool2D
	fc1         *Linear
	fc2         *Linear
	fingerprint string
}

// NewClassifier wires the layers of arch to weights. Weights must have been
// validated against the same architecture.
func NewClassifier(arch Architecture, weights *Weights) (*Classifier, error) {
	if err := arch.Validate(); err != nil {
		return nil, &WeightLoadError{Err: err}
	}
	if weights == nil {
		return nil, &WeightLoadError{Err: errors.New("no weights")}
	}
	if err := weights.conforms(arch); err != nil {
		return nil, &WeightLoadError{Err: err}
	}

	conv := func(in, out int, w, b string) *Conv2D {
		return &Conv2D{
			InChannels:  in,
			OutChannels: out,
			Kernel:      kernelSize,
			Stride:      1,
			Padding:     1,
			Weight:      weights.tensors[w].Data,
			Bias:        weights.tensors[b].Data,
		}
	}
	dense := func(in, out int, w, b string) *Linear {
		return &Linear{In: in, Out: out, Weight: weights.tensors[w].Data, Bias: weights.tensors[b].Data}
	}

	return &Classifier{
		arch:        arch,
		conv1:       conv(arch.InputChannels, arch.Conv1Channels, Conv1Weight, Conv1Bias),
		conv2:       conv(arch.Conv1Channels, arch.Conv2Channels, Conv2Weight, Conv2Bias),
		pool:        MaxPool2D{Size: poolSize, Stride: poolSize},
		fc1:         dense(arch.FlattenSize(), arch.Hidden, FC1Weight, FC1Bias),
		fc2:         dense(arch.Hidden, bloodgroup.NumClasses, FC2Weight, FC2Bias),
		fingerprint: weights.Fingerprint(),
	}, nil
}

// LoadClassifier reads the weight file at path and builds a classifier for arch.
func LoadClassifier(path string, arch Architecture) (*Classifier, error) {
	weights, err := LoadWeightsFile(path, arch)
	if err != nil {
		return nil, err
	}
	c, err := NewClassifier(arch, weights)
	if err != nil {
		var wle *WeightLoadError
		if errors.As(err, &wle) && wle.Path == "" {
			wle.Path = path
		}
		return nil, err
	}
	return c, nil
}

// Architecture returns the network layout.
func (c *Classifier) Architecture() Architecture {
	return c.arch
}

// Fingerprint identifies the loaded weights.
func (c *Classifier) Fingerprint() string {
	return c.fingerprint
}

// Forward computes one unnormalized score per blood group for a single input
// image. The result has exactly bloodgroup.NumClasses entries.
func (c *Classifier) Forward(in Tensor) ([]float32, error) {
	if in.Shape != c.arch.InputShape() {
		return nil, &ShapeError{Want: c.arch.InputShape(), Got: in.Shape}
	}
	if err := in.check(); err != nil {
		return nil, err
	}

	x, err := c.stage(c.conv1, in)
	if err != nil {
		return nil, err
	}
	if x, err = c.stage(c.conv2, x); err != nil {
		return nil, err
	}

	// NCHW with a batch of one flattens in channel, row, column order.
	hidden, err := c.fc1.Forward(x.Data)
	if err != nil {
		return nil, err
	}
	ReLU(hidden)
	return c.fc2.Forward(hidden)
}

func (c *Classifier) stage(conv *Conv2D, in Tensor) (Tensor, error) {
	out, err := conv.Forward(in)
	if err != nil {
		return Tensor{}, err
	}
	ReLU(out.Data)
	return c.pool.Forward(out)
}
