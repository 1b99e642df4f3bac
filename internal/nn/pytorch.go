package nn

import (
	"container/list"
	"fmt"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"go.uber.org/multierr"
)

func loadPyTorchFile(path string, arch Architecture) (*Weights, error) {
	if err := arch.Validate(); err != nil {
		return nil, &WeightLoadError{Err: err}
	}
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, &WeightLoadError{Err: fmt.Errorf("parse pytorch file: %w", err)}
	}
	return WeightsFromStateDict(obj, arch)
}

// WeightsFromStateDict converts an unpickled PyTorch state dict into weights
// for arch. Only contiguous float32 tensors are accepted.
func WeightsFromStateDict(obj interface{}, arch Architecture) (*Weights, error) {
	dict, ok := obj.(*types.OrderedDict)
	if !ok {
		return nil, &WeightLoadError{Err: fmt.Errorf("expected a state dict, got %T", obj)}
	}

	var errs error
	tensors := make(map[string]WeightTensor, dict.List.Len())
	for e := dict.List.Front(); e != nil; e = e.Next() {
		name, t, err := stateDictEntry(e)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		tensors[name] = t
	}
	if errs != nil {
		return nil, &WeightLoadError{Err: errs}
	}

	w, err := NewWeights(arch, tensors)
	if err != nil {
		return nil, err
	}
	w.format = FormatPyTorch
	return w, nil
}

func stateDictEntry(e *list.Element) (string, WeightTensor, error) {
	entry, ok := e.Value.(*types.OrderedDictEntry)
	if !ok {
		return "", WeightTensor{}, fmt.Errorf("unexpected state dict entry %T", e.Value)
	}
	name, ok := entry.Key.(string)
	if !ok {
		return "", WeightTensor{}, fmt.Errorf("state dict key %v is not a string", entry.Key)
	}
	tensor, ok := entry.Value.(*pytorch.Tensor)
	if !ok {
		return "", WeightTensor{}, fmt.Errorf("state dict entry %s is %T, not a tensor", name, entry.Value)
	}
	storage, ok := tensor.Source.(*pytorch.FloatStorage)
	if !ok {
		return "", WeightTensor{}, fmt.Errorf("tensor %s has storage %T, want float32", name, tensor.Source)
	}

	elements := 1
	for _, d := range tensor.Size {
		elements *= d
	}
	if !contiguous(tensor.Size, tensor.Stride) {
		return "", WeightTensor{}, fmt.Errorf("tensor %s is not contiguous (stride %v)", name, tensor.Stride)
	}
	begin, end := tensor.StorageOffset, tensor.StorageOffset+elements
	if begin < 0 || end > len(storage.Data) {
		return "", WeightTensor{}, fmt.Errorf("tensor %s spans [%d, %d) of a %d value storage", name, begin, end, len(storage.Data))
	}

	data := make([]float32, elements)
	copy(data, storage.Data[begin:end])
	return name, WeightTensor{Shape: append([]int(nil), tensor.Size...), Data: data}, nil
}

// contiguous reports whether stride is the row-major stride of size.
func contiguous(size, stride []int) bool {
	if len(size) != len(stride) {
		return false
	}
	expected := 1
	for i := len(size) - 1; i >= 0; i-- {
		if size[i] != 1 && stride[i] != expected {
			return false
		}
		expected *= size[i]
	}
	return true
}
