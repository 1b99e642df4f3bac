package nn

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nlpodyssey/safetensors"
	"go.uber.org/multierr"
)

// Weight files are read in the safetensors layout, or as a PyTorch state
// dict (.pt/.pth) saved with torch.save(model.state_dict()).
const (
	FormatSafetensors = "safetensors"
	FormatPyTorch     = "pytorch"
)

// WeightLoadError reports a weight file that cannot serve the architecture.
// It is a startup failure; the service must not accept requests without
// valid weights.
type WeightLoadError struct {
	Path string
	Err  error
}

func (e *WeightLoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("load weights: %v", e.Err)
	}
	return fmt.Sprintf("load weights %s: %v", e.Path, e.Err)
}

func (e *WeightLoadError) Unwrap() error {
	return e.Err
}

// WeightTensor is one named parameter.
type WeightTensor struct {
	Shape []int
	Data  []float32
}

// Weights is a validated, immutable set of parameters.
type Weights struct {
	tensors     map[string]WeightTensor
	format      string
	fingerprint string
}

// Fingerprint is the hex SHA-256 of the little-endian tensor data in
// TensorSpecs order. It does not depend on the file format.
func (w *Weights) Fingerprint() string {
	return w.fingerprint
}

// Format names the file format the weights were read from, or is empty for
// weights built in memory.
func (w *Weights) Format() string {
	return w.format
}

// NewWeights validates in-memory tensors against arch.
func NewWeights(arch Architecture, tensors map[string]WeightTensor) (*Weights, error) {
	w := &Weights{tensors: tensors}
	if err := w.conforms(arch); err != nil {
		return nil, &WeightLoadError{Err: err}
	}

	h := sha256.New()
	buf := make([]byte, 4)
	for _, spec := range arch.TensorSpecs() {
		for _, v := range tensors[spec.Name].Data {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			h.Write(buf)
		}
	}
	w.fingerprint = hex.EncodeToString(h.Sum(nil))
	return w, nil
}

func (w *Weights) conforms(arch Architecture) error {
	var errs error
	for _, spec := range arch.TensorSpecs() {
		t, ok := w.tensors[spec.Name]
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("missing tensor %s", spec.Name))
			continue
		}
		if !equalShape(t.Shape, spec.Shape) {
			errs = multierr.Append(errs, fmt.Errorf("tensor %s has shape %v, want %v", spec.Name, t.Shape, spec.Shape))
			continue
		}
		if len(t.Data) != spec.Elements() {
			errs = multierr.Append(errs, fmt.Errorf("tensor %s has %d values, want %d", spec.Name, len(t.Data), spec.Elements()))
		}
	}
	if len(w.tensors) != len(arch.TensorSpecs()) {
		errs = multierr.Append(errs, unexpectedTensors(w.tensors, arch))
	}
	return errs
}

func unexpectedTensors[T any](tensors map[string]T, arch Architecture) error {
	known := make(map[string]bool)
	for _, spec := range arch.TensorSpecs() {
		known[spec.Name] = true
	}
	var extra []string
	for name := range tensors {
		if !known[name] {
			extra = append(extra, name)
		}
	}
	if len(extra) == 0 {
		return nil
	}
	sort.Strings(extra)
	return fmt.Errorf("unexpected tensors %v", extra)
}

// LoadWeightsFile reads and validates the weight file at path. Files ending
// in .pt or .pth are read as PyTorch state dicts, anything else as
// safetensors.
func LoadWeightsFile(path string, arch Architecture) (*Weights, error) {
	var (
		w   *Weights
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pt", ".pth":
		w, err = loadPyTorchFile(path, arch)
	default:
		w, err = loadSafetensorsFile(path, arch)
	}
	if err != nil {
		var wle *WeightLoadError
		if errors.As(err, &wle) {
			wle.Path = path
		}
		return nil, err
	}
	return w, nil
}

func loadSafetensorsFile(path string, arch Architecture) (*Weights, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &WeightLoadError{Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, &WeightLoadError{Err: err}
	}
	return ReadWeights(f, info.Size(), arch)
}

// ReadWeights parses a safetensors buffer of the given size. Every tensor's
// presence, dtype and shape is checked against arch before any tensor data is
// converted.
func ReadWeights(r io.ReaderAt, size int64, arch Architecture) (*Weights, error) {
	if err := arch.Validate(); err != nil {
		return nil, &WeightLoadError{Err: err}
	}
	buf := make([]byte, size)
	if err := readFullAt(r, buf, 0); err != nil {
		return nil, &WeightLoadError{Err: fmt.Errorf("read weight file: %w", err)}
	}
	st, err := safetensors.Deserialize(buf)
	if err != nil {
		return nil, &WeightLoadError{Err: fmt.Errorf("parse safetensors: %w", err)}
	}
	if err := checkViews(&st, arch); err != nil {
		return nil, &WeightLoadError{Err: err}
	}

	h := sha256.New()
	tensors := make(map[string]WeightTensor, len(arch.TensorSpecs()))
	for _, spec := range arch.TensorSpecs() {
		view, _ := st.Tensor(spec.Name)
		raw := view.Data()
		h.Write(raw)
		data := make([]float32, spec.Elements())
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
		tensors[spec.Name] = WeightTensor{Shape: append([]int(nil), spec.Shape...), Data: data}
	}

	return &Weights{
		tensors:     tensors,
		format:      FormatSafetensors,
		fingerprint: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

func checkViews(st *safetensors.SafeTensors, arch Architecture) error {
	var errs error
	for _, spec := range arch.TensorSpecs() {
		view, ok := st.Tensor(spec.Name)
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("missing tensor %s", spec.Name))
			continue
		}
		if view.DType() != safetensors.F32 {
			errs = multierr.Append(errs, fmt.Errorf("tensor %s has dtype %v, want %v", spec.Name, view.DType(), safetensors.F32))
			continue
		}
		shape := toInts(view.Shape())
		if !equalShape(shape, spec.Shape) {
			errs = multierr.Append(errs, fmt.Errorf("tensor %s has shape %v, want %v", spec.Name, shape, spec.Shape))
			continue
		}
		if n := len(view.Data()); n != 4*spec.Elements() {
			errs = multierr.Append(errs, fmt.Errorf("tensor %s spans %d bytes, want %d", spec.Name, n, 4*spec.Elements()))
		}
	}

	names := st.Names()
	if len(names) != len(arch.TensorSpecs()) {
		present := make(map[string]struct{}, len(names))
		for _, name := range names {
			present[name] = struct{}{}
		}
		errs = multierr.Append(errs, unexpectedTensors(present, arch))
	}
	return errs
}

// readFullAt tolerates the io.EOF a ReaderAt may return alongside a read that
// ends exactly at the end of the input.
func readFullAt(r io.ReaderAt, b []byte, off int64) error {
	n, err := r.ReadAt(b, off)
	if n == len(b) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// WriteWeights serializes tensors as safetensors with the given string
// metadata.
func WriteWeights(w io.Writer, tensors map[string]WeightTensor, metadata map[string]string) error {
	views := make(map[string]safetensors.TensorView, len(tensors))
	for name, t := range tensors {
		raw := make([]byte, 4*len(t.Data))
		for i, v := range t.Data {
			binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
		}
		view, err := safetensors.NewTensorView(safetensors.F32, toUint64s(t.Shape), raw)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", name, err)
		}
		views[name] = view
	}

	out, err := safetensors.Serialize(views, metadata)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

func toInts(shape []uint64) []int {
	out := make([]int, len(shape))
	for i, d := range shape {
		out[i] = int(d)
	}
	return out
}

func toUint64s(shape []int) []uint64 {
	out := make([]uint64, len(shape))
	for i, d := range shape {
		out[i] = uint64(d)
	}
	return out
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
