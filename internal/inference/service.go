// Package inference is the single entry point callers use to classify a
// fingerprint image.
package inference

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/bloodgroup/internal/bloodgroup"
	"github.com/example/bloodgroup/internal/imageprocessor"
	"github.com/example/bloodgroup/internal/nn"
)

// Result is the outcome of one classification. It is returned by value and
// shares no memory with the service.
type Result struct {
	Label     string
	RawScores bloodgroup.Scores
}

// Probabilities returns the softmax of RawScores keyed by label.
func (r Result) Probabilities() map[string]float32 {
	return r.RawScores.Probabilities()
}

// Service runs decode, preprocess, forward pass and label decoding in
// sequence. It is built once at startup and is safe for concurrent use: it
// holds only the immutable classifier weights.
type Service struct {
	decoder      imageprocessor.RGBDecoder
	preprocessor *imageprocessor.Preprocessor
	classifier   *nn.Classifier
}

// Option customises a Service.
type Option func(*Service)

// WithDecoder replaces the standard image decoder.
func WithDecoder(d imageprocessor.RGBDecoder) Option {
	return func(s *Service) {
		s.decoder = d
	}
}

// NewService builds a service around classifier. The preprocessor is sized to
// the classifier's input.
func NewService(classifier *nn.Classifier, opts ...Option) *Service {
	s := &Service{
		decoder:      imageprocessor.StandardDecoder{},
		preprocessor: imageprocessor.NewPreprocessor(classifier.Architecture().InputSize),
		classifier:   classifier,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ModelID identifies the loaded weights.
func (s *Service) ModelID() string {
	return s.classifier.Fingerprint()
}

// Classify predicts the blood group for encoded image bytes. Invalid images
// fail with *imageprocessor.DecodeError. The context is not consulted once
// computation has started; classification of one image is short and runs to
// completion.
func (s *Service) Classify(_ context.Context, imageBytes []byte) (Result, error) {
	img, err := s.decoder.DecodeRGB(imageBytes)
	if err != nil {
		var decodeErr *imageprocessor.DecodeError
		if !errors.As(err, &decodeErr) {
			err = &imageprocessor.DecodeError{Err: err}
		}
		return Result{}, err
	}

	tensor, err := s.preprocessor.Preprocess(img)
	if err != nil {
		return Result{}, err
	}

	raw, err := s.classifier.Forward(tensor)
	if err != nil {
		return Result{}, fmt.Errorf("forward pass: %w", err)
	}

	label, err := bloodgroup.Decode(raw)
	if err != nil {
		return Result{}, err
	}
	scores, err := bloodgroup.ScoresFrom(raw)
	if err != nil {
		return Result{}, err
	}
	return Result{Label: label, RawScores: scores}, nil
}
