// Package bloodgroup maps classifier output to blood group labels.
package bloodgroup

import (
	"fmt"
	"math"
)

// NumClasses is the number of classifier outputs.
const NumClasses = 8

// Labels is index-aligned to the classifier's output layer. Changing the order
// invalidates every trained weight file.
var Labels = [NumClasses]string{"A+", "A-", "AB+", "AB-", "B+", "B-", "O+", "O-"}

// Scores holds one unnormalized score per entry of Labels.
type Scores [NumClasses]float32

// MalformedScoresError reports a score vector whose length does not match
// Labels. It means the classifier and decoder disagree about the output layer.
type MalformedScoresError struct {
	Got int
}

func (e *MalformedScoresError) Error() string {
	return fmt.Sprintf("malformed scores: got %d values, want %d", e.Got, NumClasses)
}

// ScoresFrom copies values into a Scores array.
func ScoresFrom(values []float32) (Scores, error) {
	var s Scores
	if len(values) != NumClasses {
		return s, &MalformedScoresError{Got: len(values)}
	}
	copy(s[:], values)
	return s, nil
}

// Decode returns the label of the highest score. On exact ties the lowest
// index wins. NaN never wins unless every score is NaN, in which case the first
// label is returned.
func Decode(scores []float32) (string, error) {
	if len(scores) != NumClasses {
		return "", &MalformedScoresError{Got: len(scores)}
	}
	return Labels[ArgMax(scores)], nil
}

// ArgMax returns the index of the first maximum of values, skipping NaN.
// It returns 0 for an empty or all-NaN slice.
func ArgMax(values []float32) int {
	best := -1
	for i, v := range values {
		if v != v {
			continue
		}
		if best < 0 || v > values[best] {
			best = i
		}
	}
	if best < 0 {
		return 0
	}
	return best
}

// Label decodes s. It cannot fail since s always has NumClasses entries.
func (s Scores) Label() string {
	return Labels[ArgMax(s[:])]
}

// IsLabel reports whether label is one of Labels.
func IsLabel(label string) bool {
	return IndexOf(label) >= 0
}

// IndexOf returns the position of label in Labels, or -1.
func IndexOf(label string) int {
	for i, l := range Labels {
		if l == label {
			return i
		}
	}
	return -1
}

// Softmax turns raw scores into probabilities. It is for display only; the
// predicted label is always the arg-max regardless of how flat the
// distribution is.
func Softmax(s Scores) Scores {
	maxScore := math.Inf(-1)
	for _, v := range s {
		if float64(v) > maxScore {
			maxScore = float64(v)
		}
	}

	var sum float64
	var exps [NumClasses]float64
	for i, v := range s {
		exps[i] = math.Exp(float64(v) - maxScore)
		sum += exps[i]
	}

	var out Scores
	for i := range exps {
		out[i] = float32(exps[i] / sum)
	}
	return out
}

// Probabilities returns Softmax(s) keyed by label.
func (s Scores) Probabilities() map[string]float32 {
	probs := Softmax(s)
	out := make(map[string]float32, NumClasses)
	for i, label := range Labels {
		out[label] = probs[i]
	}
	return out
}
