package bloodgroup

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePicksMaximum(t *testing.T) {
	for i, want := range Labels {
		scores := make([]float32, NumClasses)
		scores[i] = 3.5
		got, err := Decode(scores)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestDecodeTieBreaksToLowerIndex(t *testing.T) {
	scores := []float32{0.1, 2, 0.3, 2, 2, -1, 0, 0}
	got, err := Decode(scores)
	require.NoError(t, err)
	assert.Equal(t, "A-", got)

	equal := []float32{1, 1, 1, 1, 1, 1, 1, 1}
	got, err = Decode(equal)
	require.NoError(t, err)
	assert.Equal(t, "A+", got)
}

func TestDecodeNegativeScores(t *testing.T) {
	got, err := Decode([]float32{-9, -8, -7, -6, -5, -4, -3, -0.5})
	require.NoError(t, err)
	assert.Equal(t, "O-", got)
}

func TestDecodeSkipsNaN(t *testing.T) {
	nan := float32(math.NaN())
	got, err := Decode([]float32{nan, -1, nan, 4, nan, 2, nan, 0})
	require.NoError(t, err)
	assert.Equal(t, "AB-", got)

	got, err = Decode([]float32{nan, nan, nan, nan, nan, nan, nan, nan})
	require.NoError(t, err)
	assert.Equal(t, "A+", got)
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	for _, n := range []int{0, 1, 7, 9, 512} {
		_, err := Decode(make([]float32, n))
		var malformed *MalformedScoresError
		require.True(t, errors.As(err, &malformed), "length %d", n)
		assert.Equal(t, n, malformed.Got)
	}
}

func TestDecodeAlwaysReturnsKnownLabel(t *testing.T) {
	// deterministic pseudo-random sweep
	seed := uint32(7)
	for round := 0; round < 500; round++ {
		scores := make([]float32, NumClasses)
		for i := range scores {
			seed = seed*1664525 + 1013904223
			scores[i] = float32(int32(seed)) / 1e6
		}
		label, err := Decode(scores)
		require.NoError(t, err)
		assert.True(t, IsLabel(label), label)
	}
}

func TestScoresFrom(t *testing.T) {
	s, err := ScoresFrom([]float32{0, 0, 0, 0, 0, 0, 9, 0})
	require.NoError(t, err)
	assert.Equal(t, "O+", s.Label())

	_, err = ScoresFrom([]float32{1, 2})
	var malformed *MalformedScoresError
	assert.ErrorAs(t, err, &malformed)
}

func TestSoftmax(t *testing.T) {
	probs := Softmax(Scores{1000, 1000, 0, 0, 0, 0, 0, 0})
	assert.InDelta(t, 0.5, probs[0], 1e-6)
	assert.InDelta(t, 0.5, probs[1], 1e-6)

	var sum float32
	for _, p := range Softmax(Scores{0.2, -1, 3, 0.5, 0, 0, 1, 2}) {
		sum += p
	}
	assert.InDelta(t, 1, sum, 1e-5)
}

func TestIndexOf(t *testing.T) {
	assert.Equal(t, 2, IndexOf("AB+"))
	assert.Equal(t, -1, IndexOf("C+"))
	assert.False(t, IsLabel(""))
	assert.Len(t, Scores{}.Probabilities(), NumClasses)
}
