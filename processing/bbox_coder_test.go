package processing

import (
	"testing"

	"github.com/okieraised/go-parta2-head/config"
	"github.com/okieraised/go-parta2-head/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

func randomBoxes(n, codeSize int, src rand.Source) []float32 {
	center := distuv.Uniform{Min: -40, Max: 40, Src: src}
	size := distuv.Uniform{Min: 0.5, Max: 5, Src: src}
	yaw := distuv.Uniform{Min: -3, Max: 3, Src: src}
	out := make([]float32, 0, n*codeSize)
	for i := 0; i < n; i++ {
		out = append(out,
			float32(center.Rand()), float32(center.Rand()), float32(center.Rand()/10),
			float32(size.Rand()), float32(size.Rand()), float32(size.Rand()),
			float32(yaw.Rand()))
		for k := 7; k < codeSize; k++ {
			out = append(out, float32(center.Rand()/10))
		}
	}
	return out
}

func TestDeltaXYZWLHRCoder_RoundTrip(t *testing.T) {
	src := rand.NewSource(7)
	for _, codeSize := range []int{7, 9} {
		coder, err := NewDeltaXYZWLHRCoder(codeSize)
		require.NoError(t, err)
		assert.Equal(t, codeSize, coder.CodeSize())

		anchors := utils.NewF32(randomBoxes(16, codeSize, src), 16, codeSize)
		targets := utils.NewF32(randomBoxes(16, codeSize, src), 16, codeSize)

		deltas, err := coder.Encode(anchors, targets)
		require.NoError(t, err)
		decoded, err := coder.Decode(anchors, deltas)
		require.NoError(t, err)
		assert.InDeltaSlice(t, targets.Float32s(), decoded.Float32s(), 1e-3)
	}
}

func TestDeltaXYZWLHRCoder_Encode(t *testing.T) {
	coder, err := NewDeltaXYZWLHRCoder(7)
	require.NoError(t, err)

	anchor := utils.NewF32([]float32{0, 0, 0, 3, 4, 2, 0}, 1, 7)
	target := utils.NewF32([]float32{5, -10, 1, 3, 4, 2, 0.5}, 1, 7)

	deltas, err := coder.Encode(anchor, target)
	require.NoError(t, err)
	// the anchor diagonal is 5, z is normalised by its height
	assert.InDeltaSlice(t, []float32{1, -2, 0.5, 0, 0, 0, 0.5}, deltas.Float32s(), 1e-6)

	zero, err := coder.Encode(anchor, anchor)
	require.NoError(t, err)
	assert.InDeltaSlice(t, make([]float32, 7), zero.Float32s(), 1e-6)
}

func TestDeltaXYZWLHRCoder_Invalid(t *testing.T) {
	_, err := NewDeltaXYZWLHRCoder(6)
	assert.Error(t, err)

	coder, err := NewBBoxCoder(config.BBoxCoderParams{Kind: config.CoderDeltaXYZWLHR, CodeSize: 7})
	require.NoError(t, err)
	_, err = coder.Encode(utils.NewF32(nil, 2, 7), utils.NewF32(nil, 3, 7))
	assert.Error(t, err)
	_, err = coder.Decode(utils.NewF32(nil, 2, 7), utils.NewF32(nil, 2, 8))
	assert.Error(t, err)

	_, err = NewBBoxCoder(config.BBoxCoderParams{Kind: config.CoderKind(42), CodeSize: 7})
	assert.Error(t, err)
}
