package modules

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/okieraised/go-parta2-head/config"
	"github.com/okieraised/go-parta2-head/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
	"gorgonia.org/tensor"
)

func scalarValue(t *testing.T, v *tensor.Dense) float32 {
	require.NotNil(t, v)
	require.True(t, v.IsScalar())
	return v.Data().(float32)
}

func TestSigmoidCrossEntropyLoss(t *testing.T) {
	loss, err := NewClsLoss(config.ClsLossParams{Kind: config.ClsLossSigmoidCrossEntropy, LossWeight: 1})
	require.NoError(t, err)

	out, err := loss.Loss([]float32{0, 2, -1}, []float32{1, 0, 0.5}, []float32{1, 1, 2})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.693147, 2.126928, 1.626523}, out, 1e-5)

	_, err = loss.Loss([]float32{0}, []float32{1, 0}, []float32{1})
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestRegLosses(t *testing.T) {
	smooth, err := NewRegLoss(config.RegLossParams{Kind: config.RegLossSmoothL1, Beta: 1, LossWeight: 2})
	require.NoError(t, err)
	v, err := smooth.Loss([]float32{0, 2}, []float32{0.5, 0}, []float32{1, 1})
	require.NoError(t, err)
	// (0.125 + 1.5) / 2 * 2
	assert.InDelta(t, 1.625, v, 1e-6)

	v, err = smooth.Loss(nil, nil, nil)
	require.NoError(t, err)
	assert.Zero(t, v)

	l1, err := NewRegLoss(config.RegLossParams{Kind: config.RegLossL1, LossWeight: 1})
	require.NoError(t, err)
	v, err = l1.Loss([]float32{1, -1}, []float32{0, 0}, []float32{1, 0.5})
	require.NoError(t, err)
	assert.InDelta(t, 0.75, v, 1e-6)

	_, err = NewRegLoss(config.RegLossParams{Kind: config.RegLossSmoothL1, Beta: 0})
	assert.ErrorIs(t, err, config.ErrInvalidParams)
	_, err = NewRegLoss(config.RegLossParams{Kind: config.RegLossKind(9)})
	assert.ErrorIs(t, err, config.ErrInvalidParams)
}

func TestHuber(t *testing.T) {
	assert.InDelta(t, 0.125, Huber(0.5, 1), 1e-6)
	assert.InDelta(t, 2.5, Huber(3, 1), 1e-6)
	assert.InDelta(t, 2.5, Huber(-3, 1), 1e-6)
	assert.InDelta(t, 0.5, Huber(1, 1), 1e-6)
}

func TestCornerLoss(t *testing.T) {
	gt := utils.NewF32([]float32{1, 2, 0, 4, 2, 1.5, 0.5}, 1, 7)

	same, err := CornerLoss(gt, gt, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0, same.Float32s()[0], 1e-6)

	// a box pointing the opposite way has the same corners
	flipped := utils.NewF32([]float32{1, 2, 0, 4, 2, 1.5, 0.5 + math32.Pi}, 1, 7)
	loss, err := CornerLoss(flipped, gt, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0, loss.Float32s()[0], 1e-4)

	shifted := utils.NewF32([]float32{1.5, 2, 0, 4, 2, 1.5, 0.5}, 1, 7)
	loss, err = CornerLoss(shifted, gt, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.125, loss.Float32s()[0], 1e-5)

	_, err = CornerLoss(shifted, utils.NewF32(nil, 2, 7), 1)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestCornerLoss_HeadingFlipSymmetric(t *testing.T) {
	const n = 200
	src := rand.NewSource(17)
	center := distuv.Uniform{Min: -20, Max: 20, Src: src}
	size := distuv.Uniform{Min: 0.5, Max: 5, Src: src}
	yaw := distuv.Uniform{Min: -float64(math32.Pi), Max: float64(math32.Pi), Src: src}

	randomBox := func() []float32 {
		return []float32{
			float32(center.Rand()), float32(center.Rand()), float32(center.Rand()) / 10,
			float32(size.Rand()), float32(size.Rand()), float32(size.Rand()),
			float32(yaw.Rand()),
		}
	}
	pred := make([]float32, 0, n*7)
	gt := make([]float32, 0, n*7)
	for i := 0; i < n; i++ {
		pred = append(pred, randomBox()...)
		gt = append(gt, randomBox()...)
	}
	gtFlipped := make([]float32, len(gt))
	copy(gtFlipped, gt)
	for i := 0; i < n; i++ {
		gtFlipped[i*7+6] += math32.Pi
	}

	loss, err := CornerLoss(utils.NewF32(pred, n, 7), utils.NewF32(gt, n, 7), 1)
	require.NoError(t, err)
	flipped, err := CornerLoss(utils.NewF32(pred, n, 7), utils.NewF32(gtFlipped, n, 7), 1)
	require.NoError(t, err)
	require.Equal(t, []int{n}, []int(loss.Shape()))
	assert.InDeltaSlice(t, loss.Float32s(), flipped.Float32s(), 1e-4)
}

func lossRoIs() *tensor.Dense {
	return utils.NewF32([]float32{
		0, 1, 2, 0, 4, 2, 1.5, 0.3,
		0, 5, 5, 0, 4, 2, 1.5, 0,
	}, 2, 8)
}

func TestLoss_NoPositives(t *testing.T) {
	head, hook := newTestHead(t, true)
	negative := SamplingResult{
		PosBBoxes:   utils.NewF32(nil, 0, 7),
		PosGTBBoxes: utils.NewF32(nil, 0, 7),
		IoU:         []float32{0.1, 0.2},
	}
	targets, err := head.GetTargets([]SamplingResult{negative}, nil)
	require.NoError(t, err)

	clsScore := utils.NewF32([]float32{0.3, -0.2}, 2, 1)
	bboxPred := utils.NewF32(nil, 2, 7)
	losses, err := head.Loss(NewLossInputs(clsScore, bboxPred, lossRoIs(), targets))
	require.NoError(t, err)

	assert.Equal(t, []int{2}, []int(losses.LossCls.Shape()))
	assert.Zero(t, scalarValue(t, losses.LossBBox))
	assert.Zero(t, scalarValue(t, losses.LossCorner))
	assert.True(t, hasAction(hook, "loss"))

	noCorner, _ := newTestHead(t, false)
	losses, err = noCorner.Loss(NewLossInputs(clsScore, bboxPred, lossRoIs(), targets))
	require.NoError(t, err)
	assert.Nil(t, losses.LossCorner)
}

func TestLoss_PerfectPrediction(t *testing.T) {
	head, _ := newTestHead(t, true)
	targets, err := head.GetTargets([]SamplingResult{positiveSample()}, nil)
	require.NoError(t, err)

	pred := make([]float32, 14)
	copy(pred, targets.BBoxTargets.Float32s())
	clsScore := utils.NewF32([]float32{4, -4}, 2, 1)
	losses, err := head.Loss(NewLossInputs(clsScore, utils.NewF32(pred, 2, 7), lossRoIs(), targets))
	require.NoError(t, err)

	assert.InDelta(t, 0, scalarValue(t, losses.LossBBox), 1e-6)
	// decoding the encoded target in the roi frame recovers the gt box
	require.Equal(t, []int{1}, []int(losses.LossCorner.Shape()))
	assert.InDelta(t, 0, losses.LossCorner.Float32s()[0], 1e-4)

	// confident and correct on both rois
	for _, v := range losses.LossCls.Float32s() {
		assert.Less(t, v, float32(0.01))
	}

	pred[0] += 0.5
	pred[6] += 0.2
	losses, err = head.Loss(NewLossInputs(clsScore, utils.NewF32(pred, 2, 7), lossRoIs(), targets))
	require.NoError(t, err)
	assert.Greater(t, scalarValue(t, losses.LossBBox), float32(0))
	require.Equal(t, []int{1}, []int(losses.LossCorner.Shape()))
	assert.Greater(t, losses.LossCorner.Float32s()[0], float32(0))
}

func TestLoss_ShapeMismatch(t *testing.T) {
	head, _ := newTestHead(t, true)
	targets, err := head.GetTargets([]SamplingResult{positiveSample()}, nil)
	require.NoError(t, err)
	clsScore := utils.NewF32([]float32{1, -1}, 2, 1)

	_, err = head.Loss(NewLossInputs(clsScore, utils.NewF32(nil, 2, 6), lossRoIs(), targets))
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = head.Loss(NewLossInputs(utils.NewF32(nil, 3, 1), utils.NewF32(nil, 3, 7), lossRoIs(), targets))
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = head.Loss(NewLossInputs(clsScore, utils.NewF32(nil, 2, 7), utils.NewF32(nil, 2, 7), targets))
	assert.ErrorIs(t, err, ErrShapeMismatch)
}
