package modules

import (
	"testing"

	"github.com/okieraised/go-parta2-head/config"
	"github.com/okieraised/go-parta2-head/sparse"
	"github.com/okieraised/go-parta2-head/utils"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func smallHeadParams(withCornerLoss bool) *config.PartA2BboxHeadParams {
	return config.NewPartA2BboxHeadParams(3, 3, 2,
		[]int{4}, []int{4}, []int{6}, []int{5},
		[]int{5, 8}, []int{4}, []int{4}, 0.1, 4, withCornerLoss)
}

func newTestHead(t *testing.T, withCornerLoss bool, opts ...Option) (*PartA2BboxHead, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	head, err := NewPartA2BboxHead(smallHeadParams(withCornerLoss), append([]Option{WithLogger(logger)}, opts...)...)
	require.NoError(t, err)
	return head, hook
}

// genTestGrids builds (B, size, size, size, C) part and segmentation grids
// with a sparse diagonal pattern of active cells.
func genTestGrids(batch, size int) (seg, part *tensor.Dense) {
	cells := batch * size * size * size
	partData := make([]float32, cells*2)
	segData := make([]float32, cells*3)
	cell := 0
	for b := 0; b < batch; b++ {
		for x := 0; x < size; x++ {
			for y := 0; y < size; y++ {
				for z := 0; z < size; z++ {
					if (b+x+y+z)%3 == 0 {
						partData[cell*2] = 0.1 + 0.2*float32(x)
						partData[cell*2+1] = 0.3 * float32(z)
						segData[cell*3+(b+y)%3] = 1
					}
					cell++
				}
			}
		}
	}
	return utils.NewF32(segData, batch, size, size, size, 3), utils.NewF32(partData, batch, size, size, size, 2)
}

func hasAction(hook *test.Hook, action string) bool {
	for _, entry := range hook.AllEntries() {
		if entry.Data["action"] == action {
			return true
		}
	}
	return false
}

func TestPartA2BboxHead_Forward(t *testing.T) {
	head, hook := newTestHead(t, true)
	assert.True(t, hasAction(hook, "build_head"))
	assert.True(t, head.IsTraining())

	seg, part := genTestGrids(2, 4)
	clsScore, bboxPred, err := head.Forward(seg, part)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, []int(clsScore.Shape()))
	assert.Equal(t, []int{2, 7}, []int(bboxPred.Shape()))
	assert.True(t, hasAction(hook, "forward"))
}

func TestPartA2BboxHead_ForwardEmptyBatch(t *testing.T) {
	head, _ := newTestHead(t, true)
	seg, part := genTestGrids(0, 4)

	clsScore, bboxPred, err := head.Forward(seg, part)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, []int(clsScore.Shape()))
	assert.Equal(t, []int{0, 7}, []int(bboxPred.Shape()))
}

func TestPartA2BboxHead_ForwardNoActiveVoxels(t *testing.T) {
	head, _ := newTestHead(t, false)
	head.Eval()
	seg := utils.NewF32(nil, 3, 4, 4, 4, 3)
	part := utils.NewF32(nil, 3, 4, 4, 4, 2)

	clsScore, bboxPred, err := head.Forward(seg, part)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1}, []int(clsScore.Shape()))
	assert.Equal(t, []int{3, 7}, []int(bboxPred.Shape()))

	// every roi sees the same all-zero features
	scores := clsScore.Float32s()
	assert.InDelta(t, scores[0], scores[1], 1e-6)
	assert.InDelta(t, scores[0], scores[2], 1e-6)
}

func TestPartA2BboxHead_KernelMapModesAgree(t *testing.T) {
	head, _ := newTestHead(t, true)
	head.Eval()
	assert.False(t, head.IsTraining())
	seg, part := genTestGrids(3, 4)

	clsA, regA, err := head.ForwardWithConfig(seg, part, config.NewConvConfig(config.KernelMapHashmap))
	require.NoError(t, err)
	clsB, regB, err := head.ForwardWithConfig(seg, part, config.NewConvConfig(config.KernelMapHashmapOnTheFly))
	require.NoError(t, err)

	assert.InDeltaSlice(t, clsA.Float32s(), clsB.Float32s(), 1e-4)
	assert.InDeltaSlice(t, regA.Float32s(), regB.Float32s(), 1e-4)

	head.Train()
	assert.True(t, head.IsTraining())
}

func TestPartA2BboxHead_ForwardInvalidInput(t *testing.T) {
	head, _ := newTestHead(t, true)

	seg, part := genTestGrids(2, 4)
	_, _, err := head.Forward(seg, utils.NewF32(nil, 2, 4, 4, 4))
	assert.ErrorIs(t, err, ErrShapeMismatch)

	// a segmentation feature outside the part mask
	segData := seg.Float32s()
	segData[len(segData)-1] = 1
	_, _, err = head.Forward(seg, part)
	assert.ErrorIs(t, err, sparse.ErrSegmentationOutsideMask)

	// pooled volume does not match roi_feat_size
	seg, part = genTestGrids(2, 6)
	_, _, err = head.Forward(seg, part)
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestNewPartA2BboxHead_InvalidParams(t *testing.T) {
	params := smallHeadParams(true)
	params.NumClasses = 0
	_, err := NewPartA2BboxHead(params)
	assert.ErrorIs(t, err, config.ErrInvalidParams)

	params = smallHeadParams(true)
	params.SharedFCChannels = []int{6, 8}
	_, err = NewPartA2BboxHead(params)
	assert.ErrorIs(t, err, config.ErrInvalidParams)

	params = smallHeadParams(true)
	params.LossBBox.Beta = 0
	_, err = NewPartA2BboxHead(params)
	assert.ErrorIs(t, err, config.ErrInvalidParams)
}

func TestWithConvConfig(t *testing.T) {
	cfg := config.NewConvConfig(config.KernelMapHashmapOnTheFly)
	head, _ := newTestHead(t, true, WithConvConfig(cfg))
	assert.Equal(t, cfg, head.convCfg)
	assert.Equal(t, 7, head.BBoxCoder().CodeSize())
	assert.Equal(t, 3, head.Params().NumClasses)
}
