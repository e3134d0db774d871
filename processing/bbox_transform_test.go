package processing

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/okieraised/go-parta2-head/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloorMod(t *testing.T) {
	assert.InDelta(t, 1.0, FloorMod(1, twoPi), 1e-6)
	assert.InDelta(t, twoPi-1, FloorMod(-1, twoPi), 1e-6)
	assert.InDelta(t, 0.5, FloorMod(twoPi+0.5, twoPi), 1e-5)
}

func TestCorners_AxisAligned(t *testing.T) {
	boxes := utils.NewF32([]float32{0, 0, 0, 2, 4, 6, 0}, 1, 7)
	corners, err := Corners(boxes)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 8, 3}, []int(corners.Shape()))

	data := corners.Float32s()
	assert.InDeltaSlice(t, []float32{-1, -2, 0}, data[0:3], 1e-6)
	assert.InDeltaSlice(t, []float32{-1, -2, 6}, data[3:6], 1e-6)
	assert.InDeltaSlice(t, []float32{1, 2, 6}, data[18:21], 1e-6)
	assert.InDeltaSlice(t, []float32{1, 2, 0}, data[21:24], 1e-6)
}

func TestCorners_RotatedAndTranslated(t *testing.T) {
	boxes := utils.NewF32([]float32{10, 20, 1, 2, 4, 6, halfPi}, 1, 7)
	corners, err := Corners(boxes)
	require.NoError(t, err)

	// (-1, -2) turned a quarter counter-clockwise is (2, -1)
	assert.InDeltaSlice(t, []float32{12, 19, 1}, corners.Float32s()[0:3], 1e-5)
}

func TestRotatePointsZ(t *testing.T) {
	points := utils.NewF32([]float32{1, 0, 5, 0, 2, 1, 3, 3, 3, 1, 1, 0}, 2, 2, 3)
	rotated, err := RotatePointsZ(points, []float32{halfPi, math32.Pi})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0, 1, 5, -2, 0, 1, -3, -3, 3, -1, -1, 0}, rotated.Float32s(), 1e-5)

	// input is untouched
	assert.Equal(t, float32(1), points.Float32s()[0])

	_, err = RotatePointsZ(points, []float32{0})
	assert.Error(t, err)
}

func TestLiDARBoxes_BEV(t *testing.T) {
	boxes, err := NewLiDARBoxes(utils.NewF32([]float32{1, 2, 3, 4, 5, 6, 0.7}, 1, 7), 7)
	require.NoError(t, err)
	assert.Equal(t, 1, boxes.Len())
	assert.Equal(t, 7, boxes.BoxDim())

	bev, err := boxes.BEV()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 4, 5, 0.7}, bev.Float32s())

	xyxyr, err := XYWHRToXYXYR(bev)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{-1, -0.5, 3, 4.5, 0.7}, xyxyr.Float32s(), 1e-6)

	_, err = NewLiDARBoxes(utils.NewF32(nil, 2, 7), 9)
	assert.Error(t, err)
}

func TestLimitResidualYaw(t *testing.T) {
	assert.InDelta(t, 0.3, LimitResidualYaw(0.3), 1e-5)
	assert.InDelta(t, -0.3, LimitResidualYaw(-0.3), 1e-5)
	// a heading pointing backwards is flipped to the front hemisphere
	assert.InDelta(t, -0.2, LimitResidualYaw(math32.Pi-0.2), 1e-5)
	assert.InDelta(t, 0.2, LimitResidualYaw(-math32.Pi+0.2), 1e-5)
	assert.InDelta(t, 0.1, LimitResidualYaw(twoPi+0.1), 1e-5)

	for _, yaw := range []float32{-7, -3, -1.6, 0, 1.6, 2.5, 4, 9} {
		r := LimitResidualYaw(yaw)
		assert.LessOrEqual(t, r, halfPi)
		assert.GreaterOrEqual(t, r, -halfPi)
	}
}

func TestCanonicalTransform_Invertible(t *testing.T) {
	rois := utils.NewF32([]float32{
		5, -3, 1, 4, 2, 1.5, 0.4,
		-10, 8, 0, 3, 1.5, 1.6, -2.5,
	}, 2, 7)
	gts := utils.NewF32([]float32{
		5.5, -2.5, 1.2, 4.2, 1.9, 1.4, 0.9,
		-9, 7.5, 0.3, 3.1, 1.4, 1.7, -2.2,
	}, 2, 7)

	local, err := CanonicalTransform(rois, gts)
	require.NoError(t, err)

	restored, err := InverseCanonical(local, rois)
	require.NoError(t, err)

	localData := local.Float32s()
	roiData := rois.Float32s()
	restoredData := restored.Float32s()
	gtData := gts.Float32s()
	for i := 0; i < 2; i++ {
		residual := localData[i*7+6]
		// residuals already face forward, so folding them changes nothing
		require.InDelta(t, FloorMod(residual, twoPi), FloorMod(LimitResidualYaw(residual), twoPi), 1e-4)
		// yaw comes back by adding the wrapped roi heading
		yaw := residual + FloorMod(roiData[i*7+6], twoPi)
		assert.InDelta(t, FloorMod(gtData[i*7+6], twoPi), FloorMod(yaw, twoPi), 1e-4)
		assert.InDeltaSlice(t, gtData[i*7:i*7+6], restoredData[i*7:i*7+6], 1e-4)
	}
}

func TestCanonicalTransform_CountMismatch(t *testing.T) {
	_, err := CanonicalTransform(utils.NewF32(nil, 2, 7), utils.NewF32(nil, 1, 7))
	assert.Error(t, err)
}

func TestCanonicalTransform_QuarterTurn(t *testing.T) {
	rois := utils.NewF32([]float32{1, 1, 0, 4, 2, 1.5, math32.Pi / 2}, 1, 7)
	gts := utils.NewF32([]float32{1, 3, 0.5, 4, 2, 1.5, math32.Pi/2 + 0.1}, 1, 7)

	// a gt ahead of the roi along its heading lands on the local +x axis
	local, err := CanonicalTransform(rois, gts)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{2, 0, 0.5, 4, 2, 1.5, 0.1}, local.Float32s(), 1e-5)

	world, err := InverseCanonical(local, rois)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{1, 3, 0.5}, world.Float32s()[:3], 1e-5)
}
