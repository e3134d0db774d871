package processing

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/okieraised/go-parta2-head/utils"
	"gorgonia.org/tensor"
)

const (
	twoPi  = 2 * math32.Pi
	halfPi = 0.5 * math32.Pi
)

// cornersNorm is the unit corner layout of LiDAR boxes, origin at the
// bottom center.
var cornersNorm = [8][3]float32{
	{-0.5, -0.5, 0}, {-0.5, -0.5, 1}, {-0.5, 0.5, 1}, {-0.5, 0.5, 0},
	{0.5, -0.5, 0}, {0.5, -0.5, 1}, {0.5, 0.5, 1}, {0.5, 0.5, 0},
}

// FloorMod returns a mod m with the sign of m.
func FloorMod(a, m float32) float32 {
	return a - m*math32.Floor(a/m)
}

func checkBoxes(boxes *tensor.Dense, minDim int) (int, int, error) {
	shape := boxes.Shape()
	if len(shape) != 2 || shape[1] < minDim {
		return 0, 0, fmt.Errorf("expected boxes of shape (N, >=%d), got %v", minDim, shape)
	}
	return shape[0], shape[1], nil
}

// RotatePointsZ rotates every point set points[i] ([P, 3]) counter-clockwise
// about the z axis by angles[i]. The input is left untouched.
func RotatePointsZ(points *tensor.Dense, angles []float32) (*tensor.Dense, error) {
	shape := points.Shape()
	if len(shape) != 3 || shape[2] != 3 {
		return nil, fmt.Errorf("expected points of shape (N, P, 3), got %v", shape)
	}
	n, p := shape[0], shape[1]
	if len(angles) != n {
		return nil, fmt.Errorf("got %d angles for %d point sets", len(angles), n)
	}
	src := points.Float32s()
	out := make([]float32, len(src))
	for i := 0; i < n; i++ {
		sin, cos := math32.Sincos(angles[i])
		for j := 0; j < p; j++ {
			o := (i*p + j) * 3
			x, y := src[o], src[o+1]
			out[o] = x*cos - y*sin
			out[o+1] = x*sin + y*cos
			out[o+2] = src[o+2]
		}
	}
	return utils.NewF32(out, n, p, 3), nil
}

func rotateXY(x, y, angle float32) (float32, float32) {
	sin, cos := math32.Sincos(angle)
	return x*cos - y*sin, x*sin + y*cos
}

// Corners computes the 8 corners of each (x, y, z, dx, dy, dz, yaw) box with
// z at the bottom face.
func Corners(boxes *tensor.Dense) (*tensor.Dense, error) {
	n, dim, err := checkBoxes(boxes, 7)
	if err != nil {
		return nil, err
	}
	data := boxes.Float32s()
	out := make([]float32, n*8*3)
	for i := 0; i < n; i++ {
		b := data[i*dim : i*dim+7]
		for c, norm := range cornersNorm {
			x, y := rotateXY(b[3]*norm[0], b[4]*norm[1], b[6])
			o := (i*8 + c) * 3
			out[o] = x + b[0]
			out[o+1] = y + b[1]
			out[o+2] = b[5]*norm[2] + b[2]
		}
	}
	return utils.NewF32(out, n, 8, 3), nil
}

// XYWHRToXYXYR turns BEV boxes (cx, cy, w, h, r) into (x1, y1, x2, y2, r).
func XYWHRToXYXYR(bev *tensor.Dense) (*tensor.Dense, error) {
	n, dim, err := checkBoxes(bev, 5)
	if err != nil {
		return nil, err
	}
	data := bev.Float32s()
	out := make([]float32, n*5)
	for i := 0; i < n; i++ {
		b := data[i*dim : i*dim+5]
		halfW, halfH := b[2]/2, b[3]/2
		out[i*5] = b[0] - halfW
		out[i*5+1] = b[1] - halfH
		out[i*5+2] = b[0] + halfW
		out[i*5+3] = b[1] + halfH
		out[i*5+4] = b[4]
	}
	return utils.NewF32(out, n, 5), nil
}

// Boxes3D is a batch of 3D boxes in some coordinate frame.
type Boxes3D interface {
	Tensor() *tensor.Dense
	BoxDim() int
	Len() int
	BEV() (*tensor.Dense, error)
	Corners() (*tensor.Dense, error)
}

// BoxTypeFunc constructs a box structure over a (N, boxDim) tensor.
type BoxTypeFunc func(boxes *tensor.Dense, boxDim int) (Boxes3D, error)

// LiDARBoxes are (x, y, z, dx, dy, dz, yaw, ...) boxes with z at the bottom
// face and yaw counter-clockwise from the x axis.
type LiDARBoxes struct {
	boxes  *tensor.Dense
	boxDim int
}

func NewLiDARBoxes(boxes *tensor.Dense, boxDim int) (Boxes3D, error) {
	_, dim, err := checkBoxes(boxes, 7)
	if err != nil {
		return nil, err
	}
	if dim != boxDim {
		return nil, fmt.Errorf("box dim %d does not match tensor width %d", boxDim, dim)
	}
	return &LiDARBoxes{boxes: boxes, boxDim: boxDim}, nil
}

func (b *LiDARBoxes) Tensor() *tensor.Dense { return b.boxes }

func (b *LiDARBoxes) BoxDim() int { return b.boxDim }

func (b *LiDARBoxes) Len() int { return b.boxes.Shape()[0] }

// BEV returns (x, y, dx, dy, yaw) boxes.
func (b *LiDARBoxes) BEV() (*tensor.Dense, error) {
	n := b.Len()
	data := b.boxes.Float32s()
	out := make([]float32, n*5)
	for i := 0; i < n; i++ {
		row := data[i*b.boxDim:]
		out[i*5] = row[0]
		out[i*5+1] = row[1]
		out[i*5+2] = row[3]
		out[i*5+3] = row[4]
		out[i*5+4] = row[6]
	}
	return utils.NewF32(out, n, 5), nil
}

func (b *LiDARBoxes) Corners() (*tensor.Dense, error) {
	return Corners(b.boxes)
}

// LimitResidualYaw folds a yaw residual into the front hemisphere and
// clamps it to [-pi/2, pi/2].
func LimitResidualYaw(yaw float32) float32 {
	r := FloorMod(yaw, twoPi)
	if r > halfPi && r < 3*halfPi {
		r = FloorMod(r+math32.Pi, twoPi)
	}
	if r > math32.Pi {
		r -= twoPi
	}
	return math32.Max(-halfPi, math32.Min(halfPi, r))
}

// CanonicalTransform expresses each gt box relative to its RoI: the RoI
// center moves to the origin and the RoI heading (mod 2pi) to zero. Heading
// ambiguity is not resolved here.
func CanonicalTransform(rois, gts *tensor.Dense) (*tensor.Dense, error) {
	n, roiDim, err := checkBoxes(rois, 7)
	if err != nil {
		return nil, err
	}
	m, gtDim, err := checkBoxes(gts, 7)
	if err != nil {
		return nil, err
	}
	if n != m {
		return nil, fmt.Errorf("got %d rois for %d ground truth boxes", n, m)
	}
	roiData := rois.Float32s()
	gtData := gts.Float32s()
	out := make([]float32, len(gtData))
	copy(out, gtData)
	offsets := make([]float32, 0, n*3)
	angles := make([]float32, n)
	for i := 0; i < n; i++ {
		roi := roiData[i*roiDim:]
		row := out[i*gtDim:]
		roiYaw := FloorMod(roi[6], twoPi)
		offsets = append(offsets, row[0]-roi[0], row[1]-roi[1], row[2]-roi[2])
		angles[i] = -roiYaw
		row[6] -= roiYaw
	}
	local, err := RotatePointsZ(utils.NewF32(offsets, n, 1, 3), angles)
	if err != nil {
		return nil, err
	}
	centers := local.Float32s()
	for i := 0; i < n; i++ {
		copy(out[i*gtDim:i*gtDim+3], centers[i*3:(i+1)*3])
	}
	return utils.NewF32(out, m, gtDim), nil
}

// InverseCanonical rotates each local box center by the RoI yaw and moves
// it to the RoI center. Box yaw is left as is.
func InverseCanonical(local, rois *tensor.Dense) (*tensor.Dense, error) {
	n, dim, err := checkBoxes(local, 7)
	if err != nil {
		return nil, err
	}
	m, roiDim, err := checkBoxes(rois, 7)
	if err != nil {
		return nil, err
	}
	if n != m {
		return nil, fmt.Errorf("got %d local boxes for %d rois", n, m)
	}
	roiData := rois.Float32s()
	out := make([]float32, n*dim)
	copy(out, local.Float32s())
	centers := make([]float32, 0, n*3)
	angles := make([]float32, n)
	for i := 0; i < n; i++ {
		centers = append(centers, out[i*dim], out[i*dim+1], out[i*dim+2])
		angles[i] = roiData[i*roiDim+6]
	}
	rotated, err := RotatePointsZ(utils.NewF32(centers, n, 1, 3), angles)
	if err != nil {
		return nil, err
	}
	world := rotated.Float32s()
	for i := 0; i < n; i++ {
		roi := roiData[i*roiDim:]
		row := out[i*dim:]
		row[0] = world[i*3] + roi[0]
		row[1] = world[i*3+1] + roi[1]
		row[2] = world[i*3+2] + roi[2]
	}
	return utils.NewF32(out, n, dim), nil
}
