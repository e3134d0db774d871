package sparse

import (
	"github.com/okieraised/go-parta2-head/utils"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Dense scatters t into a zero-filled (B, X, Y, Z, C) volume.
func (t *Tensor) Dense() (*tensor.Dense, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	b, x, y, z := t.SpatialRange[0], t.SpatialRange[1], t.SpatialRange[2], t.SpatialRange[3]
	c := t.Channels
	data := make([]float32, b*x*y*z*c)
	for i, coord := range t.Coords {
		cell := ((coord[0]*x+coord[1])*y+coord[2])*z + coord[3]
		copy(data[cell*c:(cell+1)*c], t.Row(i))
	}
	return utils.NewF32(data, b, x, y, z, c), nil
}

// Flatten densifies t and lays each batch element out channel-major, giving
// one (C*D*H*W) feature vector per RoI. roiBatchCount is the number of RoIs
// that entered the network and must match the batch extent of t; elements
// without active voxels come out as zero vectors.
func Flatten(t *Tensor, roiBatchCount int) (*tensor.Dense, error) {
	if t.SpatialRange[0] != roiBatchCount {
		return nil, errors.Wrapf(ErrBatchCountDrift, "spatial batch %d, RoI batch %d", t.SpatialRange[0], roiBatchCount)
	}
	volume, err := t.Dense()
	if err != nil {
		return nil, err
	}
	n, d, h, w, c := roiBatchCount, t.SpatialRange[1], t.SpatialRange[2], t.SpatialRange[3], t.Channels
	features := c * d * h * w
	if volume.DataSize() == 0 {
		return utils.NewF32(nil, n, features), nil
	}

	// (N, D, H, W, C) -> (N, C, D, H, W) -> (N, C*D, H, W) -> (N, C*D*H*W)
	if err = volume.T(0, 4, 1, 2, 3); err != nil {
		return nil, errors.Wrap(err, "permute dense volume")
	}
	if err = volume.Transpose(); err != nil {
		return nil, errors.Wrap(err, "materialize permuted volume")
	}
	if err = volume.Reshape(n, c*d, h, w); err != nil {
		return nil, errors.Wrap(err, "collapse channel and depth")
	}
	if err = volume.Reshape(n, features); err != nil {
		return nil, errors.Wrap(err, "flatten volume")
	}
	return volume, nil
}
