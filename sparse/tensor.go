package sparse

import (
	"sort"

	"github.com/pkg/errors"
)

var (
	ErrBatchCountDrift         = errors.New("sparse tensor batch size drifted from the RoI batch count")
	ErrSegmentationOutsideMask = errors.New("segmentation features found outside the part occupancy mask")
	ErrInvalidTensor           = errors.New("invalid sparse tensor")
)

// Tensor is a sparse voxel tensor: one feature row per active voxel, the
// (batch, x, y, z) coordinate of each row and the logical dense shape
// (batch, X, Y, Z) the voxels live in.
type Tensor struct {
	Features     []float32
	Channels     int
	Coords       [][4]int
	SpatialRange [4]int
}

func (t *Tensor) Len() int {
	return len(t.Coords)
}

// Row returns the feature row of voxel i. It aliases the tensor storage.
func (t *Tensor) Row(i int) []float32 {
	return t.Features[i*t.Channels : (i+1)*t.Channels]
}

func (t *Tensor) Validate() error {
	if t.Channels <= 0 {
		return errors.Wrapf(ErrInvalidTensor, "channel count %d", t.Channels)
	}
	if len(t.Features) != len(t.Coords)*t.Channels {
		return errors.Wrapf(ErrInvalidTensor, "%d feature values for %d voxels of %d channels",
			len(t.Features), len(t.Coords), t.Channels)
	}
	for i, c := range t.Coords {
		for axis := 0; axis < 4; axis++ {
			if c[axis] < 0 || c[axis] >= t.SpatialRange[axis] {
				return errors.Wrapf(ErrInvalidTensor, "voxel %d at %v lies outside range %v", i, c, t.SpatialRange)
			}
		}
	}
	return nil
}

// ConcatChannels joins the channels of tensors sharing one coordinate list,
// in argument order.
func ConcatChannels(tensors ...*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, errors.Wrap(ErrInvalidTensor, "nothing to concatenate")
	}
	first := tensors[0]
	channels := 0
	for _, t := range tensors {
		if t.SpatialRange != first.SpatialRange || !sameCoords(t.Coords, first.Coords) {
			return nil, errors.Wrap(ErrInvalidTensor, "concatenated tensors must share coordinates and spatial range")
		}
		channels += t.Channels
	}

	n := first.Len()
	features := make([]float32, 0, n*channels)
	for i := 0; i < n; i++ {
		for _, t := range tensors {
			features = append(features, t.Row(i)...)
		}
	}
	return &Tensor{
		Features:     features,
		Channels:     channels,
		Coords:       copyCoords(first.Coords),
		SpatialRange: first.SpatialRange,
	}, nil
}

func sameCoords(a, b [][4]int) bool {
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

func copyCoords(coords [][4]int) [][4]int {
	out := make([][4]int, len(coords))
	copy(out, coords)
	return out
}

func lessCoord(a, b [4]int) bool {
	for axis := 0; axis < 4; axis++ {
		if a[axis] != b[axis] {
			return a[axis] < b[axis]
		}
	}
	return false
}

func sortCoords(coords [][4]int) {
	sort.Slice(coords, func(i, j int) bool {
		return lessCoord(coords[i], coords[j])
	})
}
