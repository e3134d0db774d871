package sparse

import (
	"github.com/pkg/errors"
	"gorgonia.org/vecf32"
)

// MaxPool2x2x2 max-pools active voxels over 2x2x2 windows with stride 2.
// The batch extent of the spatial range is carried over as is while X, Y
// and Z are floor-halved; voxels of an odd trailing plane map past the
// halved range and are dropped. A window only reduces over its active
// voxels.
func MaxPool2x2x2(x *Tensor) (*Tensor, error) {
	if err := x.Validate(); err != nil {
		return nil, errors.Wrap(err, "max pool input")
	}
	outRange := [4]int{x.SpatialRange[0], x.SpatialRange[1] / 2, x.SpatialRange[2] / 2, x.SpatialRange[3] / 2}

	rows := make(map[[4]int]int)
	var coords [][4]int
	var features []float32
	for i, c := range x.Coords {
		pooled := [4]int{c[0], c[1] / 2, c[2] / 2, c[3] / 2}
		if pooled[1] >= outRange[1] || pooled[2] >= outRange[2] || pooled[3] >= outRange[3] {
			continue
		}
		row, ok := rows[pooled]
		if !ok {
			rows[pooled] = len(coords)
			coords = append(coords, pooled)
			features = append(features, x.Row(i)...)
			continue
		}
		vecf32.Max(features[row*x.Channels:(row+1)*x.Channels], x.Row(i))
	}

	return reorder(&Tensor{
		Features:     features,
		Channels:     x.Channels,
		Coords:       coords,
		SpatialRange: outRange,
	}), nil
}

// reorder sorts the voxels of t lexicographically by coordinate.
func reorder(t *Tensor) *Tensor {
	sorted := copyCoords(t.Coords)
	sortCoords(sorted)
	index := newCoordIndex(t.Coords)
	features := make([]float32, 0, len(t.Features))
	for _, c := range sorted {
		features = append(features, t.Row(index[c])...)
	}
	return &Tensor{
		Features:     features,
		Channels:     t.Channels,
		Coords:       sorted,
		SpatialRange: t.SpatialRange,
	}
}
