package sparse

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
	"gorgonia.org/vecf32"
)

func gridShape(grid *tensor.Dense, name string) ([5]int, error) {
	var shape [5]int
	s := grid.Shape()
	if len(s) != 5 {
		return shape, errors.Wrapf(ErrInvalidTensor, "%s grid must be (B, X, Y, Z, C), got %v", name, s)
	}
	if grid.Dtype() != tensor.Float32 {
		return shape, errors.Wrapf(ErrInvalidTensor, "%s grid must be float32, got %v", name, grid.Dtype())
	}
	copy(shape[:], s)
	return shape, nil
}

// Voxelize turns the dense part and segmentation grids of a RoI batch into
// two sparse tensors sharing one coordinate list. A cell is active when its
// part channels sum to a non-zero value; segmentation features are gathered
// at the same cells and must be zero everywhere else.
func Voxelize(part, seg *tensor.Dense) (*Tensor, *Tensor, error) {
	partShape, err := gridShape(part, "part")
	if err != nil {
		return nil, nil, err
	}
	segShape, err := gridShape(seg, "segmentation")
	if err != nil {
		return nil, nil, err
	}
	for axis := 0; axis < 4; axis++ {
		if partShape[axis] != segShape[axis] {
			return nil, nil, errors.Wrapf(ErrInvalidTensor, "part grid %v and segmentation grid %v differ in extent",
				partShape, segShape)
		}
	}

	spatialRange := [4]int{partShape[0], partShape[1], partShape[2], partShape[3]}
	partC, segC := partShape[4], segShape[4]
	partData := part.Float32s()
	segData := seg.Float32s()

	partT := &Tensor{Channels: partC, SpatialRange: spatialRange}
	segT := &Tensor{Channels: segC, SpatialRange: spatialRange}

	// row-major cell order is already lexicographic in (batch, x, y, z)
	cell := 0
	for b := 0; b < spatialRange[0]; b++ {
		for x := 0; x < spatialRange[1]; x++ {
			for y := 0; y < spatialRange[2]; y++ {
				for z := 0; z < spatialRange[3]; z++ {
					partRow := partData[cell*partC : (cell+1)*partC]
					segRow := segData[cell*segC : (cell+1)*segC]
					cell++
					if vecf32.Sum(partRow) == 0 {
						if !allZero(segRow) {
							return nil, nil, errors.Wrapf(ErrSegmentationOutsideMask, "cell (%d, %d, %d, %d)", b, x, y, z)
						}
						continue
					}
					coord := [4]int{b, x, y, z}
					partT.Coords = append(partT.Coords, coord)
					segT.Coords = append(segT.Coords, coord)
					partT.Features = append(partT.Features, partRow...)
					segT.Features = append(segT.Features, segRow...)
				}
			}
		}
	}
	return partT, segT, nil
}

func allZero(row []float32) bool {
	for _, v := range row {
		if v != 0 {
			return false
		}
	}
	return true
}
