package utils

import (
	"fmt"
	"sort"

	"gorgonia.org/tensor"
)

// NewF32 builds a float32 tensor over data. A nil data allocates zeros.
func NewF32(data []float32, shape ...int) *tensor.Dense {
	size := 1
	for _, d := range shape {
		size *= d
	}
	if data == nil {
		data = make([]float32, size)
	}
	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(shape...),
		tensor.WithBacking(data),
	)
}

// ScalarF32 wraps a single value as a 0-d float32 tensor.
func ScalarF32(v float32) *tensor.Dense {
	return tensor.New(tensor.FromScalar(v))
}

// NewInt builds an int tensor over data.
func NewInt(data []int, shape ...int) *tensor.Dense {
	if data == nil {
		size := 1
		for _, d := range shape {
			size *= d
		}
		data = make([]int, size)
	}
	return tensor.New(
		tensor.Of(tensor.Int),
		tensor.WithShape(shape...),
		tensor.WithBacking(data),
	)
}

// Rows returns the number of rows of a tensor, 0 for a nil tensor.
func Rows(t *tensor.Dense) int {
	if t == nil || len(t.Shape()) == 0 {
		return 0
	}
	return t.Shape()[0]
}

// Cols returns the size of the last axis of a 2D tensor.
func Cols(t *tensor.Dense) int {
	if t == nil {
		return 0
	}
	shape := t.Shape()
	if len(shape) < 2 {
		return 1
	}
	return shape[len(shape)-1]
}

// Float32Data returns a contiguous copy of the tensor's values in row-major
// order, materializing transposed views first.
func Float32Data(t *tensor.Dense) ([]float32, error) {
	if t.Dtype() != tensor.Float32 {
		return nil, fmt.Errorf("expected a float32 tensor, got %v", t.Dtype())
	}
	src := t
	if t.IsView() {
		src = t.Materialize().(*tensor.Dense)
	}
	out := make([]float32, src.DataSize())
	copy(out, src.Float32s())
	return out, nil
}

func VStack(tensors []*tensor.Dense) (*tensor.Dense, error) {
	var nonEmptyTensors []*tensor.Dense
	cols := 1
	for _, t := range tensors {
		shape := t.Shape()
		if len(shape) == 2 {
			cols = shape[1]
		}
		if shape[0] > 0 {
			nonEmptyTensors = append(nonEmptyTensors, t)
		}
	}

	if len(nonEmptyTensors) == 0 {
		return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(0, cols)), nil
	}
	if len(nonEmptyTensors) == 1 {
		return nonEmptyTensors[0].Clone().(*tensor.Dense), nil
	}

	result, err := nonEmptyTensors[0].Concat(0, nonEmptyTensors[1:]...)
	if err != nil {
		return nil, fmt.Errorf("error concatenating tensors: %v", err)
	}

	return result, nil
}

// ConcatVectors joins 1D float32 or int tensors end to end.
func ConcatVectors(tensors []*tensor.Dense, dt tensor.Dtype) (*tensor.Dense, error) {
	switch dt {
	case tensor.Float32:
		out := make([]float32, 0)
		for _, t := range tensors {
			out = append(out, t.Float32s()...)
		}
		return NewF32(out, len(out)), nil
	case tensor.Int:
		out := make([]int, 0)
		for _, t := range tensors {
			out = append(out, t.Ints()...)
		}
		return NewInt(out, len(out)), nil
	default:
		return nil, fmt.Errorf("unsupported dtype %v", dt)
	}
}

// ArgSortDescending returns indices ordering scores from high to low. Ties
// keep their input order.
func ArgSortDescending(scores []float32) []int {
	indices := make([]int, len(scores))
	for i := range indices {
		indices[i] = i
	}

	sort.SliceStable(indices, func(i, j int) bool {
		return scores[indices[i]] > scores[indices[j]]
	})

	return indices
}

func SelectRows1D(t *tensor.Dense, indices []int) (*tensor.Dense, error) {
	shape := t.Shape()
	if len(shape) != 1 {
		return nil, fmt.Errorf("expected a 1D tensor, got shape %v", shape)
	}
	numRows := shape[0]

	switch t.Dtype() {
	case tensor.Int:
		data := t.Ints()
		selected := make([]int, 0, len(indices))
		for _, idx := range indices {
			if idx < 0 || idx >= numRows {
				return nil, fmt.Errorf("index %d is out of bounds", idx)
			}
			selected = append(selected, data[idx])
		}
		return NewInt(selected, len(indices)), nil
	default:
		data := t.Float32s()
		selected := make([]float32, 0, len(indices))
		for _, idx := range indices {
			if idx < 0 || idx >= numRows {
				return nil, fmt.Errorf("index %d is out of bounds", idx)
			}
			selected = append(selected, data[idx])
		}
		return NewF32(selected, len(indices)), nil
	}
}

func SelectRows2D(t *tensor.Dense, indices []int) (*tensor.Dense, error) {
	shape := t.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("expected a 2D tensor, got shape %v", shape)
	}
	numRows, numCols := shape[0], shape[1]
	data := t.Float32s()

	selectedData := make([]float32, 0, len(indices)*numCols)
	for _, idx := range indices {
		if idx < 0 || idx >= numRows {
			return nil, fmt.Errorf("index %d is out of bounds", idx)
		}
		selectedData = append(selectedData, data[idx*numCols:(idx+1)*numCols]...)
	}

	return NewF32(selectedData, len(indices), numCols), nil
}

// MaskIndices lists the positions where keep is true.
func MaskIndices(keep []bool) []int {
	out := make([]int, 0, len(keep))
	for i, k := range keep {
		if k {
			out = append(out, i)
		}
	}
	return out
}
