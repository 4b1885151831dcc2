package utils

import (
	"fmt"
	"sort"

	"gorgonia.org/tensor"
)

// VStack concatenates row tensors along the first axis, skipping empty ones.
func VStack(tensors []*tensor.Dense) (*tensor.Dense, error) {
	var nonEmptyTensors []*tensor.Dense
	for _, t := range tensors {
		shape := t.Shape()
		if shape[0] > 0 {
			nonEmptyTensors = append(nonEmptyTensors, t)
		}
	}

	if len(nonEmptyTensors) == 0 {
		return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(0, 2)), nil
	}
	if len(nonEmptyTensors) == 1 {
		return nonEmptyTensors[0], nil
	}

	result, err := nonEmptyTensors[0].Concat(0, nonEmptyTensors[1:]...)
	if err != nil {
		return nil, fmt.Errorf("error concatenating tensors: %v", err)
	}

	return result, nil
}

// RowAreas returns the width*height product for every row of an N x 2 tensor.
func RowAreas(t *tensor.Dense) ([]float32, error) {
	shape := t.Shape()
	if len(shape) != 2 || shape[1] != 2 {
		return nil, fmt.Errorf("expected an N x 2 tensor, got shape %v", shape)
	}

	data := t.Float32s()
	areas := make([]float32, shape[0])
	for i := range areas {
		areas[i] = data[i*2] * data[i*2+1]
	}
	return areas, nil
}

func ArgSortAscending(vals []float32) []int {
	indices := make([]int, len(vals))
	for i := range indices {
		indices[i] = i
	}

	sort.SliceStable(indices, func(i, j int) bool {
		return vals[indices[i]] < vals[indices[j]]
	})

	return indices
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

	selectedTensor := tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(len(indices), numCols),
		tensor.WithBacking(selectedData),
	)

	return selectedTensor, nil
}

// SortRowsByArea returns a new N x 2 tensor with rows ordered by ascending
// width*height product.
func SortRowsByArea(t *tensor.Dense) (*tensor.Dense, error) {
	areas, err := RowAreas(t)
	if err != nil {
		return nil, err
	}
	return SelectRows2D(t, ArgSortAscending(areas))
}
