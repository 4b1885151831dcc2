package processing

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// CheckAnchorOrder verifies that per-level mean anchor area grows in the same
// direction as the stride sequence, so fine-grained levels keep the small
// anchors. When the two orderings disagree the level order of the anchor
// tensor is reversed in place; anchors within a level are left untouched.
// The returned bool reports whether a reorder happened.
func CheckAnchorOrder(anchors *tensor.Dense, strides []float32) (bool, error) {
	shape := anchors.Shape()
	if len(shape) != 3 || shape[2] != 2 {
		return false, errors.Errorf("expected a levels x anchors x 2 tensor, got shape %v", shape)
	}
	levels, perLevel := shape[0], shape[1]
	if levels != len(strides) {
		return false, errors.Errorf("anchor tensor has %d levels but %d strides given", levels, len(strides))
	}
	if levels < 2 {
		return false, nil
	}

	data := anchors.Float32s()
	block := perLevel * 2
	meanArea := func(level int) float32 {
		var sum float32
		for a := 0; a < perLevel; a++ {
			sum += data[level*block+a*2] * data[level*block+a*2+1]
		}
		return sum / float32(perLevel)
	}

	da := meanArea(levels-1) - meanArea(0)
	ds := strides[levels-1] - strides[0]
	if da*ds >= 0 {
		return false, nil
	}

	// Reverse the level blocks in place.
	tmp := make([]float32, block)
	for i, j := 0, levels-1; i < j; i, j = i+1, j-1 {
		copy(tmp, data[i*block:(i+1)*block])
		copy(data[i*block:(i+1)*block], data[j*block:(j+1)*block])
		copy(data[j*block:(j+1)*block], tmp)
	}
	return true, nil
}
