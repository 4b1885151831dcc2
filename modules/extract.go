package modules

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/qilei123/obb-autoanchor/dataset"
	"github.com/qilei123/obb-autoanchor/processing"
	"github.com/qilei123/obb-autoanchor/utils"
)

// minBoxEdge is the noise floor: boxes with both edges below it are excluded
// from fitting but still counted for reporting.
const minBoxEdge = 5.0

// extractEdges derives the unfiltered edge-length collection: every label
// polygon is scaled by its image's ratio imgSize/max(w, h), converted to a
// rotated box, and its (w, h) edges concatenated into a single M x 2 tensor.
// jitter, when non-nil, perturbs each image's ratio once (scale augmentation
// used by the check policy, never by the standalone optimizer).
func extractEdges(ds *dataset.Dataset, imgSize int, poly processing.PolyTransform, jitter func() float32) (*tensor.Dense, error) {
	nImages := ds.NumImages()
	if len(ds.Labels) != nImages {
		return nil, errors.Errorf("dataset has %d shapes but %d label sets", nImages, len(ds.Labels))
	}

	shapes := ds.Shapes.Float32s()
	perImage := make([]*tensor.Dense, 0, nImages)
	for i := 0; i < nImages; i++ {
		labels := ds.Labels[i]
		if labels == nil || labels.Shape()[0] == 0 {
			continue
		}
		w, h := shapes[i*2], shapes[i*2+1]
		maxSide := w
		if h > maxSide {
			maxSide = h
		}
		if maxSide <= 0 {
			continue
		}
		ratio := float32(imgSize) / maxSide
		if jitter != nil {
			ratio *= jitter()
		}

		lShape := labels.Shape()
		if len(lShape) != 2 || lShape[1] != 9 {
			return nil, errors.Errorf("image %d: expected N x 9 labels, got shape %v", i, lShape)
		}
		rows := lShape[0]
		ld := labels.Float32s()
		scaled := make([]float32, rows*8)
		for r := 0; r < rows; r++ {
			for c := 0; c < 8; c++ {
				scaled[r*8+c] = ld[r*9+1+c] * ratio
			}
		}

		rboxes, err := poly(tensor.New(
			tensor.Of(tensor.Float32),
			tensor.WithShape(rows, 8),
			tensor.WithBacking(scaled),
		))
		if err != nil {
			return nil, errors.Wrapf(err, "converting polygons for image %d", i)
		}
		rShape := rboxes.Shape()
		if len(rShape) != 2 || rShape[1] != 5 {
			return nil, errors.Errorf("image %d: expected N x 5 rotated boxes, got shape %v", i, rShape)
		}

		rd := rboxes.Float32s()
		edges := make([]float32, rShape[0]*2)
		for r := 0; r < rShape[0]; r++ {
			edges[r*2] = rd[r*5+2]
			edges[r*2+1] = rd[r*5+3]
		}
		perImage = append(perImage, tensor.New(
			tensor.Of(tensor.Float32),
			tensor.WithShape(rShape[0], 2),
			tensor.WithBacking(edges),
		))
	}

	return utils.VStack(perImage)
}

// countSmallEdges counts boxes with either edge under the noise floor.
func countSmallEdges(edges *tensor.Dense) int {
	data := edges.Float32s()
	small := 0
	for i := 0; i < edges.Shape()[0]; i++ {
		if data[i*2] < minBoxEdge || data[i*2+1] < minBoxEdge {
			small++
		}
	}
	return small
}

// filterEdges keeps boxes with at least one edge at or above the noise floor.
func filterEdges(edges *tensor.Dense) *tensor.Dense {
	data := edges.Float32s()
	kept := make([]float32, 0, len(data))
	for i := 0; i < edges.Shape()[0]; i++ {
		if data[i*2] >= minBoxEdge || data[i*2+1] >= minBoxEdge {
			kept = append(kept, data[i*2], data[i*2+1])
		}
	}
	if len(kept) == 0 {
		return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(0, 2))
	}
	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(len(kept)/2, 2),
		tensor.WithBacking(kept),
	)
}
