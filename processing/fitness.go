package processing

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ErrNoBoxes reports that no usable ground-truth boxes were available to
// score an anchor set against.
var ErrNoBoxes = errors.New("no ground-truth boxes to evaluate")

// FitnessReport summarizes how well an anchor set covers a box collection.
// BestPossibleRecall is the fraction of boxes with at least one anchor past
// the acceptance threshold; AnchorsAboveThreshold is the mean number of
// anchors past the threshold per box.
type FitnessReport struct {
	BestPossibleRecall    float32
	AnchorsAboveThreshold float32
}

// FitSummary extends FitnessReport with the mean fit statistics used for
// human-readable anchor reports.
type FitSummary struct {
	BestPossibleRecall    float32
	AnchorsAboveThreshold float32
	MeanFit               float32 // mean fit score over all (box, anchor) pairs
	MeanBestFit           float32 // mean of per-box best fit scores
	MeanPastThreshold     float32 // mean fit score over pairs past the threshold
}

// fitScore is the width/height ratio metric: the elementwise min of b/a and
// a/b, reduced by min over the two dimensions. 1 means identical scale and
// aspect; values are in [0, 1]. Not IoU: a pure scale/aspect similarity
// with no position term.
func fitScore(bw, bh, aw, ah float32) float32 {
	rw := bw / aw
	if rw > 1 {
		rw = 1 / rw
	}
	rh := bh / ah
	if rh > 1 {
		rh = 1 / rh
	}
	if rw < rh {
		return rw
	}
	return rh
}

func pairs2(t *tensor.Dense, name string) ([]float32, int, error) {
	shape := t.Shape()
	if len(shape) != 2 || shape[1] != 2 {
		return nil, 0, errors.Errorf("%s: expected an N x 2 tensor, got shape %v", name, shape)
	}
	return t.Float32s(), shape[0], nil
}

// EvaluateAnchorFit scores a K x 2 anchor set against an M x 2 box collection.
// thresholdRatio is the width/height ratio bound (default 4.0); a pair counts
// as covered when its fit score exceeds 1/thresholdRatio.
func EvaluateAnchorFit(anchors, boxes *tensor.Dense, thresholdRatio float32) (*FitnessReport, error) {
	summary, err := SummarizeAnchorFit(anchors, boxes, thresholdRatio)
	if err != nil {
		return nil, err
	}
	return &FitnessReport{
		BestPossibleRecall:    summary.BestPossibleRecall,
		AnchorsAboveThreshold: summary.AnchorsAboveThreshold,
	}, nil
}

// SummarizeAnchorFit computes the full fit statistics for reporting.
func SummarizeAnchorFit(anchors, boxes *tensor.Dense, thresholdRatio float32) (*FitSummary, error) {
	ad, na, err := pairs2(anchors, "anchors")
	if err != nil {
		return nil, err
	}
	bd, nb, err := pairs2(boxes, "boxes")
	if err != nil {
		return nil, err
	}
	if nb == 0 {
		return nil, ErrNoBoxes
	}
	if na == 0 {
		return nil, errors.New("empty anchor set")
	}

	invThr := 1 / thresholdRatio
	var recalled, pastThr int
	var sumAll, sumBest, sumPast float32
	for b := 0; b < nb; b++ {
		bw, bh := bd[b*2], bd[b*2+1]
		var best float32
		for a := 0; a < na; a++ {
			s := fitScore(bw, bh, ad[a*2], ad[a*2+1])
			sumAll += s
			if s > invThr {
				pastThr++
				sumPast += s
			}
			if s > best {
				best = s
			}
		}
		sumBest += best
		if best > invThr {
			recalled++
		}
	}

	summary := &FitSummary{
		BestPossibleRecall:    float32(recalled) / float32(nb),
		AnchorsAboveThreshold: float32(pastThr) / float32(nb),
		MeanFit:               sumAll / float32(nb*na),
		MeanBestFit:           sumBest / float32(nb),
	}
	if pastThr > 0 {
		summary.MeanPastThreshold = sumPast / float32(pastThr)
	}
	return summary, nil
}

// AnchorFitness is the objective maximized by the genetic refinement loop:
// the mean over boxes of best fit score, with boxes whose best anchor falls
// below the threshold contributing zero. Zeroing sub-threshold boxes pushes
// the search toward covering every box past the bar rather than maximizing
// mean fit.
func AnchorFitness(anchors, boxes *tensor.Dense, thresholdRatio float32) (float32, error) {
	ad, na, err := pairs2(anchors, "anchors")
	if err != nil {
		return 0, err
	}
	bd, nb, err := pairs2(boxes, "boxes")
	if err != nil {
		return 0, err
	}
	if nb == 0 {
		return 0, ErrNoBoxes
	}

	invThr := 1 / thresholdRatio
	var sum float32
	for b := 0; b < nb; b++ {
		bw, bh := bd[b*2], bd[b*2+1]
		var best float32
		for a := 0; a < na; a++ {
			if s := fitScore(bw, bh, ad[a*2], ad[a*2+1]); s > best {
				best = s
			}
		}
		if best > invThr {
			sum += best
		}
	}
	return sum / float32(nb), nil
}
