package config

// AnchorOptimizeParams controls anchor derivation from a labeled dataset.
type AnchorOptimizeParams struct {
	NumAnchors     int     `json:"num_anchors"`
	ImageSize      int     `json:"image_size"`
	ThresholdRatio float32 `json:"threshold_ratio"`
	Generations    int     `json:"generations"`
	Verbose        bool    `json:"verbose"`
}

var DefaultAnchorOptimizeParams = &AnchorOptimizeParams{
	NumAnchors:     9,
	ImageSize:      640,
	ThresholdRatio: 4.0,
	Generations:    1000,
	Verbose:        false,
}

func NewAnchorOptimizeParams(numAnchors, imgSize int, thresholdRatio float32, generations int, verbose bool) *AnchorOptimizeParams {
	return &AnchorOptimizeParams{
		NumAnchors:     numAnchors,
		ImageSize:      imgSize,
		ThresholdRatio: thresholdRatio,
		Generations:    generations,
		Verbose:        verbose,
	}
}

// AnchorCheckParams controls the check-and-improve policy. RecallThreshold is
// the best-possible-recall above which the current anchors are kept as-is.
type AnchorCheckParams struct {
	ImageSize       int     `json:"image_size"`
	ThresholdRatio  float32 `json:"threshold_ratio"`
	RecallThreshold float32 `json:"recall_threshold"`
}

var DefaultAnchorCheckParams = &AnchorCheckParams{
	ImageSize:       640,
	ThresholdRatio:  4.0,
	RecallThreshold: 0.98,
}

func NewAnchorCheckParams(imgSize int, thresholdRatio, recallThreshold float32) *AnchorCheckParams {
	return &AnchorCheckParams{
		ImageSize:       imgSize,
		ThresholdRatio:  thresholdRatio,
		RecallThreshold: recallThreshold,
	}
}
