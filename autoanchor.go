package autoanchor

import (
	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/qilei123/obb-autoanchor/config"
	"github.com/qilei123/obb-autoanchor/dataset"
	"github.com/qilei123/obb-autoanchor/modules"
)

// CheckAnchors evaluates the model's anchors against the dataset and, when
// best possible recall is below the configured threshold, derives and adopts
// a better set. See modules.AnchorCheckerClient for the full policy.
func CheckAnchors(model modules.Model, ds *dataset.Dataset, cfg *config.AnchorCheckParams, logger *zap.Logger) error {
	if cfg == nil {
		cfg = config.DefaultAnchorCheckParams
	}
	client := modules.NewAnchorCheckerClient(cfg, modules.WithCheckerLogger(logger))
	return client.CheckAnchors(model, ds)
}

// KMeanAnchors derives a standalone anchor set from a dataset or a dataset
// source path, without touching any model. The result is a NumAnchors x 2
// pixel-unit tensor sorted by area ascending.
func KMeanAnchors(src any, cfg *config.AnchorOptimizeParams, logger *zap.Logger) (*tensor.Dense, error) {
	if cfg == nil {
		cfg = config.DefaultAnchorOptimizeParams
	}
	client := modules.NewAnchorOptimizerClient(cfg, modules.WithOptimizerLogger(logger))
	return client.OptimizeFromSource(src)
}
