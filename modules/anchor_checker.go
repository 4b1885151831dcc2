package modules

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
	"gorgonia.org/tensor"

	"github.com/qilei123/obb-autoanchor/config"
	"github.com/qilei123/obb-autoanchor/dataset"
	"github.com/qilei123/obb-autoanchor/processing"
)

// DetectHead exposes a detection model's anchor configuration. Anchors is a
// mutable levels x anchorsPerLevel x 2 tensor with each level's values
// pre-divided by that level's stride; Strides is immutable, one entry per
// level.
type DetectHead interface {
	Anchors() *tensor.Dense
	Strides() []float32
}

// Model is the collaborator holding a detection head.
type Model interface {
	Head() DetectHead
}

// DistributedModel wraps a Model for multi-process execution; the checker
// unwraps it before touching the head.
type DistributedModel interface {
	Module() Model
}

type optimizeFunc func(ds *dataset.Dataset, numAnchors int) (*tensor.Dense, error)

type AnchorCheckerClient struct {
	ModelParams *config.AnchorCheckParams
	logger      *zap.Logger
	rng         *rand.Rand
	poly        processing.PolyTransform
	optimize    optimizeFunc
}

type CheckerOption func(*AnchorCheckerClient)

func WithCheckerLogger(l *zap.Logger) CheckerOption {
	return func(c *AnchorCheckerClient) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCheckerRand injects a deterministic randomness source for the scale
// jitter and the downstream optimizer.
func WithCheckerRand(src rand.Source) CheckerOption {
	return func(c *AnchorCheckerClient) {
		c.rng = rand.New(src)
	}
}

func WithCheckerPolyTransform(f processing.PolyTransform) CheckerOption {
	return func(c *AnchorCheckerClient) {
		if f != nil {
			c.poly = f
		}
	}
}

// WithOptimizeFunc replaces the anchor derivation step.
func WithOptimizeFunc(f optimizeFunc) CheckerOption {
	return func(c *AnchorCheckerClient) {
		if f != nil {
			c.optimize = f
		}
	}
}

func NewAnchorCheckerClient(cfg *config.AnchorCheckParams, opts ...CheckerOption) *AnchorCheckerClient {
	client := &AnchorCheckerClient{
		ModelParams: cfg,
		logger:      zap.NewNop(),
		rng:         rand.New(rand.NewSource(uint64(time.Now().UnixNano()))),
		poly:        processing.PolyToRotatedBoxes,
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.optimize == nil {
		client.optimize = func(ds *dataset.Dataset, numAnchors int) (*tensor.Dense, error) {
			opt := NewAnchorOptimizerClient(
				config.NewAnchorOptimizeParams(
					numAnchors,
					cfg.ImageSize,
					cfg.ThresholdRatio,
					config.DefaultAnchorOptimizeParams.Generations,
					false,
				),
				WithOptimizerLogger(client.logger),
				WithOptimizerRand(client.rng),
				WithOptimizerPolyTransform(client.poly),
			)
			return opt.Optimize(ds)
		}
	}
	return client
}

// CheckAnchors evaluates how well the model's current anchors fit the
// dataset and recomputes them when best possible recall falls below the
// configured threshold. The model's anchor tensor is updated in place on
// adoption; optimization failures are logged and leave it untouched.
func (c *AnchorCheckerClient) CheckAnchors(model Model, ds *dataset.Dataset) error {
	if wrapped, ok := model.(DistributedModel); ok {
		model = wrapped.Module()
	}
	head := model.Head()
	anchors := head.Anchors()
	strides := head.Strides()

	shape := anchors.Shape()
	if len(shape) != 3 || shape[2] != 2 {
		return errors.Errorf("expected a levels x anchors x 2 tensor, got shape %v", shape)
	}
	levels, perLevel := shape[0], shape[1]
	if levels != len(strides) {
		return errors.Errorf("anchor tensor has %d levels but %d strides given", levels, len(strides))
	}

	// Current anchors in pixel space, flattened to K x 2.
	ad := anchors.Float32s()
	pixels := make([]float32, len(ad))
	for l := 0; l < levels; l++ {
		for i := 0; i < perLevel*2; i++ {
			pixels[l*perLevel*2+i] = ad[l*perLevel*2+i] * strides[l]
		}
	}
	current := tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(levels*perLevel, 2),
		tensor.WithBacking(pixels),
	)

	jitter := distuv.Uniform{Min: 0.9, Max: 1.1, Src: c.rng}
	edges, err := extractEdges(ds, c.ModelParams.ImageSize, c.poly, func() float32 {
		return float32(jitter.Rand())
	})
	if err != nil {
		return err
	}

	report, err := processing.EvaluateAnchorFit(current, edges, c.ModelParams.ThresholdRatio)
	if err != nil {
		return errors.Wrap(err, "evaluating current anchors")
	}
	c.logger.Sugar().Infof("%.2f anchors/target, %.3f best possible recall (BPR)",
		report.AnchorsAboveThreshold, report.BestPossibleRecall)

	if report.BestPossibleRecall > c.ModelParams.RecallThreshold {
		c.logger.Info("current anchors are a good fit to dataset")
		return nil
	}
	c.logger.Info("anchors are a poor fit to dataset, attempting to improve",
		zap.Float32("bpr", report.BestPossibleRecall),
	)

	candidate, err := c.optimize(ds, levels*perLevel)
	if err != nil {
		c.logger.Error("anchor optimization failed, keeping current anchors", zap.Error(err))
		return nil
	}
	if cs := candidate.Shape(); len(cs) != 2 || cs[0] != levels*perLevel || cs[1] != 2 {
		return errors.Errorf("candidate anchors have shape %v, want (%d, 2)", cs, levels*perLevel)
	}

	newReport, err := processing.EvaluateAnchorFit(candidate, edges, c.ModelParams.ThresholdRatio)
	if err != nil {
		return errors.Wrap(err, "evaluating candidate anchors")
	}
	if newReport.BestPossibleRecall <= report.BestPossibleRecall {
		c.logger.Info("original anchors better than new anchors, proceeding with original anchors",
			zap.Float32("bpr", report.BestPossibleRecall),
			zap.Float32("candidate_bpr", newReport.BestPossibleRecall),
		)
		return nil
	}

	// Adopt: write the candidate back stride-normalized, then fix level order.
	cd := candidate.Float32s()
	for l := 0; l < levels; l++ {
		for i := 0; i < perLevel*2; i++ {
			ad[l*perLevel*2+i] = cd[l*perLevel*2+i] / strides[l]
		}
	}
	reordered, err := processing.CheckAnchorOrder(anchors, strides)
	if err != nil {
		return err
	}
	if reordered {
		c.logger.Info("reversing anchor order")
	}
	c.logger.Info("new anchors saved to model, update the model config to persist them",
		zap.Float32("bpr", newReport.BestPossibleRecall),
	)
	return nil
}
