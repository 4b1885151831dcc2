package modules

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
	"gorgonia.org/tensor"

	"github.com/qilei123/obb-autoanchor/config"
	"github.com/qilei123/obb-autoanchor/dataset"
	"github.com/qilei123/obb-autoanchor/processing"
	"github.com/qilei123/obb-autoanchor/utils"
)

const (
	// minAnchorSize is the floor for any evolved anchor dimension, in pixels.
	minAnchorSize = 2.0

	mutationProb  = 0.9
	mutationSigma = 0.1
	kmeansIters   = 30
)

type AnchorOptimizerClient struct {
	ModelParams *config.AnchorOptimizeParams
	logger      *zap.Logger
	rng         *rand.Rand
	poly        processing.PolyTransform
}

type OptimizerOption func(*AnchorOptimizerClient)

func WithOptimizerLogger(l *zap.Logger) OptimizerOption {
	return func(c *AnchorOptimizerClient) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithOptimizerRand injects a deterministic randomness source.
func WithOptimizerRand(src rand.Source) OptimizerOption {
	return func(c *AnchorOptimizerClient) {
		c.rng = rand.New(src)
	}
}

// WithOptimizerPolyTransform replaces the default OpenCV-backed
// polygon-to-rotated-box conversion.
func WithOptimizerPolyTransform(f processing.PolyTransform) OptimizerOption {
	return func(c *AnchorOptimizerClient) {
		if f != nil {
			c.poly = f
		}
	}
}

func NewAnchorOptimizerClient(cfg *config.AnchorOptimizeParams, opts ...OptimizerOption) *AnchorOptimizerClient {
	client := &AnchorOptimizerClient{
		ModelParams: cfg,
		logger:      zap.NewNop(),
		rng:         rand.New(rand.NewSource(uint64(time.Now().UnixNano()))),
		poly:        processing.PolyToRotatedBoxes,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Optimize derives a fresh anchor set for the dataset: extract box edges,
// seed with whitened k-means, refine with the genetic loop, and return the
// result sorted by area ascending, in pixel units.
func (c *AnchorOptimizerClient) Optimize(ds *dataset.Dataset) (*tensor.Dense, error) {
	unfiltered, err := extractEdges(ds, c.ModelParams.ImageSize, c.poly, nil)
	if err != nil {
		return nil, err
	}

	total := unfiltered.Shape()[0]
	if small := countSmallEdges(unfiltered); small > 0 {
		c.logger.Warn("extremely small objects found",
			zap.Int("small", small),
			zap.Int("total", total),
			zap.Float32("min_edge_px", minBoxEdge),
		)
	}

	filtered := filterEdges(unfiltered)
	if filtered.Shape()[0] == 0 {
		return nil, errors.Wrap(processing.ErrNoBoxes, "no boxes survive the minimum-size filter")
	}

	k, err := c.clusterSeed(filtered)
	if err != nil {
		return nil, err
	}
	k, err = utils.SortRowsByArea(k)
	if err != nil {
		return nil, err
	}

	k, err = c.evolve(k, filtered, unfiltered)
	if err != nil {
		return nil, err
	}

	k, err = utils.SortRowsByArea(k)
	if err != nil {
		return nil, err
	}
	c.reportAnchors(k, unfiltered)
	return k, nil
}

// OptimizeFromSource accepts either a loaded *dataset.Dataset or a path to a
// dataset source file.
func (c *AnchorOptimizerClient) OptimizeFromSource(src any) (*tensor.Dense, error) {
	switch v := src.(type) {
	case *dataset.Dataset:
		return c.Optimize(v)
	case string:
		ds, err := dataset.LoadSource(v)
		if err != nil {
			return nil, err
		}
		return c.Optimize(ds)
	default:
		return nil, errors.Wrapf(dataset.ErrBadDatasetSource, "unsupported source type %T", src)
	}
}

// clusterSeed whitens the edge pairs by their per-dimension standard
// deviation, clusters them and maps the centroids back to pixel space.
func (c *AnchorOptimizerClient) clusterSeed(filtered *tensor.Dense) (*tensor.Dense, error) {
	n := c.ModelParams.NumAnchors
	m := filtered.Shape()[0]
	c.logger.Info("running kmeans",
		zap.Int("anchors", n),
		zap.Int("points", m),
	)

	data := filtered.Float32s()
	cols := [2][]float64{
		make([]float64, m),
		make([]float64, m),
	}
	for i := 0; i < m; i++ {
		cols[0][i] = float64(data[i*2])
		cols[1][i] = float64(data[i*2+1])
	}

	var sigma [2]float32
	for j := range cols {
		s := float32(stat.StdDev(cols[j], nil))
		if !(s > 0) { // degenerate column, leave it unscaled
			s = 1
		}
		sigma[j] = s
	}

	whitened := make([]float32, m*2)
	for i := 0; i < m; i++ {
		whitened[i*2] = data[i*2] / sigma[0]
		whitened[i*2+1] = data[i*2+1] / sigma[1]
	}

	centroids, err := processing.KMeans(tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(m, 2),
		tensor.WithBacking(whitened),
	), n, kmeansIters, c.rng)
	if err != nil {
		return nil, err
	}

	cd := centroids.Float32s()
	for i := 0; i < n; i++ {
		cd[i*2] *= sigma[0]
		cd[i*2+1] *= sigma[1]
	}
	return centroids, nil
}

// evolve runs a (1+1) evolution strategy over the anchor set: mutate the
// current best with a multiplicative mask, accept only strict fitness
// improvements. A single uniform magnitude drawn per generation scales every
// perturbed entry of the mask, which couples the mutation strength across the
// whole anchor set; this is intentional, not incidental.
func (c *AnchorOptimizerClient) evolve(k, filtered, unfiltered *tensor.Dense) (*tensor.Dense, error) {
	thr := c.ModelParams.ThresholdRatio
	best, err := processing.AnchorFitness(k, filtered, thr)
	if err != nil {
		return nil, err
	}

	k = k.Clone().(*tensor.Dense)
	kd := k.Float32s()
	cand := tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(k.Shape()...),
		tensor.WithBacking(make([]float32, len(kd))),
	)
	cd := cand.Float32s()

	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: c.rng}
	mask := make([]float32, len(kd))

	c.logger.Info("evolving anchors with genetic algorithm",
		zap.Int("generations", c.ModelParams.Generations),
		zap.Float32("fitness", best),
	)

	for g := 0; g < c.ModelParams.Generations; g++ {
		// Resample until the mask actually changes something.
		for {
			magnitude := c.rng.Float64()
			identity := true
			for i := range mask {
				mask[i] = 1
				if c.rng.Float64() < mutationProb {
					mask[i] = clamp32(1+float32(magnitude*normal.Rand()*mutationSigma), 0.3, 3.0)
					if mask[i] != 1 {
						identity = false
					}
				}
			}
			if !identity {
				break
			}
		}

		for i := range cd {
			cd[i] = kd[i] * mask[i]
			if cd[i] < minAnchorSize {
				cd[i] = minAnchorSize
			}
		}

		fitness, err := processing.AnchorFitness(cand, filtered, thr)
		if err != nil {
			return nil, err
		}
		if fitness > best {
			best = fitness
			copy(kd, cd)
			if c.ModelParams.Verbose {
				c.logger.Info("improved anchors",
					zap.Int("generation", g),
					zap.Float32("fitness", best),
				)
				c.reportAnchors(k, unfiltered)
			}
		}
	}

	return k, nil
}

// reportAnchors logs the fit summary of the (area-sorted) anchor set against
// the unfiltered box collection.
func (c *AnchorOptimizerClient) reportAnchors(k, unfiltered *tensor.Dense) {
	sorted, err := utils.SortRowsByArea(k)
	if err != nil {
		c.logger.Warn("cannot sort anchors for report", zap.Error(err))
		return
	}
	thr := c.ModelParams.ThresholdRatio
	summary, err := processing.SummarizeAnchorFit(sorted, unfiltered, thr)
	if err != nil {
		c.logger.Warn("cannot summarize anchor fit", zap.Error(err))
		return
	}

	sugar := c.logger.Sugar()
	sugar.Infof("thr=%.2f: %.4f best possible recall, %.2f anchors past thr",
		1/thr, summary.BestPossibleRecall, summary.AnchorsAboveThreshold)
	sugar.Infof("n=%d, img_size=%d, metric_all=%.3f/%.3f-mean/best, past_thr=%.3f-mean: %s",
		c.ModelParams.NumAnchors, c.ModelParams.ImageSize,
		summary.MeanFit, summary.MeanBestFit, summary.MeanPastThreshold,
		FormatAnchorPairs(sorted))
}

// FormatAnchorPairs renders a K x 2 anchor tensor as rounded "w,h" pairs.
func FormatAnchorPairs(k *tensor.Dense) string {
	data := k.Float32s()
	pairs := make([]string, k.Shape()[0])
	for i := range pairs {
		pairs[i] = fmt.Sprintf("%.0f,%.0f", data[i*2], data[i*2+1])
	}
	return strings.Join(pairs, ", ")
}

func clamp32(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
