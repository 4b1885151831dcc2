package modules

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gorgonia.org/tensor"

	"github.com/qilei123/obb-autoanchor/config"
	"github.com/qilei123/obb-autoanchor/dataset"
)

type testHead struct {
	anchors *tensor.Dense
	strides []float32
}

func (h *testHead) Anchors() *tensor.Dense { return h.anchors }
func (h *testHead) Strides() []float32     { return h.strides }

type testModel struct {
	head *testHead
}

func (m *testModel) Head() DetectHead { return m.head }

// distributedTestModel mimics a training wrapper: its own head is
// unreachable, only the wrapped module works.
type distributedTestModel struct {
	inner Model
}

func (m *distributedTestModel) Head() DetectHead { return nil }
func (m *distributedTestModel) Module() Model    { return m.inner }

// newTestModel builds a two-level head with one anchor per level, storing
// the given pixel-space anchors stride-normalized.
func newTestModel(strides []float32, pixelAnchors ...float32) *testModel {
	normalized := make([]float32, len(pixelAnchors))
	perLevel := len(pixelAnchors) / len(strides)
	for l := range strides {
		for i := 0; i < perLevel; i++ {
			normalized[l*perLevel+i] = pixelAnchors[l*perLevel+i] / strides[l]
		}
	}
	return &testModel{head: &testHead{
		anchors: tensor.New(
			tensor.Of(tensor.Float32),
			tensor.WithShape(len(strides), perLevel/2, 2),
			tensor.WithBacking(normalized),
		),
		strides: strides,
	}}
}

// twoSizeDataset scales to boxes (50, 100) and (400, 200) at img_size 640.
func twoSizeDataset(t *testing.T) *dataset.Dataset {
	ds, err := dataset.New(
		[][2]float32{{640, 640}, {640, 640}},
		[][][]float32{
			{rectPoly(0, 0, 0, 50, 100)},
			{rectPoly(0, 100, 100, 400, 200)},
		},
	)
	require.NoError(t, err)
	return ds
}

func newTestChecker(t *testing.T, optimize optimizeFunc) *AnchorCheckerClient {
	opts := []CheckerOption{
		WithCheckerRand(rand.NewSource(1)),
		WithCheckerPolyTransform(axisAlignedPoly),
	}
	if optimize != nil {
		opts = append(opts, WithOptimizeFunc(optimize))
	}
	return NewAnchorCheckerClient(config.DefaultAnchorCheckParams, opts...)
}

func TestAnchorCheckerClient_GoodFitSkipsOptimizer(t *testing.T) {
	model := newTestModel([]float32{8, 16}, 50, 100, 400, 200)
	before := append([]float32(nil), model.head.anchors.Float32s()...)

	optimizerCalled := false
	checker := newTestChecker(t, func(ds *dataset.Dataset, n int) (*tensor.Dense, error) {
		optimizerCalled = true
		return nil, errors.New("should not be called")
	})

	// Exact-match anchors survive the ±10% scale jitter at thr 4.0.
	err := checker.CheckAnchors(model, twoSizeDataset(t))
	require.NoError(t, err)
	assert.False(t, optimizerCalled)
	assert.Equal(t, before, model.head.anchors.Float32s())
}

func TestAnchorCheckerClient_UnwrapsDistributedModel(t *testing.T) {
	model := newTestModel([]float32{8, 16}, 50, 100, 400, 200)
	wrapped := &distributedTestModel{inner: model}

	checker := newTestChecker(t, func(ds *dataset.Dataset, n int) (*tensor.Dense, error) {
		return nil, errors.New("should not be called")
	})

	err := checker.CheckAnchors(wrapped, twoSizeDataset(t))
	require.NoError(t, err)
}

func TestAnchorCheckerClient_OptimizerFailureKeepsAnchors(t *testing.T) {
	model := newTestModel([]float32{8, 16}, 5000, 5000, 9000, 9000)
	before := append([]float32(nil), model.head.anchors.Float32s()...)

	optimizerCalled := false
	checker := newTestChecker(t, func(ds *dataset.Dataset, n int) (*tensor.Dense, error) {
		optimizerCalled = true
		return nil, errors.New("boom")
	})

	err := checker.CheckAnchors(model, twoSizeDataset(t))
	require.NoError(t, err)
	assert.True(t, optimizerCalled)
	assert.Equal(t, before, model.head.anchors.Float32s())
}

func TestAnchorCheckerClient_TinyBoxesKeepAnchors(t *testing.T) {
	// Every box falls under the 5 px filter, so the real optimizer fails
	// with a data error; the checker logs it and keeps the anchors.
	ds, err := dataset.New(
		[][2]float32{{640, 640}},
		[][][]float32{{rectPoly(0, 0, 0, 2, 2)}},
	)
	require.NoError(t, err)

	model := newTestModel([]float32{8, 16}, 5000, 5000, 9000, 9000)
	before := append([]float32(nil), model.head.anchors.Float32s()...)

	checker := newTestChecker(t, nil)
	err = checker.CheckAnchors(model, ds)
	require.NoError(t, err)
	assert.Equal(t, before, model.head.anchors.Float32s())
}

func TestAnchorCheckerClient_AdoptsBetterCandidate(t *testing.T) {
	model := newTestModel([]float32{8, 16}, 5000, 5000, 9000, 9000)

	candidate := tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(2, 2),
		tensor.WithBacking([]float32{50, 100, 400, 200}),
	)
	checker := newTestChecker(t, func(ds *dataset.Dataset, n int) (*tensor.Dense, error) {
		require.Equal(t, 2, n)
		return candidate, nil
	})

	err := checker.CheckAnchors(model, twoSizeDataset(t))
	require.NoError(t, err)

	// Candidate written back divided by stride, order already consistent.
	got := model.head.anchors.Float32s()
	assert.InDelta(t, 50.0/8, got[0], 1e-5)
	assert.InDelta(t, 100.0/8, got[1], 1e-5)
	assert.InDelta(t, 400.0/16, got[2], 1e-5)
	assert.InDelta(t, 200.0/16, got[3], 1e-5)
}

func TestAnchorCheckerClient_AdoptionFixesLevelOrder(t *testing.T) {
	// Decreasing strides: the area-ascending candidate must end up flipped
	// so the small-stride level carries the small anchors.
	model := newTestModel([]float32{16, 8}, 5000, 5000, 9000, 9000)

	candidate := tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(2, 2),
		tensor.WithBacking([]float32{50, 100, 400, 200}),
	)
	checker := newTestChecker(t, func(ds *dataset.Dataset, n int) (*tensor.Dense, error) {
		return candidate, nil
	})

	err := checker.CheckAnchors(model, twoSizeDataset(t))
	require.NoError(t, err)

	got := model.head.anchors.Float32s()
	assert.InDelta(t, 400.0/8, got[0], 1e-5)
	assert.InDelta(t, 200.0/8, got[1], 1e-5)
	assert.InDelta(t, 50.0/16, got[2], 1e-5)
	assert.InDelta(t, 100.0/16, got[3], 1e-5)
}

func TestAnchorCheckerClient_RejectsWorseCandidate(t *testing.T) {
	model := newTestModel([]float32{8, 16}, 50, 100, 5000, 5000)
	before := append([]float32(nil), model.head.anchors.Float32s()...)

	candidate := tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(2, 2),
		tensor.WithBacking([]float32{2, 2, 3, 3}),
	)
	checker := newTestChecker(t, func(ds *dataset.Dataset, n int) (*tensor.Dense, error) {
		return candidate, nil
	})

	err := checker.CheckAnchors(model, twoSizeDataset(t))
	require.NoError(t, err)
	assert.Equal(t, before, model.head.anchors.Float32s())
}
