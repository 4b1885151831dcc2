package dataset

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"gorgonia.org/tensor"
)

// ErrBadDatasetSource reports a malformed or unresolvable dataset reference.
// It indicates a setup mistake, not a runtime condition to recover from.
var ErrBadDatasetSource = errors.New("bad dataset source")

// Dataset is the collaborator contract consumed by the anchor tooling: one
// original (width, height) shape per image and one matching label tensor per
// image. Label rows are [class, x1, y1, x2, y2, x3, y3, x4, y4] with polygon
// corners in original-image pixels. Iteration order is fixed.
type Dataset struct {
	Shapes *tensor.Dense   // I x 2
	Labels []*tensor.Dense // per image Ni x 9, may be nil for unlabeled images
}

// NumImages returns the number of images the dataset describes.
func (d *Dataset) NumImages() int {
	if d == nil || d.Shapes == nil {
		return 0
	}
	return d.Shapes.Shape()[0]
}

// New builds a Dataset from plain slices, validating row widths up front.
func New(shapes [][2]float32, labels [][][]float32) (*Dataset, error) {
	if len(labels) != len(shapes) {
		return nil, errors.Wrapf(ErrBadDatasetSource, "%d shapes but %d label sets", len(shapes), len(labels))
	}

	shapeData := make([]float32, 0, len(shapes)*2)
	for _, s := range shapes {
		shapeData = append(shapeData, s[0], s[1])
	}

	ds := &Dataset{
		Shapes: tensor.New(
			tensor.Of(tensor.Float32),
			tensor.WithShape(len(shapes), 2),
			tensor.WithBacking(shapeData),
		),
		Labels: make([]*tensor.Dense, len(labels)),
	}

	for i, rows := range labels {
		if len(rows) == 0 {
			continue
		}
		backing := make([]float32, 0, len(rows)*9)
		for _, row := range rows {
			if len(row) != 9 {
				return nil, errors.Wrapf(ErrBadDatasetSource, "image %d: label row has %d values, want 9", i, len(row))
			}
			backing = append(backing, row...)
		}
		ds.Labels[i] = tensor.New(
			tensor.Of(tensor.Float32),
			tensor.WithShape(len(rows), 9),
			tensor.WithBacking(backing),
		)
	}

	return ds, nil
}

type snapshotFile struct {
	Shapes [][2]float32  `yaml:"shapes"`
	Labels [][][]float32 `yaml:"labels"`
}

type dataConfigFile struct {
	Train string `yaml:"train"`
}

// Load reads a YAML dataset snapshot (shapes plus label polygons).
func Load(path string) (*Dataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrBadDatasetSource, "reading %s: %v", path, err)
	}
	return parseSnapshot(raw, path)
}

// LoadSource resolves a dataset source path: either a data config naming a
// training snapshot under its `train` key, or a snapshot itself.
func LoadSource(path string) (*Dataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrBadDatasetSource, "reading %s: %v", path, err)
	}

	var cfg dataConfigFile
	if err := yaml.Unmarshal(raw, &cfg); err == nil && cfg.Train != "" {
		train := cfg.Train
		if !filepath.IsAbs(train) {
			train = filepath.Join(filepath.Dir(path), train)
		}
		return Load(train)
	}

	return parseSnapshot(raw, path)
}

func parseSnapshot(raw []byte, path string) (*Dataset, error) {
	var snap snapshotFile
	if err := yaml.Unmarshal(raw, &snap); err != nil {
		return nil, errors.Wrapf(ErrBadDatasetSource, "parsing %s: %v", path, err)
	}
	if len(snap.Shapes) == 0 {
		return nil, errors.Wrapf(ErrBadDatasetSource, "%s: no image shapes", path)
	}
	ds, err := New(snap.Shapes, snap.Labels)
	if err != nil {
		return nil, errors.Wrapf(err, "in %s", path)
	}
	return ds, nil
}
