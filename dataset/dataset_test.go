package dataset

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const snapshotYAML = `shapes:
  - [640, 480]
  - [1024, 768]
labels:
  - - [0, 100, 100, 150, 100, 150, 200, 100, 200]
    - [1, 10, 10, 60, 10, 60, 40, 10, 40]
  - []
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNew(t *testing.T) {
	ds, err := New(
		[][2]float32{{640, 480}},
		[][][]float32{{{0, 1, 2, 3, 4, 5, 6, 7, 8}}},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, ds.NumImages())
	assert.Equal(t, []float32{640, 480}, ds.Shapes.Float32s())
	require.NotNil(t, ds.Labels[0])
	assert.Equal(t, []int{1, 9}, []int(ds.Labels[0].Shape()))
}

func TestNew_BadRowWidth(t *testing.T) {
	_, err := New(
		[][2]float32{{640, 480}},
		[][][]float32{{{0, 1, 2}}},
	)
	assert.True(t, errors.Is(err, ErrBadDatasetSource))
}

func TestNew_LengthMismatch(t *testing.T) {
	_, err := New([][2]float32{{640, 480}, {100, 100}}, [][][]float32{nil})
	assert.True(t, errors.Is(err, ErrBadDatasetSource))
}

func TestLoad_Snapshot(t *testing.T) {
	path := writeFile(t, t.TempDir(), "snapshot.yaml", snapshotYAML)

	ds, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, ds.NumImages())
	require.NotNil(t, ds.Labels[0])
	assert.Equal(t, []int{2, 9}, []int(ds.Labels[0].Shape()))
	assert.Nil(t, ds.Labels[1])
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, errors.Is(err, ErrBadDatasetSource))
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bad.yaml", "shapes: [not: valid: yaml\n")

	_, err := Load(path)
	assert.True(t, errors.Is(err, ErrBadDatasetSource))
}

func TestLoadSource_DataConfigIndirection(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "train.yaml", snapshotYAML)
	cfgPath := writeFile(t, dir, "data.yaml", "train: train.yaml\n")

	ds, err := LoadSource(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, 2, ds.NumImages())
}

func TestLoadSource_DirectSnapshot(t *testing.T) {
	path := writeFile(t, t.TempDir(), "snapshot.yaml", snapshotYAML)

	ds, err := LoadSource(path)
	require.NoError(t, err)
	assert.Equal(t, 2, ds.NumImages())
}

func TestLoadSource_EmptySnapshot(t *testing.T) {
	path := writeFile(t, t.TempDir(), "empty.yaml", "shapes: []\nlabels: []\n")

	_, err := LoadSource(path)
	assert.True(t, errors.Is(err, ErrBadDatasetSource))
}
