package metrics

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestNewRunAllocatesVersions(t *testing.T) {
	dir := t.TempDir()

	first, err := NewRun(dir)
	require.NoError(t, err)
	defer first.Close()
	second, err := NewRun(dir)
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, 0, first.Version)
	assert.Equal(t, 1, second.Version)
	assert.Equal(t, filepath.Join(dir, "lightning_logs", "version_1"), second.Dir)
	assert.NotEqual(t, first.ID, second.ID)
	assert.FileExists(t, filepath.Join(second.Dir, StoreFile))
}

func TestNextVersionSkipsForeignEntries(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"version_3", "version_x", "other"} {
		require.NoError(t, os.Mkdir(filepath.Join(root, name), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "version_9"), nil, 0o644))

	n, err := nextVersion(root)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestLogHyperparams(t *testing.T) {
	r, err := NewRun(t.TempDir())
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.LogHyperparams(map[string]any{"hidden_dim": 128, "learning_rate": 0.001}))
	data, err := os.ReadFile(filepath.Join(r.Dir, "hparams.yaml"))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, yaml.Unmarshal(data, &got))
	assert.Equal(t, 128, got["hidden_dim"])
	assert.Equal(t, 0.001, got["learning_rate"])
	assert.Equal(t, r.ID.String(), got["run_id"])
}

func TestStoreSeries(t *testing.T) {
	r, err := NewRun(t.TempDir())
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.LogMetrics(0, 10, map[string]float64{"train_loss": 1.5}))
	require.NoError(t, r.LogMetrics(0, 20, map[string]float64{"train_loss": 1.0, "val_loss": 1.2}))
	require.NoError(t, r.LogMetrics(1, 30, nil))

	pts, err := r.Store().Series("train_loss")
	require.NoError(t, err)
	require.Len(t, pts, 2)
	assert.Equal(t, Point{Epoch: 0, Step: 10, Name: "train_loss", Value: 1.5}, pts[0])
	assert.Equal(t, 20, pts[1].Step)

	val, err := r.Store().Series("val_loss")
	require.NoError(t, err)
	require.Len(t, val, 1)
	assert.Equal(t, 1.2, val[0].Value)

	none, err := r.Store().Series("missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCheckpointDir(t *testing.T) {
	r, err := NewRun(t.TempDir())
	require.NoError(t, err)
	defer r.Close()

	dir, err := r.CheckpointDir()
	require.NoError(t, err)
	assert.DirExists(t, dir)
	assert.Equal(t, filepath.Join(r.Dir, "checkpoints"), dir)
}
