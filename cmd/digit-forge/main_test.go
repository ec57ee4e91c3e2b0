package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"digit-forge/internal/config"
	"digit-forge/internal/dataset"
	"digit-forge/internal/export"
)

func writePartition(t *testing.T, dir, prefix string, n, side int) {
	t.Helper()
	images := make([][]byte, n)
	labels := make([]byte, n)
	for i := range images {
		img := make([]byte, side*side)
		label := i % 10
		// Light up one row per class so the data is learnable.
		for x := 0; x < side; x++ {
			img[(label*side+x)%len(img)] = 255
		}
		images[i] = img
		labels[i] = byte(label)
	}

	imgFile, err := os.Create(filepath.Join(dir, prefix+"-images-idx3-ubyte"))
	require.NoError(t, err)
	require.NoError(t, dataset.WriteIDXImages(imgFile, images, side, side))
	require.NoError(t, imgFile.Close())

	lblFile, err := os.Create(filepath.Join(dir, prefix+"-labels-idx1-ubyte"))
	require.NoError(t, err)
	require.NoError(t, dataset.WriteIDXLabels(lblFile, labels))
	require.NoError(t, lblFile.Close())
}

func TestRunFastDevRun(t *testing.T) {
	if testing.Short() {
		t.Skip("writes a full-size synthetic training pool")
	}
	dataDir := t.TempDir()
	writePartition(t, dataDir, "train", 60000, 28)
	writePartition(t, dataDir, "t10k", 200, 28)

	exportPath := filepath.Join(t.TempDir(), "model.onnx")
	cfg, err := config.Parse("test", []string{
		"--path_to_data", dataDir,
		"--log_dir", t.TempDir(),
		"--fast_dev_run",
		"--num_workers=2",
		"--export_path", exportPath,
	})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), cfg, &out))
	assert.True(t, strings.HasPrefix(out.String(), "[map[test_acc:"), out.String())

	sig, err := export.Describe(exportPath)
	require.NoError(t, err)
	require.Len(t, sig.Inputs, 1)
	require.Len(t, sig.Outputs, 1)
	assert.Equal(t, []int64{-1, 784}, sig.Inputs[0].Dims)
	assert.Equal(t, []int64{-1, 10}, sig.Outputs[0].Dims)
	assert.True(t, sig.Outputs[0].Dynamic(0))

	info, err := export.Info(exportPath)
	require.NoError(t, err)
	assert.Equal(t, []string{export.InputName}, info.InputNames)
	assert.Equal(t, []string{export.OutputName}, info.OutputNames)
}

func TestRunWritesRunDirectory(t *testing.T) {
	if testing.Short() {
		t.Skip("writes a full-size synthetic training pool")
	}
	dataDir := t.TempDir()
	trainRaw := filepath.Join(dataDir, "train", "MNIST", "raw")
	testDir := filepath.Join(dataDir, "test")
	require.NoError(t, os.MkdirAll(trainRaw, 0o755))
	require.NoError(t, os.MkdirAll(testDir, 0o755))
	writePartition(t, trainRaw, "train", 60000, 4)
	writePartition(t, testDir, "t10k", 50, 4)

	logDir := t.TempDir()
	cfg, err := config.Parse("test", []string{
		"--path_to_data", dataDir,
		"--log_dir", logDir,
		"--max_epochs=1",
		"--limit_train_batches=20",
		"--limit_val_batches=2",
		"--batch_size=64",
		"--hidden_dim=8",
		"--export_path", filepath.Join(t.TempDir(), "model.onnx"),
	})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), cfg, &out))

	runDir := filepath.Join(logDir, "lightning_logs", "version_0")
	assert.FileExists(t, filepath.Join(runDir, "hparams.yaml"))
	assert.FileExists(t, filepath.Join(runDir, "metrics.db"))

	raw, err := os.ReadFile(filepath.Join(runDir, "hparams.yaml"))
	require.NoError(t, err)
	var hparams map[string]any
	require.NoError(t, yaml.Unmarshal(raw, &hparams))
	assert.Equal(t, 8, hparams["hidden_dim"])
	assert.Equal(t, []any{16, 128, 256, 10}, hparams["widths"], "hidden_dim is recorded but does not size the network")
	ckpts, err := filepath.Glob(filepath.Join(runDir, "checkpoints", "epoch=0-step=20.ckpt.xz"))
	require.NoError(t, err)
	assert.Len(t, ckpts, 1)
}

func TestRunMissingData(t *testing.T) {
	cfg, err := config.Parse("test", []string{"--path_to_data", t.TempDir()})
	require.NoError(t, err)
	err = run(context.Background(), cfg, &bytes.Buffer{})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRunRejectsWrongPoolSize(t *testing.T) {
	dataDir := t.TempDir()
	writePartition(t, dataDir, "train", 100, 4)
	writePartition(t, dataDir, "t10k", 10, 4)

	cfg, err := config.Parse("test", []string{"--path_to_data", dataDir, "--log_dir", t.TempDir()})
	require.NoError(t, err)
	err = run(context.Background(), cfg, &bytes.Buffer{})
	assert.ErrorIs(t, err, dataset.ErrSplitMismatch)
}
