package trainer

import (
	"context"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digit-forge/internal/dataset"
	"digit-forge/internal/model"
)

type sliceSource []model.Batch

func (s sliceSource) Len() int { return len(s) }

func (s sliceSource) Epoch(ctx context.Context, _ int) (<-chan model.Batch, <-chan error) {
	out := make(chan model.Batch)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(out)
		for _, b := range s {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case out <- b:
			}
		}
	}()
	return out, errs
}

func batches(n, size int) sliceSource {
	src := make(sliceSource, n)
	for i := range src {
		b := model.Batch{Height: 1, Width: 1}
		for j := 0; j < size; j++ {
			b.Inputs = append(b.Inputs, []float64{float64(j)})
			b.Labels = append(b.Labels, j%model.NumClasses)
		}
		src[i] = b
	}
	return src
}

// scriptedModel returns val losses from a script, one per EvalStep call.
type scriptedModel struct {
	trains   int
	evals    int
	valLoss  []float64
	saved    int
	restored string
}

func (m *scriptedModel) TrainStep(b model.Batch) (model.StepResult, error) {
	m.trains++
	return model.StepResult{Loss: 1, Correct: b.Size() / 2, Size: b.Size()}, nil
}

func (m *scriptedModel) EvalStep(b model.Batch) (model.StepResult, error) {
	loss := 1.0
	if m.evals < len(m.valLoss) {
		loss = m.valLoss[m.evals]
	}
	m.evals++
	return model.StepResult{Loss: loss, Correct: b.Size(), Size: b.Size()}, nil
}

func (m *scriptedModel) Save(w io.Writer) error {
	m.saved++
	_, err := io.WriteString(w, "state")
	return err
}

func (m *scriptedModel) Load(r io.Reader) error {
	data, err := io.ReadAll(r)
	m.restored = string(data)
	return err
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.MaxEpochs = 3
	opts.LogEveryNSteps = 2
	return opts
}

func TestFitKeepsBestCheckpoint(t *testing.T) {
	tr, err := New(testOptions(), t.TempDir())
	require.NoError(t, err)
	defer tr.Close()

	m := &scriptedModel{valLoss: []float64{2.0, 1.0, 1.5}}
	require.NoError(t, tr.Fit(context.Background(), m, batches(3, 4), batches(1, 4)))

	assert.Equal(t, 9, m.trains)
	assert.Equal(t, 9, tr.GlobalStep())
	assert.Equal(t, 2, m.saved)
	assert.Equal(t, "epoch=1-step=6.ckpt.xz", filepath.Base(tr.BestCheckpoint()))

	entries, err := os.ReadDir(filepath.Join(tr.RunDir(), "checkpoints"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, tr.RestoreBest(m))
	assert.Equal(t, "state", m.restored)

	pts, err := tr.run.Store().Series("val_loss")
	require.NoError(t, err)
	require.Len(t, pts, 3)
	assert.Equal(t, 1.0, pts[1].Value)
	assert.Equal(t, 6, pts[1].Step)
}

func TestFitWithoutCheckpointing(t *testing.T) {
	opts := testOptions()
	opts.EnableCheckpointing = false
	tr, err := New(opts, t.TempDir())
	require.NoError(t, err)
	defer tr.Close()

	m := &scriptedModel{}
	require.NoError(t, tr.Fit(context.Background(), m, batches(2, 4), batches(1, 4)))
	assert.Zero(t, m.saved)
	assert.Empty(t, tr.BestCheckpoint())
}

func TestFitLimitsBatches(t *testing.T) {
	opts := testOptions()
	opts.MaxEpochs = 2
	opts.LimitTrainBatches = 2
	opts.LimitValBatches = 1
	tr, err := New(opts, t.TempDir())
	require.NoError(t, err)
	defer tr.Close()

	m := &scriptedModel{}
	require.NoError(t, tr.Fit(context.Background(), m, batches(10, 4), batches(5, 4)))
	assert.Equal(t, 4, m.trains)
	assert.Equal(t, 2, m.evals)
}

func TestFastDevRun(t *testing.T) {
	opts := testOptions()
	opts.FastDevRun = true
	logDir := t.TempDir()
	tr, err := New(opts, logDir)
	require.NoError(t, err)
	defer tr.Close()

	m := &scriptedModel{}
	require.NoError(t, tr.Fit(context.Background(), m, batches(10, 4), batches(5, 4)))
	res, err := tr.Test(context.Background(), m, batches(5, 4))
	require.NoError(t, err)

	assert.Equal(t, 1, m.trains)
	assert.Equal(t, 2, m.evals)
	assert.Zero(t, m.saved)
	assert.Len(t, res, 1)
	assert.Empty(t, tr.RunDir())
	_, err = os.Stat(filepath.Join(logDir, "lightning_logs"))
	assert.True(t, os.IsNotExist(err))
}

func TestTestReturnsMetrics(t *testing.T) {
	tr, err := New(testOptions(), t.TempDir())
	require.NoError(t, err)
	defer tr.Close()

	m := &scriptedModel{valLoss: []float64{0.5, 1.5}}
	res, err := tr.Test(context.Background(), m, batches(2, 4))
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.InDelta(t, 1.0, res[0]["test_loss"], 1e-12)
	assert.InDelta(t, 1.0, res[0]["test_acc"], 1e-12)
}

func TestFitCancelled(t *testing.T) {
	tr, err := New(testOptions(), t.TempDir())
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = tr.Fit(ctx, &scriptedModel{}, batches(200, 1), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewRejectsBadOptions(t *testing.T) {
	opts := testOptions()
	opts.Accelerator = "tpu"
	_, err := New(opts, t.TempDir())
	assert.ErrorContains(t, err, "unsupported accelerator")

	opts = testOptions()
	opts.MaxEpochs = 0
	_, err = New(opts, t.TempDir())
	assert.Error(t, err)

	opts = testOptions()
	opts.LimitValBatches = -1
	_, err = New(opts, t.TempDir())
	assert.Error(t, err)
}

func TestFitTrainsClassifier(t *testing.T) {
	images := make([][]byte, 64)
	labels := make([]byte, 64)
	for i := range images {
		img := make([]byte, 4)
		label := i % 2
		img[label*2] = 255
		img[label*2+1] = 255
		images[i] = img
		labels[i] = byte(label)
	}
	ds, err := dataset.NewDataset(images, labels, 2, 2)
	require.NoError(t, err)
	parts, err := dataset.RandomSplit(ds, []int{48, 16}, 42)
	require.NoError(t, err)
	train, err := dataset.NewLoader(parts[0], dataset.LoaderOptions{BatchSize: 8, NumWorkers: 2, Shuffle: true, Seed: 42})
	require.NoError(t, err)
	val, err := dataset.NewLoader(parts[1], dataset.LoaderOptions{BatchSize: 8, NumWorkers: 2})
	require.NoError(t, err)

	clf, err := model.NewClassifier([]int{4, 8, 16, model.NumClasses}, model.Options{LearningRate: 1e-2, Seed: 42})
	require.NoError(t, err)

	opts := testOptions()
	opts.MaxEpochs = 30
	tr, err := New(opts, t.TempDir())
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Fit(context.Background(), clf, train, val))
	require.True(t, strings.HasSuffix(tr.BestCheckpoint(), ".ckpt.xz"))
	require.NoError(t, tr.RestoreBest(clf))

	res, err := tr.Test(context.Background(), clf, val)
	require.NoError(t, err)
	assert.Greater(t, res[0]["test_acc"], 0.9)
	assert.Less(t, res[0]["test_loss"], 0.5)
}

func TestRegisterFlags(t *testing.T) {
	opts := DefaultOptions()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	opts.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--max_epochs=2", "--fast_dev_run", "--export_path=out.onnx", "--learning_rate=0.01"}))

	assert.Equal(t, 2, opts.MaxEpochs)
	assert.True(t, opts.FastDevRun)
	assert.Equal(t, "out.onnx", opts.ExportPath)
	assert.Equal(t, 0.01, opts.LearningRate)
	assert.Equal(t, int64(42), opts.Seed)

	eff := opts.effective()
	assert.Equal(t, 1, eff.MaxEpochs)
	assert.Equal(t, 1, eff.LimitTrainBatches)
	assert.False(t, eff.EnableCheckpointing)
}

func TestResolveAccelerator(t *testing.T) {
	for _, name := range []string{"", AcceleratorAuto, AcceleratorCPU} {
		d, err := resolveAccelerator(name)
		require.NoError(t, err)
		assert.Equal(t, AcceleratorCPU, d.Kind)
		assert.Positive(t, d.LogicalCores)
	}
}
