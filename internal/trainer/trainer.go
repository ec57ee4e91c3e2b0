package trainer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"

	"digit-forge/internal/metrics"
	"digit-forge/internal/model"
)

// BatchSource is a restartable, finite batch sequence.
type BatchSource interface {
	Len() int
	Epoch(ctx context.Context, epoch int) (<-chan model.Batch, <-chan error)
}

// Metrics maps metric names to values, e.g. test_loss and test_acc.
type Metrics map[string]float64

// Trainer drives the fit/test loops and owns the run directory.
type Trainer struct {
	opts   Options
	device Device
	run    *metrics.Run

	step     int
	bestLoss float64
	bestPath string
}

// New resolves the accelerator and allocates the run directory under logDir.
// With fast_dev_run no run directory is created.
func New(opts Options, logDir string) (*Trainer, error) {
	if opts.MaxEpochs <= 0 && !opts.FastDevRun {
		return nil, fmt.Errorf("trainer: max_epochs must be > 0 (got %d)", opts.MaxEpochs)
	}
	if opts.LimitTrainBatches < 0 || opts.LimitValBatches < 0 {
		return nil, errors.New("trainer: batch limits must be >= 0")
	}
	device, err := resolveAccelerator(opts.Accelerator)
	if err != nil {
		return nil, err
	}
	device.log()

	t := &Trainer{opts: opts.effective(), device: device, bestLoss: math.Inf(1)}
	if opts.FastDevRun {
		klog.Info("fast_dev_run enabled: one batch per stage, logging and checkpoints disabled")
		return t, nil
	}
	t.run, err = metrics.NewRun(logDir)
	if err != nil {
		return nil, fmt.Errorf("trainer: %w", err)
	}
	return t, nil
}

// GlobalStep returns the number of train batches processed so far.
func (t *Trainer) GlobalStep() int { return t.step }

// RunDir returns the run directory, or "" when logging is disabled.
func (t *Trainer) RunDir() string {
	if t.run == nil {
		return ""
	}
	return t.run.Dir
}

// BestCheckpoint returns the path of the best checkpoint written so far.
func (t *Trainer) BestCheckpoint() string { return t.bestPath }

// LogHyperparams writes hparams.yaml for the run.
func (t *Trainer) LogHyperparams(params map[string]any) error {
	if t.run == nil {
		return nil
	}
	return t.run.LogHyperparams(params)
}

// Close releases the run's metric store.
func (t *Trainer) Close() error {
	if t.run == nil {
		return nil
	}
	return t.run.Close()
}

// Fit trains m for MaxEpochs epochs, validating after each one.
func (t *Trainer) Fit(ctx context.Context, m model.Model, train, val BatchSource) error {
	if train == nil {
		return errors.New("trainer: nil train loader")
	}
	for epoch := 0; epoch < t.opts.MaxEpochs; epoch++ {
		klog.V(1).Infof("epoch=%d train_batches=%d limit=%d", epoch, train.Len(), t.opts.LimitTrainBatches)
		trainAcc, err := t.trainEpoch(ctx, m, train, epoch)
		if err != nil {
			return fmt.Errorf("epoch %d train: %w", epoch, err)
		}
		out := Metrics{"train_loss": trainAcc.Loss(), "train_acc": trainAcc.Accuracy()}

		validated := false
		if val != nil {
			valAcc, err := t.evalEpoch(ctx, m, val, epoch, t.opts.LimitValBatches)
			if err != nil {
				return fmt.Errorf("epoch %d validate: %w", epoch, err)
			}
			if valAcc.Batches() > 0 {
				validated = true
				out["val_loss"] = valAcc.Loss()
				out["val_acc"] = valAcc.Accuracy()
			}
		}
		klog.Infof("epoch=%d step=%d train_loss=%.4f train_acc=%.4f val_loss=%.4f val_acc=%.4f",
			epoch, t.step, out["train_loss"], out["train_acc"], out["val_loss"], out["val_acc"])
		if err := t.logMetrics(epoch, out); err != nil {
			return err
		}
		if err := t.maybeCheckpoint(m, epoch, out["val_loss"], validated); err != nil {
			return err
		}
	}
	return nil
}

// Test evaluates m over loader and returns a single metrics entry.
func (t *Trainer) Test(ctx context.Context, m model.Model, loader BatchSource) ([]Metrics, error) {
	if loader == nil {
		return nil, errors.New("trainer: nil test loader")
	}
	limit := 0
	if t.opts.FastDevRun {
		limit = 1
	}
	acc, err := t.evalEpoch(ctx, m, loader, 0, limit)
	if err != nil {
		return nil, fmt.Errorf("test: %w", err)
	}
	out := Metrics{"test_loss": acc.Loss(), "test_acc": acc.Accuracy()}
	klog.Infof("test_loss=%.4f test_acc=%.4f samples=%d", out["test_loss"], out["test_acc"], acc.Samples())
	if err := t.logMetrics(0, out); err != nil {
		return nil, err
	}
	return []Metrics{out}, nil
}

func (t *Trainer) logMetrics(epoch int, values Metrics) error {
	if t.run == nil {
		return nil
	}
	if err := t.run.LogMetrics(epoch, t.step, values); err != nil {
		return fmt.Errorf("log metrics: %w", err)
	}
	return nil
}

// maybeCheckpoint keeps a single checkpoint: the one with the lowest
// val_loss, or the latest epoch when no validation ran.
func (t *Trainer) maybeCheckpoint(m model.Model, epoch int, valLoss float64, validated bool) error {
	if !t.opts.EnableCheckpointing || t.run == nil {
		return nil
	}
	ckpt, ok := m.(model.Checkpointer)
	if !ok {
		klog.V(1).Info("model does not support checkpoints")
		return nil
	}
	if validated && valLoss >= t.bestLoss {
		return nil
	}
	dir, err := t.run.CheckpointDir()
	if err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("epoch=%d-step=%d.ckpt.xz", epoch, t.step))
	if err := writeCheckpoint(ckpt, path); err != nil {
		return err
	}
	if t.bestPath != "" && t.bestPath != path {
		if err := os.Remove(t.bestPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			klog.Warningf("remove stale checkpoint %s: %v", t.bestPath, err)
		}
	}
	if validated {
		t.bestLoss = valLoss
	}
	t.bestPath = path
	klog.InfoS("checkpoint saved", "path", path, "val_loss", valLoss)
	return nil
}

func writeCheckpoint(c model.Checkpointer, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	if err := c.Save(f); err != nil {
		f.Close()
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return f.Close()
}

// RestoreBest loads the best checkpoint into m, if one was written.
func (t *Trainer) RestoreBest(m model.Checkpointer) error {
	if t.bestPath == "" {
		return nil
	}
	f, err := os.Open(t.bestPath)
	if err != nil {
		return fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()
	if err := m.Load(f); err != nil {
		return fmt.Errorf("restore %s: %w", t.bestPath, err)
	}
	return nil
}
