package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"

	"k8s.io/klog/v2"

	"digit-forge/internal/config"
	"digit-forge/internal/dataset"
	"digit-forge/internal/export"
	"digit-forge/internal/model"
	"digit-forge/internal/trainer"
)

// trainValSplit partitions the 60,000-image training pool.
var trainValSplit = []int{55000, 5000}

func main() {
	cfg, err := config.Parse(os.Args[0], os.Args[1:], func(fs *flag.FlagSet) { klog.InitFlags(fs) })
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		klog.Fatalf("failed to parse flags: %v", err)
	}
	defer klog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Stdout); err != nil {
		klog.Fatalf("training failed: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, stdout io.Writer) error {
	pool, err := dataset.Load(partitionRoot(cfg.DataPath, "train"), true, false)
	if err != nil {
		return fmt.Errorf("load train pool: %w", err)
	}
	testSet, err := dataset.Load(partitionRoot(cfg.DataPath, "test"), false, false)
	if err != nil {
		return fmt.Errorf("load test set: %w", err)
	}
	parts, err := dataset.RandomSplit(pool, trainValSplit, cfg.Trainer.Seed)
	if err != nil {
		return fmt.Errorf("split train pool: %w", err)
	}
	klog.Infof("train=%d val=%d test=%d", parts[0].Len(), parts[1].Len(), testSet.Len())

	trainLoader, err := dataset.NewLoader(parts[0], dataset.LoaderOptions{
		BatchSize:  cfg.BatchSize,
		NumWorkers: cfg.NumWorkers,
		Shuffle:    true,
		Seed:       cfg.Trainer.Seed,
	})
	if err != nil {
		return fmt.Errorf("train loader: %w", err)
	}
	valLoader, err := dataset.NewLoader(parts[1], dataset.LoaderOptions{BatchSize: cfg.BatchSize, NumWorkers: cfg.NumWorkers})
	if err != nil {
		return fmt.Errorf("val loader: %w", err)
	}
	testLoader, err := dataset.NewLoader(testSet, dataset.LoaderOptions{BatchSize: cfg.BatchSize, NumWorkers: cfg.NumWorkers})
	if err != nil {
		return fmt.Errorf("test loader: %w", err)
	}

	sample, err := trainLoader.Sample(ctx)
	if err != nil {
		return fmt.Errorf("sample batch: %w", err)
	}
	features, err := model.InputFeatures(sample)
	if err != nil {
		return err
	}
	clf, err := model.NewClassifier(model.LayerWidths(features), model.Options{
		LearningRate: cfg.Trainer.LearningRate,
		Seed:         cfg.Trainer.Seed,
	})
	if err != nil {
		return err
	}
	klog.Infof("model widths=%v parameters=%d", clf.Widths(), clf.NumParameters())

	tr, err := trainer.New(cfg.Trainer, cfg.LogDir)
	if err != nil {
		return err
	}
	defer tr.Close()

	hparams := cfg.Hyperparams()
	hparams["widths"] = clf.Widths()
	hparams["num_parameters"] = clf.NumParameters()
	if err := tr.LogHyperparams(hparams); err != nil {
		return err
	}

	if err := tr.Fit(ctx, clf, trainLoader, valLoader); err != nil {
		return fmt.Errorf("fit: %w", err)
	}
	if best := tr.BestCheckpoint(); best != "" {
		klog.Infof("best checkpoint path=%s", best)
	}
	results, err := tr.Test(ctx, clf, testLoader)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, results)

	return exportModel(clf, sample, cfg.Trainer.ExportPath)
}

// partitionRoot prefers base/sub when it exists, so train and test files
// may live in separate dataset roots or side by side in base.
func partitionRoot(base, sub string) string {
	dir := filepath.Join(base, sub)
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return dir
	}
	return base
}

// exportModel writes the ONNX artifact and checks it against the native model.
func exportModel(clf *model.Classifier, sample model.Batch, path string) error {
	if _, err := export.ONNX(clf, sample, path); err != nil {
		return err
	}
	sig, err := export.Describe(path)
	if err != nil {
		return err
	}
	if len(sig.Inputs) != 1 || len(sig.Outputs) != 1 {
		return fmt.Errorf("%w: %d inputs, %d outputs", export.ErrShape, len(sig.Inputs), len(sig.Outputs))
	}
	if err := export.Verify(path, sample, clf.Predict(sample.Matrix())); err != nil {
		return err
	}
	info, err := export.Info(path)
	if err != nil {
		return err
	}
	if !slices.Equal(info.InputNames, []string{export.InputName}) || !slices.Equal(info.OutputNames, []string{export.OutputName}) {
		return fmt.Errorf("%w: born reads inputs %v, outputs %v", export.ErrShape, info.InputNames, info.OutputNames)
	}
	klog.V(1).Infof("born view inputs=%v outputs=%v opset=%d nodes=%d weights=%d",
		info.InputNames, info.OutputNames, info.OpsetVersion, info.NodeCount, info.WeightCount)
	klog.Infof("exported path=%s opset=%d input=%v output=%v", path, sig.Opset, sig.Inputs[0].Dims, sig.Outputs[0].Dims)
	return nil
}
