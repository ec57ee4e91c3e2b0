package trainer

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"digit-forge/internal/metrics"
	"digit-forge/internal/model"
)

func (t *Trainer) trainEpoch(ctx context.Context, m model.Model, src BatchSource, epoch int) (*metrics.Accumulator, error) {
	var (
		acc    metrics.Accumulator
		window metrics.Window
	)
	logEvery := t.opts.LogEveryNSteps
	if logEvery <= 0 {
		logEvery = 50
	}
	err := forEachBatch(ctx, src, epoch, t.opts.LimitTrainBatches, func(batch model.Batch, dataTime time.Duration) error {
		startCompute := time.Now()
		res, err := m.TrainStep(batch)
		if err != nil {
			return err
		}
		computeTime := time.Since(startCompute)

		t.step++
		acc.Add(res.Loss, res.Correct, res.Size)
		window.Record(res.Size, res.Correct, dataTime, computeTime, res.Loss)

		if t.step%logEvery == 0 {
			snap := window.Snapshot()
			klog.Infof("epoch=%d step=%d images_per_sec=%.1f data_ms=%.2f compute_ms=%.2f loss=%.4f acc=%.3f",
				epoch,
				t.step,
				snap.ImagesPerSec,
				snap.AvgDataMS,
				snap.AvgComputeMS,
				snap.LastLoss,
				snap.Accuracy,
			)
			return t.logMetrics(epoch, Metrics{"train_loss_step": snap.LastLoss})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (t *Trainer) evalEpoch(ctx context.Context, m model.Model, src BatchSource, epoch, limit int) (*metrics.Accumulator, error) {
	var acc metrics.Accumulator
	err := forEachBatch(ctx, src, epoch, limit, func(batch model.Batch, _ time.Duration) error {
		res, err := m.EvalStep(batch)
		if err != nil {
			return err
		}
		acc.Add(res.Loss, res.Correct, res.Size)
		return nil
	})
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("eval epoch=%d batches=%d samples=%d loss_std=%.4f", epoch, acc.Batches(), acc.Samples(), acc.LossStdDev())
	return &acc, nil
}

// forEachBatch runs fn on up to limit batches (0 = all) of one pass over src.
// The pass is cancelled as soon as the limit is reached or fn fails.
func forEachBatch(ctx context.Context, src BatchSource, epoch, limit int, fn func(model.Batch, time.Duration) error) error {
	epochCtx, cancel := context.WithCancel(ctx)
	batches, errs := src.Epoch(epochCtx, epoch)
	defer func() {
		cancel()
		for range batches {
		}
	}()

	for n := 0; limit <= 0 || n < limit; n++ {
		startData := time.Now()
		batch, ok, err := nextBatch(ctx, batches, errs)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := fn(batch, time.Since(startData)); err != nil {
			return err
		}
	}
	return nil
}

func nextBatch(ctx context.Context, batches <-chan model.Batch, errs <-chan error) (model.Batch, bool, error) {
	select {
	case <-ctx.Done():
		return model.Batch{}, false, ctx.Err()
	case batch, ok := <-batches:
		if !ok {
			if err := <-errs; err != nil {
				return model.Batch{}, false, err
			}
			return model.Batch{}, false, nil
		}
		return batch, true, nil
	}
}
