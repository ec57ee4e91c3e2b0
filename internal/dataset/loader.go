package dataset

import (
	"context"
	"errors"
	"math/rand"
	"sync"

	"digit-forge/internal/model"
)

// LoaderOptions configures batch iteration over a Source.
type LoaderOptions struct {
	BatchSize  int
	NumWorkers int
	Shuffle    bool
	Seed       int64
	DropLast   bool
}

// Loader yields fixed-size batches over a Source, one pass per Epoch call.
type Loader struct {
	src  Source
	opts LoaderOptions
}

// NewLoader validates opts and returns a loader over src.
func NewLoader(src Source, opts LoaderOptions) (*Loader, error) {
	if src == nil {
		return nil, errors.New("loader: nil source")
	}
	if opts.BatchSize <= 0 {
		return nil, errors.New("loader: batch size must be > 0")
	}
	if opts.NumWorkers < 0 {
		opts.NumWorkers = 0
	}
	return &Loader{src: src, opts: opts}, nil
}

// Len returns the number of batches in one epoch.
func (l *Loader) Len() int {
	n := l.src.Len()
	if l.opts.DropLast {
		return n / l.opts.BatchSize
	}
	return (n + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// BatchSize returns the configured batch size.
func (l *Loader) BatchSize() int { return l.opts.BatchSize }

// Epoch starts one pass over the source. Batches arrive in order on the
// first channel, which is closed when the pass completes or ctx is done.
// The error channel receives ctx.Err() if the pass was cut short and is
// closed afterwards.
func (l *Loader) Epoch(ctx context.Context, epoch int) (<-chan model.Batch, <-chan error) {
	order := l.order(epoch)
	numBatches := l.Len()

	workers := l.opts.NumWorkers
	if workers == 0 {
		workers = 1
	}
	jobs := make(chan batchJob, workers)
	results := make(chan batchResult, workers)
	out := make(chan model.Batch, workers*2)
	errCh := make(chan error, 1)

	go produceJobs(ctx, jobs, order, l.opts.BatchSize, numBatches)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collateWorker(ctx, l.src, jobs, results)
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	go func() {
		defer close(errCh)
		defer close(out)
		if err := runAggregator(ctx, results, out); err != nil {
			errCh <- err
		}
	}()

	return out, errCh
}

// Sample returns the first batch of the epoch 0 pass.
func (l *Loader) Sample(ctx context.Context) (model.Batch, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	batches, errs := l.Epoch(ctx, 0)
	batch, ok := <-batches
	if !ok {
		if err := <-errs; err != nil {
			return model.Batch{}, err
		}
		return model.Batch{}, errors.New("loader: source is empty")
	}
	return batch, nil
}

func (l *Loader) order(epoch int) []int {
	n := l.src.Len()
	if !l.opts.Shuffle {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		return order
	}
	rng := rand.New(rand.NewSource(l.opts.Seed + int64(epoch)))
	return rng.Perm(n)
}

type batchJob struct {
	id      int
	indices []int
}

type batchResult struct {
	id    int
	batch model.Batch
}

func produceJobs(ctx context.Context, jobs chan<- batchJob, order []int, batchSize, numBatches int) {
	defer close(jobs)
	for id := 0; id < numBatches; id++ {
		start := id * batchSize
		end := min(start+batchSize, len(order))
		select {
		case <-ctx.Done():
			return
		case jobs <- batchJob{id: id, indices: order[start:end]}:
		}
	}
}

func collateWorker(ctx context.Context, src Source, jobs <-chan batchJob, results chan<- batchResult) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			res := batchResult{id: job.id, batch: collate(src, job.indices)}
			select {
			case <-ctx.Done():
				return
			case results <- res:
			}
		}
	}
}

// collate converts the selected samples into a batch with pixels scaled to [0,1].
func collate(src Source, indices []int) model.Batch {
	rows, cols := src.Dims()
	batch := model.Batch{
		Inputs: make([][]float64, len(indices)),
		Labels: make([]int, len(indices)),
		Height: rows,
		Width:  cols,
	}
	for i, idx := range indices {
		pixels, label := src.Item(idx)
		in := make([]float64, len(pixels))
		for j, p := range pixels {
			in[j] = float64(p) / 255.0
		}
		batch.Inputs[i] = in
		batch.Labels[i] = label
	}
	return batch
}

// runAggregator forwards results to out in id order.
func runAggregator(ctx context.Context, results <-chan batchResult, out chan<- model.Batch) error {
	pending := make(map[int]model.Batch)
	next := 0
	for {
		if batch, ok := pending[next]; ok {
			delete(pending, next)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- batch:
			}
			next++
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-results:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			}
			pending[res.id] = res.batch
		}
	}
}
