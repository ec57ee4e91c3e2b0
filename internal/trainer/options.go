package trainer

import "flag"

// Options holds the trainer knobs. They are registered on the driver's
// flag set so the CLI surface grows with the trainer.
type Options struct {
	MaxEpochs           int     `yaml:"max_epochs"`
	LearningRate        float64 `yaml:"learning_rate"`
	Seed                int64   `yaml:"seed"`
	LogEveryNSteps      int     `yaml:"log_every_n_steps"`
	LimitTrainBatches   int     `yaml:"limit_train_batches"`
	LimitValBatches     int     `yaml:"limit_val_batches"`
	FastDevRun          bool    `yaml:"fast_dev_run"`
	EnableCheckpointing bool    `yaml:"enable_checkpointing"`
	Accelerator         string  `yaml:"accelerator"`
	ExportPath          string  `yaml:"export_path"`
}

// DefaultOptions returns the trainer defaults.
func DefaultOptions() Options {
	return Options{
		MaxEpochs:           5,
		LearningRate:        1e-3,
		Seed:                42,
		LogEveryNSteps:      50,
		EnableCheckpointing: true,
		Accelerator:         AcceleratorAuto,
		ExportPath:          "model_torch_export.onnx",
	}
}

// RegisterFlags binds every option to fs, using the current values as defaults.
func (o *Options) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&o.MaxEpochs, "max_epochs", o.MaxEpochs, "Number of training epochs")
	fs.Float64Var(&o.LearningRate, "learning_rate", o.LearningRate, "Adam learning rate")
	fs.Int64Var(&o.Seed, "seed", o.Seed, "Seed for initialization, split and shuffling")
	fs.IntVar(&o.LogEveryNSteps, "log_every_n_steps", o.LogEveryNSteps, "Log training metrics every N steps")
	fs.IntVar(&o.LimitTrainBatches, "limit_train_batches", o.LimitTrainBatches, "Train batches per epoch (0 = all)")
	fs.IntVar(&o.LimitValBatches, "limit_val_batches", o.LimitValBatches, "Validation batches per epoch (0 = all)")
	fs.BoolVar(&o.FastDevRun, "fast_dev_run", o.FastDevRun, "Run a single batch of train, val and test")
	fs.BoolVar(&o.EnableCheckpointing, "enable_checkpointing", o.EnableCheckpointing, "Keep the best checkpoint by val_loss")
	fs.StringVar(&o.Accelerator, "accelerator", o.Accelerator, "Compute device (auto|cpu)")
	fs.StringVar(&o.ExportPath, "export_path", o.ExportPath, "Destination of the ONNX model")
}

// effective resolves fast_dev_run into concrete limits.
func (o Options) effective() Options {
	if !o.FastDevRun {
		return o
	}
	o.MaxEpochs = 1
	o.LimitTrainBatches = 1
	o.LimitValBatches = 1
	o.EnableCheckpointing = false
	o.LogEveryNSteps = 1
	return o
}
