package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"digit-forge/internal/trainer"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	DataPath   string          `yaml:"path_to_data"`
	NumWorkers int             `yaml:"num_workers"`
	BatchSize  int             `yaml:"batch_size"`
	HiddenDim  int             `yaml:"hidden_dim"`
	LogDir     string          `yaml:"log_dir"`
	Trainer    trainer.Options `yaml:"trainer"`

	// ConfigPath is the file the config was layered over, if any.
	ConfigPath string `yaml:"-"`
}

// Default returns the configuration used when no flag or file overrides it.
func Default() *Config {
	return &Config{
		DataPath:   "./data",
		NumWorkers: 4,
		BatchSize:  32,
		HiddenDim:  128,
		LogDir:     "./logs",
		Trainer:    trainer.DefaultOptions(),
	}
}

// RegisterFlags binds the driver flags and the trainer's flags to c.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.DataPath, "path_to_data", c.DataPath, "Directory holding the MNIST IDX files")
	fs.IntVar(&c.NumWorkers, "num_workers", c.NumWorkers, "Number of data loader workers")
	fs.IntVar(&c.BatchSize, "batch_size", c.BatchSize, "Batch size")
	fs.IntVar(&c.HiddenDim, "hidden_dim", c.HiddenDim, "Recorded in hparams; the classifier widths are fixed")
	fs.StringVar(&c.LogDir, "log_dir", c.LogDir, "Root directory for run logs and checkpoints")
	c.Trainer.RegisterFlags(fs)
}

// Parse builds a Config from command-line args. When --config names a YAML
// file, its values replace the defaults and flags set explicitly on the
// command line still win. extra registers additional flags (e.g. logging)
// on the same flag set.
func Parse(name string, args []string, extra ...func(*flag.FlagSet)) (*Config, error) {
	cfg := Default()
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	path := fs.String("config", "", "Optional YAML config file")
	cfg.RegisterFlags(fs)
	for _, register := range extra {
		register(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if *path == "" {
		return cfg, nil
	}

	layered, err := Load(*path)
	if err != nil {
		return nil, err
	}
	overlay := flag.NewFlagSet(name, flag.ContinueOnError)
	layered.RegisterFlags(overlay)
	var setErr error
	fs.Visit(func(f *flag.Flag) {
		if setErr != nil || overlay.Lookup(f.Name) == nil {
			return
		}
		if err := overlay.Set(f.Name, f.Value.String()); err != nil {
			setErr = fmt.Errorf("flag %s: %w", f.Name, err)
		}
	})
	if setErr != nil {
		return nil, setErr
	}
	return layered, nil
}

// Load reads a Config from YAML. Keys absent from the file keep their
// default values; unknown keys are rejected.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg := Default()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ConfigPath = path
	return cfg, nil
}

// Hyperparams returns the values recorded alongside a run.
func (c *Config) Hyperparams() map[string]any {
	return map[string]any{
		"path_to_data":        c.DataPath,
		"num_workers":         c.NumWorkers,
		"batch_size":          c.BatchSize,
		"hidden_dim":          c.HiddenDim,
		"max_epochs":          c.Trainer.MaxEpochs,
		"learning_rate":       c.Trainer.LearningRate,
		"seed":                c.Trainer.Seed,
		"limit_train_batches": c.Trainer.LimitTrainBatches,
		"limit_val_batches":   c.Trainer.LimitValBatches,
		"accelerator":         c.Trainer.Accelerator,
	}
}
