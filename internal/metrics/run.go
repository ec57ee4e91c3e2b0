package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

const (
	runsDirName    = "lightning_logs"
	versionPrefix  = "version_"
	hparamsFile    = "hparams.yaml"
	checkpointsDir = "checkpoints"
)

// Run is one versioned output directory under log_dir. It owns the
// hyperparameter dump, the metric store and the checkpoint folder.
type Run struct {
	ID      uuid.UUID
	Version int
	Dir     string

	store *Store
}

// NewRun allocates the next free version_N directory under
// logDir/lightning_logs and opens its metric store.
func NewRun(logDir string) (*Run, error) {
	root := filepath.Join(logDir, runsDirName)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", root, err)
	}
	version, err := nextVersion(root)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(root, versionPrefix+strconv.Itoa(version))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	store, err := OpenStore(filepath.Join(dir, StoreFile))
	if err != nil {
		return nil, err
	}
	r := &Run{ID: uuid.New(), Version: version, Dir: dir, store: store}
	klog.InfoS("run created", "dir", dir, "version", version, "run_id", r.ID)
	return r, nil
}

func nextVersion(root string) (int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", root, err)
	}
	next := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), versionPrefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(e.Name(), versionPrefix))
		if err != nil {
			continue
		}
		if n >= next {
			next = n + 1
		}
	}
	return next, nil
}

// CheckpointDir returns the checkpoint folder, creating it on first use.
func (r *Run) CheckpointDir() (string, error) {
	dir := filepath.Join(r.Dir, checkpointsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create checkpoint dir: %w", err)
	}
	return dir, nil
}

// LogHyperparams writes hparams.yaml. The run id is always included.
func (r *Run) LogHyperparams(params map[string]any) error {
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	out["run_id"] = r.ID.String()
	data, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal hparams: %w", err)
	}
	path := filepath.Join(r.Dir, hparamsFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// LogMetrics records named scalar values at the given step.
func (r *Run) LogMetrics(epoch, step int, values map[string]float64) error {
	return r.store.Insert(epoch, step, values)
}

// Store exposes the run's metric store for queries.
func (r *Run) Store() *Store { return r.store }

// Close flushes and closes the metric store.
func (r *Run) Close() error {
	return r.store.Close()
}
