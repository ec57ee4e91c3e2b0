package dataset

import (
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ulikunitz/xz"
	"k8s.io/klog/v2"
)

// ErrDownloadUnsupported is returned when Load is asked to fetch the dataset.
var ErrDownloadUnsupported = errors.New("dataset: download is not supported, place the MNIST files under the data path")

// Source is a random-access collection of labeled images.
type Source interface {
	Len() int
	Dims() (rows, cols int)
	Item(i int) (pixels []byte, label int)
}

// Dataset holds one MNIST partition in memory.
type Dataset struct {
	pixels []byte
	labels []byte
	rows   int
	cols   int
}

// NewDataset wraps images of rows×cols pixels and their labels.
func NewDataset(images [][]byte, labels []byte, rows, cols int) (*Dataset, error) {
	if len(images) != len(labels) {
		return nil, fmt.Errorf("dataset: image count (%d) != label count (%d)", len(images), len(labels))
	}
	pixels := make([]byte, 0, len(images)*rows*cols)
	for i, img := range images {
		if len(img) != rows*cols {
			return nil, fmt.Errorf("dataset: image %d has %d pixels, want %d", i, len(img), rows*cols)
		}
		pixels = append(pixels, img...)
	}
	return &Dataset{pixels: pixels, labels: append([]byte(nil), labels...), rows: rows, cols: cols}, nil
}

// Len returns the number of samples.
func (d *Dataset) Len() int { return len(d.labels) }

// Dims returns the image height and width.
func (d *Dataset) Dims() (int, int) { return d.rows, d.cols }

// Item returns the pixels and label of sample i. The pixel slice aliases
// the dataset and must not be modified.
func (d *Dataset) Item(i int) ([]byte, int) {
	size := d.rows * d.cols
	return d.pixels[i*size : (i+1)*size], int(d.labels[i])
}

var partitionFiles = map[bool][2]string{
	true:  {"train-images-idx3-ubyte", "train-labels-idx1-ubyte"},
	false: {"t10k-images-idx3-ubyte", "t10k-labels-idx1-ubyte"},
}

// Load reads the train (train=true) or test partition from root. Files are
// looked up in root/MNIST/raw and then root, optionally gzip or xz
// compressed.
func Load(root string, train, download bool) (*Dataset, error) {
	if download {
		return nil, ErrDownloadUnsupported
	}
	names := partitionFiles[train]

	imagePath, err := resolve(root, names[0])
	if err != nil {
		return nil, err
	}
	labelPath, err := resolve(root, names[1])
	if err != nil {
		return nil, err
	}

	var (
		pixels           []byte
		count, rows, col int
	)
	err = withFile(imagePath, func(r io.Reader) error {
		var err error
		pixels, count, rows, col, err = readImages(r)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("dataset: %s: %w", imagePath, err)
	}

	var labels []byte
	err = withFile(labelPath, func(r io.Reader) error {
		var err error
		labels, err = readLabels(r)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("dataset: %s: %w", labelPath, err)
	}

	if count != len(labels) {
		return nil, fmt.Errorf("dataset: image count (%d) != label count (%d)", count, len(labels))
	}
	klog.V(1).Infof("dataset loaded train=%t samples=%d rows=%d cols=%d", train, count, rows, col)
	return &Dataset{pixels: pixels, labels: labels, rows: rows, cols: col}, nil
}

var compressedSuffixes = []string{"", ".gz", ".xz"}

func resolve(root, base string) (string, error) {
	for _, dir := range []string{filepath.Join(root, "MNIST", "raw"), root} {
		for _, suffix := range compressedSuffixes {
			path := filepath.Join(dir, base+suffix)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}
	}
	return "", fmt.Errorf("dataset: %s not found under %s: %w", base, root, fs.ErrNotExist)
}

func withFile(path string, fn func(io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	switch filepath.Ext(path) {
	case ".gz":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		r = zr
	case ".xz":
		xr, err := xz.NewReader(r)
		if err != nil {
			return fmt.Errorf("xz: %w", err)
		}
		r = xr
	}
	return fn(r)
}
