package dataset

import (
	"encoding/binary"
	"fmt"
	"io"
)

// IDX magic numbers for unsigned-byte image and label files.
const (
	imageMagic = 0x00000803
	labelMagic = 0x00000801
)

// maxIDXBytes bounds the payload a header may claim.
const maxIDXBytes = 1 << 31

// readImages reads an IDX3 image file and returns the concatenated pixels.
func readImages(r io.Reader) (pixels []byte, count, rows, cols int, err error) {
	var hdr [4]uint32
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, 0, 0, 0, fmt.Errorf("read image header: %w", err)
	}
	if hdr[0] != imageMagic {
		return nil, 0, 0, 0, fmt.Errorf("invalid image magic: got %d, want %d", hdr[0], imageMagic)
	}
	count, rows, cols = int(hdr[1]), int(hdr[2]), int(hdr[3])
	size := uint64(hdr[1]) * uint64(hdr[2]) * uint64(hdr[3])
	if size > maxIDXBytes {
		return nil, 0, 0, 0, fmt.Errorf("image payload too large: %d bytes", size)
	}
	pixels = make([]byte, size)
	if _, err := io.ReadFull(r, pixels); err != nil {
		return nil, 0, 0, 0, fmt.Errorf("read %d images: %w", count, err)
	}
	return pixels, count, rows, cols, nil
}

// readLabels reads an IDX1 label file.
func readLabels(r io.Reader) ([]byte, error) {
	var hdr [2]uint32
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("read label header: %w", err)
	}
	if hdr[0] != labelMagic {
		return nil, fmt.Errorf("invalid label magic: got %d, want %d", hdr[0], labelMagic)
	}
	if hdr[1] > maxIDXBytes {
		return nil, fmt.Errorf("label payload too large: %d bytes", hdr[1])
	}
	labels := make([]byte, hdr[1])
	if _, err := io.ReadFull(r, labels); err != nil {
		return nil, fmt.Errorf("read %d labels: %w", hdr[1], err)
	}
	return labels, nil
}

// WriteIDXImages writes images of rows×cols pixels in IDX3 format.
func WriteIDXImages(w io.Writer, images [][]byte, rows, cols int) error {
	hdr := [4]uint32{imageMagic, uint32(len(images)), uint32(rows), uint32(cols)}
	if err := binary.Write(w, binary.BigEndian, hdr); err != nil {
		return err
	}
	for i, img := range images {
		if len(img) != rows*cols {
			return fmt.Errorf("image %d has %d pixels, want %d", i, len(img), rows*cols)
		}
		if _, err := w.Write(img); err != nil {
			return err
		}
	}
	return nil
}

// WriteIDXLabels writes labels in IDX1 format.
func WriteIDXLabels(w io.Writer, labels []byte) error {
	hdr := [2]uint32{labelMagic, uint32(len(labels))}
	if err := binary.Write(w, binary.BigEndian, hdr); err != nil {
		return err
	}
	_, err := w.Write(labels)
	return err
}
