// Package cifar10 reads the binary version of the CIFAR-10 dataset.
//
// Each record is one label byte followed by 3072 pixel bytes: the 1024 red
// values of a 32x32 image, then the green, then the blue, which is already
// the channel-first layout the tasks expect.
package cifar10

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"

	"github.com/McKnightA/meta-multi-self-supervision/tensor"
)

const (
	ImageSize  = 32
	Channels   = 3
	Classes    = 10
	PixelBytes = Channels * ImageSize * ImageSize
	RecordSize = 1 + PixelBytes

	// DefaultURL is the official archive of the binary batches.
	DefaultURL = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"
	// BatchDir is the directory the archive unpacks into.
	BatchDir = "cifar-10-batches-bin"
	TestFile = "test_batch.bin"
)

var TrainFiles = []string{
	"data_batch_1.bin",
	"data_batch_2.bin",
	"data_batch_3.bin",
	"data_batch_4.bin",
	"data_batch_5.bin",
}

var ClassNames = [Classes]string{
	"airplane", "automobile", "bird", "cat", "deer",
	"dog", "frog", "horse", "ship", "truck",
}

var ErrTruncated = errors.New("cifar10: truncated record")

type Sample struct {
	Image [PixelBytes]byte
	Label int
}

// Read decodes records from r until EOF or until maxCount samples have
// been read (maxCount <= 0 reads everything).
func Read(r io.Reader, maxCount int) ([]Sample, error) {
	var samples []Sample
	buf := make([]byte, RecordSize)
	for maxCount <= 0 || len(samples) < maxCount {
		_, err := io.ReadFull(r, buf)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w after %d samples", ErrTruncated, len(samples))
		}
		if err != nil {
			return nil, err
		}
		if int(buf[0]) >= Classes {
			return nil, fmt.Errorf("cifar10: sample %d has label %d", len(samples), buf[0])
		}
		var s Sample
		s.Label = int(buf[0])
		copy(s.Image[:], buf[1:])
		samples = append(samples, s)
	}
	return samples, nil
}

// Load reads files from dir, at most maxCount samples in total.
func Load(dir string, files []string, maxCount int) ([]Sample, error) {
	var samples []Sample
	for _, name := range files {
		remaining := 0
		if maxCount > 0 {
			remaining = maxCount - len(samples)
			if remaining <= 0 {
				break
			}
		}
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		batch, err := Read(f, remaining)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		samples = append(samples, batch...)
	}
	return samples, nil
}

// Batch stacks samples into an [N, 3, 32, 32] tensor of 0-255 pixel values
// and their labels.
func Batch(samples []Sample) (tensor.Tensor, []int) {
	t := tensor.New(len(samples), Channels, ImageSize, ImageSize)
	labels := make([]int, len(samples))
	for i, s := range samples {
		row := t.Data[i*PixelBytes : (i+1)*PixelBytes]
		for j, b := range s.Image {
			row[j] = float32(b)
		}
		labels[i] = s.Label
	}
	return t, labels
}

// Batches shuffles samples with rng and cuts them into full batches of size.
func Batches(samples []Sample, size int, rng *rand.Rand) [][]Sample {
	if size <= 0 {
		return nil
	}
	shuffled := make([]Sample, len(samples))
	copy(shuffled, samples)
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	batches := make([][]Sample, 0, len(shuffled)/size)
	for b := 0; b+size <= len(shuffled); b += size {
		batches = append(batches, shuffled[b:b+size])
	}
	return batches
}

// Ensure downloads the dataset into dir unless the batches are already
// there. It returns the directory holding the .bin files.
func Ensure(ctx context.Context, dir string) (string, error) {
	batchDir := filepath.Join(dir, BatchDir)
	if _, err := os.Stat(filepath.Join(batchDir, TestFile)); err == nil {
		return batchDir, nil
	}
	if err := Download(ctx, DefaultURL, dir); err != nil {
		return "", err
	}
	return batchDir, nil
}

// Download fetches a .tar.gz archive and unpacks its regular files into dir.
func Download(ctx context.Context, url, dir string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("cifar10: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cifar10: download: %s", resp.Status)
	}
	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return fmt.Errorf("cifar10: %w", err)
	}
	defer gz.Close()
	return extract(tar.NewReader(gz), dir)
}

func extract(tr *tar.Reader, dir string) error {
	root, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("cifar10: reading archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		dest := filepath.Join(root, filepath.Clean("/"+hdr.Name))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		out, err := os.Create(dest)
		if err != nil {
			return err
		}
		_, err = io.Copy(out, tr)
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("cifar10: extracting %s: %w", hdr.Name, err)
		}
	}
}
