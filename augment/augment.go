// Package augment provides the image augmentations the pretext tasks draw
// on. Every augmentation takes an NCHW batch, never modifies it, and returns
// a new batch with the same number of items plus per-item details of what
// it did.
package augment

import (
	"fmt"

	"github.com/McKnightA/meta-multi-self-supervision/tensor"
)

// Box is a crop window in pixel coordinates.
type Box struct {
	Top, Left, Height, Width int
}

// Jitter records the colour distortion applied to one image.
type Jitter struct {
	Applied    bool
	Brightness float32
	Contrast   float32
	Saturation float32
	Grayscale  bool
}

// Provider is the augmentation contract.
type Provider interface {
	// Rotate turns each image by k*90 degrees counter-clockwise and returns k
	// (0-3) per image. Images must be square.
	Rotate(batch tensor.Tensor) (tensor.Tensor, []int, error)
	HorizontalFlip(batch tensor.Tensor) (tensor.Tensor, []bool, error)
	// Crop takes a random window of each image and resizes it back to the
	// input size.
	Crop(batch tensor.Tensor) (tensor.Tensor, []Box, error)
	ColorDistort(batch tensor.Tensor) (tensor.Tensor, []Jitter, error)
	// GaussBlur returns the sigma used per image, 0 when left sharp.
	GaussBlur(batch tensor.Tensor) (tensor.Tensor, []float32, error)
	// Mask hides a random subset of patches. mask is [N, 1, H, W] with 1 on
	// hidden pixels; masked is the batch with those pixels zeroed.
	Mask(batch tensor.Tensor) (masked, mask tensor.Tensor, err error)
}

// Step is one augmentation with its side information discarded.
type Step func(batch tensor.Tensor) (tensor.Tensor, error)

// ContrastivePipeline is flip, crop, colour distortion, blur, in that order.
func ContrastivePipeline(p Provider) []Step {
	return []Step{
		func(b tensor.Tensor) (tensor.Tensor, error) { out, _, err := p.HorizontalFlip(b); return out, err },
		func(b tensor.Tensor) (tensor.Tensor, error) { out, _, err := p.Crop(b); return out, err },
		func(b tensor.Tensor) (tensor.Tensor, error) { out, _, err := p.ColorDistort(b); return out, err },
		func(b tensor.Tensor) (tensor.Tensor, error) { out, _, err := p.GaussBlur(b); return out, err },
	}
}

// Apply runs steps in order.
func Apply(batch tensor.Tensor, steps []Step) (tensor.Tensor, error) {
	out := batch
	for i, step := range steps {
		var err error
		if out, err = step(out); err != nil {
			return tensor.Tensor{}, fmt.Errorf("augment step %d: %w", i, err)
		}
	}
	return out, nil
}

func requireImages(op string, batch tensor.Tensor) error {
	return batch.RequireRank(op, -1, -1, -1, -1)
}
