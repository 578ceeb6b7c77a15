// Package model defines the networks the pretext tasks are wired to: the
// shared embedding backbone, the per-task heads and the harmonization
// adapters that reconcile channel counts.
package model

import (
	"errors"

	"github.com/McKnightA/meta-multi-self-supervision/tensor"
)

// ErrDevice is returned when a network cannot be mounted on the requested device.
var ErrDevice = errors.New("device unavailable")

const (
	DeviceCPU = "cpu"
	DeviceGPU = "gpu"
)

// Parameter is one trainable array. Grad is nil when the owner keeps its
// gradients internally (loom networks do).
type Parameter struct {
	Name string
	Data []float32
	Grad []float32
}

// Parameterized exposes trainable parameters in a stable order.
type Parameterized interface {
	Parameters() []*Parameter
}

// Trainable applies accumulated gradients and resets them.
type Trainable interface {
	ApplyGradients(lr float32)
}

// Backpropagator maps the gradient of the module's last output to the
// gradient of its last input.
type Backpropagator interface {
	Backward(grad tensor.Tensor) (tensor.Tensor, error)
}

// Backbone embeds a batch of [N, C, H, W] images into [N, Features()] rows.
type Backbone interface {
	Forward(batch tensor.Tensor) (tensor.Tensor, error)
	Features() int
}

// FlatHead maps [N, F] features to [N, width] logits or projections.
type FlatHead interface {
	Forward(features tensor.Tensor) (tensor.Tensor, error)
}

// SpatialHead maps [N, F] features to an [N, width, H, W] map, where target
// is the [N, C, H, W] shape whose batch and spatial dims it must match.
type SpatialHead interface {
	Forward(features tensor.Tensor, target []int) (tensor.Tensor, error)
}

// FlatHeadFactory builds a flat head for a given feature and output width.
type FlatHeadFactory func(features, width int) (FlatHead, error)

// SpatialHeadFactory builds a spatial decoder for a given feature and
// channel width.
type SpatialHeadFactory func(features, width int) (SpatialHead, error)

// ParametersOf returns m's parameters, or nil when m has none.
func ParametersOf(m any) []*Parameter {
	if p, ok := m.(Parameterized); ok {
		return p.Parameters()
	}
	return nil
}
