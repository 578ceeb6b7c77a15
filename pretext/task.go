// Package pretext implements the self-supervised pretext tasks and the
// supervised CIFAR-10 task that share one embedding backbone, together with
// the MultiTask aggregator that trains them in a single step.
//
// A step has the same shape for every task:
//
//	in, err := task.Pretreat(raw)      // stores derived labels
//	features, err := backbone.Forward(in)
//	l, err := task.GenerateLoss(features) // takes the labels
//
// Tasks are not safe for concurrent use. Labels stored by Pretreat must be
// taken by the next GenerateLoss before Pretreat runs again.
package pretext

import (
	"errors"
	"fmt"

	"github.com/McKnightA/meta-multi-self-supervision/logger"
	"github.com/McKnightA/meta-multi-self-supervision/model"
	"github.com/McKnightA/meta-multi-self-supervision/tensor"
)

var (
	// ErrNoLabels is returned by GenerateLoss when no Pretreat filled the
	// label slot since the last time it was taken.
	ErrNoLabels = errors.New("no labels stored: GenerateLoss called without Pretreat")
	// ErrLabelCount is returned when supervised labels do not match the
	// number of rows.
	ErrLabelCount = errors.New("label count does not match batch")
	// ErrDuplicateParameter is returned when two tasks expose the same
	// parameter.
	ErrDuplicateParameter = errors.New("parameter collected twice")
	// ErrNoTasks is returned when a MultiTask is built from an empty list.
	ErrNoTasks = errors.New("no tasks")
)

const (
	RotationName     = "Rotation"
	ColorizationName = "Colorization"
	ContrastiveName  = "Contrastive"
	MaskedName       = "Masked Auto Encoding"
	Cifar10Name      = "Cifar10 Classification"
)

// Task is what every pretext or supervised task has in common.
type Task interface {
	Name() string
	Device() string
	// Pretreat turns a raw [N, C, H, W] batch of 0-255 pixels into the
	// batch the backbone embeds. It never modifies raw.
	Pretreat(raw tensor.Tensor) (tensor.Tensor, error)
	// Harmonization returns the channel adapter the task puts in front of
	// the backbone, if it owns one.
	Harmonization() (*model.Conv1x1, bool)
	// Parameters lists harmonization parameters first, then the head's.
	Parameters() []*model.Parameter
	ApplyGradients(lr float32)
}

// SelfSupervised tasks derive their labels from the input in Pretreat.
type SelfSupervised interface {
	Task
	GenerateLoss(features tensor.Tensor, opts ...LossOption) (Loss, error)
}

// Supervised tasks are given their labels.
type Supervised interface {
	Task
	GenerateLoss(features tensor.Tensor, labels []int) (Loss, error)
}

// Loss is one task's contribution to a step.
type Loss struct {
	Task  string
	Value float32
	// OutputGrad is the gradient of Value w.r.t. the head output.
	OutputGrad tensor.Tensor
	// FeatureGrad is the gradient of Value w.r.t. the embedded features.
	// It is empty when the head cannot back-propagate.
	FeatureGrad tensor.Tensor
	// Rows is the number of embedded rows the loss consumed.
	Rows int
}

type lossOptions struct {
	keep   bool
	labels []int
}

type LossOption func(*lossOptions)

// KeepLabels leaves the stored labels in place after GenerateLoss.
func KeepLabels() LossOption {
	return func(o *lossOptions) { o.keep = true }
}

// WithLabels supplies the class labels of the raw batch to supervised
// tasks run through a MultiTask. Self-supervised tasks ignore them.
func WithLabels(labels []int) LossOption {
	return func(o *lossOptions) { o.labels = labels }
}

func collectLossOptions(opts []LossOption) lossOptions {
	var o lossOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// labelSlot holds the labels of one Pretreat until GenerateLoss takes them.
type labelSlot[T any] struct {
	value T
	full  bool
}

// put stores v and reports whether unconsumed labels were overwritten.
func (s *labelSlot[T]) put(v T) bool {
	overwrote := s.full
	s.value, s.full = v, true
	return overwrote
}

func (s *labelSlot[T]) take(keep bool) (T, error) {
	var zero T
	if !s.full {
		return zero, ErrNoLabels
	}
	v := s.value
	if !keep {
		s.value, s.full = zero, false
	}
	return v, nil
}

func (s *labelSlot[T]) filled() bool { return s.full }

// BackwardInput routes the gradient w.r.t. the backbone input of t's last
// Pretreat through t's harmonization, accumulating its parameter
// gradients. Tasks without harmonization return grad unchanged.
func BackwardInput(t Task, grad tensor.Tensor) (tensor.Tensor, error) {
	h, ok := t.Harmonization()
	if !ok {
		return grad, nil
	}
	dx, err := h.Backward(grad)
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("%s: %w", t.Name(), err)
	}
	return dx, nil
}

// mounter is implemented by networks that can move to another device.
type mounter interface {
	Mount(device string) error
}

// base carries what every task variant shares.
type base struct {
	name          string
	device        string
	log           logger.Logger
	module        any
	harmonization *model.Conv1x1
}

func newBase(name string, head any, o *options) base {
	b := base{name: name, device: o.device, log: o.log.With("task", name), module: head}
	if m, ok := head.(mounter); ok {
		if err := m.Mount(o.device); err != nil {
			b.log.Warn("falling back to cpu", "device", o.device, "error", err)
			b.device = model.DeviceCPU
		}
	}
	return b
}

func (b *base) Name() string   { return b.name }
func (b *base) Device() string { return b.device }

func (b *base) Harmonization() (*model.Conv1x1, bool) {
	return b.harmonization, b.harmonization != nil
}

func (b *base) Parameters() []*model.Parameter {
	var params []*model.Parameter
	if h, ok := b.Harmonization(); ok {
		params = append(params, h.Parameters()...)
	}
	return append(params, model.ParametersOf(b.module)...)
}

func (b *base) ApplyGradients(lr float32) {
	if h, ok := b.Harmonization(); ok {
		h.ApplyGradients(lr)
	}
	if t, ok := b.module.(model.Trainable); ok {
		t.ApplyGradients(lr)
	}
}

func (b *base) wrap(err error) error {
	return fmt.Errorf("%s: %w", b.name, err)
}

func (b *base) harmonize(x tensor.Tensor) (tensor.Tensor, error) {
	h, ok := b.Harmonization()
	if !ok {
		return x, nil
	}
	return h.Forward(x)
}

// finish back-propagates the output gradient through the head when it can
// and assembles the Loss.
func (b *base) finish(value float32, outputGrad tensor.Tensor, rows int) (Loss, error) {
	l := Loss{Task: b.name, Value: value, OutputGrad: outputGrad, Rows: rows}
	if bp, ok := b.module.(model.Backpropagator); ok {
		fg, err := bp.Backward(outputGrad)
		if err != nil {
			return Loss{}, b.wrap(err)
		}
		l.FeatureGrad = fg
	}
	b.log.Debug("loss computed", "value", value, "rows", rows)
	return l, nil
}

func (b *base) store(overwrote bool) {
	if overwrote {
		b.log.Debug("overwriting labels that were never consumed")
	}
}

func requireFeatures(name string, features tensor.Tensor) error {
	if features.Rank() != 2 || features.Rows() == 0 {
		return &tensor.ShapeError{Op: name + " features", Want: []int{-1, -1}, Got: features.Shape}
	}
	return nil
}

// normalize maps 0-255 pixels to [0, 1].
func normalize(raw tensor.Tensor) tensor.Tensor {
	return raw.Scale(1.0 / 255)
}
