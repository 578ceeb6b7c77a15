package pretext

import (
	"github.com/McKnightA/meta-multi-self-supervision/augment"
	"github.com/McKnightA/meta-multi-self-supervision/loss"
	"github.com/McKnightA/meta-multi-self-supervision/model"
	"github.com/McKnightA/meta-multi-self-supervision/tensor"
)

// Rotation predicts which of four quarter turns was applied to each image.
type Rotation struct {
	base
	head   model.FlatHead
	aug    augment.Provider
	labels labelSlot[[]int]
}

var _ SelfSupervised = (*Rotation)(nil)

// NewRotation builds the task with a four-way flat head.
func NewRotation(features int, factory model.FlatHeadFactory, opts ...Option) (*Rotation, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	head, err := factory(features, RotationClasses)
	if err != nil {
		return nil, err
	}
	return &Rotation{base: newBase(RotationName, head, o), head: head, aug: o.augmenter}, nil
}

// Pretreat rotates every image by a random multiple of 90 degrees and
// stores the multiple as its label. Images must be square.
func (r *Rotation) Pretreat(raw tensor.Tensor) (tensor.Tensor, error) {
	if err := raw.RequireRank("rotation input", -1, -1, -1, -1); err != nil {
		return tensor.Tensor{}, r.wrap(err)
	}
	if raw.Shape[2] != raw.Shape[3] {
		return tensor.Tensor{}, r.wrap(&tensor.ShapeError{Op: "rotation input must be square", Want: []int{-1, -1, raw.Shape[2], raw.Shape[2]}, Got: raw.Shape})
	}
	rotated, turns, err := r.aug.Rotate(raw)
	if err != nil {
		return tensor.Tensor{}, r.wrap(err)
	}
	r.store(r.labels.put(turns))
	r.log.Debug("pretreated", "rows", rotated.Rows())
	return rotated, nil
}

func (r *Rotation) GenerateLoss(features tensor.Tensor, opts ...LossOption) (Loss, error) {
	o := collectLossOptions(opts)
	labels, err := r.labels.take(o.keep)
	if err != nil {
		return Loss{}, r.wrap(err)
	}
	if err := requireFeatures(r.name, features); err != nil {
		return Loss{}, r.wrap(err)
	}
	logits, err := r.head.Forward(features)
	if err != nil {
		return Loss{}, r.wrap(err)
	}
	if err := logits.RequireRank("rotation logits", len(labels), RotationClasses); err != nil {
		return Loss{}, r.wrap(err)
	}
	res, err := loss.CrossEntropy(logits, labels)
	if err != nil {
		return Loss{}, r.wrap(err)
	}
	return r.finish(res.Value, res.Grad, features.Rows())
}
