package pretext

import (
	"github.com/McKnightA/meta-multi-self-supervision/augment"
	"github.com/McKnightA/meta-multi-self-supervision/loss"
	"github.com/McKnightA/meta-multi-self-supervision/model"
	"github.com/McKnightA/meta-multi-self-supervision/tensor"
)

// Contrastive learns augmentation-invariant features with the NT-Xent loss.
// Its Pretreat doubles the batch: row i and row i+N are two views of the
// same image.
type Contrastive struct {
	base
	head        model.FlatHead
	pipeline    []augment.Step
	temperature float32
}

var _ SelfSupervised = (*Contrastive)(nil)

// NewContrastive builds the task with a projection head of the configured width.
func NewContrastive(features int, factory model.FlatHeadFactory, opts ...Option) (*Contrastive, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	head, err := factory(features, o.projectionDim)
	if err != nil {
		return nil, err
	}
	return &Contrastive{
		base:        newBase(ContrastiveName, head, o),
		head:        head,
		pipeline:    augment.ContrastivePipeline(o.augmenter),
		temperature: o.temperature,
	}, nil
}

// Pretreat returns two independently augmented views of raw stacked along
// the batch axis.
func (c *Contrastive) Pretreat(raw tensor.Tensor) (tensor.Tensor, error) {
	if err := raw.RequireRank("contrastive input", -1, -1, -1, -1); err != nil {
		return tensor.Tensor{}, c.wrap(err)
	}
	var views [2]tensor.Tensor
	for i := range views {
		v, err := augment.Apply(raw.Clone(), c.pipeline)
		if err != nil {
			return tensor.Tensor{}, c.wrap(err)
		}
		views[i] = v
	}
	out, err := tensor.ConcatRows(views[0], views[1])
	if err != nil {
		return tensor.Tensor{}, c.wrap(err)
	}
	c.log.Debug("pretreated", "rows", out.Rows())
	return out, nil
}

// GenerateLoss projects the features and computes NT-Xent. There are no
// stored labels, so the options have no effect.
func (c *Contrastive) GenerateLoss(features tensor.Tensor, _ ...LossOption) (Loss, error) {
	if err := requireFeatures(c.name, features); err != nil {
		return Loss{}, c.wrap(err)
	}
	proj, err := c.head.Forward(features)
	if err != nil {
		return Loss{}, c.wrap(err)
	}
	res, err := loss.NTXent(proj, c.temperature)
	if err != nil {
		return Loss{}, c.wrap(err)
	}
	return c.finish(res.Value, res.Grad, features.Rows())
}
