package pretext

import (
	"github.com/McKnightA/meta-multi-self-supervision/augment"
	"github.com/McKnightA/meta-multi-self-supervision/loss"
	"github.com/McKnightA/meta-multi-self-supervision/model"
	"github.com/McKnightA/meta-multi-self-supervision/tensor"
)

type maskedLabels struct {
	mask     tensor.Tensor // [N, 1, H, W], 1 on hidden pixels
	original tensor.Tensor // [N, 3, H, W] in [0, 1]
}

// MaskedAutoEncoding reconstructs the hidden patches of an image.
type MaskedAutoEncoding struct {
	base
	head   model.SpatialHead
	aug    augment.Provider
	labels labelSlot[maskedLabels]
}

var _ SelfSupervised = (*MaskedAutoEncoding)(nil)

// NewMaskedAutoEncoding builds the task with a 4->3 harmonization and a
// 3-channel decoder.
func NewMaskedAutoEncoding(features int, factory model.SpatialHeadFactory, opts ...Option) (*MaskedAutoEncoding, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	head, err := factory(features, 3)
	if err != nil {
		return nil, err
	}
	m := &MaskedAutoEncoding{base: newBase(MaskedName, head, o), head: head, aug: o.augmenter}
	m.harmonization = model.NewConv1x1(4, 3, o.rng)
	return m, nil
}

// Pretreat masks the normalized batch and returns the harmonized
// concatenation of the masked image and its mask.
func (m *MaskedAutoEncoding) Pretreat(raw tensor.Tensor) (tensor.Tensor, error) {
	if err := raw.RequireRank("masked input", -1, 3, -1, -1); err != nil {
		return tensor.Tensor{}, m.wrap(err)
	}
	original := normalize(raw)
	masked, mask, err := m.aug.Mask(original)
	if err != nil {
		return tensor.Tensor{}, m.wrap(err)
	}
	stacked, err := tensor.ConcatChannels(masked, mask)
	if err != nil {
		return tensor.Tensor{}, m.wrap(err)
	}
	in, err := m.harmonize(stacked)
	if err != nil {
		return tensor.Tensor{}, m.wrap(err)
	}
	m.store(m.labels.put(maskedLabels{mask: mask, original: original}))
	m.log.Debug("pretreated", "rows", in.Rows())
	return in, nil
}

// GenerateLoss is the MSE between sigmoid(output) and the original image
// over the hidden pixels only.
func (m *MaskedAutoEncoding) GenerateLoss(features tensor.Tensor, opts ...LossOption) (Loss, error) {
	o := collectLossOptions(opts)
	labels, err := m.labels.take(o.keep)
	if err != nil {
		return Loss{}, m.wrap(err)
	}
	if err := requireFeatures(m.name, features); err != nil {
		return Loss{}, m.wrap(err)
	}
	out, err := m.head.Forward(features, labels.original.Shape)
	if err != nil {
		return Loss{}, m.wrap(err)
	}
	if err := out.RequireRank("masked output", labels.original.Shape...); err != nil {
		return Loss{}, m.wrap(err)
	}
	pred := loss.SigmoidTensor(out)
	res, err := loss.MaskedMSE(pred, labels.original, labels.mask)
	if err != nil {
		return Loss{}, m.wrap(err)
	}
	// chain through the sigmoid
	for i, s := range pred.Data {
		res.Grad.Data[i] *= s * (1 - s)
	}
	return m.finish(res.Value, res.Grad, features.Rows())
}
