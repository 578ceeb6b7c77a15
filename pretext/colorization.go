package pretext

import (
	"github.com/McKnightA/meta-multi-self-supervision/colorspace"
	"github.com/McKnightA/meta-multi-self-supervision/loss"
	"github.com/McKnightA/meta-multi-self-supervision/model"
	"github.com/McKnightA/meta-multi-self-supervision/tensor"
)

// Colorization predicts the chrominance of an image from its lightness.
// Both chrominance channels are quantized into precision bins, turning the
// regression into per-pixel classification.
type Colorization struct {
	base
	head      model.SpatialHead
	converter *colorspace.Converter
	precision int
	labScale  float32
	labels    labelSlot[tensor.Tensor]
}

var _ SelfSupervised = (*Colorization)(nil)

// NewColorization builds the task with a 1->3 harmonization and a decoder
// of width 2*precision.
func NewColorization(features int, factory model.SpatialHeadFactory, opts ...Option) (*Colorization, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	head, err := factory(features, 2*o.precision)
	if err != nil {
		return nil, err
	}
	c := &Colorization{
		base:      newBase(ColorizationName, head, o),
		head:      head,
		converter: o.converter,
		precision: o.precision,
		labScale:  o.labScale,
	}
	c.harmonization = model.NewConv1x1(1, 3, o.rng)
	return c, nil
}

func (c *Colorization) Precision() int { return c.precision }

// Pretreat converts the batch to Lab scaled by 1/labScale, stores the a and
// b channels as labels and returns the harmonized L channel.
func (c *Colorization) Pretreat(raw tensor.Tensor) (tensor.Tensor, error) {
	if err := raw.RequireRank("colorization input", -1, 3, -1, -1); err != nil {
		return tensor.Tensor{}, c.wrap(err)
	}
	lab, err := c.converter.RGBToLab(normalize(raw))
	if err != nil {
		return tensor.Tensor{}, c.wrap(err)
	}
	lab = lab.Scale(1 / c.labScale)
	lightness, err := lab.Channels(0, 1)
	if err != nil {
		return tensor.Tensor{}, c.wrap(err)
	}
	chroma, err := lab.Channels(1, 3)
	if err != nil {
		return tensor.Tensor{}, c.wrap(err)
	}
	in, err := c.harmonize(lightness)
	if err != nil {
		return tensor.Tensor{}, c.wrap(err)
	}
	c.store(c.labels.put(chroma))
	c.log.Debug("pretreated", "rows", in.Rows(), "cached_colors", c.converter.Len())
	return in, nil
}

// GenerateLoss is the mean of the a-channel and b-channel cross-entropies
// over quantized bins.
func (c *Colorization) GenerateLoss(features tensor.Tensor, opts ...LossOption) (Loss, error) {
	o := collectLossOptions(opts)
	chroma, err := c.labels.take(o.keep)
	if err != nil {
		return Loss{}, c.wrap(err)
	}
	if err := requireFeatures(c.name, features); err != nil {
		return Loss{}, c.wrap(err)
	}
	n, h, w := chroma.Shape[0], chroma.Shape[2], chroma.Shape[3]
	p := c.precision
	out, err := c.head.Forward(features, []int{n, 2 * p, h, w})
	if err != nil {
		return Loss{}, c.wrap(err)
	}
	if err := out.RequireRank("colorization output", n, 2*p, h, w); err != nil {
		return Loss{}, c.wrap(err)
	}

	var halves [2]loss.Result
	for ch := range halves {
		logits, err := out.Channels(ch*p, (ch+1)*p)
		if err != nil {
			return Loss{}, c.wrap(err)
		}
		target, err := chroma.Channels(ch, ch+1)
		if err != nil {
			return Loss{}, c.wrap(err)
		}
		if halves[ch], err = loss.CrossEntropy(logits, loss.Quantize(target.Data, p)); err != nil {
			return Loss{}, c.wrap(err)
		}
	}
	grad, err := tensor.ConcatChannels(halves[0].Grad.Scale(0.5), halves[1].Grad.Scale(0.5))
	if err != nil {
		return Loss{}, c.wrap(err)
	}
	return c.finish((halves[0].Value+halves[1].Value)/2, grad, features.Rows())
}
