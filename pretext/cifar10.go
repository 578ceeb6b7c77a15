package pretext

import (
	"fmt"

	"github.com/McKnightA/meta-multi-self-supervision/loss"
	"github.com/McKnightA/meta-multi-self-supervision/model"
	"github.com/McKnightA/meta-multi-self-supervision/tensor"
)

// Cifar10Classification is the supervised ten-way classifier. Its labels
// come from the dataset, not from Pretreat.
type Cifar10Classification struct {
	base
	head model.FlatHead
}

var _ Supervised = (*Cifar10Classification)(nil)

// NewCifar10Classification builds the task with a ten-way flat head.
func NewCifar10Classification(features int, factory model.FlatHeadFactory, opts ...Option) (*Cifar10Classification, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	head, err := factory(features, Cifar10Classes)
	if err != nil {
		return nil, err
	}
	return &Cifar10Classification{base: newBase(Cifar10Name, head, o), head: head}, nil
}

// Pretreat scales pixels to [0, 1].
func (c *Cifar10Classification) Pretreat(raw tensor.Tensor) (tensor.Tensor, error) {
	if err := raw.RequireRank("cifar10 input", -1, -1, -1, -1); err != nil {
		return tensor.Tensor{}, c.wrap(err)
	}
	return normalize(raw), nil
}

func (c *Cifar10Classification) GenerateLoss(features tensor.Tensor, labels []int) (Loss, error) {
	if err := requireFeatures(c.name, features); err != nil {
		return Loss{}, c.wrap(err)
	}
	if len(labels) != features.Rows() {
		return Loss{}, c.wrap(fmt.Errorf("%w: %d labels for %d rows", ErrLabelCount, len(labels), features.Rows()))
	}
	logits, err := c.head.Forward(features)
	if err != nil {
		return Loss{}, c.wrap(err)
	}
	if err := logits.RequireRank("cifar10 logits", len(labels), Cifar10Classes); err != nil {
		return Loss{}, c.wrap(err)
	}
	res, err := loss.CrossEntropy(logits, labels)
	if err != nil {
		return Loss{}, c.wrap(err)
	}
	return c.finish(res.Value, res.Grad, features.Rows())
}

// Predict returns the most likely class of every row.
func (c *Cifar10Classification) Predict(features tensor.Tensor) ([]int, error) {
	if err := requireFeatures(c.name, features); err != nil {
		return nil, c.wrap(err)
	}
	logits, err := c.head.Forward(features)
	if err != nil {
		return nil, c.wrap(err)
	}
	if err := logits.RequireRank("cifar10 logits", features.Rows(), Cifar10Classes); err != nil {
		return nil, c.wrap(err)
	}
	classes := make([]int, features.Rows())
	for i := range classes {
		row := logits.Data[i*Cifar10Classes : (i+1)*Cifar10Classes]
		for k, v := range row {
			if v > row[classes[i]] {
				classes[i] = k
			}
		}
	}
	return classes, nil
}
