package model

import (
	"math"
	"math/rand"

	"github.com/McKnightA/meta-multi-self-supervision/tensor"
)

// Conv1x1 is a 1x1 convolution: a per-pixel affine map from In to Out
// channels. It is the harmonization adapter placed in front of the
// backbone for tasks whose pretreated input does not have the channel
// count the backbone expects.
type Conv1x1 struct {
	In, Out int
	Weight  *Parameter // [Out, In]
	Bias    *Parameter // [Out]

	input tensor.Tensor
}

var (
	_ Parameterized  = (*Conv1x1)(nil)
	_ Trainable      = (*Conv1x1)(nil)
	_ Backpropagator = (*Conv1x1)(nil)
)

// NewConv1x1 initializes weights and bias uniformly in ±1/sqrt(in).
func NewConv1x1(in, out int, rng *rand.Rand) *Conv1x1 {
	bound := 1 / math.Sqrt(float64(in))
	uniform := func(n int) []float32 {
		v := make([]float32, n)
		for i := range v {
			v[i] = float32((rng.Float64()*2 - 1) * bound)
		}
		return v
	}
	return &Conv1x1{
		In:     in,
		Out:    out,
		Weight: &Parameter{Name: "harmonization.weight", Data: uniform(in * out), Grad: make([]float32, in*out)},
		Bias:   &Parameter{Name: "harmonization.bias", Data: uniform(out), Grad: make([]float32, out)},
	}
}

// Forward maps [N, In, H, W] to [N, Out, H, W] and remembers x for Backward.
func (c *Conv1x1) Forward(x tensor.Tensor) (tensor.Tensor, error) {
	if err := x.RequireRank("harmonization", -1, c.In, -1, -1); err != nil {
		return tensor.Tensor{}, err
	}
	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	plane := h * w
	out := tensor.New(n, c.Out, h, w)
	for i := 0; i < n; i++ {
		for o := 0; o < c.Out; o++ {
			dst := out.Data[(i*c.Out+o)*plane : (i*c.Out+o+1)*plane]
			b := c.Bias.Data[o]
			for p := range dst {
				dst[p] = b
			}
			for k := 0; k < c.In; k++ {
				wk := c.Weight.Data[o*c.In+k]
				src := x.Data[(i*c.In+k)*plane : (i*c.In+k+1)*plane]
				for p, v := range src {
					dst[p] += wk * v
				}
			}
		}
	}
	c.input = x
	return out, nil
}

// Backward accumulates weight and bias gradients for the last Forward and
// returns the gradient w.r.t. its input.
func (c *Conv1x1) Backward(grad tensor.Tensor) (tensor.Tensor, error) {
	if c.input.Empty() {
		return tensor.Tensor{}, &tensor.ShapeError{Op: "harmonization.Backward without Forward", Want: []int{-1, c.Out, -1, -1}, Got: nil}
	}
	x := c.input
	if err := grad.RequireRank("harmonization.Backward", x.Shape[0], c.Out, x.Shape[2], x.Shape[3]); err != nil {
		return tensor.Tensor{}, err
	}
	n := x.Shape[0]
	plane := x.Shape[2] * x.Shape[3]
	dx := tensor.New(x.Shape...)
	for i := 0; i < n; i++ {
		for o := 0; o < c.Out; o++ {
			g := grad.Data[(i*c.Out+o)*plane : (i*c.Out+o+1)*plane]
			var gb float32
			for _, v := range g {
				gb += v
			}
			c.Bias.Grad[o] += gb
			for k := 0; k < c.In; k++ {
				src := x.Data[(i*c.In+k)*plane : (i*c.In+k+1)*plane]
				dst := dx.Data[(i*c.In+k)*plane : (i*c.In+k+1)*plane]
				wk := c.Weight.Data[o*c.In+k]
				var gw float32
				for p, v := range g {
					gw += v * src[p]
					dst[p] += v * wk
				}
				c.Weight.Grad[o*c.In+k] += gw
			}
		}
	}
	return dx, nil
}

func (c *Conv1x1) Parameters() []*Parameter {
	return []*Parameter{c.Weight, c.Bias}
}

// ApplyGradients takes one SGD step and zeroes the gradients.
func (c *Conv1x1) ApplyGradients(lr float32) {
	for _, p := range c.Parameters() {
		for i, g := range p.Grad {
			p.Data[i] -= lr * g
			p.Grad[i] = 0
		}
	}
}
