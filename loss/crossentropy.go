package loss

import (
	"math"

	"github.com/McKnightA/meta-multi-self-supervision/tensor"
)

// CrossEntropy is categorical cross-entropy over raw logits with integer
// class labels. logits is [N, C] or [N, C, spatial...]; labels holds one
// class index per (n, spatial) position in row-major order. The value is
// the mean over all positions.
func CrossEntropy(logits tensor.Tensor, labels []int) (Result, error) {
	if logits.Rank() < 2 {
		return Result{}, &tensor.ShapeError{Op: "loss.CrossEntropy", Want: []int{-1, -1}, Got: logits.Shape}
	}
	n, classes := logits.Shape[0], logits.Shape[1]
	spatial := 1
	for _, d := range logits.Shape[2:] {
		spatial *= d
	}
	if len(labels) != n*spatial {
		return Result{}, &tensor.ShapeError{Op: "loss.CrossEntropy labels", Want: []int{n * spatial}, Got: []int{len(labels)}}
	}

	grad := tensor.New(logits.Shape...)
	count := float64(n * spatial)
	var total float64
	probs := make([]float64, classes)
	for i := 0; i < n; i++ {
		for s := 0; s < spatial; s++ {
			pos := i*spatial + s
			label := labels[pos]
			if label < 0 || label >= classes {
				return Result{}, &ErrLabelRange{Index: pos, Label: label, Classes: classes}
			}
			base := i*classes*spatial + s
			maxLogit := math.Inf(-1)
			for c := 0; c < classes; c++ {
				maxLogit = math.Max(maxLogit, float64(logits.Data[base+c*spatial]))
			}
			var sum float64
			for c := 0; c < classes; c++ {
				probs[c] = math.Exp(float64(logits.Data[base+c*spatial]) - maxLogit)
				sum += probs[c]
			}
			total += math.Log(sum) + maxLogit - float64(logits.Data[base+label*spatial])
			for c := 0; c < classes; c++ {
				p := probs[c] / sum
				if c == label {
					p--
				}
				grad.Data[base+c*spatial] = float32(p / count)
			}
		}
	}
	return Result{Value: float32(total / count), Grad: grad}, nil
}
