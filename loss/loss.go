// Package loss implements the objectives used by the pretext tasks.
//
// Every loss returns the scalar value together with the gradient of that
// value with respect to the prediction it was given, so callers can hand
// the gradient straight to a network's backward pass:
//
//	res, err := loss.CrossEntropy(logits, labels)
//	grad, _ := head.Backward(res.Grad)
package loss

import (
	"fmt"
	"math"

	"github.com/McKnightA/meta-multi-self-supervision/tensor"
)

// Result is a scalar loss and its gradient w.r.t. the prediction.
type Result struct {
	Value float32
	Grad  tensor.Tensor
}

// Sigmoid is the logistic function.
func Sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// SigmoidTensor applies Sigmoid element-wise.
func SigmoidTensor(t tensor.Tensor) tensor.Tensor {
	return t.Map(Sigmoid)
}

// Quantize squashes continuous values into (0, 1) with a sigmoid and maps
// them to one of precision equal-width bins. The result is always in
// [0, precision).
func Quantize(values []float32, precision int) []int {
	bins := make([]int, len(values))
	for i, v := range values {
		b := int(math.Floor(float64(Sigmoid(v)) * float64(precision)))
		if b >= precision {
			b = precision - 1
		}
		if b < 0 {
			b = 0
		}
		bins[i] = b
	}
	return bins
}

// ErrLabelRange reports a class index outside the logits' class axis.
type ErrLabelRange struct {
	Index, Label, Classes int
}

func (e *ErrLabelRange) Error() string {
	return fmt.Sprintf("label %d at position %d outside [0, %d)", e.Label, e.Index, e.Classes)
}
