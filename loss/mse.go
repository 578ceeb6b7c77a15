package loss

import (
	"github.com/McKnightA/meta-multi-self-supervision/tensor"
)

// MSE is the mean squared error over every element.
func MSE(pred, target tensor.Tensor) (Result, error) {
	if !tensor.SameShape(pred, target) {
		return Result{}, &tensor.ShapeError{Op: "loss.MSE", Want: pred.Shape, Got: target.Shape}
	}
	grad := tensor.New(pred.Shape...)
	n := float64(pred.Len())
	var total float64
	for i, p := range pred.Data {
		d := float64(p - target.Data[i])
		total += d * d
		grad.Data[i] = float32(2 * d / n)
	}
	return Result{Value: float32(total / n), Grad: grad}, nil
}

// MaskedMSE is MSE(pred*mask, target*mask) averaged over every element of
// pred, so unmasked positions contribute zeros to the mean. pred and target
// are [N, C, H, W]; mask is [N, C, H, W] or [N, 1, H, W] and is broadcast
// over channels.
func MaskedMSE(pred, target, mask tensor.Tensor) (Result, error) {
	if !tensor.SameShape(pred, target) || pred.Rank() != 4 {
		return Result{}, &tensor.ShapeError{Op: "loss.MaskedMSE", Want: pred.Shape, Got: target.Shape}
	}
	n, c, h, w := pred.Shape[0], pred.Shape[1], pred.Shape[2], pred.Shape[3]
	if err := mask.RequireRank("loss.MaskedMSE mask", n, -1, h, w); err != nil {
		return Result{}, err
	}
	mc := mask.Shape[1]
	if mc != 1 && mc != c {
		return Result{}, &tensor.ShapeError{Op: "loss.MaskedMSE mask", Want: []int{n, c, h, w}, Got: mask.Shape}
	}

	grad := tensor.New(pred.Shape...)
	count := float64(pred.Len())
	plane := h * w
	var total float64
	for i := 0; i < n; i++ {
		for ch := 0; ch < c; ch++ {
			mch := 0
			if mc == c {
				mch = ch
			}
			off := (i*c + ch) * plane
			moff := (i*mc + mch) * plane
			for p := 0; p < plane; p++ {
				m := float64(mask.Data[moff+p])
				d := float64(pred.Data[off+p])*m - float64(target.Data[off+p])*m
				total += d * d
				grad.Data[off+p] = float32(2 * d * m / count)
			}
		}
	}
	return Result{Value: float32(total / count), Grad: grad}, nil
}
