package loss

import (
	"math"

	"github.com/McKnightA/meta-multi-self-supervision/tensor"
)

const normEpsilon = 1e-12

// NTXentResult extends Result with the per-row terms of the loss.
type NTXentResult struct {
	Result
	// Rows holds -log(pos/den) for each of the 2N rows.
	Rows []float32
	// Positives holds aug1[i]·aug2[i] after normalization, before the
	// temperature is applied, for each of the N samples.
	Positives []float32
}

// NTXent is the normalized temperature-scaled cross-entropy loss.
//
// out is [2N, D]: rows [0, N) are the first view of each sample and rows
// [N, 2N) the second view, so row i and row i+N form the positive pair.
// Each half is L2-normalized, similarities are exp(z_i·z_k / temperature),
// and every row's denominator sums over all columns except the row itself.
func NTXent(out tensor.Tensor, temperature float32) (NTXentResult, error) {
	if out.Rank() != 2 || out.Rows() == 0 || out.Rows()%2 != 0 {
		return NTXentResult{}, &tensor.ShapeError{Op: "loss.NTXent", Want: []int{-2, -1}, Got: out.Shape}
	}
	rows, dim := out.Shape[0], out.Shape[1]
	half := rows / 2
	tau := float64(temperature)

	z := make([][]float64, rows)
	norms := make([]float64, rows)
	for i := 0; i < rows; i++ {
		z[i], norms[i] = normalize(out.Data[i*dim : (i+1)*dim])
	}

	sim := make([][]float64, rows)
	for i := range sim {
		sim[i] = make([]float64, rows)
		for k := 0; k < rows; k++ {
			sim[i][k] = dot(z[i], z[k])
		}
	}

	res := NTXentResult{Rows: make([]float32, rows), Positives: make([]float32, half)}
	// probs[i][k] = exp(sim_ik/τ) / den_i, k != i
	probs := make([][]float64, rows)
	var total float64
	for i := 0; i < rows; i++ {
		probs[i] = make([]float64, rows)
		var den float64
		for k := 0; k < rows; k++ {
			if k == i {
				continue
			}
			probs[i][k] = math.Exp(sim[i][k] / tau)
			den += probs[i][k]
		}
		for k := range probs[i] {
			probs[i][k] /= den
		}
		p := partner(i, half)
		pos := math.Exp(sim[i][p] / tau)
		l := -math.Log(pos / den)
		res.Rows[i] = float32(l)
		total += l
	}
	for i := 0; i < half; i++ {
		res.Positives[i] = float32(sim[i][i+half])
	}
	res.Value = float32(total / float64(rows))

	// dL/dz_i = 1/(2Nτ) * (-2 z_p(i) + Σ_{k≠i} (P_ik + P_ki) z_k)
	res.Grad = tensor.New(out.Shape...)
	scale := 1 / (float64(rows) * tau)
	gz := make([]float64, dim)
	for i := 0; i < rows; i++ {
		for d := range gz {
			gz[d] = -2 * z[partner(i, half)][d]
		}
		for k := 0; k < rows; k++ {
			if k == i {
				continue
			}
			w := probs[i][k] + probs[k][i]
			for d := range gz {
				gz[d] += w * z[k][d]
			}
		}
		for d := range gz {
			gz[d] *= scale
		}
		normalizeBackward(res.Grad.Data[i*dim:(i+1)*dim], gz, z[i], norms[i])
	}
	return res, nil
}

func partner(i, half int) int {
	if i < half {
		return i + half
	}
	return i - half
}

func normalize(v []float32) ([]float64, float64) {
	var sq float64
	for _, x := range v {
		sq += float64(x) * float64(x)
	}
	norm := math.Max(math.Sqrt(sq), normEpsilon)
	z := make([]float64, len(v))
	for i, x := range v {
		z[i] = float64(x) / norm
	}
	return z, norm
}

// normalizeBackward maps dL/dz to dL/du for z = u / max(|u|, eps).
func normalizeBackward(dst []float32, gz, z []float64, norm float64) {
	if norm <= normEpsilon {
		for i := range dst {
			dst[i] = float32(gz[i] / normEpsilon)
		}
		return
	}
	proj := dot(z, gz)
	for i := range dst {
		dst[i] = float32((gz[i] - z[i]*proj) / norm)
	}
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
