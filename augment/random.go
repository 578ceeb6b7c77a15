package augment

import (
	"math"
	"math/rand"

	"github.com/McKnightA/meta-multi-self-supervision/tensor"
)

// Config tunes Random.
type Config struct {
	// MaxValue is the upper end of the pixel range (255 for raw pixels,
	// 1 for normalized batches). Colour distortion clamps to [0, MaxValue].
	MaxValue float32

	FlipProbability      float64
	CropMinScale         float64
	ColorProbability     float64
	ColorStrength        float64
	GrayscaleProbability float64
	BlurProbability      float64
	BlurMinSigma         float64
	BlurMaxSigma         float64
	MaskRatio            float64
	PatchSize            int
}

// DefaultConfig follows the SimCLR and MAE recipes.
func DefaultConfig() Config {
	return Config{
		MaxValue:             255,
		FlipProbability:      0.5,
		CropMinScale:         0.08,
		ColorProbability:     0.8,
		ColorStrength:        1.0,
		GrayscaleProbability: 0.2,
		BlurProbability:      0.5,
		BlurMinSigma:         0.1,
		BlurMaxSigma:         2.0,
		MaskRatio:            0.75,
		PatchSize:            4,
	}
}

// Random is a seeded Provider. It is not safe for concurrent use.
type Random struct {
	rng *rand.Rand
	cfg Config
}

var _ Provider = (*Random)(nil)

func NewRandom(seed int64, cfg Config) *Random {
	return &Random{rng: rand.New(rand.NewSource(seed)), cfg: cfg}
}

func (r *Random) Rotate(batch tensor.Tensor) (tensor.Tensor, []int, error) {
	if err := requireImages("augment.Rotate", batch); err != nil {
		return tensor.Tensor{}, nil, err
	}
	n, c, h, w := batch.Shape[0], batch.Shape[1], batch.Shape[2], batch.Shape[3]
	if h != w {
		return tensor.Tensor{}, nil, &tensor.ShapeError{Op: "augment.Rotate square image", Want: []int{n, c, h, h}, Got: batch.Shape}
	}
	out := tensor.New(batch.Shape...)
	ks := make([]int, n)
	for i := 0; i < n; i++ {
		k := r.rng.Intn(4)
		ks[i] = k
		RotateImage(out, batch, i, k)
	}
	return out, ks, nil
}

// RotateImage writes image i of src, turned k*90 degrees counter-clockwise,
// into image i of dst. Both must be square NCHW batches of the same shape.
func RotateImage(dst, src tensor.Tensor, i, k int) {
	c, s := src.Shape[1], src.Shape[2]
	for ch := 0; ch < c; ch++ {
		for y := 0; y < s; y++ {
			for x := 0; x < s; x++ {
				var sy, sx int
				switch k % 4 {
				case 0:
					sy, sx = y, x
				case 1:
					sy, sx = x, s-1-y
				case 2:
					sy, sx = s-1-y, s-1-x
				case 3:
					sy, sx = s-1-x, y
				}
				dst.Set4(i, ch, y, x, src.At4(i, ch, sy, sx))
			}
		}
	}
}

func (r *Random) HorizontalFlip(batch tensor.Tensor) (tensor.Tensor, []bool, error) {
	if err := requireImages("augment.HorizontalFlip", batch); err != nil {
		return tensor.Tensor{}, nil, err
	}
	n, c, h, w := batch.Shape[0], batch.Shape[1], batch.Shape[2], batch.Shape[3]
	out := batch.Clone()
	flipped := make([]bool, n)
	for i := 0; i < n; i++ {
		if r.rng.Float64() >= r.cfg.FlipProbability {
			continue
		}
		flipped[i] = true
		for ch := 0; ch < c; ch++ {
			for y := 0; y < h; y++ {
				for x := 0; x < w; x++ {
					out.Set4(i, ch, y, x, batch.At4(i, ch, y, w-1-x))
				}
			}
		}
	}
	return out, flipped, nil
}

func (r *Random) Crop(batch tensor.Tensor) (tensor.Tensor, []Box, error) {
	if err := requireImages("augment.Crop", batch); err != nil {
		return tensor.Tensor{}, nil, err
	}
	n, h, w := batch.Shape[0], batch.Shape[2], batch.Shape[3]
	out := tensor.New(batch.Shape...)
	boxes := make([]Box, n)
	for i := 0; i < n; i++ {
		boxes[i] = r.cropBox(h, w)
		resizeInto(out, batch, i, boxes[i])
	}
	return out, boxes, nil
}

func (r *Random) cropBox(h, w int) Box {
	area := float64(h * w)
	logLo, logHi := math.Log(3.0/4.0), math.Log(4.0/3.0)
	for attempt := 0; attempt < 10; attempt++ {
		scale := r.cfg.CropMinScale + r.rng.Float64()*(1-r.cfg.CropMinScale)
		ratio := math.Exp(logLo + r.rng.Float64()*(logHi-logLo))
		cw := int(math.Round(math.Sqrt(scale * area * ratio)))
		ch := int(math.Round(math.Sqrt(scale * area / ratio)))
		if cw > 0 && ch > 0 && cw <= w && ch <= h {
			return Box{Top: r.rng.Intn(h - ch + 1), Left: r.rng.Intn(w - cw + 1), Height: ch, Width: cw}
		}
	}
	return Box{Height: h, Width: w}
}

// resizeInto bilinearly resamples box of image i in src to fill image i of dst.
func resizeInto(dst, src tensor.Tensor, i int, box Box) {
	c, h, w := src.Shape[1], src.Shape[2], src.Shape[3]
	for y := 0; y < h; y++ {
		fy := (float64(y)+0.5)*float64(box.Height)/float64(h) - 0.5
		y0, wy := splitCoord(fy, box.Height)
		for x := 0; x < w; x++ {
			fx := (float64(x)+0.5)*float64(box.Width)/float64(w) - 0.5
			x0, wx := splitCoord(fx, box.Width)
			y1, x1 := min(y0+1, box.Height-1), min(x0+1, box.Width-1)
			for ch := 0; ch < c; ch++ {
				v00 := float64(src.At4(i, ch, box.Top+y0, box.Left+x0))
				v01 := float64(src.At4(i, ch, box.Top+y0, box.Left+x1))
				v10 := float64(src.At4(i, ch, box.Top+y1, box.Left+x0))
				v11 := float64(src.At4(i, ch, box.Top+y1, box.Left+x1))
				top := v00*(1-wx) + v01*wx
				bottom := v10*(1-wx) + v11*wx
				dst.Set4(i, ch, y, x, float32(top*(1-wy)+bottom*wy))
			}
		}
	}
}

func splitCoord(f float64, size int) (int, float64) {
	if f <= 0 {
		return 0, 0
	}
	if f >= float64(size-1) {
		return size - 1, 0
	}
	i := int(math.Floor(f))
	return i, f - float64(i)
}

func (r *Random) ColorDistort(batch tensor.Tensor) (tensor.Tensor, []Jitter, error) {
	if err := requireImages("augment.ColorDistort", batch); err != nil {
		return tensor.Tensor{}, nil, err
	}
	n, c := batch.Shape[0], batch.Shape[1]
	plane := batch.Shape[2] * batch.Shape[3]
	out := batch.Clone()
	jitters := make([]Jitter, n)
	s := r.cfg.ColorStrength
	for i := 0; i < n; i++ {
		img := out.Data[i*c*plane : (i+1)*c*plane]
		j := &jitters[i]
		if r.rng.Float64() < r.cfg.ColorProbability {
			j.Applied = true
			j.Brightness = r.factor(0.8 * s)
			j.Contrast = r.factor(0.8 * s)
			j.Saturation = r.factor(0.8 * s)
			for p := range img {
				img[p] *= j.Brightness
			}
			var mean float32
			for _, v := range img {
				mean += v
			}
			mean /= float32(len(img))
			for p := range img {
				img[p] = (img[p]-mean)*j.Contrast + mean
			}
			if c == 3 {
				for p := 0; p < plane; p++ {
					g := luma(img, plane, p)
					for ch := 0; ch < 3; ch++ {
						img[ch*plane+p] = (img[ch*plane+p]-g)*j.Saturation + g
					}
				}
			}
		}
		if c == 3 && r.rng.Float64() < r.cfg.GrayscaleProbability {
			j.Grayscale = true
			for p := 0; p < plane; p++ {
				g := luma(img, plane, p)
				img[p], img[plane+p], img[2*plane+p] = g, g, g
			}
		}
		for p := range img {
			img[p] = clamp(img[p], 0, r.cfg.MaxValue)
		}
	}
	return out, jitters, nil
}

func (r *Random) factor(spread float64) float32 {
	return float32(math.Max(0, 1-spread+2*spread*r.rng.Float64()))
}

func luma(img []float32, plane, p int) float32 {
	return 0.299*img[p] + 0.587*img[plane+p] + 0.114*img[2*plane+p]
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (r *Random) GaussBlur(batch tensor.Tensor) (tensor.Tensor, []float32, error) {
	if err := requireImages("augment.GaussBlur", batch); err != nil {
		return tensor.Tensor{}, nil, err
	}
	n := batch.Shape[0]
	out := batch.Clone()
	sigmas := make([]float32, n)
	for i := 0; i < n; i++ {
		if r.rng.Float64() >= r.cfg.BlurProbability {
			continue
		}
		sigma := r.cfg.BlurMinSigma + r.rng.Float64()*(r.cfg.BlurMaxSigma-r.cfg.BlurMinSigma)
		sigmas[i] = float32(sigma)
		blurImage(out, i, sigma)
	}
	return out, sigmas, nil
}

// blurImage applies a separable Gaussian to image i of t in place,
// replicating edge pixels.
func blurImage(t tensor.Tensor, i int, sigma float64) {
	c, h, w := t.Shape[1], t.Shape[2], t.Shape[3]
	radius := int(math.Ceil(2 * sigma))
	kernel := make([]float64, 2*radius+1)
	var sum float64
	for k := -radius; k <= radius; k++ {
		kernel[k+radius] = math.Exp(-float64(k*k) / (2 * sigma * sigma))
		sum += kernel[k+radius]
	}
	for k := range kernel {
		kernel[k] /= sum
	}
	tmp := make([]float64, h*w)
	for ch := 0; ch < c; ch++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				var acc float64
				for k := -radius; k <= radius; k++ {
					acc += kernel[k+radius] * float64(t.At4(i, ch, y, min(max(x+k, 0), w-1)))
				}
				tmp[y*w+x] = acc
			}
		}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				var acc float64
				for k := -radius; k <= radius; k++ {
					acc += kernel[k+radius] * tmp[min(max(y+k, 0), h-1)*w+x]
				}
				t.Set4(i, ch, y, x, float32(acc))
			}
		}
	}
}

func (r *Random) Mask(batch tensor.Tensor) (tensor.Tensor, tensor.Tensor, error) {
	if err := requireImages("augment.Mask", batch); err != nil {
		return tensor.Tensor{}, tensor.Tensor{}, err
	}
	n, c, h, w := batch.Shape[0], batch.Shape[1], batch.Shape[2], batch.Shape[3]
	p := max(r.cfg.PatchSize, 1)
	gh, gw := (h+p-1)/p, (w+p-1)/p
	hidden := int(math.Round(r.cfg.MaskRatio * float64(gh*gw)))

	mask := tensor.New(n, 1, h, w)
	masked := batch.Clone()
	for i := 0; i < n; i++ {
		for _, cell := range r.rng.Perm(gh * gw)[:hidden] {
			py, px := (cell/gw)*p, (cell%gw)*p
			for y := py; y < min(py+p, h); y++ {
				for x := px; x < min(px+p, w); x++ {
					mask.Set4(i, 0, y, x, 1)
					for ch := 0; ch < c; ch++ {
						masked.Set4(i, ch, y, x, 0)
					}
				}
			}
		}
	}
	return masked, mask, nil
}
