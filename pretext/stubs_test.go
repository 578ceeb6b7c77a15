package pretext

import (
	"github.com/McKnightA/meta-multi-self-supervision/augment"
	"github.com/McKnightA/meta-multi-self-supervision/logger"
	"github.com/McKnightA/meta-multi-self-supervision/model"
	"github.com/McKnightA/meta-multi-self-supervision/tensor"
)

// stubFlat copies feature j%F into output column j, or returns fixed
// logits for every row when fixed is set.
type stubFlat struct {
	features, width int
	fixed           []float32
	param           *model.Parameter
	rows            int
	applied         float32
}

func newStubFlat(features, width int) *stubFlat {
	return &stubFlat{
		features: features,
		width:    width,
		param:    &model.Parameter{Name: "stub.flat", Data: make([]float32, 1), Grad: make([]float32, 1)},
	}
}

func (s *stubFlat) Forward(features tensor.Tensor) (tensor.Tensor, error) {
	if err := features.RequireRank("stub flat", -1, s.features); err != nil {
		return tensor.Tensor{}, err
	}
	n := features.Rows()
	out := tensor.New(n, s.width)
	for i := 0; i < n; i++ {
		for j := 0; j < s.width; j++ {
			if s.fixed != nil {
				out.Data[i*s.width+j] = s.fixed[j]
			} else {
				out.Data[i*s.width+j] = features.Data[i*s.features+j%s.features]
			}
		}
	}
	s.rows = n
	return out, nil
}

func (s *stubFlat) Backward(grad tensor.Tensor) (tensor.Tensor, error) {
	dx := tensor.New(s.rows, s.features)
	if s.fixed != nil {
		return dx, nil
	}
	for i := 0; i < s.rows; i++ {
		for j := 0; j < s.width; j++ {
			dx.Data[i*s.features+j%s.features] += grad.Data[i*s.width+j]
		}
	}
	return dx, nil
}

func (s *stubFlat) Parameters() []*model.Parameter { return []*model.Parameter{s.param} }

func (s *stubFlat) ApplyGradients(lr float32) { s.applied = lr }

// stubSpatial fills every pixel of every channel with value.
type stubSpatial struct {
	features, width int
	value           float32
	param           *model.Parameter
	rows            int
}

func newStubSpatial(features, width int) *stubSpatial {
	return &stubSpatial{
		features: features,
		width:    width,
		param:    &model.Parameter{Name: "stub.spatial", Data: make([]float32, 1), Grad: make([]float32, 1)},
	}
}

func (s *stubSpatial) Forward(features tensor.Tensor, target []int) (tensor.Tensor, error) {
	if err := features.RequireRank("stub spatial", -1, s.features); err != nil {
		return tensor.Tensor{}, err
	}
	out := tensor.New(target[0], s.width, target[2], target[3])
	for i := range out.Data {
		out.Data[i] = s.value
	}
	s.rows = features.Rows()
	return out, nil
}

func (s *stubSpatial) Backward(tensor.Tensor) (tensor.Tensor, error) {
	return tensor.New(s.rows, s.features), nil
}

func (s *stubSpatial) Parameters() []*model.Parameter { return []*model.Parameter{s.param} }

type stubFactories struct {
	flats    []*stubFlat
	spatials []*stubSpatial
}

func (f *stubFactories) flat(features, width int) (model.FlatHead, error) {
	h := newStubFlat(features, width)
	f.flats = append(f.flats, h)
	return h, nil
}

func (f *stubFactories) spatial(features, width int) (model.SpatialHead, error) {
	h := newStubSpatial(features, width)
	f.spatials = append(f.spatials, h)
	return h, nil
}

// stubBackbone uses the first Features() values of each row as its
// embedding.
type stubBackbone struct {
	features int
}

func (b stubBackbone) Features() int { return b.features }

func (b stubBackbone) Forward(batch tensor.Tensor) (tensor.Tensor, error) {
	n, row := batch.Rows(), batch.RowSize()
	out := tensor.New(n, b.features)
	for i := 0; i < n; i++ {
		copy(out.Data[i*b.features:(i+1)*b.features], batch.Data[i*row:i*row+b.features])
	}
	return out, nil
}

// identityAugmenter leaves images untouched. Rotate reports turn for every
// image and Mask hides the first row of pixels when hideTopRow is set.
type identityAugmenter struct {
	turn       int
	hideTopRow bool
}

var _ augment.Provider = identityAugmenter{}

func (a identityAugmenter) Rotate(b tensor.Tensor) (tensor.Tensor, []int, error) {
	turns := make([]int, b.Rows())
	for i := range turns {
		turns[i] = a.turn
	}
	return b.Clone(), turns, nil
}

func (identityAugmenter) HorizontalFlip(b tensor.Tensor) (tensor.Tensor, []bool, error) {
	return b.Clone(), make([]bool, b.Rows()), nil
}

func (identityAugmenter) Crop(b tensor.Tensor) (tensor.Tensor, []augment.Box, error) {
	boxes := make([]augment.Box, b.Rows())
	for i := range boxes {
		boxes[i] = augment.Box{Height: b.Shape[2], Width: b.Shape[3]}
	}
	return b.Clone(), boxes, nil
}

func (identityAugmenter) ColorDistort(b tensor.Tensor) (tensor.Tensor, []augment.Jitter, error) {
	return b.Clone(), make([]augment.Jitter, b.Rows()), nil
}

func (identityAugmenter) GaussBlur(b tensor.Tensor) (tensor.Tensor, []float32, error) {
	return b.Clone(), make([]float32, b.Rows()), nil
}

func (a identityAugmenter) Mask(b tensor.Tensor) (tensor.Tensor, tensor.Tensor, error) {
	n, c, w := b.Shape[0], b.Shape[1], b.Shape[3]
	mask := tensor.New(n, 1, b.Shape[2], w)
	masked := b.Clone()
	if a.hideTopRow {
		for i := 0; i < n; i++ {
			for x := 0; x < w; x++ {
				mask.Set4(i, 0, 0, x, 1)
				for ch := 0; ch < c; ch++ {
					masked.Set4(i, ch, 0, x, 0)
				}
			}
		}
	}
	return masked, mask, nil
}

// rampBatch is an [n, c, h, w] batch of distinct pixel values in [0, 255].
func rampBatch(n, c, h, w int) tensor.Tensor {
	t := tensor.New(n, c, h, w)
	for i := range t.Data {
		t.Data[i] = float32((i * 37) % 256)
	}
	return t
}

func quiet() Option { return WithLogger(logger.NewLogger(logger.TestConfig())) }
