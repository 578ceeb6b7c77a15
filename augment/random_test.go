package augment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/McKnightA/meta-multi-self-supervision/tensor"
)

func batchOf(n, c, h, w int) tensor.Tensor {
	t := tensor.New(n, c, h, w)
	for i := range t.Data {
		t.Data[i] = float32(i % 256)
	}
	return t
}

func TestRotate(t *testing.T) {
	t.Run("Should draw one class in [0, 4) per image", func(t *testing.T) {
		r := NewRandom(1, DefaultConfig())
		in := batchOf(16, 3, 4, 4)
		out, ks, err := r.Rotate(in)
		require.NoError(t, err)
		assert.Len(t, ks, 16)
		assert.Equal(t, in.Shape, out.Shape)
		for _, k := range ks {
			assert.GreaterOrEqual(t, k, 0)
			assert.Less(t, k, 4)
		}
	})

	t.Run("Should turn counter-clockwise", func(t *testing.T) {
		// 1 2
		// 3 4
		src, _ := tensor.FromData([]float32{1, 2, 3, 4}, 1, 1, 2, 2)
		dst := tensor.New(1, 1, 2, 2)
		RotateImage(dst, src, 0, 1)
		assert.Equal(t, []float32{2, 4, 1, 3}, dst.Data)
		RotateImage(dst, src, 0, 2)
		assert.Equal(t, []float32{4, 3, 2, 1}, dst.Data)
		RotateImage(dst, src, 0, 3)
		assert.Equal(t, []float32{3, 1, 4, 2}, dst.Data)
	})

	t.Run("Should refuse non-square images", func(t *testing.T) {
		_, _, err := NewRandom(1, DefaultConfig()).Rotate(tensor.New(1, 3, 2, 4))
		assert.ErrorIs(t, err, tensor.ErrShape)
	})
}

func TestAugmentationsPreserveInput(t *testing.T) {
	r := NewRandom(7, DefaultConfig())
	in := batchOf(4, 3, 8, 8)
	orig := in.Clone()

	steps := ContrastivePipeline(r)
	out, err := Apply(in, steps)
	require.NoError(t, err)
	assert.Equal(t, in.Shape, out.Shape)
	assert.Equal(t, orig.Data, in.Data)

	_, _, err = r.Mask(in)
	require.NoError(t, err)
	assert.Equal(t, orig.Data, in.Data)
}

func TestHorizontalFlip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FlipProbability = 1
	src, _ := tensor.FromData([]float32{1, 2, 3, 4, 5, 6}, 1, 1, 2, 3)
	out, flipped, err := NewRandom(1, cfg).HorizontalFlip(src)
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, flipped)
	assert.Equal(t, []float32{3, 2, 1, 6, 5, 4}, out.Data)
}

func TestCrop(t *testing.T) {
	t.Run("Should keep the full image when the minimum scale is one", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.CropMinScale = 1
		in := batchOf(2, 1, 3, 3)
		out, boxes, err := NewRandom(3, cfg).Crop(in)
		require.NoError(t, err)
		for _, b := range boxes {
			assert.Equal(t, Box{Height: 3, Width: 3}, b)
		}
		assert.InDeltaSlice(t, in.Data, out.Data, 1e-5)
	})

	t.Run("Should keep boxes inside the image", func(t *testing.T) {
		_, boxes, err := NewRandom(9, DefaultConfig()).Crop(batchOf(32, 3, 10, 10))
		require.NoError(t, err)
		for _, b := range boxes {
			assert.GreaterOrEqual(t, b.Top, 0)
			assert.GreaterOrEqual(t, b.Left, 0)
			assert.LessOrEqual(t, b.Top+b.Height, 10)
			assert.LessOrEqual(t, b.Left+b.Width, 10)
		}
	})
}

func TestColorDistortClamps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ColorProbability = 1
	cfg.ColorStrength = 2
	out, jitters, err := NewRandom(5, cfg).ColorDistort(batchOf(8, 3, 4, 4))
	require.NoError(t, err)
	for _, j := range jitters {
		assert.True(t, j.Applied)
	}
	for _, v := range out.Data {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.LessOrEqual(t, v, float32(255))
	}
}

func TestGaussBlurKeepsConstantImages(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BlurProbability = 1
	in := tensor.New(2, 3, 6, 6).Map(func(float32) float32 { return 7 })
	out, sigmas, err := NewRandom(2, cfg).GaussBlur(in)
	require.NoError(t, err)
	for _, s := range sigmas {
		assert.Greater(t, s, float32(0))
	}
	for _, v := range out.Data {
		assert.InDelta(t, 7, v, 1e-4)
	}
}

func TestMask(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PatchSize = 2
	cfg.MaskRatio = 0.5
	in := batchOf(3, 3, 4, 4).Map(func(v float32) float32 { return v + 1 })
	masked, mask, err := NewRandom(4, cfg).Mask(in)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1, 4, 4}, mask.Shape)

	for i := 0; i < 3; i++ {
		var hidden int
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				m := mask.At4(i, 0, y, x)
				if m == 1 {
					hidden++
				}
				for ch := 0; ch < 3; ch++ {
					if m == 1 {
						assert.Equal(t, float32(0), masked.At4(i, ch, y, x))
					} else {
						assert.Equal(t, in.At4(i, ch, y, x), masked.At4(i, ch, y, x))
					}
				}
			}
		}
		// two of four 2x2 patches
		assert.Equal(t, 8, hidden)
	}
}
