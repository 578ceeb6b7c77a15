package colorspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/McKnightA/meta-multi-self-supervision/tensor"
)

func TestRGBToLab(t *testing.T) {
	conv, err := NewConverter(0)
	require.NoError(t, err)

	t.Run("Should map white and black to the ends of the L axis", func(t *testing.T) {
		// two pixels: white, black
		rgb, _ := tensor.FromData([]float32{1, 0, 1, 0, 1, 0}, 1, 3, 1, 2)
		lab, err := conv.RGBToLab(rgb)
		require.NoError(t, err)
		assert.InDelta(t, 100, lab.At4(0, 0, 0, 0), 0.01)
		// white is only neutral to within the D65 rounding of the sRGB matrix
		assert.InDelta(t, 0.005, lab.At4(0, 1, 0, 0), 0.02)
		assert.InDelta(t, -0.010, lab.At4(0, 2, 0, 0), 0.02)
		assert.InDelta(t, 0, lab.At4(0, 0, 0, 1), 0.01)
	})

	t.Run("Should match reference values for pure red", func(t *testing.T) {
		rgb, _ := tensor.FromData([]float32{1, 0, 0}, 1, 3, 1, 1)
		lab, err := conv.RGBToLab(rgb)
		require.NoError(t, err)
		assert.InDelta(t, 53.24, lab.Data[0], 0.1)
		assert.InDelta(t, 80.09, lab.Data[1], 0.2)
		assert.InDelta(t, 67.20, lab.Data[2], 0.2)
	})

	t.Run("Should reuse cached colours", func(t *testing.T) {
		c, err := NewConverter(8)
		require.NoError(t, err)
		rgb := tensor.New(4, 3, 2, 2)
		_, err = c.RGBToLab(rgb)
		require.NoError(t, err)
		assert.Equal(t, 1, c.Len())
	})

	t.Run("Should reject batches that are not three-channel", func(t *testing.T) {
		_, err := conv.RGBToLab(tensor.New(1, 1, 2, 2))
		assert.ErrorIs(t, err, tensor.ErrShape)
	})
}
