package tensor

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seq(shape ...int) Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = float32(i)
	}
	return t
}

func TestFromData(t *testing.T) {
	t.Run("Should wrap data with a matching volume", func(t *testing.T) {
		x, err := FromData([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
		require.NoError(t, err)
		assert.Equal(t, 2, x.Rows())
		assert.Equal(t, 3, x.RowSize())
	})

	t.Run("Should reject a volume mismatch with a shape error", func(t *testing.T) {
		_, err := FromData([]float32{1, 2, 3}, 2, 2)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrShape))
		var se *ShapeError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, []int{2, 2}, se.Want)
	})
}

func TestSliceAndConcatRows(t *testing.T) {
	t.Run("Should slice rows as a view", func(t *testing.T) {
		x := seq(4, 2)
		s, err := x.SliceRows(1, 3)
		require.NoError(t, err)
		assert.Equal(t, []int{2, 2}, s.Shape)
		assert.Equal(t, []float32{2, 3, 4, 5}, s.Data)
		s.Data[0] = 100
		assert.Equal(t, float32(100), x.Data[2])
	})

	t.Run("Should reject out of range slices", func(t *testing.T) {
		_, err := seq(2, 2).SliceRows(1, 3)
		assert.ErrorIs(t, err, ErrShape)
	})

	t.Run("Should concatenate along the batch axis", func(t *testing.T) {
		a, b := seq(1, 2), seq(2, 2)
		c, err := ConcatRows(a, b)
		require.NoError(t, err)
		assert.Equal(t, []int{3, 2}, c.Shape)
		assert.Equal(t, []float32{0, 1, 0, 1, 2, 3}, c.Data)
	})

	t.Run("Should refuse rows of different width", func(t *testing.T) {
		_, err := ConcatRows(seq(1, 2), seq(1, 3))
		assert.ErrorIs(t, err, ErrShape)
	})
}

func TestChannels(t *testing.T) {
	t.Run("Should concatenate and split channels per batch item", func(t *testing.T) {
		a := seq(2, 1, 1, 2)
		b := New(2, 2, 1, 2)
		for i := range b.Data {
			b.Data[i] = -1
		}
		c, err := ConcatChannels(a, b)
		require.NoError(t, err)
		assert.Equal(t, []int{2, 3, 1, 2}, c.Shape)
		assert.Equal(t, []float32{0, 1, -1, -1, -1, -1, 2, 3, -1, -1, -1, -1}, c.Data)

		first, err := c.Channels(0, 1)
		require.NoError(t, err)
		assert.Equal(t, a.Data, first.Data)
	})

	t.Run("Should index NCHW coordinates", func(t *testing.T) {
		x := seq(2, 3, 4, 5)
		assert.Equal(t, float32(x.Index4(1, 2, 3, 4)), x.At4(1, 2, 3, 4))
		assert.Equal(t, 119, x.Index4(1, 2, 3, 4))
	})
}

func TestRequireRank(t *testing.T) {
	x := New(2, 3, 4, 4)
	assert.NoError(t, x.RequireRank("op", -1, 3, -1, -1))
	err := x.RequireRank("op", -1, 1, -1, -1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op: shape mismatch")
}

func TestMapDoesNotAlias(t *testing.T) {
	x := seq(2, 2)
	y := x.Scale(2)
	assert.Equal(t, []float32{0, 2, 4, 6}, y.Data)
	assert.Equal(t, []float32{0, 1, 2, 3}, x.Data)
}
