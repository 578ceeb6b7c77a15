// Package colorspace converts image batches between sRGB and CIE-Lab.
package colorspace

import (
	"fmt"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lucasb-eyer/go-colorful"

	"github.com/McKnightA/meta-multi-self-supervision/tensor"
)

// DefaultCacheEntries bounds the colour cache of NewConverter(0).
const DefaultCacheEntries = 1 << 16

// Converter turns sRGB batches into Lab batches. Colours are keyed by their
// 8-bit sRGB value, which is exact for images decoded from 0-255 pixels.
// A Converter is safe for concurrent use.
type Converter struct {
	cache *lru.Cache[uint32, [3]float32]
}

// NewConverter builds a converter with an LRU cache of the given size.
func NewConverter(entries int) (*Converter, error) {
	if entries <= 0 {
		entries = DefaultCacheEntries
	}
	cache, err := lru.New[uint32, [3]float32](entries)
	if err != nil {
		return nil, fmt.Errorf("colorspace: creating cache: %w", err)
	}
	return &Converter{cache: cache}, nil
}

// RGBToLab converts an [N, 3, H, W] batch with channel values in [0, 1] to
// Lab using the D65 white point. Output channels are L in [0, 100] and a, b
// roughly in [-128, 127], the same units scikit-image uses.
func (c *Converter) RGBToLab(rgb tensor.Tensor) (tensor.Tensor, error) {
	if err := rgb.RequireRank("colorspace.RGBToLab", -1, 3, -1, -1); err != nil {
		return tensor.Tensor{}, err
	}
	n, h, w := rgb.Shape[0], rgb.Shape[2], rgb.Shape[3]
	plane := h * w
	out := tensor.New(rgb.Shape...)
	for i := 0; i < n; i++ {
		base := i * 3 * plane
		for p := 0; p < plane; p++ {
			lab := c.lab(rgb.Data[base+p], rgb.Data[base+plane+p], rgb.Data[base+2*plane+p])
			out.Data[base+p] = lab[0]
			out.Data[base+plane+p] = lab[1]
			out.Data[base+2*plane+p] = lab[2]
		}
	}
	return out, nil
}

// Len reports how many colours are cached.
func (c *Converter) Len() int { return c.cache.Len() }

func (c *Converter) lab(r, g, b float32) [3]float32 {
	key := quantize(r)<<16 | quantize(g)<<8 | quantize(b)
	if v, ok := c.cache.Get(key); ok {
		return v
	}
	col := colorful.Color{R: float64(key>>16) / 255, G: float64(key>>8&0xff) / 255, B: float64(key&0xff) / 255}
	l, a, bb := col.Lab()
	v := [3]float32{float32(l * 100), float32(a * 100), float32(bb * 100)}
	c.cache.Add(key, v)
	return v
}

func quantize(v float32) uint32 {
	q := math.Round(float64(v) * 255)
	if q < 0 {
		return 0
	}
	if q > 255 {
		return 255
	}
	return uint32(q)
}
