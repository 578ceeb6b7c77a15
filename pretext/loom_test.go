package pretext

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/McKnightA/meta-multi-self-supervision/model"
)

func snapshot(params []*model.Parameter) [][]float32 {
	out := make([][]float32, len(params))
	for i, p := range params {
		out[i] = append([]float32(nil), p.Data...)
	}
	return out
}

func moved(before [][]float32, params []*model.Parameter) bool {
	for i, p := range params {
		for j, v := range p.Data {
			if v != before[i][j] {
				return true
			}
		}
	}
	return false
}

func TestAllFourSSLOnLoomNetworks(t *testing.T) {
	const width = 16
	backbone, err := model.NewLoomBackbone(3, 16, 16, width)
	require.NoError(t, err)
	tasks, err := NewAllFourSSL(width, model.NewLoomHead, model.NewLoomDecoder,
		quiet(), WithPrecision(8), WithProjectionDim(8))
	require.NoError(t, err)

	t.Run("Should train heads and backbone through full steps", func(t *testing.T) {
		headsBefore := snapshot(tasks.Parameters())
		backboneBefore := snapshot(backbone.Parameters())
		for step := 0; step < 3; step++ {
			batch, res, err := tasks.Step(backbone, rampBatch(4, 3, 16, 16))
			require.NoError(t, err)
			assert.Equal(t, []Segment{
				{Task: RotationName, Start: 0, End: 4, RawStart: 0, RawEnd: 4},
				{Task: ColorizationName, Start: 4, End: 8, RawStart: 0, RawEnd: 4},
				{Task: ContrastiveName, Start: 8, End: 16, RawStart: 0, RawEnd: 4},
				{Task: MaskedName, Start: 16, End: 20, RawStart: 0, RawEnd: 4},
			}, batch.Segments)
			assert.False(t, math.IsNaN(float64(res.Value)) || math.IsInf(float64(res.Value), 0))
			assert.Equal(t, []int{20, width}, res.FeatureGrad.Shape)

			inputGrad, err := backbone.Backward(res.FeatureGrad)
			require.NoError(t, err)
			require.NoError(t, tasks.Backward(batch, inputGrad))
			tasks.ApplyGradients(0.001)
			backbone.ApplyGradients(0.001)
		}
		assert.True(t, moved(headsBefore, tasks.Parameters()))
		assert.True(t, moved(backboneBefore, backbone.Parameters()))
	})
}
