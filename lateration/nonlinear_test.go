package lateration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func TestRefineNonLinearConverges(t *testing.T) {
	t.Parallel()

	truth := []float64{4.1, -2.3}
	positions := [][]float64{{0, 0}, {10, 0}, {0, 10}, {10, 10}}
	distances := distancesFrom(truth, positions)
	initial := []float64{3, -1}

	res, err := RefineNonLinear(initial, positions, distances, nil, 2, false)
	require.NoError(t, err)
	assert.InDelta(t, 0, floats.Distance(truth, res.Position, 2), 1e-8)
	assert.InDelta(t, 0, res.Cost, 1e-14)
	assert.Nil(t, res.Covariance)
}

func TestRefineNonLinear3DWeighted(t *testing.T) {
	t.Parallel()

	truth := []float64{2, 3, 1}
	positions := [][]float64{{0, 0, 0}, {10, 0, 0}, {0, 10, 0}, {0, 0, 10}, {10, 10, 10}}
	distances := distancesFrom(truth, positions)
	stddevs := []float64{0.1, 0.2, 0.1, 0.3, 0.2}

	res, err := RefineNonLinear([]float64{0, 0, 0}, positions, distances, stddevs, 3, true)
	require.NoError(t, err)
	assert.InDelta(t, 0, floats.Distance(truth, res.Position, 2), 1e-8)

	require.NotNil(t, res.Covariance)
	// The covariance of a consistent, well-conditioned solve is symmetric
	// positive definite with small diagonal entries.
	for i := 0; i < 3; i++ {
		assert.Greater(t, res.Covariance.At(i, i), 0.0)
		assert.Less(t, res.Covariance.At(i, i), 1.0)
	}
}

func TestRefineNonLinearCovarianceRankDeficient(t *testing.T) {
	t.Parallel()

	// Coincident reference points leave the normal matrix rank one, so the
	// covariance cannot be recovered even though the residuals vanish.
	positions := [][]float64{{5, 5}, {5, 5}, {5, 5}}
	distances := []float64{5, 5, 5}
	initial := []float64{5, 0}

	_, err := RefineNonLinear(initial, positions, distances, nil, 2, true)
	assert.ErrorIs(t, err, ErrNotPositiveDefinite)
}

func TestRefineNonLinearValidation(t *testing.T) {
	t.Parallel()

	positions := [][]float64{{0, 0}, {10, 0}, {0, 10}}
	distances := []float64{1, 1, 1}

	_, err := RefineNonLinear([]float64{0}, positions, distances, nil, 2, false)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = RefineNonLinear([]float64{0, 0}, positions, distances, []float64{1, 1}, 2, false)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
