package lateration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func distancesFrom(truth []float64, positions [][]float64) []float64 {
	out := make([]float64, len(positions))
	for i, p := range positions {
		out[i] = floats.Distance(truth, p, 2)
	}
	return out
}

func TestSolveLinear2D(t *testing.T) {
	t.Parallel()

	truth := []float64{3.2, -1.7}
	positions := [][]float64{{0, 0}, {10, 0}, {0, 10}}
	distances := distancesFrom(truth, positions)

	for name, solve := range map[string]func([][]float64, []float64, int) ([]float64, error){
		"inhomogeneous": SolveInhomogeneous,
		"homogeneous":   SolveHomogeneous,
	} {
		t.Run(name, func(t *testing.T) {
			got, err := solve(positions, distances, 2)
			require.NoError(t, err)
			assert.InDelta(t, 0, floats.Distance(truth, got, 2), 1e-9)
		})
	}
}

func TestSolveLinear3D(t *testing.T) {
	t.Parallel()

	truth := []float64{1.5, 2.5, -0.75}
	positions := [][]float64{{0, 0, 0}, {10, 0, 0}, {0, 10, 0}, {0, 0, 10}}
	distances := distancesFrom(truth, positions)

	for name, solve := range map[string]func([][]float64, []float64, int) ([]float64, error){
		"inhomogeneous": SolveInhomogeneous,
		"homogeneous":   SolveHomogeneous,
	} {
		t.Run(name, func(t *testing.T) {
			got, err := solve(positions, distances, 3)
			require.NoError(t, err)
			assert.InDelta(t, 0, floats.Distance(truth, got, 2), 1e-9)
		})
	}
}

func TestSolveLinearOverdetermined(t *testing.T) {
	t.Parallel()

	truth := []float64{-2, 4}
	positions := [][]float64{{0, 0}, {10, 0}, {0, 10}, {10, 10}, {5, -5}}
	distances := distancesFrom(truth, positions)

	got, err := SolveInhomogeneous(positions, distances, 2)
	require.NoError(t, err)
	assert.InDelta(t, 0, floats.Distance(truth, got, 2), 1e-9)

	got, err = SolveHomogeneous(positions, distances, 2)
	require.NoError(t, err)
	assert.InDelta(t, 0, floats.Distance(truth, got, 2), 1e-9)
}

func TestSolveLinearDegenerate(t *testing.T) {
	t.Parallel()

	// Collinear reference points do not determine a 2D position.
	truth := []float64{3, 4}
	positions := [][]float64{{0, 0}, {5, 0}, {10, 0}}
	distances := distancesFrom(truth, positions)

	_, err := SolveInhomogeneous(positions, distances, 2)
	assert.ErrorIs(t, err, ErrDegenerate)

	_, err = SolveHomogeneous(positions, distances, 2)
	assert.ErrorIs(t, err, ErrDegenerate)

	// Coincident reference points.
	positions = [][]float64{{1, 1}, {1, 1}, {1, 1}}
	distances = distancesFrom(truth, positions)
	_, err = SolveInhomogeneous(positions, distances, 2)
	assert.ErrorIs(t, err, ErrDegenerate)
}

func TestSolveLinearValidation(t *testing.T) {
	t.Parallel()

	_, err := SolveInhomogeneous([][]float64{{0, 0}, {1, 0}}, []float64{1, 1}, 2)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = SolveHomogeneous([][]float64{{0, 0}, {1, 0}, {0, 1}}, []float64{1, 1}, 2)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = SolveInhomogeneous([][]float64{{0, 0}, {1, 0}, {0, 1}}, []float64{1, 1, -1}, 2)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = SolveInhomogeneous([][]float64{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}}, []float64{1, 1, 1}, 4)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
