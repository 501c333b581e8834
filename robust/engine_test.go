package robust

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

var allMethods = []Method{RANSAC, LMedS, MSAC, PROSAC, PROMedS}

func anchors2D() [][]float64 {
	return [][]float64{{0, 0}, {10, 0}, {0, 10}, {10, 10}, {5, -5}, {-5, 5}}
}

func anchors3D() [][]float64 {
	return [][]float64{
		{0, 0, 0}, {10, 0, 0}, {0, 10, 0}, {0, 0, 10},
		{10, 10, 0}, {10, 0, 10}, {0, 10, 10}, {10, 10, 10},
	}
}

func exactDistances(truth []float64, positions [][]float64) []float64 {
	out := make([]float64, len(positions))
	for i, p := range positions {
		out[i] = floats.Distance(truth, p, 2)
	}
	return out
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func newTestEngine(t *testing.T, m Method, dims int, seed int64, positions [][]float64, distances []float64) *Engine {
	t.Helper()
	cfg := DefaultConfig(dims)
	cfg.Method = m
	cfg.Seed = &seed
	eng, err := NewEngine(cfg)
	require.NoError(t, err)
	require.NoError(t, eng.SetMeasurements(positions, distances, nil))
	if m.UsesQualityScores() {
		require.NoError(t, eng.SetQualityScores(ones(len(distances))))
	}
	return eng
}

func TestExactRecoveryAllMethods(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		dims      int
		truth     []float64
		positions [][]float64
	}{
		{"2D", 2, []float64{3.7, 4.2}, anchors2D()},
		{"3D", 3, []float64{3.7, 4.2, 1.1}, anchors3D()},
	}
	for _, tc := range cases {
		for _, m := range allMethods {
			tc, m := tc, m
			t.Run(tc.name+"/"+m.String(), func(t *testing.T) {
				t.Parallel()
				distances := exactDistances(tc.truth, tc.positions)
				eng := newTestEngine(t, m, tc.dims, 12345, tc.positions, distances)

				got, err := eng.Estimate()
				require.NoError(t, err)
				assert.InDelta(t, 0, floats.Distance(tc.truth, got, 2), 1e-6)

				inliers := eng.Inliers()
				require.NotNil(t, inliers)
				assert.Equal(t, len(distances), inliers.NumInliers())
				assert.NotNil(t, eng.Covariance())
				assert.Equal(t, Done, eng.CurrentPhase())
			})
		}
	}
}

func TestEstimateDeterministicWithSeed(t *testing.T) {
	t.Parallel()

	truth := []float64{2.4, -3.1}
	positions := anchors2D()
	distances := exactDistances(truth, positions)
	// Perturb two measurements so the sampling order matters.
	distances[1] += 4
	distances[4] -= 3

	for _, m := range allMethods {
		m := m
		t.Run(m.String(), func(t *testing.T) {
			t.Parallel()
			eng := newTestEngine(t, m, 2, 99, positions, distances)

			first, err := eng.Estimate()
			require.NoError(t, err)
			firstInliers := eng.Inliers()

			second, err := eng.Estimate()
			require.NoError(t, err)

			assert.Equal(t, first, second)
			assert.True(t, cmp.Equal(firstInliers, eng.Inliers()))
		})
	}
}

func TestOutlierRecovery(t *testing.T) {
	t.Parallel()

	truth := []float64{4.5, 6.5}
	positions := [][]float64{
		{0, 0}, {10, 0}, {0, 10}, {10, 10}, {5, -5},
		{-5, 5}, {15, 5}, {5, 15}, {-5, -5}, {15, 15},
	}
	noise := rand.New(rand.NewSource(7))

	for _, m := range allMethods {
		t.Run(m.String(), func(t *testing.T) {
			recovered := false
			for trial := int64(0); trial < 50 && !recovered; trial++ {
				distances := exactDistances(truth, positions)
				// 20% outliers drawn from a wide Gaussian.
				for _, idx := range []int{2, 7} {
					distances[idx] = math.Abs(distances[idx] + noise.NormFloat64()*10)
				}
				seed := trial
				cfg := DefaultConfig(2)
				cfg.Method = m
				cfg.Seed = &seed
				eng, err := NewEngine(cfg)
				require.NoError(t, err)
				require.NoError(t, eng.SetMeasurements(positions, distances, nil))
				if m.UsesQualityScores() {
					require.NoError(t, eng.SetQualityScores(ones(len(distances))))
				}
				got, err := eng.Estimate()
				if err != nil {
					continue
				}
				if floats.Distance(truth, got, 2) < 1e-6 {
					recovered = true
				}
			}
			assert.True(t, recovered, "no trial recovered the true position")
		})
	}
}

func TestNoisyOutlierRecovery(t *testing.T) {
	t.Parallel()

	truth := []float64{4.5, 6.5}
	positions := [][]float64{
		{0, 0}, {10, 0}, {0, 10}, {10, 10}, {5, -5},
		{-5, 5}, {15, 5}, {5, 15}, {-5, -5}, {15, 15},
	}
	noise := rand.New(rand.NewSource(11))

	best := math.Inf(1)
	for trial := int64(0); trial < 50; trial++ {
		distances := exactDistances(truth, positions)
		stddevs := make([]float64, len(distances))
		for i := range distances {
			distances[i] = math.Abs(distances[i] + noise.NormFloat64()*0.1)
			stddevs[i] = 0.1
		}
		for _, idx := range []int{2, 7} {
			distances[idx] = math.Abs(distances[idx] + noise.NormFloat64()*10)
		}
		seed := trial
		cfg := DefaultConfig(2)
		cfg.Method = RANSAC
		cfg.Threshold = 0.5
		cfg.Seed = &seed
		eng, err := NewEngine(cfg)
		require.NoError(t, err)
		require.NoError(t, eng.SetMeasurements(positions, distances, stddevs))
		got, err := eng.Estimate()
		if err != nil {
			continue
		}
		if d := floats.Distance(truth, got, 2); d < best {
			best = d
		}
	}
	assert.Less(t, best, 0.5)
}

func TestNoConsensus(t *testing.T) {
	t.Parallel()

	// Mutually inconsistent distances: the best candidate only ever
	// explains its own subset.
	positions := anchors2D()
	distances := []float64{30, 1, 25, 2, 40, 3}

	seed := int64(5)
	cfg := DefaultConfig(2)
	cfg.Method = RANSAC
	cfg.Threshold = 1e-6
	cfg.MaxIterations = 200
	cfg.Seed = &seed
	eng, err := NewEngine(cfg)
	require.NoError(t, err)
	require.NoError(t, eng.SetMeasurements(positions, distances, nil))

	_, err = eng.Estimate()
	assert.ErrorIs(t, err, ErrNoConsensus)
	assert.Nil(t, eng.Position())
	assert.Nil(t, eng.Inliers())
}

func TestFailedEstimateKeepsLastResult(t *testing.T) {
	t.Parallel()

	truth := []float64{1, 2}
	positions := anchors2D()
	seed := int64(3)
	cfg := DefaultConfig(2)
	cfg.Method = RANSAC
	cfg.Seed = &seed
	eng, err := NewEngine(cfg)
	require.NoError(t, err)
	require.NoError(t, eng.SetMeasurements(positions, exactDistances(truth, positions), nil))

	got, err := eng.Estimate()
	require.NoError(t, err)
	require.InDelta(t, 0, floats.Distance(truth, got, 2), 1e-6)

	// A garbage data set fails the next run but must not clear the last
	// good estimate.
	require.NoError(t, eng.SetMeasurements(positions, []float64{30, 1, 25, 2, 40, 3}, nil))
	_, estErr := eng.Estimate()
	require.Error(t, estErr)
	assert.Equal(t, got, eng.Position())
}

func TestEngineValidation(t *testing.T) {
	t.Parallel()

	t.Run("subset size below minimum", func(t *testing.T) {
		t.Parallel()
		cfg := DefaultConfig(2)
		cfg.PreliminarySubsetSize = 2
		_, err := NewEngine(cfg)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("bad confidence", func(t *testing.T) {
		t.Parallel()
		cfg := DefaultConfig(3)
		cfg.Confidence = 1.5
		_, err := NewEngine(cfg)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("too few measurements", func(t *testing.T) {
		t.Parallel()
		eng, err := NewEngine(DefaultConfig(2))
		require.NoError(t, err)
		err = eng.SetMeasurements([][]float64{{0, 0}, {1, 0}}, []float64{1, 1}, nil)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("quality score length mismatch", func(t *testing.T) {
		t.Parallel()
		eng, err := NewEngine(DefaultConfig(2))
		require.NoError(t, err)
		positions := anchors2D()
		require.NoError(t, eng.SetMeasurements(positions, make([]float64, len(positions)), nil))
		err = eng.SetQualityScores([]float64{1, 2})
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("not ready without measurements", func(t *testing.T) {
		t.Parallel()
		eng, err := NewEngine(DefaultConfig(2))
		require.NoError(t, err)
		_, err = eng.Estimate()
		assert.ErrorIs(t, err, ErrNotReady)
	})

	t.Run("promeds not ready without scores", func(t *testing.T) {
		t.Parallel()
		cfg := DefaultConfig(2)
		cfg.Method = PROMedS
		eng, err := NewEngine(cfg)
		require.NoError(t, err)
		positions := anchors2D()
		require.NoError(t, eng.SetMeasurements(positions, make([]float64, len(positions)), nil))
		_, err = eng.Estimate()
		assert.ErrorIs(t, err, ErrNotReady)
	})
}

func TestSolverModeVariants(t *testing.T) {
	t.Parallel()

	truth := []float64{6.1, 2.9}
	positions := anchors2D()
	distances := exactDistances(truth, positions)

	mods := map[string]func(*Config){
		"homogeneous":       func(c *Config) { c.UseHomogeneousSolver = true },
		"no prelim refine":  func(c *Config) { c.RefinePreliminary = false },
		"nonlinear subsets": func(c *Config) { c.UseLinearSolver = false },
		"no final refine":   func(c *Config) { c.RefineResult = false; c.KeepCovariance = false },
	}
	for name, mod := range mods {
		name, mod := name, mod
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			seed := int64(21)
			cfg := DefaultConfig(2)
			cfg.Method = RANSAC
			cfg.Seed = &seed
			mod(&cfg)
			eng, err := NewEngine(cfg)
			require.NoError(t, err)
			require.NoError(t, eng.SetMeasurements(positions, distances, nil))
			got, err := eng.Estimate()
			require.NoError(t, err)
			assert.InDelta(t, 0, floats.Distance(truth, got, 2), 1e-6)
			if !cfg.RefineResult {
				assert.Nil(t, eng.Covariance())
			}
		})
	}
}

func TestProgressReporting(t *testing.T) {
	t.Parallel()

	truth := []float64{4.5, 6.5}
	positions := anchors2D()
	distances := exactDistances(truth, positions)
	distances[0] += 20 // keep the loop busy for a few iterations

	var fractions []float64
	seed := int64(17)
	cfg := DefaultConfig(2)
	cfg.Method = RANSAC
	cfg.Seed = &seed
	cfg.MaxIterations = 50
	cfg.Progress = func(f float64) { fractions = append(fractions, f) }
	eng, err := NewEngine(cfg)
	require.NoError(t, err)
	require.NoError(t, eng.SetMeasurements(positions, distances, nil))

	_, err = eng.Estimate()
	require.NoError(t, err)
	for i := 1; i < len(fractions); i++ {
		assert.Greater(t, fractions[i], fractions[i-1])
	}
	for _, f := range fractions {
		assert.LessOrEqual(t, f, 1.0)
	}
}
