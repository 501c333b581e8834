package robust

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument = errors.New("robust: invalid argument")

	// ErrLocked reports a mutation or re-entrant Estimate while an
	// estimation is running.
	ErrLocked = errors.New("robust: engine is locked")

	// ErrNotReady reports an Estimate call before the mandatory inputs
	// were supplied.
	ErrNotReady = errors.New("robust: engine is not ready")

	// ErrNoConsensus reports that the sampling loop terminated without a
	// usable candidate.
	ErrNoConsensus = errors.New("robust: no consensus reached")
)

const (
	DefaultConfidence    = 0.99
	DefaultMaxIterations = 5000

	// DefaultThreshold is the residual cutoff for RANSAC, MSAC and PROSAC.
	DefaultThreshold = 1e-2

	// DefaultStopThreshold bounds the best median squared residual for
	// LMedS and PROMedS; reaching it stops the sampling loop early.
	DefaultStopThreshold = 1e-6

	DefaultProgressDelta = 0.05
)

// Config carries every tunable of a consensus run. Start from
// DefaultConfig and adjust fields; zero numeric fields adopt their
// defaults at construction.
type Config struct {
	Method     Method
	Dimensions int

	// Confidence is the target probability of having sampled at least one
	// outlier-free subset, in (0, 1).
	Confidence float64

	// MaxIterations caps the sampling loop regardless of the adaptive
	// stopping rule.
	MaxIterations int

	// Threshold is method specific: for RANSAC/MSAC/PROSAC it is the
	// residual below which a measurement counts as an inlier; for
	// LMedS/PROMedS it is an early-stop bound on the best median squared
	// residual, with the inlier cut derived from the robust sigma.
	Threshold float64

	// PreliminarySubsetSize is the number of measurements sampled per
	// iteration; must be at least Dimensions+1, which is also the default.
	PreliminarySubsetSize int

	// RefineResult re-solves over the full inlier set of the winning
	// candidate with the non-linear refinement.
	RefineResult bool

	// KeepCovariance retains the covariance produced by the final
	// refinement. Only meaningful with RefineResult.
	KeepCovariance bool

	// UseLinearSolver solves each subset linearly; otherwise every subset
	// is solved with the non-linear refinement seeded at InitialPosition.
	UseLinearSolver bool

	// UseHomogeneousSolver selects the homogeneous linear solve, which is
	// more stable near degeneracy. Only meaningful with UseLinearSolver.
	UseHomogeneousSolver bool

	// RefinePreliminary refines each linear candidate on its own subset
	// before scoring.
	RefinePreliminary bool

	// InitialPosition seeds non-linear solves. Optional; the subset
	// centroid is used when absent.
	InitialPosition []float64

	// Seed makes runs reproducible: when set, the sampler is re-seeded at
	// the start of every Estimate call.
	Seed *int64

	// Progress, when set, receives the estimated completed fraction of the
	// sampling loop at increments of at least ProgressDelta.
	Progress      func(fraction float64)
	ProgressDelta float64
}

// DefaultConfig returns the stock configuration for the given dimension
// count: PROMedS, 0.99 confidence, linear (inhomogeneous) preliminary
// solves with refinement, covariance kept.
func DefaultConfig(dims int) Config {
	return Config{
		Method:                PROMedS,
		Dimensions:            dims,
		Confidence:            DefaultConfidence,
		MaxIterations:         DefaultMaxIterations,
		PreliminarySubsetSize: dims + 1,
		RefineResult:          true,
		KeepCovariance:        true,
		UseLinearSolver:       true,
		RefinePreliminary:     true,
		ProgressDelta:         DefaultProgressDelta,
	}
}

func (c *Config) normalize() {
	if c.Confidence == 0 {
		c.Confidence = DefaultConfidence
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.PreliminarySubsetSize == 0 {
		c.PreliminarySubsetSize = c.Dimensions + 1
	}
	if c.ProgressDelta == 0 {
		c.ProgressDelta = DefaultProgressDelta
	}
}

func (c *Config) validate() error {
	if c.Dimensions != 2 && c.Dimensions != 3 {
		return fmt.Errorf("%w: dimensions must be 2 or 3, got %d", ErrInvalidArgument, c.Dimensions)
	}
	if c.Method < RANSAC || c.Method > PROMedS {
		return fmt.Errorf("%w: unknown method %v", ErrInvalidArgument, c.Method)
	}
	if c.Confidence <= 0 || c.Confidence >= 1 {
		return fmt.Errorf("%w: confidence must be in (0, 1), got %v", ErrInvalidArgument, c.Confidence)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("%w: max iterations must be positive", ErrInvalidArgument)
	}
	if c.PreliminarySubsetSize < c.Dimensions+1 {
		return fmt.Errorf("%w: preliminary subset size %d below minimum %d",
			ErrInvalidArgument, c.PreliminarySubsetSize, c.Dimensions+1)
	}
	if c.Threshold < 0 {
		return fmt.Errorf("%w: threshold must be non-negative", ErrInvalidArgument)
	}
	if c.InitialPosition != nil && len(c.InitialPosition) != c.Dimensions {
		return fmt.Errorf("%w: initial position has %d components, want %d",
			ErrInvalidArgument, len(c.InitialPosition), c.Dimensions)
	}
	if c.ProgressDelta < 0 || c.ProgressDelta > 1 {
		return fmt.Errorf("%w: progress delta must be in [0, 1]", ErrInvalidArgument)
	}
	return nil
}

// threshold resolves the configured threshold to its per-method default.
func (c *Config) threshold() float64 {
	if c.Threshold > 0 {
		return c.Threshold
	}
	if c.Method.usesMedian() {
		return DefaultStopThreshold
	}
	return DefaultThreshold
}
