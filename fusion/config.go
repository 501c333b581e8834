package fusion

import (
	"errors"
	"fmt"

	"lateration-go/radio"
	"lateration-go/robust"
)

var (
	ErrInvalidArgument = errors.New("fusion: invalid argument")

	// ErrLocked reports a mutation or re-entrant Estimate while an
	// estimation is running, including from inside listener callbacks.
	ErrLocked = errors.New("fusion: estimator is locked")

	// ErrNotReady reports an Estimate call before the mandatory inputs
	// were supplied.
	ErrNotReady = errors.New("fusion: estimator is not ready")
)

// DefaultProgressDelta is the smallest progress increment reported to the
// listener.
const DefaultProgressDelta = robust.DefaultProgressDelta

// StreamConfig is the robust configuration of one measurement stream. Each
// stream runs its own consensus engine with independent settings.
type StreamConfig struct {
	Method                robust.Method
	Confidence            float64
	MaxIterations         int
	Threshold             float64
	PreliminarySubsetSize int
	RefineResult          bool
	KeepCovariance        bool
	UseLinearSolver       bool
	UseHomogeneousSolver  bool
	RefinePreliminary     bool
}

func defaultStreamConfig(dims int) StreamConfig {
	return StreamConfig{
		Method:                robust.PROMedS,
		Confidence:            robust.DefaultConfidence,
		MaxIterations:         robust.DefaultMaxIterations,
		PreliminarySubsetSize: dims + 1,
		RefineResult:          true,
		KeepCovariance:        true,
		UseLinearSolver:       true,
		RefinePreliminary:     true,
	}
}

// robustConfig expands the stream configuration into a full consensus
// engine configuration.
func (sc StreamConfig) robustConfig(dims int, initial []float64, seed *int64) robust.Config {
	return robust.Config{
		Method:                sc.Method,
		Dimensions:            dims,
		Confidence:            sc.Confidence,
		MaxIterations:         sc.MaxIterations,
		Threshold:             sc.Threshold,
		PreliminarySubsetSize: sc.PreliminarySubsetSize,
		RefineResult:          sc.RefineResult,
		KeepCovariance:        sc.KeepCovariance,
		UseLinearSolver:       sc.UseLinearSolver,
		UseHomogeneousSolver:  sc.UseHomogeneousSolver,
		RefinePreliminary:     sc.RefinePreliminary,
		InitialPosition:       initial,
		Seed:                  seed,
	}
}

// minMeasurements is the smallest stream size the configuration can solve.
func (sc StreamConfig) minMeasurements(dims int) int {
	if sc.PreliminarySubsetSize > dims+1 {
		return sc.PreliminarySubsetSize
	}
	return dims + 1
}

func (sc StreamConfig) validate(dims int) error {
	if sc.Confidence <= 0 || sc.Confidence >= 1 {
		return fmt.Errorf("%w: confidence must be in (0, 1), got %v", ErrInvalidArgument, sc.Confidence)
	}
	if sc.MaxIterations < 1 {
		return fmt.Errorf("%w: max iterations must be positive", ErrInvalidArgument)
	}
	if sc.PreliminarySubsetSize < dims+1 {
		return fmt.Errorf("%w: preliminary subset size %d below minimum %d",
			ErrInvalidArgument, sc.PreliminarySubsetSize, dims+1)
	}
	if sc.Threshold < 0 {
		return fmt.Errorf("%w: threshold must be non-negative", ErrInvalidArgument)
	}
	return nil
}

// Config carries every tunable of a sequential estimation as named,
// independently optional fields. Start from DefaultConfig and adjust;
// NewEstimator validates everything before any state exists.
type Config struct {
	Dimensions int

	// Sources are the located radio emitters; at least Dimensions+1 are
	// required before Estimate.
	Sources []*radio.Source

	// Fingerprint is the reading collection captured at the unknown
	// position.
	Fingerprint *radio.Fingerprint

	// SourceQualityScores weight sources, one entry per Sources element.
	SourceQualityScores []float64

	// ReadingQualityScores weight readings, one entry per fingerprint
	// reading. Required when a stream uses PROSAC or PROMedS.
	ReadingQualityScores []float64

	Listener Listener

	// MinNearestSources and MaxNearestSources bound how many of the
	// nearest sources contribute readings. Max of -1 means unconstrained.
	MinNearestSources int
	MaxNearestSources int

	// DefaultPathLossExponent applies when a source does not expose its
	// own exponent or UseSourcePathLossExponent is disabled.
	DefaultPathLossExponent   float64
	UseSourcePathLossExponent bool

	// FallbackDistanceStdDev replaces a derived distance deviation when
	// none can be propagated.
	FallbackDistanceStdDev float64

	// Ranging and RSSI configure the two consensus engines independently.
	Ranging StreamConfig
	RSSI    StreamConfig

	// InitialPosition seeds non-linear solves in both streams. Optional.
	InitialPosition []float64

	// ProgressDelta is the smallest progress increment reported.
	ProgressDelta float64

	// Seed makes runs reproducible; both stream engines are re-seeded
	// from it on every Estimate call.
	Seed *int64
}

// DefaultConfig returns the stock sequential configuration for the given
// dimension count.
func DefaultConfig(dims int) Config {
	return Config{
		Dimensions:                dims,
		MinNearestSources:         1,
		MaxNearestSources:         -1,
		DefaultPathLossExponent:   radio.DefaultPathLossExponent,
		UseSourcePathLossExponent: true,
		FallbackDistanceStdDev:    radio.FallbackDistanceStdDev,
		Ranging:                   defaultStreamConfig(dims),
		RSSI:                      defaultStreamConfig(dims),
		ProgressDelta:             DefaultProgressDelta,
	}
}

func (c *Config) normalize() {
	if c.DefaultPathLossExponent == 0 {
		c.DefaultPathLossExponent = radio.DefaultPathLossExponent
	}
	if c.FallbackDistanceStdDev == 0 {
		c.FallbackDistanceStdDev = radio.FallbackDistanceStdDev
	}
	if c.MinNearestSources == 0 {
		c.MinNearestSources = 1
	}
	if c.MaxNearestSources == 0 {
		c.MaxNearestSources = -1
	}
	if c.ProgressDelta == 0 {
		c.ProgressDelta = DefaultProgressDelta
	}
	normalizeStream(&c.Ranging, c.Dimensions)
	normalizeStream(&c.RSSI, c.Dimensions)
}

func normalizeStream(sc *StreamConfig, dims int) {
	if sc.Confidence == 0 {
		sc.Confidence = robust.DefaultConfidence
	}
	if sc.MaxIterations == 0 {
		sc.MaxIterations = robust.DefaultMaxIterations
	}
	if sc.PreliminarySubsetSize == 0 {
		sc.PreliminarySubsetSize = dims + 1
	}
}

func (c *Config) validate() error {
	if c.Dimensions != 2 && c.Dimensions != 3 {
		return fmt.Errorf("%w: dimensions must be 2 or 3, got %d", ErrInvalidArgument, c.Dimensions)
	}
	if c.MinNearestSources < 1 {
		return fmt.Errorf("%w: min nearest sources must be at least 1", ErrInvalidArgument)
	}
	if c.MaxNearestSources != -1 && c.MaxNearestSources < c.MinNearestSources {
		return fmt.Errorf("%w: max nearest sources %d below min %d",
			ErrInvalidArgument, c.MaxNearestSources, c.MinNearestSources)
	}
	if c.DefaultPathLossExponent <= 0 {
		return fmt.Errorf("%w: default path-loss exponent must be positive", ErrInvalidArgument)
	}
	if c.Sources != nil {
		if err := c.validateSources(c.Sources); err != nil {
			return err
		}
	}
	if c.Fingerprint != nil {
		if err := c.validateFingerprint(c.Fingerprint); err != nil {
			return err
		}
	}
	if c.SourceQualityScores != nil && c.Sources != nil && len(c.SourceQualityScores) != len(c.Sources) {
		return fmt.Errorf("%w: %d source quality scores vs %d sources",
			ErrInvalidArgument, len(c.SourceQualityScores), len(c.Sources))
	}
	if c.ReadingQualityScores != nil && c.Fingerprint != nil &&
		len(c.ReadingQualityScores) != len(c.Fingerprint.Readings) {
		return fmt.Errorf("%w: %d reading quality scores vs %d readings",
			ErrInvalidArgument, len(c.ReadingQualityScores), len(c.Fingerprint.Readings))
	}
	if c.InitialPosition != nil && len(c.InitialPosition) != c.Dimensions {
		return fmt.Errorf("%w: initial position has %d components, want %d",
			ErrInvalidArgument, len(c.InitialPosition), c.Dimensions)
	}
	if c.ProgressDelta < 0 || c.ProgressDelta > 1 {
		return fmt.Errorf("%w: progress delta must be in [0, 1]", ErrInvalidArgument)
	}
	if err := c.Ranging.validate(c.Dimensions); err != nil {
		return fmt.Errorf("ranging stream: %w", err)
	}
	if err := c.RSSI.validate(c.Dimensions); err != nil {
		return fmt.Errorf("rssi stream: %w", err)
	}
	return nil
}

func (c *Config) validateSources(sources []*radio.Source) error {
	if len(sources) < c.Dimensions+1 {
		return fmt.Errorf("%w: need at least %d sources, got %d",
			ErrInvalidArgument, c.Dimensions+1, len(sources))
	}
	for i, s := range sources {
		if s == nil {
			return fmt.Errorf("%w: source %d is nil", ErrInvalidArgument, i)
		}
		if s.Dimensions() != c.Dimensions {
			return fmt.Errorf("%w: source %d has %d dimensions, want %d",
				ErrInvalidArgument, i, s.Dimensions(), c.Dimensions)
		}
	}
	return nil
}

func (c *Config) validateFingerprint(fp *radio.Fingerprint) error {
	for i, r := range fp.Readings {
		if r.Source == nil {
			return fmt.Errorf("%w: reading %d has no source", ErrInvalidArgument, i)
		}
		if r.Source.Dimensions() != c.Dimensions {
			return fmt.Errorf("%w: reading %d source has %d dimensions, want %d",
				ErrInvalidArgument, i, r.Source.Dimensions(), c.Dimensions)
		}
	}
	return nil
}

func (c *Config) pathLossOptions() radio.PathLossOptions {
	return radio.PathLossOptions{
		DefaultExponent:        c.DefaultPathLossExponent,
		UseSourceExponent:      c.UseSourcePathLossExponent,
		FallbackDistanceStdDev: c.FallbackDistanceStdDev,
	}
}
