package fusion

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"lateration-go/radio"
	"lateration-go/robust"
)

// Result is a fused position estimate. Covariance is nil unless every
// contributing stream kept one.
type Result struct {
	Position   []float64
	Covariance *mat.SymDense
}

// stream is the flattened measurement view one consensus engine consumes.
type stream struct {
	positions [][]float64
	distances []float64
	stddevs   []float64
	scores    []float64
}

func (s *stream) add(position []float64, distance, stddev, score float64) {
	s.positions = append(s.positions, position)
	s.distances = append(s.distances, distance)
	s.stddevs = append(s.stddevs, stddev)
	s.scores = append(s.scores, score)
}

// Estimator runs a ranging-only and an RSSI-only robust estimation over one
// fingerprint and fuses the two results. Execution is single-threaded and
// synchronous; the locked flag is a reentrancy guard, not a mutex.
type Estimator struct {
	cfg Config

	locked       bool
	lastProgress float64

	position       []float64
	covariance     *mat.SymDense
	rangingInliers *robust.InliersData
	rssiInliers    *robust.InliersData
}

// NewEstimator validates the configuration atomically and builds an
// estimator. Sources and fingerprint may also be supplied later through
// the setters.
func NewEstimator(cfg Config) (*Estimator, error) {
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Estimator{cfg: cfg}, nil
}

// IsLocked reports whether an estimation is currently running.
func (e *Estimator) IsLocked() bool { return e.locked }

// Config returns a copy of the estimator configuration.
func (e *Estimator) Config() Config { return e.cfg }

// Sources returns the configured sources.
func (e *Estimator) Sources() []*radio.Source { return e.cfg.Sources }

// Fingerprint returns the configured fingerprint.
func (e *Estimator) Fingerprint() *radio.Fingerprint { return e.cfg.Fingerprint }

// EstimatedPosition returns the last successful estimate, nil before the
// first one. Failed runs never clear it.
func (e *Estimator) EstimatedPosition() []float64 { return e.position }

// Covariance returns the covariance of the last successful estimate, nil
// when covariance keeping was disabled for any contributing stream.
func (e *Estimator) Covariance() *mat.SymDense { return e.covariance }

// RangingInliers returns the consensus data of the ranging stream from the
// last successful estimate, nil when the stream did not run.
func (e *Estimator) RangingInliers() *robust.InliersData { return e.rangingInliers }

// RSSIInliers returns the consensus data of the RSSI stream from the last
// successful estimate, nil when the stream did not run.
func (e *Estimator) RSSIInliers() *robust.InliersData { return e.rssiInliers }

// Positions returns the flattened measurement positions the next Estimate
// call will consume, ranging stream first.
func (e *Estimator) Positions() [][]float64 {
	ranging, rssi, err := e.partition()
	if err != nil {
		return nil
	}
	return append(ranging.positions, rssi.positions...)
}

// Distances returns the flattened distances the next Estimate call will
// consume, ranging stream first.
func (e *Estimator) Distances() []float64 {
	ranging, rssi, err := e.partition()
	if err != nil {
		return nil
	}
	return append(ranging.distances, rssi.distances...)
}

// SetSources replaces the located sources.
func (e *Estimator) SetSources(sources []*radio.Source) error {
	if e.locked {
		return ErrLocked
	}
	if sources != nil {
		if err := e.cfg.validateSources(sources); err != nil {
			return err
		}
		if e.cfg.SourceQualityScores != nil && len(e.cfg.SourceQualityScores) != len(sources) {
			return fmt.Errorf("%w: %d source quality scores vs %d sources",
				ErrInvalidArgument, len(e.cfg.SourceQualityScores), len(sources))
		}
	}
	e.cfg.Sources = sources
	return nil
}

// SetFingerprint replaces the fingerprint.
func (e *Estimator) SetFingerprint(fp *radio.Fingerprint) error {
	if e.locked {
		return ErrLocked
	}
	if fp != nil {
		if err := e.cfg.validateFingerprint(fp); err != nil {
			return err
		}
		if e.cfg.ReadingQualityScores != nil && len(e.cfg.ReadingQualityScores) != len(fp.Readings) {
			return fmt.Errorf("%w: %d reading quality scores vs %d readings",
				ErrInvalidArgument, len(e.cfg.ReadingQualityScores), len(fp.Readings))
		}
	}
	e.cfg.Fingerprint = fp
	return nil
}

// SetListener replaces the listener.
func (e *Estimator) SetListener(l Listener) error {
	if e.locked {
		return ErrLocked
	}
	e.cfg.Listener = l
	return nil
}

// SetSourceQualityScores replaces the per-source quality scores.
func (e *Estimator) SetSourceQualityScores(scores []float64) error {
	if e.locked {
		return ErrLocked
	}
	if scores != nil && e.cfg.Sources != nil && len(scores) != len(e.cfg.Sources) {
		return fmt.Errorf("%w: %d source quality scores vs %d sources",
			ErrInvalidArgument, len(scores), len(e.cfg.Sources))
	}
	e.cfg.SourceQualityScores = scores
	return nil
}

// SetReadingQualityScores replaces the per-reading quality scores.
func (e *Estimator) SetReadingQualityScores(scores []float64) error {
	if e.locked {
		return ErrLocked
	}
	if scores != nil && e.cfg.Fingerprint != nil && len(scores) != len(e.cfg.Fingerprint.Readings) {
		return fmt.Errorf("%w: %d reading quality scores vs %d readings",
			ErrInvalidArgument, len(scores), len(e.cfg.Fingerprint.Readings))
	}
	e.cfg.ReadingQualityScores = scores
	return nil
}

// SetRangingConfig replaces the ranging stream configuration.
func (e *Estimator) SetRangingConfig(sc StreamConfig) error {
	if e.locked {
		return ErrLocked
	}
	normalizeStream(&sc, e.cfg.Dimensions)
	if err := sc.validate(e.cfg.Dimensions); err != nil {
		return err
	}
	e.cfg.Ranging = sc
	return nil
}

// SetRSSIConfig replaces the RSSI stream configuration.
func (e *Estimator) SetRSSIConfig(sc StreamConfig) error {
	if e.locked {
		return ErrLocked
	}
	normalizeStream(&sc, e.cfg.Dimensions)
	if err := sc.validate(e.cfg.Dimensions); err != nil {
		return err
	}
	e.cfg.RSSI = sc
	return nil
}

// SetInitialPosition replaces the non-linear seeding hint.
func (e *Estimator) SetInitialPosition(p []float64) error {
	if e.locked {
		return ErrLocked
	}
	if p != nil && len(p) != e.cfg.Dimensions {
		return fmt.Errorf("%w: initial position has %d components, want %d",
			ErrInvalidArgument, len(p), e.cfg.Dimensions)
	}
	e.cfg.InitialPosition = p
	return nil
}

// IsReady reports whether Estimate has everything it needs: sources, a
// fingerprint yielding at least one solvable stream, and quality scores
// whenever a stream method samples by them.
func (e *Estimator) IsReady() bool {
	if e.cfg.Sources == nil || len(e.cfg.Sources) < e.cfg.Dimensions+1 {
		return false
	}
	if e.cfg.Fingerprint == nil || len(e.cfg.Fingerprint.Readings) == 0 {
		return false
	}
	if e.needsScores() && e.cfg.ReadingQualityScores == nil && e.cfg.SourceQualityScores == nil {
		return false
	}
	ranging, rssi, err := e.partition()
	if err != nil {
		return false
	}
	dims := e.cfg.Dimensions
	return len(ranging.distances) >= e.cfg.Ranging.minMeasurements(dims) ||
		len(rssi.distances) >= e.cfg.RSSI.minMeasurements(dims)
}

func (e *Estimator) needsScores() bool {
	return e.cfg.Ranging.Method.UsesQualityScores() || e.cfg.RSSI.Method.UsesQualityScores()
}

// Estimate runs both stream estimations and fuses their results. It blocks
// until completion; there is no cancellation. The previous estimate is
// overwritten only on success.
func (e *Estimator) Estimate() (*Result, error) {
	if e.locked {
		return nil, ErrLocked
	}
	if !e.IsReady() {
		return nil, ErrNotReady
	}
	e.locked = true
	defer func() { e.locked = false }()
	e.lastProgress = 0

	if l := e.cfg.Listener; l != nil {
		l.OnEstimateStart(e)
	}

	ranging, rssi, err := e.partition()
	if err != nil {
		return nil, err
	}
	dims := e.cfg.Dimensions

	var rangingRes, rssiRes *streamResult
	if len(ranging.distances) >= e.cfg.Ranging.minMeasurements(dims) {
		rangingRes, err = e.runStream(ranging, e.cfg.Ranging, 0)
		if err != nil {
			return nil, fmt.Errorf("ranging stream: %w", err)
		}
	}
	if len(rssi.distances) >= e.cfg.RSSI.minMeasurements(dims) {
		rssiRes, err = e.runStream(rssi, e.cfg.RSSI, 0.5)
		if err != nil {
			return nil, fmt.Errorf("rssi stream: %w", err)
		}
	}

	var pos []float64
	var cov *mat.SymDense
	switch {
	case rangingRes != nil && rssiRes != nil:
		pos, cov, err = fuseEstimates(
			[][]float64{rangingRes.position, rssiRes.position},
			[]*mat.SymDense{rangingRes.covariance, rssiRes.covariance},
			dims)
		if err != nil {
			return nil, err
		}
	case rangingRes != nil:
		pos, cov = rangingRes.position, rangingRes.covariance
	case rssiRes != nil:
		pos, cov = rssiRes.position, rssiRes.covariance
	default:
		return nil, ErrNotReady
	}

	e.position = pos
	e.covariance = cov
	e.rangingInliers = nil
	e.rssiInliers = nil
	if rangingRes != nil {
		e.rangingInliers = rangingRes.inliers
	}
	if rssiRes != nil {
		e.rssiInliers = rssiRes.inliers
	}

	e.emitProgress(1)
	if l := e.cfg.Listener; l != nil {
		l.OnEstimateEnd(e)
	}
	return &Result{Position: pos, Covariance: cov}, nil
}

type streamResult struct {
	position   []float64
	covariance *mat.SymDense
	inliers    *robust.InliersData
}

func (e *Estimator) runStream(s stream, sc StreamConfig, base float64) (*streamResult, error) {
	rcfg := sc.robustConfig(e.cfg.Dimensions, e.cfg.InitialPosition, e.cfg.Seed)
	rcfg.ProgressDelta = e.cfg.ProgressDelta
	rcfg.Progress = func(f float64) {
		e.emitProgress(base + 0.5*f)
	}
	eng, err := robust.NewEngine(rcfg)
	if err != nil {
		return nil, err
	}
	if err := eng.SetMeasurements(s.positions, s.distances, s.stddevs); err != nil {
		return nil, err
	}
	if rcfg.Method.UsesQualityScores() {
		if err := eng.SetQualityScores(s.scores); err != nil {
			return nil, err
		}
	}
	if _, err := eng.Estimate(); err != nil {
		return nil, err
	}
	e.emitProgress(base + 0.5)
	return &streamResult{
		position:   eng.Position(),
		covariance: eng.Covariance(),
		inliers:    eng.Inliers(),
	}, nil
}

func (e *Estimator) emitProgress(f float64) {
	l := e.cfg.Listener
	if l == nil {
		return
	}
	if f > 1 {
		f = 1
	}
	if f-e.lastProgress < e.cfg.ProgressDelta {
		return
	}
	e.lastProgress = f
	l.OnEstimateProgress(e, f)
}

// partition splits the fingerprint readings into the ranging stream and the
// RSSI pseudo-range stream, restricted to the nearest sources when a bound
// is configured. Quality scores carry over unchanged: the per-measurement
// score is the reading score plus the score of the reading's source, when
// either is present.
func (e *Estimator) partition() (ranging, rssi stream, err error) {
	if e.cfg.Fingerprint == nil {
		return ranging, rssi, fmt.Errorf("%w: no fingerprint", ErrNotReady)
	}
	readings := e.cfg.Fingerprint.Readings
	keep, err := e.nearestSourceFilter(readings)
	if err != nil {
		return ranging, rssi, err
	}
	opts := e.cfg.pathLossOptions()

	for i, r := range readings {
		if !keep[i] {
			continue
		}
		score := e.readingScore(i, r.Source)
		if r.HasDistance() {
			ranging.add(r.Source.Position, r.Distance, r.DistanceStdDev, score)
		}
		if r.HasRSSI() {
			d, v, derr := radio.EstimateDistance(r, opts)
			if derr != nil || d <= 0 || math.IsInf(d, 0) || math.IsNaN(d) {
				continue
			}
			rssi.add(r.Source.Position, d, math.Sqrt(v), score)
		}
	}
	return ranging, rssi, nil
}

func (e *Estimator) readingScore(idx int, src *radio.Source) float64 {
	score := 0.0
	if e.cfg.ReadingQualityScores != nil {
		score += e.cfg.ReadingQualityScores[idx]
	}
	if e.cfg.SourceQualityScores != nil {
		for i, s := range e.cfg.Sources {
			if s == src {
				score += e.cfg.SourceQualityScores[i]
				break
			}
		}
	}
	return score
}

// nearestSourceFilter marks the readings whose source ranks within the
// configured nearest-source bound. Sources are ranked by their smallest
// available distance, taking the directly measured range when present and
// the path-loss derived one otherwise.
func (e *Estimator) nearestSourceFilter(readings []radio.Reading) ([]bool, error) {
	keep := make([]bool, len(readings))
	limit := e.cfg.MaxNearestSources

	type sourceRank struct {
		src  *radio.Source
		dist float64
	}
	nearest := map[*radio.Source]float64{}
	opts := e.cfg.pathLossOptions()
	for _, r := range readings {
		d := math.Inf(1)
		if r.HasDistance() {
			d = r.Distance
		} else if r.HasRSSI() {
			if pd, _, err := radio.EstimateDistance(r, opts); err == nil {
				d = pd
			}
		}
		if cur, ok := nearest[r.Source]; !ok || d < cur {
			nearest[r.Source] = d
		}
	}
	if len(nearest) < e.cfg.MinNearestSources {
		return nil, fmt.Errorf("%w: %d sources observed, need at least %d",
			ErrNotReady, len(nearest), e.cfg.MinNearestSources)
	}
	if limit == -1 || len(nearest) <= limit {
		for i := range keep {
			keep[i] = true
		}
		return keep, nil
	}

	ranks := make([]sourceRank, 0, len(nearest))
	for src, d := range nearest {
		ranks = append(ranks, sourceRank{src, d})
	}
	sort.Slice(ranks, func(i, j int) bool {
		if ranks[i].dist != ranks[j].dist {
			return ranks[i].dist < ranks[j].dist
		}
		return ranks[i].src.ID < ranks[j].src.ID
	})
	kept := map[*radio.Source]bool{}
	for _, r := range ranks[:limit] {
		kept[r.src] = true
	}
	for i, r := range readings {
		keep[i] = kept[r.Source]
	}
	return keep, nil
}
