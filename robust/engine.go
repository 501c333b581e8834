package robust

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"lateration-go/lateration"
)

// Phase is the position of the engine within one estimation run.
type Phase int

const (
	Idle Phase = iota
	Sampling
	Scoring
	Refining
	Done
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Sampling:
		return "sampling"
	case Scoring:
		return "scoring"
	case Refining:
		return "refining"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Engine runs the consensus loop over a set of (position, distance)
// measurements. It is single-threaded: Estimate blocks until completion and
// the locked flag is a reentrancy guard, not a mutex.
type Engine struct {
	cfg Config
	rng *rand.Rand

	positions     [][]float64
	distances     []float64
	stddevs       []float64
	qualityScores []float64

	locked       bool
	phase        Phase
	lastProgress float64

	position   []float64
	covariance *mat.SymDense
	inliers    *InliersData
}

// NewEngine validates the configuration and builds an engine. Measurements
// are supplied separately through SetMeasurements.
func NewEngine(cfg Config) (*Engine, error) {
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	var rng *rand.Rand
	if cfg.Seed != nil {
		rng = rand.New(rand.NewSource(*cfg.Seed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Engine{cfg: cfg, rng: rng, phase: Idle}, nil
}

// SetMeasurements replaces the measurement arrays. stddevs may be nil when
// no per-measurement standard deviations are known.
func (e *Engine) SetMeasurements(positions [][]float64, distances, stddevs []float64) error {
	if e.locked {
		return ErrLocked
	}
	dims := e.cfg.Dimensions
	if err := validateArrays(positions, distances, dims); err != nil {
		return err
	}
	if len(positions) < e.cfg.PreliminarySubsetSize {
		return fmt.Errorf("%w: %d measurements below subset size %d",
			ErrInvalidArgument, len(positions), e.cfg.PreliminarySubsetSize)
	}
	if stddevs != nil && len(stddevs) != len(distances) {
		return fmt.Errorf("%w: %d std devs vs %d distances", ErrInvalidArgument, len(stddevs), len(distances))
	}
	if e.qualityScores != nil && len(e.qualityScores) != len(distances) {
		return fmt.Errorf("%w: %d quality scores vs %d measurements",
			ErrInvalidArgument, len(e.qualityScores), len(distances))
	}
	e.positions = positions
	e.distances = distances
	e.stddevs = stddevs
	return nil
}

// SetQualityScores replaces the per-measurement quality scores used by
// PROSAC and PROMedS sampling. Length must match the measurements.
func (e *Engine) SetQualityScores(scores []float64) error {
	if e.locked {
		return ErrLocked
	}
	if scores != nil && e.distances != nil && len(scores) != len(e.distances) {
		return fmt.Errorf("%w: %d quality scores vs %d measurements",
			ErrInvalidArgument, len(scores), len(e.distances))
	}
	e.qualityScores = scores
	return nil
}

// IsReady reports whether Estimate has everything it needs.
func (e *Engine) IsReady() bool {
	if e.distances == nil {
		return false
	}
	if e.cfg.Method.UsesQualityScores() {
		return e.qualityScores != nil && len(e.qualityScores) == len(e.distances)
	}
	return true
}

// IsLocked reports whether an estimation is currently running.
func (e *Engine) IsLocked() bool { return e.locked }

// CurrentPhase returns the engine phase of the running or last run.
func (e *Engine) CurrentPhase() Phase { return e.phase }

// Config returns a copy of the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Positions returns the measurement positions consumed by the last or next
// estimation.
func (e *Engine) Positions() [][]float64 { return e.positions }

// Distances returns the measured distances consumed by the last or next
// estimation.
func (e *Engine) Distances() []float64 { return e.distances }

// Position returns the last successful estimate, nil before the first one.
// Failed runs never clear it.
func (e *Engine) Position() []float64 { return e.position }

// Covariance returns the covariance of the last successful estimate, nil
// unless refinement with covariance keeping was enabled.
func (e *Engine) Covariance() *mat.SymDense { return e.covariance }

// Inliers returns the consensus data of the last successful estimate.
func (e *Engine) Inliers() *InliersData { return e.inliers }

// Estimate runs the consensus loop and returns the estimated position. The
// previous estimate is overwritten only on success.
func (e *Engine) Estimate() ([]float64, error) {
	if e.locked {
		return nil, ErrLocked
	}
	if !e.IsReady() {
		return nil, ErrNotReady
	}
	e.locked = true
	defer func() { e.locked = false }()

	if e.cfg.Seed != nil {
		e.rng = rand.New(rand.NewSource(*e.cfg.Seed))
	}
	e.lastProgress = 0

	pos, cov, inliers, err := e.run()
	if err != nil {
		e.phase = Idle
		return nil, err
	}
	e.phase = Done
	e.position = pos
	e.covariance = cov
	e.inliers = inliers
	return pos, nil
}

func (e *Engine) run() ([]float64, *mat.SymDense, *InliersData, error) {
	n := len(e.distances)
	k := e.cfg.PreliminarySubsetSize
	dims := e.cfg.Dimensions
	thr := e.cfg.threshold()
	maxIter := e.cfg.MaxIterations

	bestInliers := -1
	bestLoss := math.Inf(1)
	bestMedian := math.Inf(1)
	var bestPos []float64

	residuals := make([]float64, n)
	scratch := make([]float64, n)
	required := maxIter
	iter := 0

	for iter < required && iter < maxIter {
		iter++
		e.phase = Sampling
		var subset []int
		if e.cfg.Method.UsesQualityScores() {
			subset = weightedSubset(e.rng, e.qualityScores, k)
		} else {
			subset = uniformSubset(e.rng, n, k)
		}

		cand, err := e.solveSubset(subset)
		if err != nil {
			e.reportProgress(iter, required)
			continue
		}

		e.phase = Scoring
		e.residualsAt(cand, residuals)

		better := false
		inlierCount := 0
		switch e.cfg.Method {
		case RANSAC, PROSAC:
			inlierCount = countBelow(residuals, thr)
			if inlierCount > bestInliers {
				bestInliers = inlierCount
				better = true
			}
		case MSAC:
			loss := msacLoss(residuals, thr)
			if loss < bestLoss {
				bestLoss = loss
				bestInliers = countBelow(residuals, thr)
				inlierCount = bestInliers
				better = true
			}
		case LMedS, PROMedS:
			med := medianSquared(residuals, scratch)
			if med < bestMedian {
				bestMedian = med
				bestInliers = countBelow(residuals, robustCutoff(bestMedian, n, k))
				inlierCount = bestInliers
				better = true
			}
		}

		if better {
			bestPos = append(bestPos[:0], cand...)
			// Adaptive stopping rule: enough iterations to hit the target
			// confidence given the current inlier ratio.
			ratio := float64(inlierCount) / float64(n)
			if req := requiredIterations(e.cfg.Confidence, ratio, k); req < required {
				required = req
			}
			if e.cfg.Method.usesMedian() && bestMedian <= thr {
				required = iter
			}
		}
		e.reportProgress(iter, required)
	}

	if bestPos == nil {
		return nil, nil, nil, fmt.Errorf("%w: no valid subset solve in %d iterations", ErrNoConsensus, iter)
	}

	e.residualsAt(bestPos, residuals)
	cutoff := thr
	if e.cfg.Method.usesMedian() {
		cutoff = robustCutoff(bestMedian, n, k)
	}
	mask := make([]bool, n)
	numInliers := 0
	for i, r := range residuals {
		if r <= cutoff {
			mask[i] = true
			numInliers++
		}
	}
	if numInliers <= k && numInliers < n {
		return nil, nil, nil, fmt.Errorf("%w: consensus of %d does not exceed the minimal subset of %d",
			ErrNoConsensus, numInliers, k)
	}

	inliers := &InliersData{
		Inliers:    mask,
		Residuals:  append([]float64(nil), residuals...),
		Threshold:  cutoff,
		Iterations: iter,
	}

	pos := bestPos
	var cov *mat.SymDense
	if e.cfg.RefineResult && numInliers >= dims+1 {
		e.phase = Refining
		inPos, inDist, inStd := e.gather(mask, numInliers)
		res, err := lateration.RefineNonLinear(pos, inPos, inDist, inStd, dims, e.cfg.KeepCovariance)
		if err != nil {
			if errors.Is(err, lateration.ErrNotPositiveDefinite) {
				return nil, nil, nil, err
			}
			return nil, nil, nil, fmt.Errorf("refine consensus solution: %w", err)
		}
		pos = res.Position
		cov = res.Covariance
	}
	return pos, cov, inliers, nil
}

// solveSubset computes a candidate position from the sampled measurement
// indices.
func (e *Engine) solveSubset(subset []int) ([]float64, error) {
	dims := e.cfg.Dimensions
	pos := make([][]float64, len(subset))
	dist := make([]float64, len(subset))
	var std []float64
	if e.stddevs != nil {
		std = make([]float64, len(subset))
	}
	for i, idx := range subset {
		pos[i] = e.positions[idx]
		dist[i] = e.distances[idx]
		if std != nil {
			std[i] = e.stddevs[idx]
		}
	}

	if !e.cfg.UseLinearSolver {
		initial := e.cfg.InitialPosition
		if initial == nil {
			initial = centroid(pos, dims)
		}
		res, err := lateration.RefineNonLinear(initial, pos, dist, std, dims, false)
		if err != nil {
			return nil, err
		}
		return res.Position, nil
	}

	var cand []float64
	var err error
	if e.cfg.UseHomogeneousSolver {
		cand, err = lateration.SolveHomogeneous(pos, dist, dims)
	} else {
		cand, err = lateration.SolveInhomogeneous(pos, dist, dims)
	}
	if err != nil {
		return nil, err
	}
	if e.cfg.RefinePreliminary {
		if res, rerr := lateration.RefineNonLinear(cand, pos, dist, std, dims, false); rerr == nil {
			cand = res.Position
		}
	}
	return cand, nil
}

// residualsAt fills out with the absolute range residuals of every
// measurement against the candidate.
func (e *Engine) residualsAt(cand []float64, out []float64) {
	for i, p := range e.positions {
		out[i] = math.Abs(floats.Distance(cand, p, 2) - e.distances[i])
	}
}

func (e *Engine) gather(mask []bool, count int) ([][]float64, []float64, []float64) {
	pos := make([][]float64, 0, count)
	dist := make([]float64, 0, count)
	var std []float64
	if e.stddevs != nil {
		std = make([]float64, 0, count)
	}
	for i, in := range mask {
		if !in {
			continue
		}
		pos = append(pos, e.positions[i])
		dist = append(dist, e.distances[i])
		if std != nil {
			std = append(std, e.stddevs[i])
		}
	}
	return pos, dist, std
}

func (e *Engine) reportProgress(iter, bound int) {
	if e.cfg.Progress == nil {
		return
	}
	if bound > e.cfg.MaxIterations {
		bound = e.cfg.MaxIterations
	}
	f := float64(iter) / float64(bound)
	if f > 1 {
		f = 1
	}
	if f-e.lastProgress < e.cfg.ProgressDelta {
		return
	}
	e.lastProgress = f
	e.cfg.Progress(f)
}

// requiredIterations is the adaptive-RANSAC bound
// N = log(1-confidence)/log(1-ratio^k).
func requiredIterations(confidence, ratio float64, k int) int {
	if ratio <= 0 {
		return math.MaxInt32
	}
	p := math.Pow(ratio, float64(k))
	if p >= 1 {
		return 1
	}
	denom := math.Log(1 - p)
	if denom >= 0 {
		return 1
	}
	req := math.Log(1-confidence) / denom
	if req <= 1 {
		return 1
	}
	if req >= float64(math.MaxInt32) {
		return math.MaxInt32
	}
	return int(math.Ceil(req))
}

func countBelow(residuals []float64, thr float64) int {
	n := 0
	for _, r := range residuals {
		if r <= thr {
			n++
		}
	}
	return n
}

func msacLoss(residuals []float64, thr float64) float64 {
	cap2 := thr * thr
	loss := 0.0
	for _, r := range residuals {
		r2 := r * r
		if r2 > cap2 {
			r2 = cap2
		}
		loss += r2
	}
	return loss
}

func medianSquared(residuals, scratch []float64) float64 {
	for i, r := range residuals {
		scratch[i] = r * r
	}
	sort.Float64s(scratch)
	return stat.Quantile(0.5, stat.Empirical, scratch, nil)
}

// robustCutoff derives the inlier threshold from the best median squared
// residual: the standard MAD-based sigma estimate with a small-sample
// correction, cut at 2.5 sigma.
func robustCutoff(medianSq float64, n, k int) float64 {
	extra := n - k
	if extra < 1 {
		extra = 1
	}
	sigma := 1.4826 * (1 + 5/float64(extra)) * math.Sqrt(medianSq)
	if c := 2.5 * sigma; c > 1e-9 {
		return c
	}
	return 1e-9
}

func centroid(positions [][]float64, dims int) []float64 {
	c := make([]float64, dims)
	for _, p := range positions {
		floats.Add(c, p)
	}
	floats.Scale(1/float64(len(positions)), c)
	return c
}

func validateArrays(positions [][]float64, distances []float64, dims int) error {
	if positions == nil || distances == nil {
		return fmt.Errorf("%w: measurements must not be nil", ErrInvalidArgument)
	}
	if len(positions) != len(distances) {
		return fmt.Errorf("%w: %d positions vs %d distances", ErrInvalidArgument, len(positions), len(distances))
	}
	if len(positions) < dims+1 {
		return fmt.Errorf("%w: need at least %d measurements, got %d", ErrInvalidArgument, dims+1, len(positions))
	}
	for i, p := range positions {
		if len(p) != dims {
			return fmt.Errorf("%w: position %d has %d components, want %d", ErrInvalidArgument, i, len(p), dims)
		}
		if distances[i] < 0 {
			return fmt.Errorf("%w: distance %d is negative", ErrInvalidArgument, i)
		}
	}
	return nil
}
