package lateration

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	maxRefineIterations = 100
	refineTolerance     = 1e-14
)

// RefineResult is the outcome of a non-linear refinement.
type RefineResult struct {
	Position   []float64
	Covariance *mat.SymDense // nil unless requested
	Cost       float64
	Iterations int
}

// RefineNonLinear minimises the weighted squared range residuals
//
//	sum_i w_i * (||p - s_i|| - d_i)^2
//
// with a Levenberg-Marquardt iteration seeded at initial. Weights are
// 1/sigma^2 when a per-measurement standard deviation is supplied, 1
// otherwise. When keepCovariance is set, the covariance of the solution is
// recovered as the inverse of the normal matrix at convergence; a normal
// matrix that is not positive definite fails with ErrNotPositiveDefinite.
func RefineNonLinear(initial []float64, positions [][]float64, distances, stddevs []float64, dims int, keepCovariance bool) (*RefineResult, error) {
	if err := validateMeasurements(positions, distances, dims); err != nil {
		return nil, err
	}
	if len(initial) != dims {
		return nil, fmt.Errorf("%w: initial guess has %d components, want %d", ErrInvalidArgument, len(initial), dims)
	}
	if stddevs != nil && len(stddevs) != len(distances) {
		return nil, fmt.Errorf("%w: %d std devs vs %d distances", ErrInvalidArgument, len(stddevs), len(distances))
	}

	n := len(distances)
	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1
		if stddevs != nil && stddevs[i] > 0 {
			weights[i] = 1 / (stddevs[i] * stddevs[i])
		}
	}

	p := make([]float64, dims)
	copy(p, initial)
	residuals := make([]float64, n)
	trialRes := make([]float64, n)
	jac := mat.NewDense(n, dims, nil)
	grad := make([]float64, dims)
	trial := make([]float64, dims)

	cost := evalResiduals(p, positions, distances, weights, residuals, jac)
	lambda := 1e-3
	iters := 0
	for ; iters < maxRefineIterations; iters++ {
		// Normal equations J'WJ and gradient J'Wr.
		nrm := mat.NewSymDense(dims, nil)
		for a := range grad {
			grad[a] = 0
		}
		for i := 0; i < n; i++ {
			w := weights[i]
			for a := 0; a < dims; a++ {
				ja := jac.At(i, a)
				grad[a] += w * ja * residuals[i]
				for b := a; b < dims; b++ {
					nrm.SetSym(a, b, nrm.At(a, b)+w*ja*jac.At(i, b))
				}
			}
		}

		stepped := false
		converged := false
		for try := 0; try < 12; try++ {
			damped := mat.NewSymDense(dims, nil)
			for a := 0; a < dims; a++ {
				for b := a; b < dims; b++ {
					v := nrm.At(a, b)
					if a == b {
						v += lambda * math.Max(nrm.At(a, a), 1e-12)
					}
					damped.SetSym(a, b, v)
				}
			}
			var chol mat.Cholesky
			if !chol.Factorize(damped) {
				lambda *= 10
				continue
			}
			var delta mat.VecDense
			if err := chol.SolveVecTo(&delta, mat.NewVecDense(dims, grad)); err != nil {
				lambda *= 10
				continue
			}
			for a := 0; a < dims; a++ {
				trial[a] = p[a] - delta.AtVec(a)
			}
			trialCost := evalResiduals(trial, positions, distances, weights, trialRes, nil)
			if trialCost < cost {
				improved := cost - trialCost
				copy(p, trial)
				copy(residuals, trialRes)
				cost = trialCost
				lambda = math.Max(lambda/10, 1e-12)
				stepped = true
				converged = improved <= refineTolerance*(cost+refineTolerance)
				break
			}
			lambda *= 10
		}
		if !stepped || converged {
			break
		}
		evalResiduals(p, positions, distances, weights, residuals, jac)
	}

	for _, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: refinement diverged", ErrDegenerate)
		}
	}

	res := &RefineResult{Position: p, Cost: cost, Iterations: iters}
	if keepCovariance {
		evalResiduals(p, positions, distances, weights, residuals, jac)
		nrm := mat.NewSymDense(dims, nil)
		for i := 0; i < n; i++ {
			w := weights[i]
			for a := 0; a < dims; a++ {
				for b := a; b < dims; b++ {
					nrm.SetSym(a, b, nrm.At(a, b)+w*jac.At(i, a)*jac.At(i, b))
				}
			}
		}
		var chol mat.Cholesky
		if !chol.Factorize(nrm) {
			return nil, fmt.Errorf("%w: cannot recover covariance", ErrNotPositiveDefinite)
		}
		cov := mat.NewSymDense(dims, nil)
		if err := chol.InverseTo(cov); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotPositiveDefinite, err)
		}
		res.Covariance = cov
	}
	return res, nil
}

// evalResiduals fills residuals (and the Jacobian when non-nil) at p and
// returns the weighted cost.
func evalResiduals(p []float64, positions [][]float64, distances, weights, residuals []float64, jac *mat.Dense) float64 {
	cost := 0.0
	for i, s := range positions {
		d := floats.Distance(p, s, 2)
		if d < 1e-12 {
			d = 1e-12
		}
		r := d - distances[i]
		residuals[i] = r
		cost += weights[i] * r * r
		if jac != nil {
			for j := range p {
				jac.Set(i, j, (p[j]-s[j])/d)
			}
		}
	}
	return cost
}
