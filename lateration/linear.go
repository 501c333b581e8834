// Package lateration computes a position from distances to reference points
// at known positions. It provides a linear solve in either homogeneous or
// inhomogeneous coordinates plus a non-linear least-squares refinement, all
// built on gonum.
package lateration

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	ErrInvalidArgument = errors.New("lateration: invalid argument")

	// ErrDegenerate reports geometry that does not determine a finite
	// position (collinear or coincident reference points, or a homogeneous
	// solution at infinity).
	ErrDegenerate = errors.New("lateration: degenerate geometry")

	// ErrNotPositiveDefinite reports a rank-deficient normal matrix during
	// the covariance step of the non-linear refinement.
	ErrNotPositiveDefinite = errors.New("lateration: normal matrix not positive definite")
)

// MinRequiredMeasurements is the smallest measurement count that yields a
// unique candidate position.
func MinRequiredMeasurements(dims int) int { return dims + 1 }

func validateMeasurements(positions [][]float64, distances []float64, dims int) error {
	if dims != 2 && dims != 3 {
		return fmt.Errorf("%w: dimensions must be 2 or 3, got %d", ErrInvalidArgument, dims)
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

// SolveInhomogeneous solves the lateration system directly in Euclidean
// coordinates: the sphere equations are differenced against the last
// reference point and the resulting linear system is solved by QR least
// squares. Exact degeneracy fails with ErrDegenerate.
func SolveInhomogeneous(positions [][]float64, distances []float64, dims int) ([]float64, error) {
	if err := validateMeasurements(positions, distances, dims); err != nil {
		return nil, err
	}

	m := len(positions) - 1
	ref := positions[m]
	refDistSq := distances[m] * distances[m]
	refNormSq := floats.Dot(ref, ref)

	aData := make([]float64, m*dims)
	bData := make([]float64, m)
	for i := 0; i < m; i++ {
		for j := 0; j < dims; j++ {
			aData[i*dims+j] = 2 * (ref[j] - positions[i][j])
		}
		bData[i] = distances[i]*distances[i] - refDistSq - floats.Dot(positions[i], positions[i]) + refNormSq
	}

	var qr mat.QR
	qr.Factorize(mat.NewDense(m, dims, aData))
	var x mat.VecDense
	if err := qr.SolveVecTo(&x, false, mat.NewVecDense(m, bData)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDegenerate, err)
	}

	out := make([]float64, dims)
	for j := range out {
		v := x.AtVec(j)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, ErrDegenerate
		}
		out[j] = v
	}
	return out, nil
}

// SolveHomogeneous solves the lateration system in homogeneous coordinates
// (p, ||p||^2, 1) via SVD. Numerically more stable near degeneracy than the
// inhomogeneous solve, but an ill-conditioned subset dehomogenises to a
// point at infinity, which is rejected here.
func SolveHomogeneous(positions [][]float64, distances []float64, dims int) ([]float64, error) {
	if err := validateMeasurements(positions, distances, dims); err != nil {
		return nil, err
	}

	n := len(positions)
	cols := dims + 2
	aData := make([]float64, n*cols)
	for i, p := range positions {
		row := aData[i*cols : (i+1)*cols]
		for j := 0; j < dims; j++ {
			row[j] = -2 * p[j]
		}
		row[dims] = 1
		row[dims+1] = floats.Dot(p, p) - distances[i]*distances[i]
	}

	var svd mat.SVD
	if !svd.Factorize(mat.NewDense(n, cols, aData), mat.SVDFull) {
		return nil, fmt.Errorf("%w: SVD did not converge", ErrDegenerate)
	}
	s := svd.Values(nil)
	var v mat.Dense
	svd.VTo(&v)

	// The right singular vector of the smallest singular value spans the
	// solution. A vanishing second-smallest singular value means the
	// nullspace is not one-dimensional and the subset is rank deficient.
	if s[cols-2] <= 1e-12*s[0] {
		return nil, fmt.Errorf("%w: rank-deficient subset", ErrDegenerate)
	}

	h := make([]float64, cols)
	for i := range h {
		h[i] = v.At(i, cols-1)
	}
	w := h[cols-1]
	if math.Abs(w) <= 1e-12*floats.Norm(h, 2) {
		return nil, fmt.Errorf("%w: solution at infinity", ErrDegenerate)
	}
	out := make([]float64, dims)
	for j := 0; j < dims; j++ {
		out[j] = h[j] / w
	}
	return out, nil
}
