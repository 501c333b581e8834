package fusion

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// fuseEstimates combines per-stream estimates by inverse-covariance
// weighting. A stream without a usable covariance contributes with identity
// weight, and the fused covariance is then omitted since the weights no
// longer reflect true uncertainties.
func fuseEstimates(positions [][]float64, covs []*mat.SymDense, dims int) ([]float64, *mat.SymDense, error) {
	if len(positions) == 0 || len(positions) != len(covs) {
		return nil, nil, fmt.Errorf("%w: %d positions vs %d covariances",
			ErrInvalidArgument, len(positions), len(covs))
	}

	sumW := mat.NewDense(dims, dims, nil)
	sumWx := mat.NewVecDense(dims, nil)
	allWeighted := true

	for i, p := range positions {
		if len(p) != dims {
			return nil, nil, fmt.Errorf("%w: estimate %d has %d components, want %d",
				ErrInvalidArgument, i, len(p), dims)
		}
		w := identityWeight(dims)
		if covs[i] != nil {
			var chol mat.Cholesky
			if chol.Factorize(covs[i]) {
				inv := mat.NewSymDense(dims, nil)
				if err := chol.InverseTo(inv); err == nil {
					w = inv
				} else {
					allWeighted = false
				}
			} else {
				allWeighted = false
			}
		} else {
			allWeighted = false
		}

		sumW.Add(sumW, w)
		var wx mat.VecDense
		wx.MulVec(w, mat.NewVecDense(dims, p))
		sumWx.AddVec(sumWx, &wx)
	}

	var fused mat.VecDense
	if err := fused.SolveVec(sumW, sumWx); err != nil {
		return nil, nil, fmt.Errorf("fusing estimates: %w", err)
	}
	pos := make([]float64, dims)
	copy(pos, fused.RawVector().Data)

	if !allWeighted {
		return pos, nil, nil
	}

	// The fused covariance is the inverse of the summed information matrix.
	var inv mat.Dense
	if err := inv.Inverse(sumW); err != nil {
		return pos, nil, nil
	}
	cov := mat.NewSymDense(dims, nil)
	for i := 0; i < dims; i++ {
		for j := i; j < dims; j++ {
			cov.SetSym(i, j, 0.5*(inv.At(i, j)+inv.At(j, i)))
		}
	}
	return pos, cov, nil
}

func identityWeight(dims int) *mat.SymDense {
	w := mat.NewSymDense(dims, nil)
	for i := 0; i < dims; i++ {
		w.SetSym(i, i, 1)
	}
	return w
}
