package robust

// InliersData describes the consensus of the winning candidate. It is
// replaced, never merged, on every Estimate call.
type InliersData struct {
	// Inliers marks the measurements whose residual fell below Threshold.
	Inliers []bool

	// Residuals are the absolute range residuals of every measurement
	// against the winning candidate, before the final refinement.
	Residuals []float64

	// Threshold is the residual cutoff actually applied. For LMedS and
	// PROMedS it is derived from the best median rather than configured.
	Threshold float64

	// Iterations is the number of sampling iterations consumed.
	Iterations int
}

// NumInliers counts the marked measurements.
func (d *InliersData) NumInliers() int {
	n := 0
	for _, in := range d.Inliers {
		if in {
			n++
		}
	}
	return n
}
