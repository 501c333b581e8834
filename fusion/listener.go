// Package fusion coordinates two independent robust position estimations,
// one over direct range readings and one over RSSI-derived pseudo-ranges,
// and statistically fuses their results into a single position estimate
// with covariance.
package fusion

// Listener receives lifecycle callbacks from an estimator. Callbacks are
// synchronous and fire while the estimator is locked, so any mutation
// attempted from inside a callback fails with ErrLocked.
type Listener interface {
	OnEstimateStart(e *Estimator)
	OnEstimateEnd(e *Estimator)

	// OnEstimateProgress reports a monotonically increasing fraction in
	// (0, 1]: the ranging stream covers the first half of the progress
	// space, the RSSI stream the second.
	OnEstimateProgress(e *Estimator, progress float64)
}

// ListenerFuncs adapts plain functions to the Listener interface. Nil
// fields are skipped.
type ListenerFuncs struct {
	Start    func(*Estimator)
	End      func(*Estimator)
	Progress func(*Estimator, float64)
}

func (l ListenerFuncs) OnEstimateStart(e *Estimator) {
	if l.Start != nil {
		l.Start(e)
	}
}

func (l ListenerFuncs) OnEstimateEnd(e *Estimator) {
	if l.End != nil {
		l.End(e)
	}
}

func (l ListenerFuncs) OnEstimateProgress(e *Estimator, progress float64) {
	if l.Progress != nil {
		l.Progress(e, progress)
	}
}
