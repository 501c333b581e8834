// Package robust estimates a position from distance measurements that may
// contain outliers, by consensus over randomly sampled minimal subsets of
// the measurements (RANSAC and its variants).
package robust

import (
	"fmt"
	"strings"
)

// Method selects the robust estimation policy.
type Method int

const (
	// RANSAC scores a candidate by the number of measurements whose
	// residual falls below the threshold.
	RANSAC Method = iota
	// LMedS scores a candidate by the median squared residual over all
	// measurements; no inlier threshold is needed up front.
	LMedS
	// MSAC scores a candidate by a capped quadratic loss: residuals above
	// the threshold contribute the cap.
	MSAC
	// PROSAC is RANSAC with subset sampling biased towards measurements
	// with higher quality scores.
	PROSAC
	// PROMedS is LMedS with quality-score-biased sampling.
	PROMedS
)

func (m Method) String() string {
	switch m {
	case RANSAC:
		return "RANSAC"
	case LMedS:
		return "LMedS"
	case MSAC:
		return "MSAC"
	case PROSAC:
		return "PROSAC"
	case PROMedS:
		return "PROMedS"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// UsesQualityScores reports whether the method biases subset sampling by
// per-measurement quality scores.
func (m Method) UsesQualityScores() bool {
	return m == PROSAC || m == PROMedS
}

// usesMedian reports whether the method scores candidates by the median
// squared residual rather than an explicit residual threshold.
func (m Method) usesMedian() bool {
	return m == LMedS || m == PROMedS
}

// ParseMethod maps a case-insensitive method name to its Method value.
func ParseMethod(name string) (Method, error) {
	switch strings.ToLower(name) {
	case "ransac":
		return RANSAC, nil
	case "lmeds":
		return LMedS, nil
	case "msac":
		return MSAC, nil
	case "prosac":
		return PROSAC, nil
	case "promeds":
		return PROMedS, nil
	}
	return 0, fmt.Errorf("%w: unknown robust method %q", ErrInvalidArgument, name)
}
