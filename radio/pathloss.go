package radio

import (
	"fmt"
	"math"
)

// FallbackDistanceStdDev is assumed for a derived distance when no variance
// can be propagated from the reading and source uncertainties.
const FallbackDistanceStdDev = 1e-3

// PathLossOptions selects the exponent used when inverting the path-loss
// equation and the behaviour when no variance can be propagated.
type PathLossOptions struct {
	// DefaultExponent is used when the source does not supply one or
	// UseSourceExponent is disabled. Zero means DefaultPathLossExponent.
	DefaultExponent float64

	// UseSourceExponent prefers the source's own exponent when it has one.
	UseSourceExponent bool

	// FallbackDistanceStdDev replaces a propagated standard deviation when
	// propagation is not possible. Zero means FallbackDistanceStdDev.
	FallbackDistanceStdDev float64
}

// DefaultPathLossOptions mirrors the estimator defaults: free-space exponent,
// source exponent preferred when available.
func DefaultPathLossOptions() PathLossOptions {
	return PathLossOptions{
		DefaultExponent:        DefaultPathLossExponent,
		UseSourceExponent:      true,
		FallbackDistanceStdDev: FallbackDistanceStdDev,
	}
}

// EstimateDistance inverts the free-space path-loss equation
//
//	Pr = Pt * k^2 / d^p,  k = c/(4*pi*f)
//
// in the dB domain to recover the source distance from an RSSI reading, and
// propagates the transmit-power, received-power and exponent variances to a
// distance variance by first-order error propagation. When the source does
// not expose an exponent while UseSourceExponent is set, or no variance
// input is available, the fallback standard deviation is used instead of a
// propagated value.
func EstimateDistance(r Reading, opts PathLossOptions) (distance, variance float64, err error) {
	if !r.HasRSSI() {
		return 0, 0, fmt.Errorf("%w: %s reading carries no RSSI", ErrInvalidArgument, r.Kind)
	}
	if r.Source == nil {
		return 0, 0, fmt.Errorf("%w: reading has no source", ErrInvalidArgument)
	}

	f := r.Source.Frequency
	if f <= 0 {
		f = DefaultFrequency
	}
	p := opts.DefaultExponent
	if p <= 0 {
		p = DefaultPathLossExponent
	}
	pStdDev := 0.0
	fallback := false
	if opts.UseSourceExponent {
		if r.Source.HasPathLossExponent {
			p = r.Source.PathLossExponent
			pStdDev = r.Source.PathLossExponentStdDev
		} else {
			fallback = true
		}
	}

	k := SpeedOfLight / (4 * math.Pi * f)
	loss := r.Source.TransmittedPower - r.RSSI + 20*math.Log10(k)
	distance = math.Pow(10, loss/(10*p))

	fallbackSD := opts.FallbackDistanceStdDev
	if fallbackSD <= 0 {
		fallbackSD = FallbackDistanceStdDev
	}
	if fallback {
		return distance, fallbackSD * fallbackSD, nil
	}

	// d = 10^(L/(10p)) with L = Pt - Pr + 20*log10(k), so
	// dd/dPt = d*ln10/(10p), dd/dPr = -dd/dPt, dd/dp = -dd/dPt * L/p.
	dLn := distance * math.Ln10 / (10 * p)
	variance = dLn*dLn*(sq(r.Source.TransmittedPowerStdDev)+sq(r.RSSIStdDev)) +
		sq(dLn*loss/p)*sq(pStdDev)
	if variance <= 0 {
		variance = fallbackSD * fallbackSD
	}
	return distance, variance, nil
}

func sq(x float64) float64 { return x * x }
