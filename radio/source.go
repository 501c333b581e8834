// Package radio models located radio sources and the signal readings taken
// against them at an unknown position, and converts RSSI readings into
// pseudo-range measurements through the log-distance path-loss model.
package radio

import (
	"errors"
	"fmt"
)

var ErrInvalidArgument = errors.New("radio: invalid argument")

const (
	// SpeedOfLight in m/s.
	SpeedOfLight = 299792458.0

	// DefaultFrequency is assumed when a source does not declare a carrier
	// frequency (2.4 GHz ISM band).
	DefaultFrequency = 2.4e9

	// DefaultPathLossExponent models free-space propagation.
	DefaultPathLossExponent = 2.0
)

// Source is a radio emitter at a known position. Immutable once built;
// estimators reference sources, they never copy or mutate them.
type Source struct {
	ID       string
	Position []float64

	TransmittedPower       float64 // dBm
	TransmittedPowerStdDev float64
	Frequency              float64 // Hz

	PathLossExponent       float64
	PathLossExponentStdDev float64
	HasPathLossExponent    bool
}

// NewSource builds a source with a known position and transmitted power.
// The position must have 2 or 3 components.
func NewSource(id string, position []float64, txPowerDbm float64) (*Source, error) {
	if len(position) != 2 && len(position) != 3 {
		return nil, fmt.Errorf("%w: position must have 2 or 3 components, got %d", ErrInvalidArgument, len(position))
	}
	pos := make([]float64, len(position))
	copy(pos, position)
	return &Source{
		ID:               id,
		Position:         pos,
		TransmittedPower: txPowerDbm,
		Frequency:        DefaultFrequency,
	}, nil
}

// NewSourceWithPathLoss builds a source that additionally exposes its own
// path-loss exponent.
func NewSourceWithPathLoss(id string, position []float64, txPowerDbm, pathLossExponent float64) (*Source, error) {
	if pathLossExponent <= 0 {
		return nil, fmt.Errorf("%w: path-loss exponent must be positive", ErrInvalidArgument)
	}
	s, err := NewSource(id, position, txPowerDbm)
	if err != nil {
		return nil, err
	}
	s.PathLossExponent = pathLossExponent
	s.HasPathLossExponent = true
	return s, nil
}

// Dimensions returns the dimensionality of the source position.
func (s *Source) Dimensions() int {
	return len(s.Position)
}
