package radio

import "fmt"

// ReadingKind discriminates the closed set of reading variants.
type ReadingKind int

const (
	// RangingKind carries a direct distance measurement.
	RangingKind ReadingKind = iota
	// RSSIKind carries a received signal strength measurement.
	RSSIKind
	// RangingAndRSSIKind carries both.
	RangingAndRSSIKind
)

func (k ReadingKind) String() string {
	switch k {
	case RangingKind:
		return "ranging"
	case RSSIKind:
		return "rssi"
	case RangingAndRSSIKind:
		return "ranging+rssi"
	default:
		return fmt.Sprintf("ReadingKind(%d)", int(k))
	}
}

// Reading is one measurement against a single source. Which of the value
// fields are meaningful is determined by Kind; use HasDistance and HasRSSI
// rather than inspecting Kind directly.
type Reading struct {
	Kind   ReadingKind
	Source *Source

	Distance       float64
	DistanceStdDev float64

	RSSI       float64 // dBm
	RSSIStdDev float64
}

// NewRangingReading builds a direct range reading. stdDev may be zero when
// the measurement uncertainty is unknown.
func NewRangingReading(src *Source, distance, stdDev float64) (Reading, error) {
	if src == nil {
		return Reading{}, fmt.Errorf("%w: reading requires a source", ErrInvalidArgument)
	}
	if distance < 0 || stdDev < 0 {
		return Reading{}, fmt.Errorf("%w: distance and std dev must be non-negative", ErrInvalidArgument)
	}
	return Reading{Kind: RangingKind, Source: src, Distance: distance, DistanceStdDev: stdDev}, nil
}

// NewRSSIReading builds a received-power reading in dBm.
func NewRSSIReading(src *Source, rssiDbm, stdDev float64) (Reading, error) {
	if src == nil {
		return Reading{}, fmt.Errorf("%w: reading requires a source", ErrInvalidArgument)
	}
	if stdDev < 0 {
		return Reading{}, fmt.Errorf("%w: std dev must be non-negative", ErrInvalidArgument)
	}
	return Reading{Kind: RSSIKind, Source: src, RSSI: rssiDbm, RSSIStdDev: stdDev}, nil
}

// NewRangingAndRSSIReading builds a reading carrying both a direct range and
// a received power.
func NewRangingAndRSSIReading(src *Source, distance, distStdDev, rssiDbm, rssiStdDev float64) (Reading, error) {
	if src == nil {
		return Reading{}, fmt.Errorf("%w: reading requires a source", ErrInvalidArgument)
	}
	if distance < 0 || distStdDev < 0 || rssiStdDev < 0 {
		return Reading{}, fmt.Errorf("%w: distance and std devs must be non-negative", ErrInvalidArgument)
	}
	return Reading{
		Kind:           RangingAndRSSIKind,
		Source:         src,
		Distance:       distance,
		DistanceStdDev: distStdDev,
		RSSI:           rssiDbm,
		RSSIStdDev:     rssiStdDev,
	}, nil
}

// HasDistance reports whether the reading carries a direct range.
func (r Reading) HasDistance() bool {
	return r.Kind == RangingKind || r.Kind == RangingAndRSSIKind
}

// HasRSSI reports whether the reading carries a received power.
func (r Reading) HasRSSI() bool {
	return r.Kind == RSSIKind || r.Kind == RangingAndRSSIKind
}

// Fingerprint is an ordered collection of readings captured at the unknown
// position.
type Fingerprint struct {
	Readings []Reading
}

// NewFingerprint validates that every reading references a source and wraps
// the collection.
func NewFingerprint(readings []Reading) (*Fingerprint, error) {
	for i, r := range readings {
		if r.Source == nil {
			return nil, fmt.Errorf("%w: reading %d has no source", ErrInvalidArgument, i)
		}
	}
	return &Fingerprint{Readings: readings}, nil
}
