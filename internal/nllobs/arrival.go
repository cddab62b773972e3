// Package nllobs holds the observation model (spec.md section 4.4): phase
// arrivals read from a pick file, phase-ID equivalence, quality-to-error
// mapping, station/distance weighting, and companion-arrival detection.
package nllobs

import (
	"fmt"
	"math"
)

// Onset classifies how sharply a phase arrival is picked.
type Onset int

const (
	OnsetImpulsive Onset = iota
	OnsetEmergent
	OnsetQuestionable
)

// Arrival is one observed phase pick, per spec.md section 3.
type Arrival struct {
	Label       string // station label
	Instrument  string
	Component   string
	Phase       string // as read; resolved to canonical via phase-ID table
	CanonPhase  string
	Onset       Onset
	ObsTime     float64 // seconds, absolute within the event epoch
	Sigma       float64 // a-priori error, seconds
	PriorWeight float64 // prior-weight token from the input line
	Weight      float64 // combined distance * station * prior weight, filled by orchestrator
	Ignore      bool
	IgnoreMsg   string

	StationX, StationY, StationZ float64
	StationLat, StationLong      float64

	Delay float64 // station delay / total phase correction, added to ObsTime

	GridTitle string // travel-time grid identity (station+phase+type)
	CompanionOf int   // index into the arrival slice of the owning arrival, -1 if this is the owner

	// Differential-time mode
	DDEventID1, DDEventID2 int
	DDTime                 float64
	HasDD                  bool

	// Filled by the evaluator's "save best" pass (spec.md section 4.5)
	PredictedTravelTime float64
	Residual            float64
	Distance            float64
	Azimuth             float64
	RayAzimuth          float64
	RayDip              float64
	RayQuality          float64
}

// LocQual2Err maps onset-quality classes {0,1,2,3,4} to a-priori error in
// seconds, per spec.md section 6's LOCQUAL2ERR control statement.
type LocQual2Err [5]float64

// DefaultLocQual2Err follows the conventional NLLoc default progression.
var DefaultLocQual2Err = LocQual2Err{0.01, 0.05, 0.1, 0.5, 1.0}

// SigmaForQuality returns the a-priori error for a quality class 0-4,
// clamping out-of-range classes to the nearest valid one.
func (q LocQual2Err) SigmaForQuality(class int) float64 {
	if class < 0 {
		class = 0
	}
	if class > 4 {
		class = 4
	}
	return q[class]
}

// SigmaForOnset gives a default error in seconds per onset class, used
// when no explicit quality class or error is supplied.
func SigmaForOnset(o Onset) float64 {
	switch o {
	case OnsetImpulsive:
		return 0.05
	case OnsetEmergent:
		return 0.2
	case OnsetQuestionable:
		return 1.0
	default:
		return 0.5
	}
}

// DistanceKm returns the epicentral distance in km from (x,y) to the
// station, ignoring depth.
func (a *Arrival) DistanceKm(x, y float64) float64 {
	dx := a.StationX - x
	dy := a.StationY - y
	return math.Sqrt(dx*dx + dy*dy)
}

// AzimuthDeg returns the azimuth in degrees from (x,y) toward the
// station, 0 = north, clockwise positive.
func (a *Arrival) AzimuthDeg(x, y float64) float64 {
	dx := a.StationX - x
	dy := a.StationY - y
	az := math.Atan2(dx, dy) * 180 / math.Pi
	if az < 0 {
		az += 360
	}
	return az
}

// ObservedMinusDelay returns the delay-corrected observed time used as
// the right-hand side of the residual equation in spec.md section 4.5.
func (a *Arrival) ObservedMinusDelay() float64 {
	return a.ObsTime - a.Delay
}

// Validate reports whether the arrival carries the minimum fields needed
// to participate in a location.
func (a *Arrival) Validate() error {
	if a.Label == "" {
		return fmt.Errorf("nllobs: arrival missing station label")
	}
	if a.Sigma <= 0 {
		return fmt.Errorf("nllobs: arrival %s/%s has non-positive sigma", a.Label, a.Phase)
	}
	return nil
}
