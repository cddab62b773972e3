package nllobs

import (
	"log"
	"math"
)

// FilterOptions controls the arrival-rejection rules of spec.md section
// 4.4: duplicate arrivals, excluded stations, stations outside the
// search region, and phases whose travel-time grid cannot be opened
// (reported by the caller via GridOpenError, since that requires the
// travel-time lookup layer).
type FilterOptions struct {
	ExcludedStations map[string]bool
	IncludedStations map[string]bool // if non-empty, only these are kept
	DuplicateTolSec  float64         // same label+phase within this many seconds -> duplicate
	DistStaGridMax   float64         // km; stations farther than this from the grid center are rejected
	GridCenterX      float64
	GridCenterY      float64
}

// DefaultFilterOptions returns permissive defaults.
func DefaultFilterOptions() FilterOptions {
	return FilterOptions{DuplicateTolSec: 0.01, DistStaGridMax: 1e9}
}

// Filter applies station inclusion/exclusion, duplicate suppression, and
// distance-from-grid rejection in place, marking rejected arrivals
// Ignore=true with a reason and returning the count of surviving
// (non-ignored) arrivals.
func Filter(arrivals []*Arrival, opt FilterOptions) int {
	seen := make(map[string]float64) // "label|phase" -> last obs time kept
	kept := 0
	for _, a := range arrivals {
		if a.Ignore {
			continue
		}
		if len(opt.IncludedStations) > 0 && !opt.IncludedStations[a.Label] {
			a.Ignore = true
			a.IgnoreMsg = "station not in LOCINCLUDE list"
			continue
		}
		if opt.ExcludedStations[a.Label] {
			a.Ignore = true
			a.IgnoreMsg = "station in LOCEXCLUDE list"
			continue
		}
		if opt.DistStaGridMax > 0 {
			d := a.DistanceKm(opt.GridCenterX, opt.GridCenterY)
			if d > opt.DistStaGridMax {
				a.Ignore = true
				a.IgnoreMsg = "station beyond DistStaGridMax"
				continue
			}
		}
		key := a.Label + "|" + a.CanonPhase
		if last, ok := seen[key]; ok && math.Abs(a.ObsTime-last) <= opt.DuplicateTolSec {
			a.Ignore = true
			a.IgnoreMsg = "duplicate arrival"
			continue
		}
		seen[key] = a.ObsTime
		kept++
	}
	return kept
}

// DetectCompanions groups arrivals sharing the same travel-time grid
// (station + canonical phase) and sets CompanionOf on every arrival
// after the first to -1 for the owner and the owner's index for
// followers, per the companion mechanism in spec.md section 3 (ii).
func DetectCompanions(arrivals []*Arrival) {
	owner := make(map[string]int)
	for i, a := range arrivals {
		if a.Ignore {
			continue
		}
		key := a.Label + "|" + a.CanonPhase
		if ownerIdx, ok := owner[key]; ok {
			a.CompanionOf = ownerIdx
			a.GridTitle = arrivals[ownerIdx].GridTitle
		} else {
			owner[key] = i
			a.CompanionOf = -1
			if a.GridTitle == "" {
				a.GridTitle = key
			}
		}
	}
}

// DistanceWeight implements the distance-weighting scheme of spec.md
// section 4.5: after a cutoff d*, w(d) = exp(-((d-d*)/d*)^2).
func DistanceWeight(distKm, cutoffKm float64) float64 {
	if cutoffKm <= 0 || distKm <= cutoffKm {
		return 1.0
	}
	r := (distKm - cutoffKm) / cutoffKm
	return math.Exp(-r * r)
}

// StationDensityWeight implements the LOCSTAWT station-density
// de-weighting supplemented from original_source (SPEC_FULL.md section
// 6): stations clustered tightly together are down-weighted relative to
// isolated ones, so a dense local array does not dominate the azimuthal
// coverage. radiusKm is the neighborhood radius; stations is every
// surviving station's (x,y) in the same projected frame.
func StationDensityWeight(stationX, stationY float64, allX, allY []float64, radiusKm float64) float64 {
	if radiusKm <= 0 || len(allX) == 0 {
		return 1.0
	}
	count := 0
	for i := range allX {
		dx := allX[i] - stationX
		dy := allY[i] - stationY
		if math.Hypot(dx, dy) <= radiusKm {
			count++
		}
	}
	if count < 1 {
		count = 1
	}
	return 1.0 / math.Sqrt(float64(count))
}

// ApplyWeights computes and stores the combined per-arrival weight
// (distance * station-density * prior-weight), and logs how many
// arrivals remain usable, per spec.md section 4.10 step 3.
func ApplyWeights(arrivals []*Arrival, x, y float64, distCutoffKm, staRadiusKm float64) {
	var xs, ys []float64
	for _, a := range arrivals {
		if !a.Ignore {
			xs = append(xs, a.StationX)
			ys = append(ys, a.StationY)
		}
	}
	n := 0
	for _, a := range arrivals {
		if a.Ignore {
			continue
		}
		d := a.DistanceKm(x, y)
		a.Distance = d
		dw := DistanceWeight(d, distCutoffKm)
		sw := StationDensityWeight(a.StationX, a.StationY, xs, ys, staRadiusKm)
		a.Weight = dw * sw * a.PriorWeight
		n++
	}
	log.Printf("[nllobs] weighted %d surviving arrivals (distance cutoff=%.1fkm, station radius=%.1fkm)", n, distCutoffKm, staRadiusKm)
}
