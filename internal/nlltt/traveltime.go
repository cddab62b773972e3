// Package nlltt presents, per arrival, a function (x,y,z) -> predicted
// travel time, resolving companion references, 3-D grids, and 2-D
// radially-symmetric sheets, per spec.md section 4.3.
package nlltt

import (
	"fmt"

	"github.com/nllgo/nlloc/internal/nllgrid"
	"github.com/nllgo/nlloc/internal/nllobs"
)

// Invalid is returned when no travel time can be computed.
const Invalid = nllgrid.InvalidValue

// Source binds one arrival to its travel-time grid (or its companion's),
// plus an optional co-located take-off-angle grid.
type Source struct {
	Arrival    *nllobs.Arrival
	Grid       *nllgrid.Grid // nil if this arrival is a companion
	AnglesGrid *nllgrid.Grid // optional
	TFact      float64       // multiplier, e.g. Vp/Vs for S derived from P
	GlobalMode bool
}

// Table resolves travel times for a set of arrivals that may reference
// each other as companions, per spec.md section 4.3's resolution order.
type Table struct {
	sources []*Source
}

// NewTable builds a Table from sources. Index order must match the
// arrival slice's order so CompanionOf indices resolve correctly.
func NewTable(sources []*Source) *Table {
	return &Table{sources: sources}
}

// TT returns the predicted travel time for source i at (x,y,z), seconds,
// or Invalid. The result is multiplied by TFact, per spec.md section 4.3.
func (t *Table) TT(i int, x, y, z float64) float64 {
	s := t.sources[i]
	if s.Arrival.CompanionOf >= 0 {
		return t.TT(s.Arrival.CompanionOf, x, y, z) * (s.TFact / nonZero(t.sources[s.Arrival.CompanionOf].TFact))
	}
	if s.Grid == nil {
		return Invalid
	}
	var raw float64
	if s.Grid.Desc.Is2D {
		d := s.Arrival.DistanceKm(x, y)
		raw = s.Grid.InterpolateRadial(ToDegrees(d, s.GlobalMode), z)
	} else {
		raw = s.Grid.Interpolate3D(x, y, z)
	}
	if raw == Invalid || raw <= nllgrid.InvalidValue {
		return Invalid
	}
	return raw * s.TFact
}

// ToDegrees converts a km epicentral distance to degrees when global
// mode is active, per spec.md section 4.1's 2-D interpolation rule.
func ToDegrees(distKm float64, global bool) float64 {
	if !global {
		return distKm
	}
	return distKm * nllgrid.KM2DEG
}

func nonZero(v float64) float64 {
	if v == 0 {
		return 1
	}
	return v
}

// RayAngles returns (azimuth, dip, quality) for source i at (x,y,z) if an
// angles grid is attached and the quality is acceptable, per spec.md
// section 4.1's Type-A angles grid contract.
func (t *Table) RayAngles(i int, x, y, z float64) (az, dip, quality float64, ok bool) {
	s := t.sources[i]
	if s.Arrival.CompanionOf >= 0 {
		return t.RayAngles(s.Arrival.CompanionOf, x, y, z)
	}
	if s.AnglesGrid == nil {
		return 0, 0, 0, false
	}
	cell, err := s.AnglesGrid.NearestAngles(x, y, z)
	if err != nil {
		return 0, 0, 0, false
	}
	return float64(cell.AzimuthTenthDeg) / 10.0, float64(cell.DipTenthDeg) / 10.0, float64(cell.Quality), true
}

// ValidateShape reports an error if sources is empty; a thin guard the
// orchestrator calls before starting a search.
func ValidateShape(sources []*Source) error {
	if len(sources) == 0 {
		return fmt.Errorf("nlltt: no travel-time sources for this event")
	}
	return nil
}
