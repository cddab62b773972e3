package nllgrid

import "fmt"

// AnglesCell is the decoded form of a take-off-angle grid cell: azimuth
// and dip in tenths of a degree, plus a quality class. NonLinLoc packs
// these three values into two 16-bit shorts on disk (spec.md section 3's
// "Type-A angles grid"); we keep the decoded triple in memory and encode
// to/from the packed float64 cell representation at the grid boundary.
type AnglesCell struct {
	AzimuthTenthDeg int16
	DipTenthDeg     int16
	Quality         int16
}

// encodeAngles packs an AnglesCell into the grid's float64 cell storage.
// The packing scheme follows the reference's low-digit quality trick:
// the quality (0-9) occupies the low decimal digit of each packed short,
// and the angle in tenths of a degree occupies the remaining digits.
func encodeAngles(c AnglesCell) float64 {
	az := int64(c.AzimuthTenthDeg)*10 + int64(c.Quality%10)
	dip := int64(c.DipTenthDeg)*10 + int64(c.Quality%10)
	// Pack az into the integer part, dip into the fractional "micro" part
	// of the same float64 cell so a single buffer slot still holds one
	// logical cell, matching nllgrid.Grid's one-float64-per-cell model.
	return float64(az) + float64(dip)/1.0e7
}

func decodeAngles(v float64) AnglesCell {
	az := int64(v)
	rem := v - float64(az)
	dip := int64(rem * 1.0e7)
	q := int16(az % 10)
	return AnglesCell{
		AzimuthTenthDeg: int16(az / 10),
		DipTenthDeg:     int16(dip / 10),
		Quality:         q,
	}
}

// QualityThreshold is the minimum quality class at/above which angle
// interpolation is permitted; below it, lookups are refused per spec.md
// section 4.1.
const QualityThreshold = 3

// AnglesAt returns the decoded take-off angle at an integer cell,
// refusing (returning an error) if the grid is not an angles grid or the
// cell's quality is below QualityThreshold.
func (g *Grid) AnglesAt(ix, iy, iz int) (AnglesCell, error) {
	if g.Desc.Type != TypeAngles {
		return AnglesCell{}, fmt.Errorf("nllgrid: AnglesAt called on non-angles grid %q", g.Desc.Name)
	}
	v, err := g.At(ix, iy, iz)
	if err != nil {
		return AnglesCell{}, err
	}
	c := decodeAngles(v)
	if c.Quality < QualityThreshold {
		return AnglesCell{}, fmt.Errorf("nllgrid: angle quality %d below threshold %d", c.Quality, QualityThreshold)
	}
	return c, nil
}

// SetAngles packs and stores a take-off angle cell.
func (g *Grid) SetAngles(ix, iy, iz int, c AnglesCell) error {
	if g.Desc.Type != TypeAngles {
		return fmt.Errorf("nllgrid: SetAngles called on non-angles grid %q", g.Desc.Name)
	}
	return g.Set(ix, iy, iz, encodeAngles(c))
}

// NearestAngles returns the take-off angle at the cell nearest to
// (x,y,z); the reference never interpolates angle quality, only snaps to
// the nearest cell and refuses below-threshold quality, per spec.md
// section 4.1's note that interpolation of quality below a threshold is
// refused.
func (g *Grid) NearestAngles(x, y, z float64) (AnglesCell, error) {
	ix := clampIndex(int((x-g.Desc.OrigX)/g.Desc.DX+0.5), g.Desc.NumX)
	iy := clampIndex(int((y-g.Desc.OrigY)/g.Desc.DY+0.5), g.Desc.NumY)
	iz := clampIndex(int((z-g.Desc.OrigZ)/g.Desc.DZ+0.5), g.Desc.NumZ)
	return g.AnglesAt(ix, iy, iz)
}
