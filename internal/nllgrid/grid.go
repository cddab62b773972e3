// Package nllgrid owns the 3-D (and 2-D radially-symmetric) scalar grids
// that back travel-time lookup, probability-density output, and take-off
// angle storage for the location engine. It mirrors the buffer-ownership
// idiom the teacher's l3grid.BackgroundGrid uses for its 2-D
// occupancy grid, generalised to rectilinear 3-D fields with a textual
// header sidecar as required by the NLLoc grid file convention.
package nllgrid

import (
	"fmt"
	"math"
)

// Type identifies the semantic content of a grid's cells.
type Type int

const (
	TypeTime Type = iota
	TypeTime2D
	TypeVelocity
	TypeSlowness2
	TypeSlowLen
	TypeProbDensity
	TypeMisfit
	TypeLikelihood
	TypeLength
	TypeAngles
)

func (t Type) String() string {
	switch t {
	case TypeTime:
		return "TIME"
	case TypeTime2D:
		return "TIME2D"
	case TypeVelocity:
		return "VELOCITY"
	case TypeSlowness2:
		return "SLOW2"
	case TypeSlowLen:
		return "SLOW_LEN"
	case TypeProbDensity:
		return "PROB_DENSITY"
	case TypeMisfit:
		return "MISFIT"
	case TypeLikelihood:
		return "LIKELIHOOD"
	case TypeLength:
		return "LENGTH"
	case TypeAngles:
		return "ANGLES"
	default:
		return "UNKNOWN"
	}
}

// Element selects the on-disk numeric representation of a cell.
type Element int

const (
	ElementFloat32 Element = iota
	ElementFloat64
	ElementAngles
)

// InvalidValue is returned by interpolation when a lookup falls outside
// the grid by more than one cell. A lookup that touches a cell marked
// "no data" returns invalidSentinel instead.
const InvalidValue = -1.0

// invalidSentinel marks an individual cell as "no data" inside the buffer
// (distinct from InvalidValue, which is the interpolation-miss return).
const invalidSentinel = -1.0e30

// Desc declares a grid's geometry and identity. It is the in-memory form
// of the textual header sidecar described in spec.md section 6.
type Desc struct {
	Name         string // e.g. "STA.P.time" — grid title, used as cache key
	StationLabel string
	PhaseLabel   string
	Type         Type
	Element      Element

	NumX, NumY, NumZ int
	OrigX, OrigY, OrigZ float64
	DX, DY, DZ          float64

	// Station location, populated only for 2-D (radially symmetric) grids
	// per the header's optional source line.
	Is2D         bool
	StationLat   float64
	StationLong  float64
	StationDepth float64
	StationX     float64
	StationY     float64
	StationZ     float64
	StationElev  float64

	// GlobalMode indicates rectangular units are degrees, not km; affects
	// epicentral-distance-to-degrees conversion in 2-D lookups.
	GlobalMode bool

	SwapBytes bool // declared source byte order differs from host

	Cascade *CascadeDesc // non-nil for cascading grids
}

// CascadeDesc describes a cascading grid's depth-dependent lateral
// resolution, per spec.md section 3.
type CascadeDesc struct {
	Levels []CascadeLevel
}

// CascadeLevel is one depth band of a cascading grid. ScaleLog2 is the
// integer power-of-two coarsening factor applied to lateral indices at
// and below DepthStart.
type CascadeLevel struct {
	DepthStart float64
	ScaleLog2  int
	NumX, NumY int
}

func (c *CascadeDesc) levelFor(z float64) (CascadeLevel, int) {
	best := 0
	for i, lvl := range c.Levels {
		if z >= lvl.DepthStart {
			best = i
		}
	}
	return c.Levels[best], best
}

func (c *CascadeDesc) bufferSize() int {
	n := 0
	for _, lvl := range c.Levels {
		n += lvl.NumX * lvl.NumY
	}
	return n
}

// Grid owns a contiguous float64 buffer for one Desc. The reference
// representation is always float64 in memory; Element only affects the
// on-disk encoding (see io.go). float64 avoids the precision loss the
// spec's "float-else-double" element calls out for high-precision grids
// while keeping a single in-memory type.
type Grid struct {
	Desc Desc
	Buf  []float64
}

// Allocate reserves a contiguous buffer sized per Desc. Mirrors the grid
// store's Allocate contract in spec.md section 4.1: returns an error
// (callers treat it as the OUT_OF_MEMORY condition) rather than panicking.
func Allocate(desc Desc) (*Grid, error) {
	size := bufferSize(desc)
	if size <= 0 {
		return nil, fmt.Errorf("nllgrid: invalid buffer size %d for grid %q", size, desc.Name)
	}
	buf := make([]float64, size)
	return &Grid{Desc: desc, Buf: buf}, nil
}

func bufferSize(desc Desc) int {
	if desc.Cascade != nil {
		return desc.Cascade.bufferSize()
	}
	return desc.NumX * desc.NumY * desc.NumZ
}

// index computes the flat buffer offset for (ix,iy,iz), honoring the
// cascading-grid floor-division-by-2^scale rule from spec.md section 4.1.
// For regular grids the layout is z slowest, y, then x fastest, matching
// the binary buffer convention in spec.md section 6.
func (g *Grid) index(ix, iy, iz int) (int, error) {
	if g.Desc.Cascade != nil {
		return g.cascadeIndex(ix, iy, iz)
	}
	if ix < 0 || ix >= g.Desc.NumX || iy < 0 || iy >= g.Desc.NumY || iz < 0 || iz >= g.Desc.NumZ {
		return 0, fmt.Errorf("nllgrid: index (%d,%d,%d) out of bounds for %dx%dx%d", ix, iy, iz, g.Desc.NumX, g.Desc.NumY, g.Desc.NumZ)
	}
	return ix + g.Desc.NumX*(iy+g.Desc.NumY*iz), nil
}

func (g *Grid) cascadeIndex(ix, iy, iz int) (int, error) {
	c := g.Desc.Cascade
	if iz < 0 || iz >= g.Desc.NumZ {
		return 0, fmt.Errorf("nllgrid: cascade z index %d out of bounds", iz)
	}
	z := g.Desc.OrigZ + float64(iz)*g.Desc.DZ
	lvl, levelIdx := c.levelFor(z)
	scale := 1 << uint(lvl.ScaleLog2)
	// Floor-division, not truncation, so this matches for any sign of ix/iy.
	lx := floorDiv(ix, scale)
	ly := floorDiv(iy, scale)
	if lx < 0 || lx >= lvl.NumX || ly < 0 || ly >= lvl.NumY {
		return 0, fmt.Errorf("nllgrid: cascade lateral index (%d,%d) out of bounds at level %d", lx, ly, levelIdx)
	}
	offset := 0
	for i := 0; i < levelIdx; i++ {
		offset += c.Levels[i].NumX * c.Levels[i].NumY
	}
	return offset + lx + lvl.NumX*ly, nil
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// At reads the cell at integer (ix,iy,iz).
func (g *Grid) At(ix, iy, iz int) (float64, error) {
	idx, err := g.index(ix, iy, iz)
	if err != nil {
		return 0, err
	}
	return g.Buf[idx], nil
}

// Set writes the cell at integer (ix,iy,iz).
func (g *Grid) Set(ix, iy, iz int, v float64) error {
	idx, err := g.index(ix, iy, iz)
	if err != nil {
		return err
	}
	g.Buf[idx] = v
	return nil
}

// MarkInvalid flags a cell as having no data, distinct from a legitimate
// zero value.
func (g *Grid) MarkInvalid(ix, iy, iz int) error {
	return g.Set(ix, iy, iz, invalidSentinel)
}

func isInvalidCell(v float64) bool {
	return v <= invalidSentinel/2
}

// Interpolate3D performs trilinear interpolation at a real-valued
// (x,y,z), per spec.md section 4.1. Returns InvalidValue if the point
// lies outside the grid by more than one cell, and invalidSentinel if any
// surrounding corner is marked invalid. Cascading grids are not
// interpolated (see interpolateCascade).
func (g *Grid) Interpolate3D(x, y, z float64) float64 {
	if g.Desc.Cascade != nil {
		return g.interpolateCascade(x, y, z)
	}
	fx := (x - g.Desc.OrigX) / g.Desc.DX
	fy := (y - g.Desc.OrigY) / g.Desc.DY
	fz := (z - g.Desc.OrigZ) / g.Desc.DZ

	if fx < -1 || fx > float64(g.Desc.NumX) || fy < -1 || fy > float64(g.Desc.NumY) || fz < -1 || fz > float64(g.Desc.NumZ) {
		return InvalidValue
	}

	ix0 := clampIndex(int(math.Floor(fx)), g.Desc.NumX)
	iy0 := clampIndex(int(math.Floor(fy)), g.Desc.NumY)
	iz0 := clampIndex(int(math.Floor(fz)), g.Desc.NumZ)
	ix1 := clampIndex(ix0+1, g.Desc.NumX)
	iy1 := clampIndex(iy0+1, g.Desc.NumY)
	iz1 := clampIndex(iz0+1, g.Desc.NumZ)

	tx := fx - math.Floor(fx)
	ty := fy - math.Floor(fy)
	tz := fz - math.Floor(fz)
	if ix0 == g.Desc.NumX-1 {
		tx = 0
	}
	if iy0 == g.Desc.NumY-1 {
		ty = 0
	}
	if iz0 == g.Desc.NumZ-1 {
		tz = 0
	}

	c000, e1 := g.At(ix0, iy0, iz0)
	c100, e2 := g.At(ix1, iy0, iz0)
	c010, e3 := g.At(ix0, iy1, iz0)
	c110, e4 := g.At(ix1, iy1, iz0)
	c001, e5 := g.At(ix0, iy0, iz1)
	c101, e6 := g.At(ix1, iy0, iz1)
	c011, e7 := g.At(ix0, iy1, iz1)
	c111, e8 := g.At(ix1, iy1, iz1)
	if e1 != nil || e2 != nil || e3 != nil || e4 != nil || e5 != nil || e6 != nil || e7 != nil || e8 != nil {
		return InvalidValue
	}
	for _, c := range []float64{c000, c100, c010, c110, c001, c101, c011, c111} {
		if isInvalidCell(c) {
			return invalidSentinel
		}
	}

	c00 := c000*(1-tx) + c100*tx
	c10 := c010*(1-tx) + c110*tx
	c01 := c001*(1-tx) + c101*tx
	c11 := c011*(1-tx) + c111*tx
	c0 := c00*(1-ty) + c10*ty
	c1 := c01*(1-ty) + c11*ty
	return c0*(1-tz) + c1*tz
}

func (g *Grid) interpolateCascade(x, y, z float64) float64 {
	fz := (z - g.Desc.OrigZ) / g.Desc.DZ
	if fz < -1 || fz > float64(g.Desc.NumZ) {
		return InvalidValue
	}
	lvl, _ := g.Desc.Cascade.levelFor(z)
	scale := float64(int(1) << uint(lvl.ScaleLog2))
	fx := (x - g.Desc.OrigX) / (g.Desc.DX * scale)
	fy := (y - g.Desc.OrigY) / (g.Desc.DY * scale)
	if fx < -1 || fx > float64(lvl.NumX) || fy < -1 || fy > float64(lvl.NumY) {
		return InvalidValue
	}
	ix0 := clampIndex(int(math.Floor(fx)), lvl.NumX)
	iy0 := clampIndex(int(math.Floor(fy)), lvl.NumY)
	iz0 := clampIndex(int(math.Floor(fz)), g.Desc.NumZ)
	// No interpolation is done for cascading grids: the value of the cell
	// at the floor of (x,y) in the level's lateral spacing and the floor
	// of z is returned as is, with no blending in x, y or z.
	v, err := g.At(ix0*int(scale), iy0*int(scale), iz0)
	if err != nil {
		return InvalidValue
	}
	if isInvalidCell(v) {
		return invalidSentinel
	}
	return v
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// InterpolateRadial performs bilinear interpolation in (distance, z) for
// a 2-D radially-symmetric travel-time sheet, per spec.md section 4.1.
// dist is epicentral distance in the grid's native units (already
// converted to degrees by the caller in global mode).
func (g *Grid) InterpolateRadial(dist, z float64) float64 {
	fx := (dist - g.Desc.OrigX) / g.Desc.DX
	fz := (z - g.Desc.OrigZ) / g.Desc.DZ
	if fx < -1 || fx > float64(g.Desc.NumX) || fz < -1 || fz > float64(g.Desc.NumZ) {
		return InvalidValue
	}
	ix0 := clampIndex(int(math.Floor(fx)), g.Desc.NumX)
	iz0 := clampIndex(int(math.Floor(fz)), g.Desc.NumZ)
	ix1 := clampIndex(ix0+1, g.Desc.NumX)
	iz1 := clampIndex(iz0+1, g.Desc.NumZ)
	tx := fx - math.Floor(fx)
	tz := fz - math.Floor(fz)
	if ix0 == g.Desc.NumX-1 {
		tx = 0
	}
	if iz0 == g.Desc.NumZ-1 {
		tz = 0
	}
	c00, e1 := g.At(ix0, 0, iz0)
	c10, e2 := g.At(ix1, 0, iz0)
	c01, e3 := g.At(ix0, 0, iz1)
	c11, e4 := g.At(ix1, 0, iz1)
	if e1 != nil || e2 != nil || e3 != nil || e4 != nil {
		return InvalidValue
	}
	for _, c := range []float64{c00, c10, c01, c11} {
		if isInvalidCell(c) {
			return invalidSentinel
		}
	}
	c0 := c00*(1-tx) + c10*tx
	c1 := c01*(1-tx) + c11*tx
	return c0*(1-tz) + c1*tz
}

// KM2DEG converts kilometers to degrees along a great circle, used when
// converting epicentral distance to degrees in GLOBAL mode.
const KM2DEG = 1.0 / 111.1949266

// ExpectationCovariance computes the mean and centered second-moment
// matrix over every non-invalid cell of a probability-density grid,
// weighted by cell value. It is the grid-level primitive that
// internal/nllstat builds the confidence ellipsoid on top of (spec.md
// section 4.1's grid-arithmetic contract and section 4.8).
func (g *Grid) ExpectationCovariance() (mean [3]float64, cov [6]float64, sumWeight float64, err error) {
	if g.Desc.Cascade != nil {
		return mean, cov, 0, fmt.Errorf("nllgrid: expectation/covariance over cascading grids is not supported directly; draw a scatter first")
	}
	var sw, sx, sy, sz float64
	for iz := 0; iz < g.Desc.NumZ; iz++ {
		z := g.Desc.OrigZ + float64(iz)*g.Desc.DZ
		for iy := 0; iy < g.Desc.NumY; iy++ {
			y := g.Desc.OrigY + float64(iy)*g.Desc.DY
			for ix := 0; ix < g.Desc.NumX; ix++ {
				x := g.Desc.OrigX + float64(ix)*g.Desc.DX
				v, _ := g.At(ix, iy, iz)
				if isInvalidCell(v) || v <= 0 {
					continue
				}
				sw += v
				sx += v * x
				sy += v * y
				sz += v * z
			}
		}
	}
	if sw <= 0 {
		return mean, cov, 0, fmt.Errorf("nllgrid: PDF grid has zero total weight")
	}
	mx, my, mz := sx/sw, sy/sw, sz/sw
	var cxx, cyy, czz, cxy, cxz, cyz float64
	for iz := 0; iz < g.Desc.NumZ; iz++ {
		z := g.Desc.OrigZ + float64(iz)*g.Desc.DZ
		for iy := 0; iy < g.Desc.NumY; iy++ {
			y := g.Desc.OrigY + float64(iy)*g.Desc.DY
			for ix := 0; ix < g.Desc.NumX; ix++ {
				x := g.Desc.OrigX + float64(ix)*g.Desc.DX
				v, _ := g.At(ix, iy, iz)
				if isInvalidCell(v) || v <= 0 {
					continue
				}
				dx, dy, dz := x-mx, y-my, z-mz
				cxx += v * dx * dx
				cyy += v * dy * dy
				czz += v * dz * dz
				cxy += v * dx * dy
				cxz += v * dx * dz
				cyz += v * dy * dz
			}
		}
	}
	return [3]float64{mx, my, mz}, [6]float64{cxx / sw, cyy / sw, czz / sw, cxy / sw, cxz / sw, cyz / sw}, sw, nil
}

// Normalize scales every valid cell so that Σ value · cellVolume == 1,
// turning a likelihood grid into a probability-density grid.
func (g *Grid) Normalize() error {
	if g.Desc.Cascade != nil {
		return fmt.Errorf("nllgrid: Normalize does not support cascading grids")
	}
	cellVol := g.Desc.DX * g.Desc.DY * g.Desc.DZ
	if cellVol <= 0 {
		return fmt.Errorf("nllgrid: invalid cell volume")
	}
	var sum float64
	for _, v := range g.Buf {
		if !isInvalidCell(v) && v > 0 {
			sum += v
		}
	}
	if sum <= 0 {
		return fmt.Errorf("nllgrid: cannot normalize a grid with zero total mass")
	}
	norm := 1.0 / (sum * cellVol)
	for i, v := range g.Buf {
		if !isInvalidCell(v) {
			g.Buf[i] = v * norm
		}
	}
	return nil
}

// AddScalar adds a constant to every valid cell.
func (g *Grid) AddScalar(c float64) {
	for i, v := range g.Buf {
		if !isInvalidCell(v) {
			g.Buf[i] = v + c
		}
	}
}

// MulScalar multiplies every valid cell by a constant.
func (g *Grid) MulScalar(c float64) {
	for i, v := range g.Buf {
		if !isInvalidCell(v) {
			g.Buf[i] = v * c
		}
	}
}

// Add adds another identically-shaped grid elementwise.
func (g *Grid) Add(other *Grid) error {
	if len(g.Buf) != len(other.Buf) {
		return fmt.Errorf("nllgrid: shape mismatch in Add (%d vs %d)", len(g.Buf), len(other.Buf))
	}
	for i := range g.Buf {
		if !isInvalidCell(g.Buf[i]) && !isInvalidCell(other.Buf[i]) {
			g.Buf[i] += other.Buf[i]
		}
	}
	return nil
}

// Sub subtracts another identically-shaped grid elementwise.
func (g *Grid) Sub(other *Grid) error {
	if len(g.Buf) != len(other.Buf) {
		return fmt.Errorf("nllgrid: shape mismatch in Sub (%d vs %d)", len(g.Buf), len(other.Buf))
	}
	for i := range g.Buf {
		if !isInvalidCell(g.Buf[i]) && !isInvalidCell(other.Buf[i]) {
			g.Buf[i] -= other.Buf[i]
		}
	}
	return nil
}

// MisfitToLikelihood converts a misfit value to a likelihood under the
// Gaussian-error model: L = exp(-0.5 * (misfit/sigma)^2 / n), per
// spec.md section 4.1.
func MisfitToLikelihood(misfit, sigma float64, n int) float64 {
	if sigma <= 0 || n <= 0 {
		return 0
	}
	r := misfit / sigma
	return math.Exp(-0.5 * r * r / float64(n))
}
