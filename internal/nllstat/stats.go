// Package nllstat computes posterior location statistics from a scatter
// sample, per spec.md section 4.8: expectation, covariance, and
// confidence ellipsoids via eigendecomposition.
package nllstat

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Chi-squared 68% critical values used by the reference for the 3-D
// ellipsoid and the 2-D horizontal ellipse (spec.md section 4.8).
const (
	DeltaChiSq3D = 3.53
	DeltaChiSq2D = 2.28
)

// Point is one posterior sample position.
type Point struct {
	X, Y, Z float64
}

// Expectation returns the sample mean position.
func Expectation(points []Point) (Point, error) {
	if len(points) == 0 {
		return Point{}, errEmpty
	}
	var sx, sy, sz float64
	for _, p := range points {
		sx += p.X
		sy += p.Y
		sz += p.Z
	}
	n := float64(len(points))
	return Point{sx / n, sy / n, sz / n}, nil
}

var errEmpty = statError("nllstat: empty scatter sample")

type statError string

func (e statError) Error() string { return string(e) }

// Covariance returns the centered 3x3 second-moment matrix (symmetric).
func Covariance(points []Point, mean Point) *mat.SymDense {
	n := float64(len(points))
	var cxx, cxy, cxz, cyy, cyz, czz float64
	for _, p := range points {
		dx, dy, dz := p.X-mean.X, p.Y-mean.Y, p.Z-mean.Z
		cxx += dx * dx
		cxy += dx * dy
		cxz += dx * dz
		cyy += dy * dy
		cyz += dy * dz
		czz += dz * dz
	}
	cov := mat.NewSymDense(3, []float64{cxx / n, cxy / n, cxz / n, cyy / n, cyz / n, czz / n})
	return cov
}

// Axis is one principal semi-axis of a confidence ellipsoid: azimuth
// and dip in degrees, and length (same units as the input points).
type Axis struct {
	AzimuthDeg, DipDeg, Length float64
}

// Ellipsoid3D eigen-decomposes cov and returns the three semi-axes
// scaled by sqrt(DeltaChiSq3D * eigenvalue), ordered longest first.
// rotationDeg post-rotates azimuths (GLOBAL mode, spec.md section 4.8);
// pass 0 otherwise.
func Ellipsoid3D(cov *mat.SymDense, rotationDeg float64) ([3]Axis, error) {
	var eig mat.EigenSym
	if ok := eig.Factorize(cov, true); !ok {
		return [3]Axis{}, statError("nllstat: covariance eigendecomposition failed")
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	type axisVec struct {
		len float64
		vx, vy, vz float64
	}
	axes := make([]axisVec, 3)
	for i := 0; i < 3; i++ {
		lambda := values[i]
		if lambda < 0 {
			lambda = 0
		}
		axes[i] = axisVec{
			len: math.Sqrt(DeltaChiSq3D * lambda),
			vx:  vectors.At(0, i), vy: vectors.At(1, i), vz: vectors.At(2, i),
		}
	}
	// longest first
	for i := 0; i < 3; i++ {
		for j := i + 1; j < 3; j++ {
			if axes[j].len > axes[i].len {
				axes[i], axes[j] = axes[j], axes[i]
			}
		}
	}

	var out [3]Axis
	for i, a := range axes {
		az, dip := azimuthDip(a.vx, a.vy, a.vz)
		az += rotationDeg
		az = math.Mod(az+360, 360)
		out[i] = Axis{AzimuthDeg: az, DipDeg: dip, Length: a.len}
	}
	return out, nil
}

// azimuthDip converts a 3-vector (x=east, y=north, z=down) to
// (azimuth degrees from north, dip degrees below horizontal).
func azimuthDip(x, y, z float64) (azDeg, dipDeg float64) {
	az := math.Atan2(x, y) * 180 / math.Pi
	if az < 0 {
		az += 360
	}
	horiz := math.Hypot(x, y)
	dip := math.Atan2(z, horiz) * 180 / math.Pi
	return az, dip
}

// HorizontalEllipse eigen-decomposes the 2x2 (x,y) block of cov and
// returns the semi-major/minor axis lengths and the major axis
// azimuth, scaled by DeltaChiSq2D.
func HorizontalEllipse(cov *mat.SymDense, rotationDeg float64) (majorAzimuthDeg, majorLen, minorLen float64, err error) {
	sub := mat.NewSymDense(2, []float64{cov.At(0, 0), cov.At(0, 1), cov.At(1, 1)})
	var eig mat.EigenSym
	if ok := eig.Factorize(sub, true); !ok {
		return 0, 0, 0, statError("nllstat: horizontal covariance eigendecomposition failed")
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	l0 := math.Sqrt(DeltaChiSq2D * math.Max(values[0], 0))
	l1 := math.Sqrt(DeltaChiSq2D * math.Max(values[1], 0))
	major, minor := l0, l1
	vx, vy := vectors.At(0, 0), vectors.At(1, 0)
	if l1 > l0 {
		major, minor = l1, l0
		vx, vy = vectors.At(0, 1), vectors.At(1, 1)
	}
	az := math.Atan2(vx, vy) * 180 / math.Pi
	az = math.Mod(az+rotationDeg+360, 360)
	return az, major, minor, nil
}
