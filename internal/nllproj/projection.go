// Package nllproj implements the geographic <-> rectangular projections
// listed in spec.md section 6: SIMPLE, LAMBERT, TRANS_MERC,
// AZIMUTHAL_EQUIDIST, and GLOBAL (no projection; units are degrees).
package nllproj

import "math"

const earthRadiusKm = 6371.0

// Kind selects the projection family.
type Kind int

const (
	Simple Kind = iota
	Lambert
	TransMerc
	AzimuthalEquidist
	Global
)

// Projection converts between geographic (lat,long) and rectangular
// (x,y) project coordinates, per spec.md section 6's TRANS control
// statement. All angles are in degrees; x/y are km except in Global mode,
// where they are degrees.
type Projection struct {
	Kind Kind
	Lat0, Long0, Rotation float64 // degrees; Rotation is applied about (Lat0,Long0)
	StdParallel1, StdParallel2 float64 // LAMBERT only

	// cached Lambert constants
	n, F, rho0 float64
}

// New constructs and, for LAMBERT, pre-computes the projection constants.
func New(kind Kind, lat0, long0, rotation, stdP1, stdP2 float64) *Projection {
	p := &Projection{Kind: kind, Lat0: lat0, Long0: long0, Rotation: rotation, StdParallel1: stdP1, StdParallel2: stdP2}
	if kind == Lambert {
		p.initLambert()
	}
	return p
}

func rad(deg float64) float64 { return deg * math.Pi / 180 }
func deg(r float64) float64   { return r * 180 / math.Pi }

func (p *Projection) initLambert() {
	phi1, phi2 := rad(p.StdParallel1), rad(p.StdParallel2)
	phi0 := rad(p.Lat0)
	if p.StdParallel1 == p.StdParallel2 {
		p.n = math.Sin(phi1)
	} else {
		p.n = math.Log(math.Cos(phi1)/math.Cos(phi2)) /
			math.Log(math.Tan(math.Pi/4+phi2/2)/math.Tan(math.Pi/4+phi1/2))
	}
	p.F = math.Cos(phi1) * math.Pow(math.Tan(math.Pi/4+phi1/2), p.n) / p.n
	p.rho0 = earthRadiusKm * p.F / math.Pow(math.Tan(math.Pi/4+phi0/2), p.n)
}

// GeoToRect converts (lat,long) in degrees to rectangular (x,y) in the
// projection's native units.
func (p *Projection) GeoToRect(lat, long float64) (x, y float64) {
	switch p.Kind {
	case Global:
		x, y = long, lat
	case Simple:
		dLat := lat - p.Lat0
		dLong := long - p.Long0
		x = dLong * earthRadiusKm * math.Pi / 180 * math.Cos(rad(p.Lat0))
		y = dLat * earthRadiusKm * math.Pi / 180
	case TransMerc:
		x, y = p.transMercForward(lat, long)
	case AzimuthalEquidist:
		x, y = p.azEquiForward(lat, long)
	case Lambert:
		x, y = p.lambertForward(lat, long)
	}
	if p.Rotation != 0 && p.Kind != Global {
		x, y = rotate(x, y, rad(p.Rotation))
	}
	return x, y
}

// RectToGeo converts rectangular (x,y) back to (lat,long) in degrees.
// Invertibility to within 1e-6 degrees over the grid extent is required
// by spec.md section 6.
func (p *Projection) RectToGeo(x, y float64) (lat, long float64) {
	if p.Rotation != 0 && p.Kind != Global {
		x, y = rotate(x, y, -rad(p.Rotation))
	}
	switch p.Kind {
	case Global:
		long, lat = x, y
	case Simple:
		long = p.Long0 + x/(earthRadiusKm*math.Pi/180*math.Cos(rad(p.Lat0)))
		lat = p.Lat0 + y/(earthRadiusKm*math.Pi/180)
	case TransMerc:
		lat, long = p.transMercInverse(x, y)
	case AzimuthalEquidist:
		lat, long = p.azEquiInverse(x, y)
	case Lambert:
		lat, long = p.lambertInverse(x, y)
	}
	return lat, long
}

func rotate(x, y, theta float64) (float64, float64) {
	c, s := math.Cos(theta), math.Sin(theta)
	return x*c - y*s, x*s + y*c
}

// transMercForward is a spherical (not ellipsoidal) Transverse Mercator,
// adequate for the grid-extent scale this engine operates at.
func (p *Projection) transMercForward(lat, long float64) (x, y float64) {
	phi := rad(lat)
	lambda := rad(long) - rad(p.Long0)
	B := math.Cos(phi) * math.Sin(lambda)
	x = earthRadiusKm * 0.5 * math.Log((1+B)/(1-B))
	y = earthRadiusKm * (math.Atan2(math.Tan(phi), math.Cos(lambda)) - rad(p.Lat0))
	return x, y
}

func (p *Projection) transMercInverse(x, y float64) (lat, long float64) {
	D := y/earthRadiusKm + rad(p.Lat0)
	phi := math.Asin(math.Sin(D) / math.Cosh(x/earthRadiusKm))
	lambda := math.Atan2(math.Sinh(x/earthRadiusKm), math.Cos(D))
	return deg(phi), p.Long0 + deg(lambda)
}

func (p *Projection) azEquiForward(lat, long float64) (x, y float64) {
	phi0, lambda0 := rad(p.Lat0), rad(p.Long0)
	phi, lambda := rad(lat), rad(long)
	cosC := math.Sin(phi0)*math.Sin(phi) + math.Cos(phi0)*math.Cos(phi)*math.Cos(lambda-lambda0)
	cosC = clamp(cosC, -1, 1)
	c := math.Acos(cosC)
	if c == 0 {
		return 0, 0
	}
	k := c / math.Sin(c)
	x = earthRadiusKm * k * math.Cos(phi) * math.Sin(lambda-lambda0)
	y = earthRadiusKm * k * (math.Cos(phi0)*math.Sin(phi) - math.Sin(phi0)*math.Cos(phi)*math.Cos(lambda-lambda0))
	return x, y
}

func (p *Projection) azEquiInverse(x, y float64) (lat, long float64) {
	phi0, lambda0 := rad(p.Lat0), rad(p.Long0)
	rho := math.Hypot(x, y)
	if rho < 1e-9 {
		return p.Lat0, p.Long0
	}
	c := rho / earthRadiusKm
	phi := math.Asin(math.Cos(c)*math.Sin(phi0) + y*math.Sin(c)*math.Cos(phi0)/rho)
	lambda := lambda0 + math.Atan2(x*math.Sin(c), rho*math.Cos(phi0)*math.Cos(c)-y*math.Sin(phi0)*math.Sin(c))
	return deg(phi), deg(lambda)
}

func (p *Projection) lambertForward(lat, long float64) (x, y float64) {
	phi, lambda := rad(lat), rad(long)
	rho := earthRadiusKm * p.F / math.Pow(math.Tan(math.Pi/4+phi/2), p.n)
	theta := p.n * (lambda - rad(p.Long0))
	x = rho * math.Sin(theta)
	y = p.rho0 - rho*math.Cos(theta)
	return x, y
}

func (p *Projection) lambertInverse(x, y float64) (lat, long float64) {
	rho := math.Hypot(x, p.rho0-y)
	if p.n < 0 {
		rho = -rho
	}
	theta := math.Atan2(x, p.rho0-y)
	phi := 2*math.Atan(math.Pow(earthRadiusKm*p.F/rho, 1/p.n)) - math.Pi/2
	lambda := theta/p.n + rad(p.Long0)
	return deg(phi), deg(lambda)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
