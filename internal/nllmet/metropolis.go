// Package nllmet implements the adaptive Metropolis-Hastings search of
// spec.md section 4.7.
package nllmet

import (
	"context"
	"log"
	"math"
	"math/rand"
)

// EvalFunc evaluates (logLikelihood, misfit, ok) at a candidate point.
type EvalFunc func(x, y, z float64) (logLike, misfit float64, ok bool)

// Params bundles the search's tunable behavior, per the LOCSEARCH MET
// control statement.
type Params struct {
	OriginX, OriginY, OriginZ float64
	SizeX, SizeY, SizeZ       float64

	NumSamples  int
	StartSave   int
	Skip        int
	StepInit    float64
	StepMax     float64
	Velocity    float64 // scales the time component relative to space
	InitialTemperature float64

	GlobalMode bool
	CenterLat  float64 // needed only in GlobalMode, for the km->deg conversion

	RetryTarget int // acceptance-retry target before the step shrinks; default 4
}

const kmPerDegree = 111.1949

// DefaultParams fills in the reference's conventional constants.
func DefaultParams() Params {
	return Params{NumSamples: 5000, StartSave: 50, Skip: 1, StepInit: 1, StepMax: 100,
		Velocity: 1, InitialTemperature: 10, RetryTarget: 4}
}

// Status reports how a Run concluded.
type Status int

const (
	StatusOK Status = iota
	StatusAborted
)

func (s Status) String() string {
	if s == StatusAborted {
		return "ABORTED"
	}
	return "OK"
}

// Sample is one accepted point appended to the scatter stream.
type Sample struct {
	X, Y, Z       float64
	LogLikelihood float64
}

// Result is the outcome of a Run.
type Result struct {
	Status                    Status
	BestX, BestY, BestZ       float64
	BestMisfit, BestProbMax   float64
	Scatter                   []Sample
	NumAccepted, NumRetries   int
}

const nearZeroLogLike = -690.7755278982137 // ln(1e-300)

// Run executes the Metropolis-Hastings search, starting from (x0,y0,z0).
// ctx is checked once per outer sampling round so a caller can request
// early termination (spec.md section 5's cooperative "requested_terminate"
// flag); on cancellation Run returns whatever scatter and best estimate
// have accumulated so far, reporting StatusOK if a best sample was ever
// accepted and StatusAborted otherwise.
func Run(ctx context.Context, p Params, eval EvalFunc, x0, y0, z0 float64, rng *rand.Rand) Result {
	curX, curY, curZ := x0, y0, z0
	curLike, curMisfit, ok := eval(curX, curY, curZ)
	if !ok {
		curLike = math.Inf(-1)
	}

	step := p.StepInit
	retryTarget := p.RetryTarget
	if retryTarget <= 0 {
		retryTarget = 4
	}
	maxRetries := 2*retryTarget - 1

	var scatter []Sample
	accepted := 0
	totalRetries := 0

	bestMisfit := math.Inf(1)
	var bestX, bestY, bestZ, bestProbMax float64
	haveBest := false

	for accepted < p.NumSamples {
		select {
		case <-ctx.Done():
			log.Printf("[nllmet] search canceled after %d accepted samples: %v", accepted, ctx.Err())
			if !haveBest {
				bestX, bestY, bestZ, bestMisfit, bestProbMax = curX, curY, curZ, curMisfit, math.Exp(curLike)
				haveBest = accepted > 0
			}
			if !haveBest {
				return Result{Status: StatusAborted, NumAccepted: accepted, NumRetries: totalRetries, Scatter: scatter}
			}
			return Result{
				Status: StatusOK, BestX: bestX, BestY: bestY, BestZ: bestZ,
				BestMisfit: bestMisfit, BestProbMax: bestProbMax,
				Scatter: scatter, NumAccepted: accepted, NumRetries: totalRetries,
			}
		default:
		}
		temp := currentTemperature(p, accepted)
		retries := 0
		acceptedThisRound := false

		for retries <= maxRetries {
			propX, propY, propZ := propose(p, curX, curY, curZ, step, temp, rng)
			propX, propY, propZ, _ = clampBox(p, propX, propY, propZ)

			propLike, propMisfit, propOK := eval(propX, propY, propZ)
			if !propOK {
				propLike = math.Inf(-1)
			}

			accept := propOK && metropolisAccept(curLike, propLike, rng)
			retries++
			totalRetries++

			if accept {
				curX, curY, curZ = propX, propY, propZ
				curLike, curMisfit = propLike, propMisfit
				accepted++
				acceptedThisRound = true

				if accepted > p.StartSave {
					if (accepted-p.StartSave)%maxInt(p.Skip, 1) == 0 {
						scatter = append(scatter, Sample{X: curX, Y: curY, Z: curZ, LogLikelihood: curLike})
					}
					probMax := math.Exp(curLike)
					if !haveBest || curMisfit < bestMisfit {
						bestMisfit = curMisfit
						bestX, bestY, bestZ = curX, curY, curZ
						bestProbMax = probMax
						haveBest = true
					}
				}

				if retries <= retryTarget {
					step = math.Min(step*1.01, p.StepMax)
				} else {
					step = math.Max(step/1.1, temp*p.StepInit)
				}
				break
			}
		}

		if !acceptedThisRound {
			fracAccepted := float64(accepted) / float64(p.NumSamples)
			if fracAccepted < 0.6 {
				return Result{Status: StatusAborted, NumAccepted: accepted, NumRetries: totalRetries, Scatter: scatter}
			}
			if haveBest && bestProbMax < 1e-300 {
				return Result{Status: StatusAborted, NumAccepted: accepted, NumRetries: totalRetries, Scatter: scatter}
			}
			step = math.Max(step/1.1, temp*p.StepInit)
		}
	}

	if !haveBest {
		bestX, bestY, bestZ, bestMisfit, bestProbMax = curX, curY, curZ, curMisfit, math.Exp(curLike)
	}

	return Result{
		Status: StatusOK, BestX: bestX, BestY: bestY, BestZ: bestZ,
		BestMisfit: bestMisfit, BestProbMax: bestProbMax,
		Scatter: scatter, NumAccepted: accepted, NumRetries: totalRetries,
	}
}

// currentTemperature decays linearly from InitialTemperature to 1 over
// the first StartSave accepted samples.
func currentTemperature(p Params, accepted int) float64 {
	if p.StartSave <= 0 || accepted >= p.StartSave {
		return 1
	}
	frac := float64(accepted) / float64(p.StartSave)
	return p.InitialTemperature + frac*(1-p.InitialTemperature)
}

// propose picks a random unit 4-vector (vx,vy,vz,vt), scales it to
// length temp*step, and returns the spatial displacement applied to
// (x,y,z). In global mode the horizontal components are converted from
// km to degrees.
func propose(p Params, x, y, z, step, temp float64, rng *rand.Rand) (nx, ny, nz float64) {
	vx, vy, vz, vt := RandUnit4(rng)
	length := temp * step
	dx, dy, dz := vx*length, vy*length, vz*length
	_ = vt * p.Velocity // time component affects origin time, tracked by the caller's misfit evaluator

	if p.GlobalMode {
		cosLat := math.Cos(p.CenterLat * math.Pi / 180)
		if cosLat < 1e-6 {
			cosLat = 1e-6
		}
		dx /= kmPerDegree * cosLat
		dy /= kmPerDegree
	}
	return x + dx, y + dy, z + dz
}

// RandUnit4 draws a uniform random unit vector in 4 dimensions
// (vx,vy,vz,vt), shared by Run's proposal step and by nlldiff's
// round-robin joint search.
func RandUnit4(rng *rand.Rand) (vx, vy, vz, vt float64) {
	for {
		vx = 2*rng.Float64() - 1
		vy = 2*rng.Float64() - 1
		vz = 2*rng.Float64() - 1
		vt = 2*rng.Float64() - 1
		n := math.Sqrt(vx*vx + vy*vy + vz*vz + vt*vt)
		if n > 1e-9 {
			return vx / n, vy / n, vz / n, vt / n
		}
	}
}

func clampBox(p Params, x, y, z float64) (cx, cy, cz float64, clipped bool) {
	cx, cy, cz = x, y, z
	if cx < p.OriginX {
		cx, clipped = p.OriginX, true
	} else if cx > p.OriginX+p.SizeX {
		cx, clipped = p.OriginX+p.SizeX, true
	}
	if cy < p.OriginY {
		cy, clipped = p.OriginY, true
	} else if cy > p.OriginY+p.SizeY {
		cy, clipped = p.OriginY+p.SizeY, true
	}
	if cz < p.OriginZ {
		cz, clipped = p.OriginZ, true
	} else if cz > p.OriginZ+p.SizeZ {
		cz, clipped = p.OriginZ+p.SizeZ, true
	}
	return cx, cy, cz, clipped
}

// metropolisAccept implements the acceptance rule of spec.md section
// 4.7: a standard likelihood-ratio test, except that a near-zero
// current likelihood always accepts, and a near-zero proposed
// likelihood always rejects.
func metropolisAccept(curLike, propLike float64, rng *rand.Rand) bool {
	if curLike <= nearZeroLogLike {
		return true
	}
	if propLike <= nearZeroLogLike {
		return false
	}
	if propLike >= curLike {
		return true
	}
	return math.Log(rng.Float64()) < propLike-curLike
}

// AdaptStep applies the single-proposal step-size adaptation rule of
// spec.md section 4.7 to one accept/reject outcome: grow by x1.01 (bounded
// by stepMax) on acceptance, shrink by /1.1 (bounded below by stepInit) on
// rejection. nlldiff's round-robin joint search reuses this rather than
// reimplementing its own growth/shrink schedule.
func AdaptStep(step float64, accepted bool, stepInit, stepMax float64) float64 {
	if accepted {
		return math.Min(step*1.01, stepMax)
	}
	return math.Max(step/1.1, stepInit)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
