// Package nlldiff implements the differential-time joint multi-event
// driver of spec.md section 4.9 (NLDiffLoc): a round-robin Metropolis
// search over many events, linked by double-difference residuals.
package nlldiff

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"

	"github.com/nllgo/nlloc/internal/nllmet"
)

// DiffObs is one differential-time observation dt_ij^k for station k
// between events EventI and EventJ.
type DiffObs struct {
	EventI, EventJ int // indices into Events
	Station        string
	DtObs          float64
	Sigma          float64
	Weight         float64
}

// TTFunc returns the travel time from event n's current position to the
// named station, or false if unavailable.
type TTFunc func(eventIdx int, station string, x, y, z float64) (tt float64, ok bool)

// Event is one jointly-located hypocenter.
type Event struct {
	ID                  int
	X, Y, Z, DT         float64
	Misfit              float64
	LogLikelihood       float64
	Step                float64
	NumAccepted         int
	Frozen              bool
	Aborted             bool
	Scatter             []Sample
}

// Sample is one accepted joint-search point for one event.
type Sample struct {
	X, Y, Z, DT float64
}

// Params controls the joint search.
type Params struct {
	NumSamples       int // target accepted samples per event
	StepInit         float64
	StepMax          float64
	CommonMoveProb   float64 // probability of a common-move proposal each round; 0 disables
	RetryTarget      int
}

// Driver runs the round-robin joint Metropolis search.
type Driver struct {
	Events []*Event
	obs    []DiffObs
	byEvent map[int][]DiffObs // event index -> observations it participates in
	tt     TTFunc
	p      Params
	rng    *rand.Rand
}

// NewDriver builds a Driver, assigning each DiffObs to its two events by
// EventI/EventJ, which are indices into events (Event.ID is not
// consulted); observations referencing out-of-range event indices are
// dropped and counted.
func NewDriver(events []*Event, obs []DiffObs, tt TTFunc, p Params, rng *rand.Rand) (*Driver, int) {
	d := &Driver{Events: events, tt: tt, p: p, rng: rng, byEvent: make(map[int][]DiffObs)}
	unresolved := 0
	for _, o := range obs {
		if o.EventI < 0 || o.EventI >= len(events) || o.EventJ < 0 || o.EventJ >= len(events) {
			unresolved++
			continue
		}
		d.obs = append(d.obs, o)
		d.byEvent[o.EventI] = append(d.byEvent[o.EventI], o)
		d.byEvent[o.EventJ] = append(d.byEvent[o.EventJ], o)
	}
	return d, unresolved
}

// ddResidual computes ddr for one observation given the current event
// positions, per spec.md section 4.9's formula.
func (d *Driver) ddResidual(o DiffObs) (float64, bool) {
	ei, ej := d.Events[o.EventI], d.Events[o.EventJ]
	ttIK, ok1 := d.tt(o.EventI, o.Station, ei.X, ei.Y, ei.Z)
	ttJK, ok2 := d.tt(o.EventJ, o.Station, ej.X, ej.Y, ej.Z)
	if !ok1 || !ok2 {
		return 0, false
	}
	ddr := (o.DtObs - (ei.DT - ej.DT)) - (ttIK - ttJK)
	return ddr, true
}

// logLikelihoodFor returns the log-likelihood of event n's current
// state, summing every differential observation it participates in.
func (d *Driver) logLikelihoodFor(eventIdx int) (float64, int) {
	var sum float64
	n := 0
	for _, o := range d.byEvent[eventIdx] {
		ddr, ok := d.ddResidual(o)
		if !ok {
			continue
		}
		z := ddr * o.Weight / o.Sigma
		sum += -0.5 * z * z
		n++
	}
	return sum, n
}

// Run executes the round-robin joint Metropolis search for maxRounds
// full passes over all unfrozen, non-aborted events. ctx is checked once
// per round so a caller can request early termination (spec.md section
// 5); on cancellation Run stops after the in-progress round and leaves
// every event's already-accepted samples and position untouched.
func (d *Driver) Run(ctx context.Context, maxRounds int) {
	for round := 0; round < maxRounds; round++ {
		select {
		case <-ctx.Done():
			log.Printf("[nlldiff] joint search canceled after round %d/%d: %v", round, maxRounds, ctx.Err())
			return
		default:
		}
		allDone := true
		for i, e := range d.Events {
			if e.Frozen || e.Aborted {
				continue
			}
			if e.NumAccepted >= d.p.NumSamples {
				continue
			}
			allDone = false
			d.stepEvent(i)
		}
		if d.p.CommonMoveProb > 0 && d.rng.Float64() < d.p.CommonMoveProb {
			d.commonMove()
		}
		if allDone {
			break
		}
	}
}

func (d *Driver) stepEvent(i int) {
	e := d.Events[i]
	curLL, curN := d.logLikelihoodFor(i)

	step := e.Step
	if step <= 0 {
		step = d.p.StepInit
	}
	retryTarget := d.p.RetryTarget
	if retryTarget <= 0 {
		retryTarget = 4
	}

	savedX, savedY, savedZ, savedDT := e.X, e.Y, e.Z, e.DT
	vx, vy, vz, vt := nllmet.RandUnit4(d.rng)
	e.X += vx * step
	e.Y += vy * step
	e.Z += vz * step
	e.DT += vt * step

	newLL, newN := d.logLikelihoodFor(i)
	accept := newN > 0 && (newLL >= curLL || math.Log(d.rng.Float64()) < newLL-curLL)

	if !accept {
		e.X, e.Y, e.Z, e.DT = savedX, savedY, savedZ, savedDT
		e.Step = nllmet.AdaptStep(step, false, d.p.StepInit, d.p.StepMax)
		return
	}

	e.LogLikelihood = newLL
	e.Misfit = -newLL
	e.NumAccepted++
	e.Scatter = append(e.Scatter, Sample{e.X, e.Y, e.Z, e.DT})
	e.Step = nllmet.AdaptStep(step, true, d.p.StepInit, d.p.StepMax)
	_ = curN
}

// commonMove proposes the same (dx,dy,dz,dt) shift for every active
// event simultaneously, accepting by the product of per-event
// likelihood ratios, per spec.md section 4.9.
func (d *Driver) commonMove() {
	var active []int
	for i, e := range d.Events {
		if !e.Frozen && !e.Aborted {
			active = append(active, i)
		}
	}
	if len(active) == 0 {
		return
	}
	step := d.p.StepInit
	vx, vy, vz, vt := nllmet.RandUnit4(d.rng)
	dx, dy, dz, dt := vx*step, vy*step, vz*step, vt*step

	before := make([]float64, len(active))
	for k, i := range active {
		ll, _ := d.logLikelihoodFor(i)
		before[k] = ll
		d.Events[i].X += dx
		d.Events[i].Y += dy
		d.Events[i].Z += dz
		d.Events[i].DT += dt
	}
	var logRatio float64
	for k, i := range active {
		after, _ := d.logLikelihoodFor(i)
		logRatio += after - before[k]
	}
	if logRatio >= 0 || math.Log(d.rng.Float64()) < logRatio {
		return // accept, positions already moved
	}
	for _, i := range active {
		d.Events[i].X -= dx
		d.Events[i].Y -= dy
		d.Events[i].Z -= dz
		d.Events[i].DT -= dt
	}
}

// ResidualRow is one row of the hypoDD-style residuals file, per
// spec.md section 4.9's column layout.
type ResidualRow struct {
	Station           string
	DtMs              float64
	ID1, ID2          int
	Idx               int
	Weight            float64
	ResidualMs        float64
	WeightedResidual  float64
	DistanceM         float64
}

// ResidualRows builds the hypoDD-style residual table for every
// resolved observation, in input order.
func (d *Driver) ResidualRows() []ResidualRow {
	rows := make([]ResidualRow, 0, len(d.obs))
	for idx, o := range d.obs {
		ddr, ok := d.ddResidual(o)
		if !ok {
			continue
		}
		ei, ej := d.Events[o.EventI], d.Events[o.EventJ]
		dist := math.Sqrt((ei.X-ej.X)*(ei.X-ej.X) + (ei.Y-ej.Y)*(ei.Y-ej.Y) + (ei.Z-ej.Z)*(ei.Z-ej.Z))
		rows = append(rows, ResidualRow{
			Station: o.Station, DtMs: o.DtObs * 1000,
			ID1: ei.ID, ID2: ej.ID, Idx: idx,
			Weight: o.Weight, ResidualMs: ddr * 1000,
			WeightedResidual: ddr * o.Weight * 1000,
			DistanceM:        dist * 1000,
		})
	}
	return rows
}

// LinksSegment is one GMT-style LATLONDEPTH segment connecting two
// linked events, for the links file of spec.md section 4.9.
type LinksSegment struct {
	ID1, ID2   int
	X1, Y1, Z1 float64
	X2, Y2, Z2 float64
}

// Links returns one segment per distinct linked event pair.
func (d *Driver) Links() []LinksSegment {
	seen := make(map[[2]int]bool)
	var out []LinksSegment
	for _, o := range d.obs {
		key := [2]int{o.EventI, o.EventJ}
		if key[0] > key[1] {
			key[0], key[1] = key[1], key[0]
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		ei, ej := d.Events[o.EventI], d.Events[o.EventJ]
		out = append(out, LinksSegment{ei.ID, ej.ID, ei.X, ei.Y, ei.Z, ej.X, ej.Y, ej.Z})
	}
	return out
}

// Validate reports an error if the driver has no events to locate.
func (d *Driver) Validate() error {
	if len(d.Events) == 0 {
		return fmt.Errorf("nlldiff: no events to locate")
	}
	return nil
}
