// Package nllengine is the per-event orchestrator of spec.md section
// 4.10: it reads one event's arrivals, opens travel-time grids through
// the cache, runs the configured search method, computes posterior
// statistics, and writes the scatter and hypocenter-phase output files.
package nllengine

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/nllgo/nlloc/internal/nllctrl"
	"github.com/nllgo/nlloc/internal/nllgrid"
	"github.com/nllgo/nlloc/internal/nllgrid/gridcache"
	"github.com/nllgo/nlloc/internal/nllmet"
	"github.com/nllgo/nlloc/internal/nllmisfit"
	"github.com/nllgo/nlloc/internal/nllobs"
	"github.com/nllgo/nlloc/internal/nlloctree"
	"github.com/nllgo/nlloc/internal/nllproj"
	"github.com/nllgo/nlloc/internal/nllreport"
	"github.com/nllgo/nlloc/internal/nllstat"
	"github.com/nllgo/nlloc/internal/nlltt"
)

// Hypocenter is the final answer for one event, per spec.md section
// 4.11's Location content.
type Hypocenter struct {
	EventLabel string
	X, Y, Z    float64
	Lat, Lon   float64
	OriginTime float64
	RMS        float64
	Misfit     float64
	NUsed      int
	Method     string
	Status     string

	Mean       nllstat.Point
	Ellipsoid  [3]nllstat.Axis
	HorizAzimuthDeg, HorizMajorKm, HorizMinorKm float64

	Scatter   []nllstat.Point
	ScatterLL []float64

	Arrivals []*nllobs.Arrival
}

// Engine binds a control configuration to the shared grid cache and
// projection, and locates successive events drawn from an observation
// stream.
type Engine struct {
	Ctrl      *nllctrl.Config
	Cache     *gridcache.Cache
	Proj      *nllproj.Projection
	PhaseIDs  *nllobs.PhaseIDTable
	RNG       *rand.Rand
}

// New builds an Engine from a resolved control configuration.
func New(ctrl *nllctrl.Config) *Engine {
	proj := nllproj.New(ctrl.ProjKind, ctrl.OrigLat, ctrl.OrigLong, ctrl.MapRotation, ctrl.StdParallel1, ctrl.StdParallel2)
	phaseIDs := nllobs.NewPhaseIDTable(ctrl.PhaseIDTable)
	seed := ctrl.RandomSeed
	if seed == 0 {
		seed = 1
	}
	return &Engine{
		Ctrl:     ctrl,
		Cache:    gridcache.New(64),
		Proj:     proj,
		PhaseIDs: phaseIDs,
		RNG:      rand.New(rand.NewSource(seed)),
	}
}

// LocateEvent runs the full per-event pipeline of spec.md section 4.10
// steps 1-5 for one event's raw arrivals (already parsed from the
// observation stream by the caller). ctx is checked by the search step
// so a caller can request early termination between samples or octree
// nodes without aborting events already in flight.
func (e *Engine) LocateEvent(ctx context.Context, eventLabel string, arrivals []*nllobs.Arrival) (*Hypocenter, error) {
	// Step 1: filtering.
	filt := nllobs.DefaultFilterOptions()
	filt.ExcludedStations = e.Ctrl.ExcludedStations
	filt.IncludedStations = e.Ctrl.IncludedStations
	filt.DistStaGridMax = e.Ctrl.MaxDistStaGrid
	filt.GridCenterX = e.Ctrl.GridOrigX + float64(e.Ctrl.GridNumX)*e.Ctrl.GridSpacing/2
	filt.GridCenterY = e.Ctrl.GridOrigY + float64(e.Ctrl.GridNumY)*e.Ctrl.GridSpacing/2

	for _, a := range arrivals {
		a.CanonPhase = e.PhaseIDs.Canonical(a.Phase)
		if d, ok := e.Ctrl.Delays[a.Label+"|"+a.CanonPhase]; ok {
			a.Delay = d
		}
	}
	nKept := nllobs.Filter(arrivals, filt)
	if nKept < e.Ctrl.MinNumberPhases && e.Ctrl.MinNumberPhases > 0 {
		return nil, fmt.Errorf("nllengine: event %s has %d usable phases, need >= %d", eventLabel, nKept, e.Ctrl.MinNumberPhases)
	}

	// Step 2: open travel-time grids, detect companions.
	nllobs.DetectCompanions(arrivals)
	for _, a := range arrivals {
		a.StationX, a.StationY = e.Proj.GeoToRect(a.StationLat, a.StationLong)
	}
	sources := make([]*nlltt.Source, len(arrivals))
	for i, a := range arrivals {
		sources[i] = &nlltt.Source{Arrival: a, TFact: 1, GlobalMode: e.Ctrl.GridIsGlobal}
		if a.CompanionOf >= 0 {
			continue
		}
		if a.Ignore {
			continue
		}
		basePath := filepath.Join(e.Ctrl.TTFileRoot, a.GridTitle)
		desc, err := nllgrid.ReadHeader(basePath + ".hdr")
		if err != nil {
			log.Printf("[nllengine] event %s: cannot open travel-time grid for %s: %v", eventLabel, a.GridTitle, err)
			a.Ignore = true
			a.IgnoreMsg = "travel-time grid unavailable"
			continue
		}
		g, err := e.Cache.Acquire(desc, func(d nllgrid.Desc) (*nllgrid.Grid, error) {
			return nllgrid.Load(basePath)
		})
		if err != nil {
			log.Printf("[nllengine] event %s: loading travel-time grid for %s: %v", eventLabel, a.GridTitle, err)
			a.Ignore = true
			a.IgnoreMsg = "travel-time grid load failed"
			continue
		}
		sources[i].Grid = g
	}
	defer func() {
		for _, a := range arrivals {
			if a.CompanionOf < 0 && a.GridTitle != "" {
				e.Cache.Release(a.GridTitle)
			}
		}
	}()

	if err := nlltt.ValidateShape(sources); err != nil {
		return nil, err
	}
	tt := nlltt.NewTable(sources)

	// Step 3: weights.
	cx := e.Ctrl.GridOrigX + float64(e.Ctrl.GridNumX)*e.Ctrl.GridSpacing/2
	cy := e.Ctrl.GridOrigY + float64(e.Ctrl.GridNumY)*e.Ctrl.GridSpacing/2
	staRadius := 0.0
	if e.Ctrl.StaWtRadiusKm != nil {
		staRadius = *e.Ctrl.StaWtRadiusKm
	}
	nllobs.ApplyWeights(arrivals, cx, cy, e.Ctrl.MaxDistStaGrid, staRadius)

	misOpt := misfitOptions(e.Ctrl)

	evalLL := func(x, y, z float64) (float64, bool) {
		res := nllmisfit.Evaluate(tt, arrivals, x, y, z, misOpt, 0)
		if !res.Valid {
			return 0, false
		}
		return res.LogLikelihood, true
	}

	// Step 4 + 5: search, then stats.
	var hypo *Hypocenter
	var err error
	switch e.Ctrl.Method {
	case nllctrl.SearchOCT:
		hypo, err = e.runOctree(ctx, eventLabel, evalLL, tt, arrivals, misOpt)
	case nllctrl.SearchMET:
		hypo, err = e.runMetropolis(ctx, eventLabel, tt, arrivals, misOpt)
	case nllctrl.SearchGRID:
		hypo, err = e.runGridExhaustive(ctx, eventLabel, evalLL, tt, arrivals, misOpt)
	default:
		return nil, fmt.Errorf("nllengine: unknown search method")
	}
	if err != nil {
		return nil, err
	}
	hypo.Arrivals = arrivals
	fillArrivalResiduals(tt, arrivals, hypo)

	if e.Ctrl.OutputFileRoot != "" {
		if err := e.writeOutputs(hypo); err != nil {
			log.Printf("[nllengine] event %s: writing outputs: %v", eventLabel, err)
		}
	}
	return hypo, nil
}

func misfitOptions(ctrl *nllctrl.Config) nllmisfit.Options {
	opt := nllmisfit.DefaultOptions()
	switch ctrl.MisfitMethod {
	case "L1":
		opt.Method = nllmisfit.MethodL1
	case "EDT":
		opt.Method = nllmisfit.MethodEDT
	case "EDT_OT_WT":
		opt.Method = nllmisfit.MethodEDT
		opt.EDTWeightByOTConsistency = true
	default:
		opt.Method = nllmisfit.MethodGaussian
	}
	if ctrl.RejectMisfitGreaterThanRMS != nil {
		opt.RejectMisfitGreaterThanRMS = true
		opt.RunningRMS = *ctrl.RejectMisfitGreaterThanRMS
	}
	return opt
}

func (e *Engine) runOctree(ctx context.Context, eventLabel string, evalLL nlloctree.EvalFunc, tt *nlltt.Table, arrivals []*nllobs.Arrival, misOpt nllmisfit.Options) (*Hypocenter, error) {
	p := nlloctree.Params{
		OriginX: e.Ctrl.GridOrigX, OriginY: e.Ctrl.GridOrigY, OriginZ: e.Ctrl.GridOrigZ,
		SizeX: float64(e.Ctrl.GridNumX) * e.Ctrl.GridSpacing,
		SizeY: float64(e.Ctrl.GridNumY) * e.Ctrl.GridSpacing,
		SizeZ: float64(e.Ctrl.GridNumZ) * e.Ctrl.GridSpacing,
		InitNumX: e.Ctrl.OctParams.InitNumX, InitNumY: e.Ctrl.OctParams.InitNumY, InitNumZ: e.Ctrl.OctParams.InitNumZ,
		MinNodeSize: e.Ctrl.OctParams.MinNodeSize, MaxNumNodes: e.Ctrl.OctParams.MaxNumNodes,
		EarlyStopFraction: e.Ctrl.OctParams.EarlyStopFraction, EarlyStopValueRatio: 0.01,
	}
	res := nlloctree.Run(ctx, p, evalLL)
	if res.Status == nlloctree.StatusAborted {
		return nil, fmt.Errorf("nllengine: event %s octree search ABORTED (every initial cell invalid)", eventLabel)
	}

	best := nllmisfit.Evaluate(tt, arrivals, res.BestX, res.BestY, res.BestZ, misOpt, 0)
	numScatter := e.Ctrl.OctParams.NumScatterPts
	if numScatter <= 0 {
		numScatter = 2000
	}
	scatterSamples := nlloctree.DrawScatter(res.Leaves, numScatter, e.RNG)

	hypo := &Hypocenter{
		EventLabel: eventLabel, X: res.BestX, Y: res.BestY, Z: res.BestZ,
		OriginTime: best.OriginTime, RMS: best.RMS, Misfit: best.Misfit, NUsed: best.NUsed,
		Method: "OCT", Status: res.Status.String(),
	}
	hypo.Lat, hypo.Lon = e.Proj.RectToGeo(hypo.X, hypo.Y)
	e.fillStats(hypo, scatterSamplesToPoints(scatterSamples), scatterLogLikes(scatterSamples))
	return hypo, nil
}

func (e *Engine) runMetropolis(ctx context.Context, eventLabel string, tt *nlltt.Table, arrivals []*nllobs.Arrival, misOpt nllmisfit.Options) (*Hypocenter, error) {
	p := nllmet.Params{
		OriginX: e.Ctrl.GridOrigX, OriginY: e.Ctrl.GridOrigY, OriginZ: e.Ctrl.GridOrigZ,
		SizeX: float64(e.Ctrl.GridNumX) * e.Ctrl.GridSpacing,
		SizeY: float64(e.Ctrl.GridNumY) * e.Ctrl.GridSpacing,
		SizeZ: float64(e.Ctrl.GridNumZ) * e.Ctrl.GridSpacing,
		NumSamples: e.Ctrl.MetParams.NumSamples, StartSave: e.Ctrl.MetParams.StartSave, Skip: e.Ctrl.MetParams.Skip,
		StepInit: e.Ctrl.MetParams.StepInit, StepMax: e.Ctrl.MetParams.StepMax,
		Velocity: 1, InitialTemperature: e.Ctrl.MetParams.InitialTemperature,
		GlobalMode: e.Ctrl.GridIsGlobal, CenterLat: e.Ctrl.OrigLat, RetryTarget: 4,
	}
	x0 := p.OriginX + p.SizeX/2
	y0 := p.OriginY + p.SizeY/2
	z0 := p.OriginZ + p.SizeZ/2

	evalMisfit := func(x, y, z float64) (float64, float64, bool) {
		res := nllmisfit.Evaluate(tt, arrivals, x, y, z, misOpt, 0)
		if !res.Valid {
			return 0, 0, false
		}
		return res.LogLikelihood, res.Misfit, true
	}

	res := nllmet.Run(ctx, p, evalMisfit, x0, y0, z0, e.RNG)
	if res.Status == nllmet.StatusAborted {
		return nil, fmt.Errorf("nllengine: event %s metropolis search ABORTED", eventLabel)
	}

	best := nllmisfit.Evaluate(tt, arrivals, res.BestX, res.BestY, res.BestZ, misOpt, 0)
	hypo := &Hypocenter{
		EventLabel: eventLabel, X: res.BestX, Y: res.BestY, Z: res.BestZ,
		OriginTime: best.OriginTime, RMS: res.BestMisfit, Misfit: res.BestMisfit, NUsed: best.NUsed,
		Method: "MET", Status: res.Status.String(),
	}
	hypo.Lat, hypo.Lon = e.Proj.RectToGeo(hypo.X, hypo.Y)

	var pts []nllstat.Point
	var lls []float64
	for _, s := range res.Scatter {
		pts = append(pts, nllstat.Point{X: s.X, Y: s.Y, Z: s.Z})
		lls = append(lls, s.LogLikelihood)
	}
	e.fillStats(hypo, pts, lls)
	return hypo, nil
}

func (e *Engine) runGridExhaustive(ctx context.Context, eventLabel string, evalLL func(x, y, z float64) (float64, bool), tt *nlltt.Table, arrivals []*nllobs.Arrival, misOpt nllmisfit.Options) (*Hypocenter, error) {
	nx, ny, nz := e.Ctrl.GridNumX, e.Ctrl.GridNumY, e.Ctrl.GridNumZ
	spacing := e.Ctrl.GridSpacing
	bestLL := negInf
	var bestX, bestY, bestZ float64
	found := false
	var pts []nllstat.Point
	var lls []float64
xPlanes:
	for ix := 0; ix < nx; ix++ {
		select {
		case <-ctx.Done():
			log.Printf("[nllengine] event %s GRID search canceled at x-plane %d/%d: %v", eventLabel, ix, nx, ctx.Err())
			break xPlanes
		default:
		}
		x := e.Ctrl.GridOrigX + float64(ix)*spacing
		for iy := 0; iy < ny; iy++ {
			y := e.Ctrl.GridOrigY + float64(iy)*spacing
			for iz := 0; iz < nz; iz++ {
				z := e.Ctrl.GridOrigZ + float64(iz)*spacing
				ll, ok := evalLL(x, y, z)
				if !ok {
					continue
				}
				pts = append(pts, nllstat.Point{X: x, Y: y, Z: z})
				lls = append(lls, ll)
				if !found || ll > bestLL {
					bestLL, bestX, bestY, bestZ, found = ll, x, y, z, true
				}
			}
		}
	}
	if !found {
		return nil, fmt.Errorf("nllengine: event %s GRID search ABORTED (every cell invalid)", eventLabel)
	}
	best := nllmisfit.Evaluate(tt, arrivals, bestX, bestY, bestZ, misOpt, 0)
	hypo := &Hypocenter{
		EventLabel: eventLabel, X: bestX, Y: bestY, Z: bestZ,
		OriginTime: best.OriginTime, RMS: best.RMS, Misfit: best.Misfit, NUsed: best.NUsed,
		Method: "GRID", Status: "OK",
	}
	hypo.Lat, hypo.Lon = e.Proj.RectToGeo(hypo.X, hypo.Y)
	e.fillStats(hypo, pts, lls)
	return hypo, nil
}

const negInf = -1e308

// fillArrivalResiduals records each arrival's predicted travel time,
// residual, distance and azimuth at the final hypocenter, for the
// hypocenter-phase output file.
func fillArrivalResiduals(tt *nlltt.Table, arrivals []*nllobs.Arrival, h *Hypocenter) {
	for i, a := range arrivals {
		if a.Ignore {
			continue
		}
		pred := tt.TT(i, h.X, h.Y, h.Z)
		a.PredictedTravelTime = pred
		if pred != nlltt.Invalid && pred > nlltt.Invalid {
			a.Residual = a.ObservedMinusDelay() - h.OriginTime - pred
		}
		a.Distance = a.DistanceKm(h.X, h.Y)
		a.Azimuth = a.AzimuthDeg(h.X, h.Y)
	}
}

func (e *Engine) fillStats(hypo *Hypocenter, pts []nllstat.Point, lls []float64) {
	hypo.Scatter = pts
	hypo.ScatterLL = lls
	if len(pts) == 0 {
		return
	}
	mean, err := nllstat.Expectation(pts)
	if err != nil {
		return
	}
	hypo.Mean = mean
	cov := nllstat.Covariance(pts, mean)
	rotation := 0.0
	if e.Ctrl.GridIsGlobal {
		rotation = e.Ctrl.MapRotation
	}
	if axes, err := nllstat.Ellipsoid3D(cov, rotation); err == nil {
		hypo.Ellipsoid = axes
	}
	if az, major, minor, err := nllstat.HorizontalEllipse(cov, rotation); err == nil {
		hypo.HorizAzimuthDeg, hypo.HorizMajorKm, hypo.HorizMinorKm = az, major, minor
	}
}

func scatterSamplesToPoints(s []nlloctree.Sample) []nllstat.Point {
	out := make([]nllstat.Point, len(s))
	for i, v := range s {
		out[i] = nllstat.Point{X: v.X, Y: v.Y, Z: v.Z}
	}
	return out
}

func scatterLogLikes(s []nlloctree.Sample) []float64 {
	out := make([]float64, len(s))
	for i, v := range s {
		out[i] = v.LogLikelihood
	}
	return out
}

// writeOutputs writes the binary scatter file and a plain-text
// hypocenter-phase summary, per spec.md section 4.10 step 5.
func (e *Engine) writeOutputs(h *Hypocenter) error {
	base := filepath.Join(filepath.Dir(e.Ctrl.OutputFileRoot), filepath.Base(e.Ctrl.OutputFileRoot)+"."+sanitize(h.EventLabel))
	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return fmt.Errorf("nllengine: mkdir: %w", err)
	}
	if e.Ctrl.SaveScatter {
		if err := writeScatterFile(base+".scat", h); err != nil {
			return err
		}
	}
	if e.Ctrl.SaveScatterPNG {
		if err := nllreport.ScatterPNG(h.Scatter, h.X, h.Y, h.EventLabel, base+".scatter.png"); err != nil {
			return err
		}
	}
	if e.Ctrl.SaveScatterHTML {
		body, err := nllreport.ScatterHTML(h.Scatter, h.ScatterLL, h.EventLabel)
		if err != nil {
			return err
		}
		if err := os.WriteFile(base+".scatter.html", body, 0o644); err != nil {
			return fmt.Errorf("nllengine: write %s: %w", base+".scatter.html", err)
		}
	}
	return writeHypoPhaseFile(base+".hyp", h)
}

func sanitize(label string) string {
	return strings.NewReplacer("/", "_", " ", "_").Replace(label)
}

// writeScatterFile writes the binary scatter format: int32 Nscat, float32
// probmax (the largest exp(log-likelihood) over the samples), two float32
// padding words (a
// 16-byte header, matching original_source/src/NLDiffLoc.c's
// fseek(fpio, 4*sizeof(float), SEEK_SET) before the sample stream), then
// Nscat (x,y,z,loglike) float32 quadruples.
func writeScatterFile(path string, h *Hypocenter) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("nllengine: create %s: %w", path, err)
	}
	defer f.Close()

	n := len(h.Scatter)
	if err := binary.Write(f, binary.LittleEndian, int32(n)); err != nil {
		return err
	}
	probMax := float32(0)
	for _, ll := range h.ScatterLL {
		if p := float32(math.Exp(ll)); p > probMax {
			probMax = p
		}
	}
	if err := binary.Write(f, binary.LittleEndian, probMax); err != nil {
		return err
	}
	if err := binary.Write(f, binary.LittleEndian, [2]float32{0, 0}); err != nil {
		return err
	}
	for i, p := range h.Scatter {
		ll := float32(0)
		if i < len(h.ScatterLL) {
			ll = float32(h.ScatterLL[i])
		}
		quad := [4]float32{float32(p.X), float32(p.Y), float32(p.Z), ll}
		if err := binary.Write(f, binary.LittleEndian, quad); err != nil {
			return err
		}
	}
	return nil
}

func writeHypoPhaseFile(path string, h *Hypocenter) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("nllengine: create %s: %w", path, err)
	}
	defer f.Close()
	fmt.Fprintf(f, "GEOGRAPHIC %s LAT %.6f LON %.6f DEPTH %.4f\n", h.EventLabel, h.Lat, h.Lon, h.Z)
	fmt.Fprintf(f, "QUALITY RMS %.4f NPHS %d METHOD %s STATUS %s\n", h.RMS, h.NUsed, h.Method, h.Status)
	fmt.Fprintf(f, "STATISTICS EXPECT %.4f %.4f %.4f\n", h.Mean.X, h.Mean.Y, h.Mean.Z)
	for i, ax := range h.Ellipsoid {
		fmt.Fprintf(f, "ELLIPSOID AXIS %d AZ %.1f DIP %.1f LEN %.4f\n", i+1, ax.AzimuthDeg, ax.DipDeg, ax.Length)
	}
	fmt.Fprintf(f, "ELLIPSE HORIZ AZ %.1f MAJ %.4f MIN %.4f\n", h.HorizAzimuthDeg, h.HorizMajorKm, h.HorizMinorKm)
	fmt.Fprintln(f, "PHASE station phase ttpred residual weight dist azimuth")
	for _, a := range h.Arrivals {
		if a.Ignore {
			continue
		}
		fmt.Fprintf(f, "%-8s %-6s %9.4f %9.4f %7.4f %9.3f %6.1f\n",
			a.Label, a.CanonPhase, a.PredictedTravelTime, a.Residual, a.Weight, a.Distance, a.Azimuth)
	}
	return nil
}
