package nllengine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nllgo/nlloc/internal/nllctrl"
	"github.com/nllgo/nlloc/internal/nllgrid"
	"github.com/nllgo/nlloc/internal/nllmisfit"
	"github.com/nllgo/nlloc/internal/nllobs"
	"github.com/nllgo/nlloc/internal/nllproj"
	"github.com/nllgo/nlloc/internal/nllstat"
	"github.com/nllgo/nlloc/internal/nlltt"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	ctrl := nllctrl.Default()
	ctrl.GridNumX, ctrl.GridNumY, ctrl.GridNumZ = 5, 5, 5
	ctrl.GridOrigX, ctrl.GridOrigY, ctrl.GridOrigZ = -10, -10, -10
	ctrl.GridSpacing = 5
	return New(ctrl)
}

func flatTTTable(t *testing.T, val float64) (*nlltt.Table, []*nllobs.Arrival) {
	t.Helper()
	g, err := nllgrid.Allocate(nllgrid.Desc{Name: "g", NumX: 3, NumY: 3, NumZ: 3, DX: 1, DY: 1, DZ: 1})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	for i := range g.Buf {
		g.Buf[i] = val
	}
	a := &nllobs.Arrival{Label: "AAA", CanonPhase: "P", ObsTime: val + 100, Sigma: 0.1, Weight: 1, CompanionOf: -1}
	src := &nlltt.Source{Arrival: a, Grid: g, TFact: 1}
	return nlltt.NewTable([]*nlltt.Source{src}), []*nllobs.Arrival{a}
}

func TestMisfitOptionsDispatch(t *testing.T) {
	ctrl := nllctrl.Default()
	ctrl.MisfitMethod = "EDT_OT_WT"
	opt := misfitOptions(ctrl)
	if opt.Method != nllmisfit.MethodEDT || !opt.EDTWeightByOTConsistency {
		t.Fatalf("EDT_OT_WT not applied: %+v", opt)
	}

	ctrl2 := nllctrl.Default()
	v := 0.5
	ctrl2.RejectMisfitGreaterThanRMS = &v
	opt2 := misfitOptions(ctrl2)
	if !opt2.RejectMisfitGreaterThanRMS || opt2.RunningRMS != 0.5 {
		t.Fatalf("RejectMisfitGreaterThanRMS not applied: %+v", opt2)
	}
}

func TestRunGridExhaustiveReportsMethodStatusAndPhaseCount(t *testing.T) {
	e := testEngine(t)
	tt, arrivals := flatTTTable(t, 100)
	misOpt := nllmisfit.DefaultOptions()
	evalLL := func(x, y, z float64) (float64, bool) {
		res := nllmisfit.Evaluate(tt, arrivals, x, y, z, misOpt, 0)
		if !res.Valid {
			return 0, false
		}
		return res.LogLikelihood, true
	}
	hypo, err := e.runGridExhaustive(context.Background(), "evt1", evalLL, tt, arrivals, misOpt)
	if err != nil {
		t.Fatalf("runGridExhaustive: %v", err)
	}
	if hypo.Method != "GRID" || hypo.Status != "OK" {
		t.Errorf("hypo method/status = %s/%s", hypo.Method, hypo.Status)
	}
	if hypo.NUsed != 1 {
		t.Errorf("NUsed = %d, want 1", hypo.NUsed)
	}
}

func TestFillStatsPopulatesMeanAndEllipsoid(t *testing.T) {
	e := testEngine(t)
	hypo := &Hypocenter{}
	pts := []nllstat.Point{{X: -1, Y: 0, Z: 0}, {X: 1, Y: 0, Z: 0}, {X: 0, Y: -1, Z: 0}, {X: 0, Y: 1, Z: 0}}
	lls := []float64{-1, -1, -1, -1}
	e.fillStats(hypo, pts, lls)
	if hypo.Mean.X != 0 || hypo.Mean.Y != 0 {
		t.Errorf("mean = %+v, want (0,0,0)", hypo.Mean)
	}
	if hypo.Ellipsoid == ([3]nllstat.Axis{}) {
		t.Error("expected ellipsoid axes to be filled")
	}
}

func TestFillStatsNoOpOnEmptyScatter(t *testing.T) {
	e := testEngine(t)
	hypo := &Hypocenter{}
	e.fillStats(hypo, nil, nil)
	if hypo.Mean != (nllstat.Point{}) {
		t.Errorf("expected zero mean for empty scatter, got %+v", hypo.Mean)
	}
}

func TestWriteOutputsProducesHypFile(t *testing.T) {
	ctrl := nllctrl.Default()
	dir := t.TempDir()
	ctrl.OutputFileRoot = filepath.Join(dir, "out")
	ctrl.SaveScatter = true
	proj := nllproj.New(nllproj.Simple, 0, 0, 0, 0, 0)
	e := &Engine{Ctrl: ctrl, Proj: proj}

	hypo := &Hypocenter{
		EventLabel: "evt1", X: 1, Y: 2, Z: 3, RMS: 0.1, NUsed: 2, Method: "GRID", Status: "OK",
		Scatter:   []nllstat.Point{{X: 1, Y: 2, Z: 3}},
		ScatterLL: []float64{-0.5},
		Arrivals:  []*nllobs.Arrival{{Label: "AAA", CanonPhase: "P"}},
	}
	if err := e.writeOutputs(hypo); err != nil {
		t.Fatalf("writeOutputs: %v", err)
	}
	hypPath := filepath.Join(dir, "out."+sanitize("evt1")+".hyp")
	if _, err := os.Stat(hypPath); err != nil {
		t.Errorf("expected hyp file at %s: %v", hypPath, err)
	}
	scatPath := filepath.Join(dir, "out."+sanitize("evt1")+".scat")
	if _, err := os.Stat(scatPath); err != nil {
		t.Errorf("expected scat file at %s: %v", scatPath, err)
	}
}

func TestSanitizeReplacesPathLikeCharacters(t *testing.T) {
	if got := sanitize("net/AB 01"); got != "net_AB_01" {
		t.Errorf("sanitize = %q, want net_AB_01", got)
	}
}

func TestWriteScatterFileHeaderIsSixteenBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.scat")
	hypo := &Hypocenter{
		Scatter:   []nllstat.Point{{X: 1, Y: 2, Z: 3}, {X: 4, Y: 5, Z: 6}},
		ScatterLL: []float64{-0.5, -0.1},
	}
	if err := writeScatterFile(path, hypo); err != nil {
		t.Fatalf("writeScatterFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	wantLen := 16 + len(hypo.Scatter)*16 // 16-byte header + 4 float32s per sample
	if len(data) != wantLen {
		t.Fatalf("scatter file length = %d, want %d (header must be Nscat+probmax+2 padding floats)", len(data), wantLen)
	}
}
