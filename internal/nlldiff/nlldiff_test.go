package nlldiff

import (
	"context"
	"math"
	"math/rand"
	"testing"
)

func straightLineTT(eventIdx int, station string, x, y, z float64) (float64, bool) {
	// unit-velocity travel time from (x,y,z) to a station fixed at origin
	return math.Sqrt(x*x + y*y + z*z), true
}

func TestNewDriverDropsUnresolvedObservations(t *testing.T) {
	events := []*Event{{ID: 1}, {ID: 2}}
	obs := []DiffObs{
		{EventI: 0, EventJ: 1, Station: "AAA", DtObs: 0.1, Sigma: 0.05, Weight: 1},
		{EventI: 0, EventJ: 5, Station: "BBB", DtObs: 0.2, Sigma: 0.05, Weight: 1}, // event 5 doesn't exist
	}
	d, unresolved := NewDriver(events, obs, straightLineTT, Params{}, rand.New(rand.NewSource(1)))
	if unresolved != 1 {
		t.Fatalf("unresolved = %d, want 1", unresolved)
	}
	if len(d.obs) != 1 {
		t.Fatalf("len(d.obs) = %d, want 1", len(d.obs))
	}
}

func TestDDResidualZeroWhenConsistent(t *testing.T) {
	events := []*Event{
		{ID: 1, X: 3, Y: 4, Z: 0, DT: 0},
		{ID: 2, X: 0, Y: 0, Z: 0, DT: 0},
	}
	// ttIK = 5 (dist from (3,4,0) to origin), ttJK = 0
	obs := []DiffObs{{EventI: 0, EventJ: 1, Station: "AAA", DtObs: 5, Sigma: 0.1, Weight: 1}}
	d, _ := NewDriver(events, obs, straightLineTT, Params{}, rand.New(rand.NewSource(2)))
	ddr, ok := d.ddResidual(obs[0])
	if !ok {
		t.Fatal("expected ok = true")
	}
	if math.Abs(ddr) > 1e-9 {
		t.Fatalf("ddr = %v, want ~0", ddr)
	}
}

func TestValidateRequiresEvents(t *testing.T) {
	d, _ := NewDriver(nil, nil, straightLineTT, Params{}, rand.New(rand.NewSource(1)))
	if err := d.Validate(); err == nil {
		t.Fatal("expected error with no events")
	}
}

func TestRunAccumulatesAcceptedSamples(t *testing.T) {
	events := []*Event{
		{ID: 1, X: 10, Y: 10, Z: 0},
		{ID: 2, X: -10, Y: -10, Z: 0},
	}
	obs := []DiffObs{{EventI: 0, EventJ: 1, Station: "AAA", DtObs: 0, Sigma: 1, Weight: 1}}
	p := Params{NumSamples: 50, StepInit: 1, StepMax: 10, RetryTarget: 4}
	d, _ := NewDriver(events, obs, straightLineTT, p, rand.New(rand.NewSource(9)))
	d.Run(context.Background(), 2000)
	for _, e := range d.Events {
		if e.NumAccepted == 0 {
			t.Errorf("event %d accepted no samples", e.ID)
		}
	}
}

func TestRunStopsOnCancellationWithoutDiscardingProgress(t *testing.T) {
	events := []*Event{
		{ID: 1, X: 10, Y: 10, Z: 0},
		{ID: 2, X: -10, Y: -10, Z: 0},
	}
	obs := []DiffObs{{EventI: 0, EventJ: 1, Station: "AAA", DtObs: 0, Sigma: 1, Weight: 1}}
	p := Params{NumSamples: 5000, StepInit: 1, StepMax: 10, RetryTarget: 4}
	d, _ := NewDriver(events, obs, straightLineTT, p, rand.New(rand.NewSource(11)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx, 2000)
	for _, e := range d.Events {
		if e.NumAccepted != 0 {
			t.Errorf("event %d accepted %d samples, want 0 since canceled before the first round", e.ID, e.NumAccepted)
		}
	}
}

func TestLinksReturnsOneSegmentPerPair(t *testing.T) {
	events := []*Event{{ID: 1}, {ID: 2}, {ID: 3}}
	obs := []DiffObs{
		{EventI: 0, EventJ: 1, Station: "AAA", DtObs: 0.1, Sigma: 0.1, Weight: 1},
		{EventI: 0, EventJ: 1, Station: "BBB", DtObs: 0.2, Sigma: 0.1, Weight: 1}, // same pair again
		{EventI: 1, EventJ: 2, Station: "AAA", DtObs: 0.1, Sigma: 0.1, Weight: 1},
	}
	d, _ := NewDriver(events, obs, straightLineTT, Params{}, rand.New(rand.NewSource(1)))
	links := d.Links()
	if len(links) != 2 {
		t.Fatalf("len(links) = %d, want 2", len(links))
	}
}

func TestResidualRowsSkipsUnresolvablePairs(t *testing.T) {
	events := []*Event{{ID: 1}, {ID: 2}}
	failingTT := func(eventIdx int, station string, x, y, z float64) (float64, bool) { return 0, false }
	obs := []DiffObs{{EventI: 0, EventJ: 1, Station: "AAA", DtObs: 0.1, Sigma: 0.1, Weight: 1}}
	d, _ := NewDriver(events, obs, failingTT, Params{}, rand.New(rand.NewSource(1)))
	rows := d.ResidualRows()
	if len(rows) != 0 {
		t.Fatalf("len(rows) = %d, want 0 when travel times are unavailable", len(rows))
	}
}
