package nllmet

import (
	"context"
	"math"
	"math/rand"
	"testing"
)

func gaussianEval(x0, y0, z0 float64) EvalFunc {
	return func(x, y, z float64) (float64, float64, bool) {
		d2 := (x-x0)*(x-x0) + (y-y0)*(y-y0) + (z-z0)*(z-z0)
		return -0.5 * d2, math.Sqrt(d2), true
	}
}

func TestRunConvergesNearPeak(t *testing.T) {
	p := DefaultParams()
	p.OriginX, p.OriginY, p.OriginZ = -50, -50, -50
	p.SizeX, p.SizeY, p.SizeZ = 100, 100, 100
	p.NumSamples = 3000
	rng := rand.New(rand.NewSource(7))
	res := Run(context.Background(), p, gaussianEval(4, -3, 2), 0, 0, 0, rng)
	if res.Status != StatusOK {
		t.Fatalf("status = %v, want OK", res.Status)
	}
	if math.Abs(res.BestX-4) > 2 || math.Abs(res.BestY-(-3)) > 2 || math.Abs(res.BestZ-2) > 2 {
		t.Errorf("best (%v,%v,%v) too far from (4,-3,2)", res.BestX, res.BestY, res.BestZ)
	}
}

func TestRunAbortsWhenNothingIsEverValid(t *testing.T) {
	p := DefaultParams()
	p.OriginX, p.OriginY, p.OriginZ = -10, -10, -10
	p.SizeX, p.SizeY, p.SizeZ = 20, 20, 20
	p.NumSamples = 100
	rng := rand.New(rand.NewSource(1))
	res := Run(context.Background(), p, func(x, y, z float64) (float64, float64, bool) { return 0, 0, false }, 0, 0, 0, rng)
	if res.Status != StatusAborted {
		t.Fatalf("status = %v, want ABORTED", res.Status)
	}
}

func TestRunStopsOnCancellation(t *testing.T) {
	p := DefaultParams()
	p.OriginX, p.OriginY, p.OriginZ = -50, -50, -50
	p.SizeX, p.SizeY, p.SizeZ = 100, 100, 100
	p.NumSamples = 3000
	rng := rand.New(rand.NewSource(9))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := Run(ctx, p, gaussianEval(4, -3, 2), 0, 0, 0, rng)
	if res.NumAccepted > 0 {
		t.Errorf("expected no samples accepted once canceled before the first round, got %d", res.NumAccepted)
	}
	if res.Status != StatusOK && res.Status != StatusAborted {
		t.Fatalf("status = %v, want OK or ABORTED", res.Status)
	}
}

func TestClampBoxClipsOutOfBounds(t *testing.T) {
	p := Params{OriginX: 0, OriginY: 0, OriginZ: 0, SizeX: 10, SizeY: 10, SizeZ: 10}
	x, y, z, clipped := clampBox(p, -5, 20, 3)
	if !clipped {
		t.Fatal("expected clipped = true")
	}
	if x != 0 || y != 10 || z != 3 {
		t.Errorf("clampBox = (%v,%v,%v), want (0,10,3)", x, y, z)
	}
	_, _, _, clippedInBounds := clampBox(p, 1, 2, 3)
	if clippedInBounds {
		t.Error("in-bounds point should not be clipped")
	}
}

func TestMetropolisAcceptAlwaysAcceptsImprovement(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	if !metropolisAccept(-5, -1, rng) {
		t.Error("expected improvement to always accept")
	}
}

func TestMetropolisAcceptNearZeroCurrentAlwaysAccepts(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	if !metropolisAccept(nearZeroLogLike-1, -1000, rng) {
		t.Error("expected near-zero current likelihood to always accept")
	}
}

func TestMetropolisAcceptNearZeroProposalAlwaysRejects(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	if metropolisAccept(-1, nearZeroLogLike-1, rng) {
		t.Error("expected near-zero proposed likelihood to always reject")
	}
}

func TestCurrentTemperatureDecaysToOneAtStartSave(t *testing.T) {
	p := Params{InitialTemperature: 8, StartSave: 100}
	if got := currentTemperature(p, 0); got != 8 {
		t.Errorf("currentTemperature(0) = %v, want 8", got)
	}
	if got := currentTemperature(p, 100); got != 1 {
		t.Errorf("currentTemperature(100) = %v, want 1", got)
	}
}
