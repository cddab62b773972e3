package nlloctree

import (
	"context"
	"math"
	"math/rand"
	"testing"
)

func gaussianEval(x0, y0, z0 float64) EvalFunc {
	return func(x, y, z float64) (float64, bool) {
		d2 := (x-x0)*(x-x0) + (y-y0)*(y-y0) + (z-z0)*(z-z0)
		return -0.5 * d2, true
	}
}

func baseParams() Params {
	return Params{
		OriginX: -10, OriginY: -10, OriginZ: -10,
		SizeX: 20, SizeY: 20, SizeZ: 20,
		InitNumX: 4, InitNumY: 4, InitNumZ: 4,
		MinNodeSize: 0.5, MaxNumNodes: 2000,
	}
}

func TestRunFindsPeakNearTrueLocation(t *testing.T) {
	p := baseParams()
	res := Run(context.Background(), p, gaussianEval(3, -2, 1))
	if res.Status != StatusOK {
		t.Fatalf("status = %v, want OK", res.Status)
	}
	if math.Abs(res.BestX-3) > 1 || math.Abs(res.BestY-(-2)) > 1 || math.Abs(res.BestZ-1) > 1 {
		t.Errorf("best (%v,%v,%v) too far from (3,-2,1)", res.BestX, res.BestY, res.BestZ)
	}
}

func TestRunAbortsWhenAllCellsInvalid(t *testing.T) {
	p := baseParams()
	res := Run(context.Background(), p, func(x, y, z float64) (float64, bool) { return 0, false })
	if res.Status != StatusAborted {
		t.Fatalf("status = %v, want ABORTED", res.Status)
	}
}

func TestRunRejectedWhenBestOnBoundary(t *testing.T) {
	p := baseParams()
	// peak placed exactly at the box origin corner
	res := Run(context.Background(), p, gaussianEval(p.OriginX, p.OriginY, p.OriginZ))
	if res.Status != StatusRejected {
		t.Fatalf("status = %v, want REJECTED", res.Status)
	}
}

func TestRunRespectsMaxNumNodes(t *testing.T) {
	p := baseParams()
	p.MaxNumNodes = 80
	p.MinNodeSize = 1e-6
	res := Run(context.Background(), p, gaussianEval(0, 0, 0))
	if res.NumNodes > p.MaxNumNodes+8 {
		t.Errorf("NumNodes = %d, want <= MaxNumNodes+one subdivision (%d)", res.NumNodes, p.MaxNumNodes+8)
	}
}

func TestDrawScatterWeightsTowardHighValue(t *testing.T) {
	p := baseParams()
	p.MaxNumNodes = 2000
	res := Run(context.Background(), p, gaussianEval(5, 5, 5))
	if len(res.Leaves) == 0 {
		t.Fatal("expected leaves to sample from")
	}
	rng := rand.New(rand.NewSource(1))
	samples := DrawScatter(res.Leaves, 200, rng)
	if len(samples) != 200 {
		t.Fatalf("len(samples) = %d, want 200", len(samples))
	}
	var meanX, meanY, meanZ float64
	for _, s := range samples {
		meanX += s.X
		meanY += s.Y
		meanZ += s.Z
	}
	n := float64(len(samples))
	meanX, meanY, meanZ = meanX/n, meanY/n, meanZ/n
	if math.Abs(meanX-5) > 3 || math.Abs(meanY-5) > 3 || math.Abs(meanZ-5) > 3 {
		t.Errorf("scatter mean (%v,%v,%v) not concentrated near (5,5,5)", meanX, meanY, meanZ)
	}
}

func TestRunStopsImmediatelyOnCancellation(t *testing.T) {
	// Canceled before any refinement: no leaf has reached MinNodeSize yet,
	// so best is never set and the search reports ABORTED, per spec.md
	// section 8's "LOCATED or ABORTED, never uninitialized" cancellation
	// contract -- ABORTED is a legitimate outcome here, not a failure mode.
	p := baseParams()
	p.MaxNumNodes = 100000
	p.MinNodeSize = 1e-9
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := Run(ctx, p, gaussianEval(3, -2, 1))
	if res.Status != StatusAborted && res.Status != StatusOK {
		t.Fatalf("status = %v, want OK or ABORTED", res.Status)
	}
	if res.NumNodes > p.InitNumX*p.InitNumY*p.InitNumZ {
		t.Errorf("expected no refinement beyond the initial grid once canceled, got NumNodes=%d", res.NumNodes)
	}
}

func TestRunReturnsPartialResultWhenCanceledMidRefinement(t *testing.T) {
	// Cancellation is checked once per pop; canceling only after letting a
	// handful of nodes refine should yield a real best estimate (StatusOK)
	// built from whatever was flushed before the flag was observed.
	p := baseParams()
	p.MaxNumNodes = 100000
	p.MinNodeSize = 1e-9
	ctx, cancel := context.WithCancel(context.Background())
	evalCount := 0
	eval := gaussianEval(3, -2, 1)
	wrapped := func(x, y, z float64) (float64, bool) {
		evalCount++
		if evalCount > 200 {
			cancel()
		}
		return eval(x, y, z)
	}
	res := Run(ctx, p, wrapped)
	if res.Status != StatusOK {
		t.Fatalf("status = %v, want OK once enough nodes refined before cancellation", res.Status)
	}
	if res.NumNodes == 0 {
		t.Fatal("expected some nodes to have been processed before cancellation")
	}
}

func TestDrawScatterEmptyWhenAllOutsideGrid(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	samples := DrawScatter(nil, 10, rng)
	if samples != nil {
		t.Errorf("expected nil samples for empty leaf set, got %v", samples)
	}
}
