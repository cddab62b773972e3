// Package nlloctree implements the adaptive octree search of spec.md
// section 4.6: an importance-sampling refinement of a coarse grid of
// log-likelihood evaluations, prioritized by cell value times volume.
package nlloctree

import (
	"container/heap"
	"context"
	"log"
	"math"
	"math/rand"
)

// EvalFunc evaluates the log-likelihood at a candidate hypocenter.
type EvalFunc func(x, y, z float64) (logLike float64, ok bool)

// Params bundles the search's tunable behavior, per spec.md section 4.6
// and the LOCSEARCH OCT control statement.
type Params struct {
	OriginX, OriginY, OriginZ float64
	SizeX, SizeY, SizeZ       float64 // search-box extent
	InitNumX, InitNumY, InitNumZ int  // coarse NxO x NyO x NzO grid
	MinNodeSize               float64 // stop subdividing below this edge length
	MaxNumNodes               int
	EarlyStopFraction         float64 // fraction of MaxNumNodes after which an early-stop check runs; 0 disables
	EarlyStopValueRatio       float64 // stop early once the popped value drops below this ratio of the best value seen
}

const outsideGridValue = -1e30

// node is one octree leaf or (once subdivided) former leaf.
type node struct {
	x, y, z          float64 // center
	dx, dy, dz       float64 // half-extents
	value            float64 // log-likelihood at center
	insertionIdx     int
	outsideGrid      bool
}

func (n *node) volume() float64 { return 8 * n.dx * n.dy * n.dz }

func (n *node) largestEdge() float64 {
	e := 2 * n.dx
	if 2*n.dy > e {
		e = 2 * n.dy
	}
	if 2*n.dz > e {
		e = 2 * n.dz
	}
	return e
}

// priority is value + log(volume), the log-domain form of value*volume
// used so the comparison is stable across the wide dynamic range of
// log-likelihoods. Nodes whose center fell outside the grid carry a
// fixed very low priority and are never popped for refinement.
func (n *node) priority() float64 {
	if n.outsideGrid {
		return outsideGridValue
	}
	return n.value + math.Log(n.volume())
}

// leafHeap is a max-heap on priority, tie-broken by lower insertionIdx
// (older entries pop first), per spec.md section 4.6.
type leafHeap []*node

func (h leafHeap) Len() int { return len(h) }
func (h leafHeap) Less(i, j int) bool {
	pi, pj := h[i].priority(), h[j].priority()
	if pi == pj {
		return h[i].insertionIdx < h[j].insertionIdx
	}
	return pi > pj
}
func (h leafHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *leafHeap) Push(x any)        { *h = append(*h, x.(*node)) }
func (h *leafHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Status reports how a Run concluded.
type Status int

const (
	StatusOK Status = iota
	StatusAborted
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusAborted:
		return "ABORTED"
	case StatusRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// Sample is one accepted octree leaf, usable as a posterior scatter point.
type Sample struct {
	X, Y, Z       float64
	LogLikelihood float64
}

// Result is the outcome of a Run.
type Result struct {
	Status     Status
	BestX, BestY, BestZ float64
	BestValue  float64
	Leaves     []*node // all leaves remaining at the end, for scatter drawing
	NumNodes   int
}

// Run executes the octree search described in spec.md section 4.6. ctx is
// checked between pops so a caller can request early termination (spec.md
// section 5's cooperative "requested_terminate" flag); on cancellation the
// search stops as if MaxNumNodes had been reached, returning whatever
// leaves and best estimate have accumulated so far rather than an
// uninitialized result.
func Run(ctx context.Context, p Params, eval EvalFunc) Result {
	h := &leafHeap{}
	heap.Init(h)
	insertionIdx := 0
	numInitial := p.InitNumX * p.InitNumY * p.InitNumZ
	allFailed := true

	dx0 := p.SizeX / float64(p.InitNumX) / 2
	dy0 := p.SizeY / float64(p.InitNumY) / 2
	dz0 := p.SizeZ / float64(p.InitNumZ) / 2

	for ix := 0; ix < p.InitNumX; ix++ {
		for iy := 0; iy < p.InitNumY; iy++ {
			for iz := 0; iz < p.InitNumZ; iz++ {
				cx := p.OriginX + dx0 + float64(ix)*2*dx0
				cy := p.OriginY + dy0 + float64(iy)*2*dy0
				cz := p.OriginZ + dz0 + float64(iz)*2*dz0
				v, ok := eval(cx, cy, cz)
				n := &node{x: cx, y: cy, z: cz, dx: dx0, dy: dy0, dz: dz0, insertionIdx: insertionIdx}
				insertionIdx++
				if !ok || math.IsInf(v, -1) {
					n.outsideGrid = true
				} else {
					n.value = v
					allFailed = false
				}
				heap.Push(h, n)
			}
		}
	}

	if allFailed {
		log.Printf("[nlloctree] all %d initial cells invalid, aborting search", numInitial)
		return Result{Status: StatusAborted}
	}

	leaves := make([]*node, 0, p.MaxNumNodes)
	var best *node
	numNodes := numInitial
	bestEver := math.Inf(-1)

	canceled := false
	for h.Len() > 0 && numNodes < p.MaxNumNodes {
		select {
		case <-ctx.Done():
			log.Printf("[nlloctree] search canceled after %d nodes: %v", numNodes, ctx.Err())
			canceled = true
		default:
		}
		if canceled {
			break
		}
		top := heap.Pop(h).(*node)

		if top.outsideGrid {
			leaves = append(leaves, top)
			continue
		}
		if top.value > bestEver {
			bestEver = top.value
		}
		if top.largestEdge() <= p.MinNodeSize {
			leaves = append(leaves, top)
			if best == nil || top.value > best.value {
				best = top
			}
			if p.EarlyStopFraction > 0 && p.EarlyStopValueRatio > 0 &&
				float64(numNodes) >= p.EarlyStopFraction*float64(p.MaxNumNodes) &&
				top.priority() < p.EarlyStopValueRatio*bestEver {
				break
			}
			continue
		}

		children := subdivide(top, eval, &insertionIdx)
		numNodes += len(children)
		for _, c := range children {
			if best == nil || (!c.outsideGrid && c.value > best.value) {
				if !c.outsideGrid {
					best = c
				}
			}
			heap.Push(h, c)
		}
	}
	for h.Len() > 0 {
		leaves = append(leaves, heap.Pop(h).(*node))
	}

	if best == nil {
		return Result{Status: StatusAborted, Leaves: leaves, NumNodes: numNodes}
	}

	status := StatusOK
	if onBoundary(best, p) {
		status = StatusRejected
		log.Printf("[nlloctree] best cell (%.3f,%.3f,%.3f) lies on search-box boundary, marking REJECTED", best.x, best.y, best.z)
	}

	return Result{
		Status: status, BestX: best.x, BestY: best.y, BestZ: best.z,
		BestValue: best.value, Leaves: leaves, NumNodes: numNodes,
	}
}

func subdivide(n *node, eval EvalFunc, insertionIdx *int) []*node {
	hdx, hdy, hdz := n.dx/2, n.dy/2, n.dz/2
	children := make([]*node, 0, 8)
	for _, sx := range [2]float64{-1, 1} {
		for _, sy := range [2]float64{-1, 1} {
			for _, sz := range [2]float64{-1, 1} {
				cx := n.x + sx*hdx
				cy := n.y + sy*hdy
				cz := n.z + sz*hdz
				v, ok := eval(cx, cy, cz)
				c := &node{x: cx, y: cy, z: cz, dx: hdx, dy: hdy, dz: hdz, insertionIdx: *insertionIdx}
				*insertionIdx++
				if !ok || math.IsInf(v, -1) {
					c.outsideGrid = true
				} else {
					c.value = v
				}
				children = append(children, c)
			}
		}
	}
	return children
}

const boundaryTol = 1e-6

func onBoundary(n *node, p Params) bool {
	lo := func(v, origin float64) bool { return math.Abs(v-origin) < boundaryTol }
	hi := func(v, origin, size float64) bool { return math.Abs(v-(origin+size)) < boundaryTol }
	return lo(n.x-n.dx, p.OriginX) || hi(n.x+n.dx, p.OriginX, p.SizeX) ||
		lo(n.y-n.dy, p.OriginY) || hi(n.y+n.dy, p.OriginY, p.SizeY) ||
		lo(n.z-n.dz, p.OriginZ) || hi(n.z+n.dz, p.OriginZ, p.SizeZ)
}

// DrawScatter samples numPoints (x,y,z,logLikelihood) quadruples from the
// leaf set, proportional to each leaf's likelihood*volume weight, per
// spec.md section 4.6's scatter-drawing rule.
func DrawScatter(leaves []*node, numPoints int, rng *rand.Rand) []Sample {
	type weighted struct {
		n *node
		w float64
	}
	var ws []weighted
	var total float64
	maxV := math.Inf(-1)
	for _, l := range leaves {
		if !l.outsideGrid && l.value > maxV {
			maxV = l.value
		}
	}
	for _, l := range leaves {
		if l.outsideGrid {
			continue
		}
		w := math.Exp(l.value-maxV) * l.volume()
		ws = append(ws, weighted{l, w})
		total += w
	}
	if total <= 0 || len(ws) == 0 {
		return nil
	}
	out := make([]Sample, 0, numPoints)
	for i := 0; i < numPoints; i++ {
		r := rng.Float64() * total
		var acc float64
		var picked *node
		for _, w := range ws {
			acc += w.w
			if r <= acc {
				picked = w.n
				break
			}
		}
		if picked == nil {
			picked = ws[len(ws)-1].n
		}
		x := picked.x + (2*rng.Float64()-1)*picked.dx
		y := picked.y + (2*rng.Float64()-1)*picked.dy
		z := picked.z + (2*rng.Float64()-1)*picked.dz
		out = append(out, Sample{X: x, Y: y, Z: z, LogLikelihood: picked.value})
	}
	return out
}
