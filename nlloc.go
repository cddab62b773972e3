// Package nlloc is the library entry point for the probabilistic
// non-linear hypocenter locator described in spec.md: a forward-linked
// Location list (section 4.11) built by repeatedly driving
// internal/nllengine over a stream of observations.
package nlloc

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/nllgo/nlloc/internal/nllctrl"
	"github.com/nllgo/nlloc/internal/nllengine"
	"github.com/nllgo/nlloc/internal/nllobs"
)

// Location is one located event, returned to library callers. Its
// arrays are valid until the owning List's FreeAll is called.
type Location struct {
	Hypo *nllengine.Hypocenter
	next *Location
}

// List is a forward-linked list of Locations in insertion order, per
// spec.md section 4.11. Append/GetByIndex/FreeAll are the only
// operations; thread-safety is not guaranteed, matching the reference's
// "serialize or partition" contract for concurrent callers.
type List struct {
	head, tail *Location
	count      int
}

// Append adds a Location to the end of the list.
func (l *List) Append(loc *Location) {
	if l.head == nil {
		l.head, l.tail = loc, loc
	} else {
		l.tail.next = loc
		l.tail = loc
	}
	l.count++
}

// Len returns the number of Locations currently in the list.
func (l *List) Len() int { return l.count }

// GetByIndex returns the i-th Location (0-based, insertion order), or
// nil if out of range.
func (l *List) GetByIndex(i int) *Location {
	if i < 0 {
		return nil
	}
	cur := l.head
	for ; cur != nil && i > 0; i-- {
		cur = cur.next
	}
	return cur
}

// FreeAll clears the list. If dropArrays is true, each Location's
// arrival and scatter slices are released as well as the list links,
// matching the reference's optional deep-free.
func (l *List) FreeAll(dropArrays bool) {
	if dropArrays {
		for cur := l.head; cur != nil; cur = cur.next {
			cur.Hypo.Arrivals = nil
			cur.Hypo.Scatter = nil
			cur.Hypo.ScatterLL = nil
		}
	}
	l.head, l.tail = nil, nil
	l.count = 0
}

// Runner drives successive event locations from a control configuration.
// It is not safe for concurrent use by multiple goroutines; run separate
// Runners (each with its own nllengine.Engine) to locate events in
// parallel, per spec.md section 5.
type Runner struct {
	mu     sync.Mutex
	engine *nllengine.Engine
}

// NewRunner builds a Runner from a resolved control configuration.
func NewRunner(ctrl *nllctrl.Config) (*Runner, error) {
	if err := ctrl.Validate(); err != nil {
		return nil, err
	}
	return &Runner{engine: nllengine.New(ctrl)}, nil
}

// Locate reads every event from r (NLLOC_OBS text format, blank-line
// delimited) and appends a Location for each successfully located event
// to list. Events that fail to locate are logged by the engine and
// skipped rather than aborting the whole run, matching the reference's
// per-event error isolation (spec.md section 7). ctx is forwarded to
// each event's search step; canceling it stops the search in progress
// for the current event and lets it report what it found so far rather
// than discarding the whole run, but does not start further events.
func (run *Runner) Locate(ctx context.Context, r io.Reader, list *List) (numEvents, numLocated int, err error) {
	run.mu.Lock()
	defer run.mu.Unlock()

	ctrl := run.engine.Ctrl
	results, err := nllobs.ReadNLLOCOBS(r, run.engine.PhaseIDs, ctrl.Qual2Err)
	if err != nil {
		return 0, 0, fmt.Errorf("nlloc: reading observations: %w", err)
	}

	for i, res := range results {
		numEvents++
		if ctx.Err() != nil {
			break
		}
		label := fmt.Sprintf("evt%04d", i+1)
		hypo, locErr := run.engine.LocateEvent(ctx, label, res.Arrivals)
		if locErr != nil {
			continue
		}
		list.Append(&Location{Hypo: hypo})
		numLocated++
	}
	return numEvents, numLocated, nil
}

// LocateOne locates a single event's already-parsed arrivals, for
// callers (e.g. the differential-time driver) that assemble arrivals
// themselves instead of reading an NLLOC_OBS stream.
func (run *Runner) LocateOne(ctx context.Context, eventLabel string, arrivals []*nllobs.Arrival) (*Location, error) {
	run.mu.Lock()
	defer run.mu.Unlock()
	hypo, err := run.engine.LocateEvent(ctx, eventLabel, arrivals)
	if err != nil {
		return nil, err
	}
	return &Location{Hypo: hypo}, nil
}
