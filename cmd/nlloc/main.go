// Command nlloc runs one batch location job: it parses a control
// statement file, locates every event in the configured observation
// file, and prints a one-line summary per location.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nllgo/nlloc"
	"github.com/nllgo/nlloc/internal/nllcatalog"
	"github.com/nllgo/nlloc/internal/nllctrl"
	"github.com/nllgo/nlloc/internal/nllengine"
)

var (
	controlPath = flag.String("control", "", "path to the NLLoc control statement file")
	catalogPath = flag.String("catalog", "", "optional path to a SQLite location catalog to append results to")
	listen      = flag.String("listen", "", "optional listen address for a /debug/tailsql/ catalog dashboard (requires -catalog)")
)

func main() {
	flag.Parse()
	if *controlPath == "" {
		log.Fatal("nlloc: -control is required")
	}

	f, err := os.Open(*controlPath)
	if err != nil {
		log.Fatalf("nlloc: opening control file: %v", err)
	}
	ctrl, err := nllctrl.Parse(f)
	f.Close()
	if err != nil {
		log.Fatalf("nlloc: parsing control file: %v", err)
	}

	runner, err := nlloc.NewRunner(ctrl)
	if err != nil {
		log.Fatalf("nlloc: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var catalog *nllcatalog.DB
	runID := nllcatalog.NewRunID()
	if *catalogPath != "" {
		catalog, err = nllcatalog.Open(*catalogPath)
		if err != nil {
			log.Fatalf("nlloc: opening catalog: %v", err)
		}
		defer catalog.Close()
		log.Printf("[nlloc] run %s writing to catalog %s", runID, *catalogPath)
	}

	if *listen != "" {
		if catalog == nil {
			log.Fatal("nlloc: -listen requires -catalog")
		}
		mux := http.NewServeMux()
		catalog.AttachAdminRoutes(mux)
		srv := &http.Server{Addr: *listen, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("[nlloc] dashboard server: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
		log.Printf("[nlloc] catalog dashboard listening on %s/debug/tailsql/", *listen)
	}

	obsFile, err := os.Open(ctrl.ObsFilePath)
	if err != nil {
		log.Fatalf("nlloc: opening observation file: %v", err)
	}
	defer obsFile.Close()

	var list nlloc.List
	numEvents, numLocated, err := runner.Locate(ctx, obsFile, &list)
	if err != nil {
		log.Fatalf("nlloc: %v", err)
	}
	log.Printf("[nlloc] located %d/%d events", numLocated, numEvents)

	for i := 0; i < list.Len(); i++ {
		loc := list.GetByIndex(i)
		h := loc.Hypo
		fmt.Printf("%s  lat=%.5f lon=%.5f depth=%.3fkm rms=%.4f nphs=%d method=%s status=%s\n",
			h.EventLabel, h.Lat, h.Lon, h.Z, h.RMS, h.NUsed, h.Method, h.Status)

		if catalog != nil {
			rec := toCatalogRecord(runID, h)
			if _, err := catalog.Insert(rec); err != nil {
				log.Printf("[nlloc] event %s: catalog insert failed: %v", h.EventLabel, err)
			}
		}
	}
}

func toCatalogRecord(runID string, h *nllengine.Hypocenter) nllcatalog.Record {
	rec := nllcatalog.Record{
		RunID: runID, EventLabel: h.EventLabel,
		OriginTimeUnix: time.Unix(0, int64(h.OriginTime*1e9)),
		Lat: h.Lat, Lon: h.Lon, DepthKm: h.Z,
		RMS: h.RMS, Misfit: h.Misfit, NumPhasesUsed: h.NUsed,
		SearchMethod: h.Method, SearchStatus: h.Status,
	}
	for _, ax := range h.Ellipsoid {
		rec.Ellipsoid = append(rec.Ellipsoid, nllcatalog.EllipsoidAxis{
			AzimuthDeg: ax.AzimuthDeg, DipDeg: ax.DipDeg, Length: ax.Length,
		})
	}
	for _, a := range h.Arrivals {
		if a.Ignore {
			continue
		}
		rec.Arrivals = append(rec.Arrivals, nllcatalog.Arrival{
			Station: a.Label, Phase: a.CanonPhase, ResidualSec: a.Residual,
			Weight: a.Weight, DistanceKm: a.Distance, AzimuthDeg: a.Azimuth,
		})
	}
	return rec
}
