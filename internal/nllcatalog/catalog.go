// Package nllcatalog persists completed locations to a SQLite catalog
// (the optional library-mode sink described in SPEC_FULL.md section 5)
// and exposes a live SQL debug dashboard over it, the same way the
// project exposes its other SQLite-backed stores.
package nllcatalog

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps a SQLite connection holding the location catalog.
type DB struct {
	*sql.DB
}

// Open creates or opens the catalog at path, applying essential
// performance PRAGMAs (mirrored from the project's other SQLite stores)
// and running migrations up to the latest version.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("nllcatalog: open %s: %w", path, err)
	}
	db := &DB{sqlDB}
	if err := db.applyPragmas(); err != nil {
		db.Close()
		return nil, err
	}
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("nllcatalog: migrations sub-fs: %w", err)
	}
	if err := db.migrateUp(sub); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) applyPragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("nllcatalog: exec %q: %w", p, err)
		}
	}
	return nil
}

func (db *DB) migrateUp(migrationsFS fs.FS) error {
	sourceDriver, err := iofs.New(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("nllcatalog: migration source: %w", err)
	}
	dbDriver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("nllcatalog: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("nllcatalog: migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("nllcatalog: migrate up: %w", err)
	}
	return nil
}

// Arrival is one phase contribution recorded against a saved location.
type Arrival struct {
	Station            string
	Phase              string
	ResidualSec        float64
	Weight             float64
	DistanceKm         float64
	AzimuthDeg         float64
}

// EllipsoidAxis mirrors nllstat.Axis for JSON storage without importing
// the stats package's gonum dependency into the catalog.
type EllipsoidAxis struct {
	AzimuthDeg, DipDeg, Length float64
}

// Record is one located event, ready to be inserted.
type Record struct {
	RunID           string
	EventLabel      string
	OriginTimeUnix  time.Time
	Lat, Lon        float64
	DepthKm         float64
	RMS, Misfit     float64
	NumPhasesUsed   int
	SearchMethod    string
	SearchStatus    string
	Ellipsoid       []EllipsoidAxis
	Arrivals        []Arrival
}

// NewRunID generates a correlation id for one batch of locations, the
// same uuid-based idiom used elsewhere in the project for run tracking.
func NewRunID() string {
	return uuid.NewString()
}

// Insert writes one location and its arrivals inside a transaction.
func (db *DB) Insert(r Record) (int64, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("nllcatalog: begin: %w", err)
	}
	defer tx.Rollback()

	var ellipsoidJSON []byte
	if len(r.Ellipsoid) > 0 {
		ellipsoidJSON, err = json.Marshal(r.Ellipsoid)
		if err != nil {
			return 0, fmt.Errorf("nllcatalog: marshal ellipsoid: %w", err)
		}
	}

	res, err := tx.Exec(`INSERT INTO location
		(run_id, event_label, origin_time_unix_nanos, lat, lon, depth_km, rms, misfit,
		 num_phases_used, search_method, search_status, ellipsoid_json, created_unix_nanos)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.RunID, r.EventLabel, r.OriginTimeUnix.UnixNano(), r.Lat, r.Lon, r.DepthKm, r.RMS, r.Misfit,
		r.NumPhasesUsed, r.SearchMethod, r.SearchStatus, string(ellipsoidJSON), time.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("nllcatalog: insert location: %w", err)
	}
	locID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("nllcatalog: last insert id: %w", err)
	}
	for _, a := range r.Arrivals {
		if _, err := tx.Exec(`INSERT INTO location_arrival
			(location_id, station, phase, residual_sec, weight, distance_km, azimuth_deg)
			VALUES (?,?,?,?,?,?,?)`,
			locID, a.Station, a.Phase, a.ResidualSec, a.Weight, a.DistanceKm, a.AzimuthDeg); err != nil {
			return 0, fmt.Errorf("nllcatalog: insert arrival: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("nllcatalog: commit: %w", err)
	}
	return locID, nil
}

// RecentByRun returns the most recent locations for a run, newest first.
func (db *DB) RecentByRun(runID string, limit int) ([]Record, error) {
	rows, err := db.Query(`SELECT event_label, origin_time_unix_nanos, lat, lon, depth_km, rms, misfit,
		num_phases_used, search_method, search_status, ellipsoid_json
		FROM location WHERE run_id = ? ORDER BY location_id DESC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("nllcatalog: query: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		var originNanos int64
		var ellipsoidJSON sql.NullString
		if err := rows.Scan(&r.EventLabel, &originNanos, &r.Lat, &r.Lon, &r.DepthKm, &r.RMS, &r.Misfit,
			&r.NumPhasesUsed, &r.SearchMethod, &r.SearchStatus, &ellipsoidJSON); err != nil {
			return nil, fmt.Errorf("nllcatalog: scan: %w", err)
		}
		r.RunID = runID
		r.OriginTimeUnix = time.Unix(0, originNanos).UTC()
		if ellipsoidJSON.Valid && ellipsoidJSON.String != "" {
			if err := json.Unmarshal([]byte(ellipsoidJSON.String), &r.Ellipsoid); err != nil {
				log.Printf("[nllcatalog] malformed ellipsoid_json for run %s: %v", runID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AttachAdminRoutes mounts a live SQL debug dashboard over the catalog
// at /debug/tailsql/, the same tailsql+tsweb pattern the project uses
// for its other stores.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
		Logf:        log.Printf,
	})
	if err != nil {
		log.Printf("[nllcatalog] failed to create tailsql server: %v", err)
		return
	}
	hostname, _ := os.Hostname()
	tsql.SetDB(fmt.Sprintf("sqlite://%s/location-catalog", hostname), db.DB, &tailsql.DBOptions{Label: "location catalog"})
	debug.Handle("tailsql/", "location catalog SQL debugging", tsql.NewMux())
}
