package db

import (
	"compress/gzip"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/swarmflight/internal/httputil"
	"github.com/banshee-data/swarmflight/internal/monitoring"
)

// AttachAdminRoutes mounts live SQL, backup and flight listing endpoints
// under /debug/.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://swarmflight.db", db.DB, &tailsql.DBOptions{
		Label: "Flight log",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("flights", "Recorded flights (JSON)", http.HandlerFunc(db.serveFlights))
	debug.Handle("flight", "One flight with its transitions and ticks, ?id=flt_... (JSON)", http.HandlerFunc(db.serveFlight))

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.serveBackup))
	return nil
}

func (db *DB) serveFlights(w http.ResponseWriter, r *http.Request) {
	if !httputil.OnlyGet(w, r) {
		return
	}
	flights, err := db.Flights()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list flights: %v", err))
		return
	}
	if flights == nil {
		flights = []Flight{}
	}
	httputil.WriteJSON(w, http.StatusOK, flights)
}

// FlightDetail is the /debug/flight response.
type FlightDetail struct {
	Flight      Flight          `json:"flight"`
	Transitions []TransitionRow `json:"transitions"`
	Ticks       []TickRow       `json:"ticks,omitempty"`
}

func (db *DB) serveFlight(w http.ResponseWriter, r *http.Request) {
	if !httputil.OnlyGet(w, r) {
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		httputil.BadRequest(w, "missing 'id' parameter")
		return
	}
	f, err := db.Flight(id)
	if errors.Is(err, sql.ErrNoRows) {
		httputil.NotFound(w, fmt.Sprintf("no flight %q", id))
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load flight: %v", err))
		return
	}
	detail := FlightDetail{Flight: f}
	if detail.Transitions, err = db.Transitions(id); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load transitions: %v", err))
		return
	}
	if r.URL.Query().Get("ticks") != "" {
		if detail.Ticks, err = db.Ticks(id); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to load ticks: %v", err))
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, detail)
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	dir, err := os.MkdirTemp("", "swarmflight-backup-")
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup dir: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			monitoring.Logf("Failed to remove backup dir: %v", err)
		}
	}()

	name := fmt.Sprintf("backup-%d.db", time.Now().Unix())
	backupPath := filepath.Join(dir, name)
	if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
	w.Header().Set("Content-Type", "application/gzip")
	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, backupFile); err != nil {
		monitoring.Logf("backup: write failed: %v", err)
	}
}
