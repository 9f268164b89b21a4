package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/swarmflight/internal/flight"
)

// Flight outcomes.
const (
	OutcomeRunning  = "running"
	OutcomeLanded   = "landed"
	OutcomeAborted  = "aborted"
	OutcomeCanceled = "canceled"
)

// Flight is one unit's flight.
type Flight struct {
	ID         string     `json:"flight_id"`
	Unit       string     `json:"unit"`
	Marker     string     `json:"marker"`
	Pattern    string     `json:"pattern"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Outcome    string     `json:"outcome"`
	Error      string     `json:"error,omitempty"`
}

// StartFlight inserts a running flight and returns its ID.
func (db *DB) StartFlight(unit, marker, pattern string, at time.Time) (string, error) {
	id := "flt_" + uuid.NewString()
	_, err := db.Exec(`
		INSERT INTO flights (flight_id, unit, marker, pattern, started_unix_ns, outcome)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, unit, marker, pattern, at.UnixNano(), OutcomeRunning)
	if err != nil {
		return "", fmt.Errorf("insert flight for %s: %w", unit, err)
	}
	return id, nil
}

// FinishFlight records how a flight ended. runErr may be nil.
func (db *DB) FinishFlight(id string, at time.Time, outcome string, runErr error) error {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	res, err := db.Exec(`
		UPDATE flights SET finished_unix_ns = ?, outcome = ?, error = ?
		WHERE flight_id = ?`,
		at.UnixNano(), outcome, msg, id)
	if err != nil {
		return fmt.Errorf("finish flight %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish flight %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

const flightColumns = `flight_id, unit, marker, pattern, started_unix_ns, finished_unix_ns, outcome, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlight(row rowScanner) (Flight, error) {
	var f Flight
	var started int64
	var finished sql.NullInt64
	if err := row.Scan(&f.ID, &f.Unit, &f.Marker, &f.Pattern, &started, &finished, &f.Outcome, &f.Error); err != nil {
		return Flight{}, err
	}
	f.StartedAt = time.Unix(0, started).UTC()
	if finished.Valid {
		t := time.Unix(0, finished.Int64).UTC()
		f.FinishedAt = &t
	}
	return f, nil
}

// Flights lists flights, newest first.
func (db *DB) Flights() ([]Flight, error) {
	rows, err := db.Query(`SELECT ` + flightColumns + ` FROM flights ORDER BY started_unix_ns DESC, unit`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flights []Flight
	for rows.Next() {
		f, err := scanFlight(rows)
		if err != nil {
			return nil, err
		}
		flights = append(flights, f)
	}
	return flights, rows.Err()
}

// Flight returns one flight. It returns sql.ErrNoRows for an unknown ID.
func (db *DB) Flight(id string) (Flight, error) {
	return scanFlight(db.QueryRow(`SELECT `+flightColumns+` FROM flights WHERE flight_id = ?`, id))
}

// InsertTransitions stores phase transitions for a flight.
func (db *DB) InsertTransitions(flightID string, transitions []flight.Transition) error {
	if len(transitions) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO flight_transitions (flight_id, at_unix_ns, from_phase, to_phase, altitude)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, t := range transitions {
		if _, err := stmt.Exec(flightID, t.At.UnixNano(), t.From.String(), t.To.String(), t.Altitude); err != nil {
			return fmt.Errorf("insert transition %v->%v: %w", t.From, t.To, err)
		}
	}
	return tx.Commit()
}

// InsertTicks stores a batch of control ticks for a flight in one
// transaction.
func (db *DB) InsertTicks(flightID string, ticks []flight.TickSample) error {
	if len(ticks) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO flight_ticks (
			flight_id, at_unix_ns, phase, x, y, z, raw_altitude, altitude,
			desired_x, desired_y, desired_z, vx, vy, vz
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, s := range ticks {
		_, err := stmt.Exec(flightID, s.At.UnixNano(), s.Phase.String(),
			s.Position.X, s.Position.Y, s.Position.Z, s.RawAltitude, s.Altitude,
			s.Desired.X, s.Desired.Y, s.Desired.Z,
			s.Setpoint.VX, s.Setpoint.VY, s.Setpoint.VZ)
		if err != nil {
			return fmt.Errorf("insert tick: %w", err)
		}
	}
	return tx.Commit()
}

// TransitionRow is a stored phase transition.
type TransitionRow struct {
	At       time.Time `json:"at"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	Altitude float64   `json:"altitude"`
}

// Transitions returns the stored transitions of a flight in order.
func (db *DB) Transitions(flightID string) ([]TransitionRow, error) {
	rows, err := db.Query(`
		SELECT at_unix_ns, from_phase, to_phase, altitude
		FROM flight_transitions WHERE flight_id = ? ORDER BY at_unix_ns, rowid`, flightID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransitionRow
	for rows.Next() {
		var r TransitionRow
		var at int64
		if err := rows.Scan(&at, &r.From, &r.To, &r.Altitude); err != nil {
			return nil, err
		}
		r.At = time.Unix(0, at).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// TickRow is a stored control tick.
type TickRow struct {
	At          time.Time `json:"at"`
	Phase       string    `json:"phase"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	Z           float64   `json:"z"`
	RawAltitude float64   `json:"raw_altitude"`
	Altitude    float64   `json:"altitude"`
	DesiredZ    float64   `json:"desired_z"`
	VZ          float64   `json:"vz"`
}

// Ticks returns the stored ticks of a flight in order.
func (db *DB) Ticks(flightID string) ([]TickRow, error) {
	rows, err := db.Query(`
		SELECT at_unix_ns, phase, x, y, z, raw_altitude, altitude, desired_z, vz
		FROM flight_ticks WHERE flight_id = ? ORDER BY at_unix_ns, rowid`, flightID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TickRow
	for rows.Next() {
		var r TickRow
		var at int64
		if err := rows.Scan(&at, &r.Phase, &r.X, &r.Y, &r.Z, &r.RawAltitude, &r.Altitude, &r.DesiredZ, &r.VZ); err != nil {
			return nil, err
		}
		r.At = time.Unix(0, at).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
