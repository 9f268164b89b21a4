// Package db stores the flight log: one row per flight plus its phase
// transitions and sampled control ticks.
package db

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// NewDB opens the sqlite database at path and brings its schema up to date.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite serialises writers; a single connection keeps the pragmas
	// applied to every statement.
	sqlDB.SetMaxOpenConns(1)

	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	db := &DB{sqlDB}
	if err := db.MigrateUp(Migrations()); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}
