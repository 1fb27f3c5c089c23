// Package schema manages the Postgres schema through versioned migration
// files. The identity tables (users, clients, refresh_tokens) are created
// and evolved here; SQLite and the in-memory store bootstrap themselves.
package schema

import (
	"database/sql"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

// Migrator drives migrations against a single Postgres database.
type Migrator struct {
	m  *migrate.Migrate
	db *sql.DB
}

// Open connects to the database and prepares a Migrator reading migration
// files from dir. Callers must Close it.
func Open(dir, dsn string) (*Migrator, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating migrate driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating migrate instance: %w", err)
	}
	return &Migrator{m: m, db: db}, nil
}

func (mg *Migrator) Close() error {
	return mg.db.Close()
}

// Version reports the current schema version. A pristine database with no
// schema_migrations row reports version 0, not an error.
func (mg *Migrator) Version() (uint, bool, error) {
	version, dirty, err := mg.m.Version()
	if err == migrate.ErrNilVersion {
		return 0, false, nil
	}
	return version, dirty, err
}

// Up applies all pending migrations. Already being current is not an error.
func (mg *Migrator) Up() error {
	if err := mg.m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Down rolls back every migration.
func (mg *Migrator) Down() error {
	if err := mg.m.Down(); err != nil {
		return fmt.Errorf("rolling back migrations: %w", err)
	}
	return nil
}

// Steps applies n migrations forward, or -n backward.
func (mg *Migrator) Steps(n int) error {
	if err := mg.m.Steps(n); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("stepping migrations: %w", err)
	}
	return nil
}

// Force overwrites the recorded version without running any migration.
// Only for recovering a dirty database.
func (mg *Migrator) Force(version int) error {
	if err := mg.m.Force(version); err != nil {
		return fmt.Errorf("forcing version: %w", err)
	}
	return nil
}

// Apply brings the database fully up to date, refusing to touch a dirty
// schema. This is the startup path for the Postgres adapter.
func Apply(dir, dsn string) error {
	mg, err := Open(dir, dsn)
	if err != nil {
		return err
	}
	defer mg.Close()

	version, dirty, err := mg.Version()
	if err != nil {
		return fmt.Errorf("checking migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is in a dirty state (version %d), manual intervention required", version)
	}

	if err := mg.Up(); err != nil {
		return err
	}

	if newVersion, _, _ := mg.Version(); newVersion != version {
		log.Printf("Migrated from version %d to %d", version, newVersion)
	}
	return nil
}
