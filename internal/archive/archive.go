// Package archive keeps a sqlite ledger of incident recordings: when each
// was opened, for which label, and where its files ended up.
package archive

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when no incident has the requested id.
var ErrNotFound = errors.New("incident not found")

// Incident is one archived recording.
type Incident struct {
	ID         string     `json:"id"`
	Label      string     `json:"label"`
	Started    time.Time  `json:"started"`
	Closed     *time.Time `json:"closed,omitempty"`
	TempVideo  string     `json:"temp_video"`
	TempImage  string     `json:"temp_image"`
	FinalVideo string     `json:"final_video,omitempty"`
	FinalImage string     `json:"final_image,omitempty"`
	Frames     int        `json:"frames"`
	Decision   string     `json:"decision,omitempty"`
}

// Archive is the incident ledger.
type Archive struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (creating if needed) the database at path and applies any
// pending migrations.
func Open(path string, log *slog.Logger) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	// sqlite allows one writer; keep database/sql from opening more.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive pragma: %w", err)
	}

	a := &Archive{db: db, log: log}
	if err := a.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(a.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{log: a.log}
	return m, nil
}

// migrateUp applies pending migrations. The migrate instance is not closed
// because that would close the shared *sql.DB.
func (a *Archive) migrateUp() error {
	m, err := a.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Version returns the applied schema version.
func (a *Archive) Version() (uint, bool, error) {
	m, err := a.newMigrate()
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

// Begin records a newly opened incident recording.
func (a *Archive) Begin(ctx context.Context, inc Incident) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO incidents (id, label, started_ms, temp_video, temp_image)
		VALUES (?, ?, ?, ?, ?)`,
		inc.ID, inc.Label, inc.Started.UnixMilli(), inc.TempVideo, inc.TempImage)
	if err != nil {
		return fmt.Errorf("insert incident %s: %w", inc.ID, err)
	}
	return nil
}

// Finish records the final paths and close time of an incident.
func (a *Archive) Finish(ctx context.Context, id, finalImage, finalVideo string, closed time.Time, frames int) error {
	res, err := a.db.ExecContext(ctx, `
		UPDATE incidents
		SET final_image = ?, final_video = ?, closed_ms = ?, frames = ?
		WHERE id = ?`,
		finalImage, finalVideo, closed.UnixMilli(), frames, id)
	if err != nil {
		return fmt.Errorf("update incident %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Decide records the operator decision for the most recent open incident.
func (a *Archive) Decide(ctx context.Context, decision string) error {
	res, err := a.db.ExecContext(ctx, `
		UPDATE incidents SET decision = ?
		WHERE id = (SELECT id FROM incidents WHERE decision = '' ORDER BY started_ms DESC LIMIT 1)`,
		decision)
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns one incident.
func (a *Archive) Get(ctx context.Context, id string) (Incident, error) {
	row := a.db.QueryRowContext(ctx, selectIncident+` WHERE id = ?`, id)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Incident{}, ErrNotFound
	}
	return inc, err
}

// List returns up to limit incidents, newest first.
func (a *Archive) List(ctx context.Context, limit int) ([]Incident, error) {
	rows, err := a.db.QueryContext(ctx, selectIncident+` ORDER BY started_ms DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	out := []Incident{}
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}

const selectIncident = `
	SELECT id, label, started_ms, closed_ms, temp_video, temp_image,
	       final_video, final_image, frames, decision
	FROM incidents`

type scanner interface {
	Scan(dest ...any) error
}

func scanIncident(s scanner) (Incident, error) {
	var (
		inc     Incident
		started int64
		closed  sql.NullInt64
	)
	err := s.Scan(&inc.ID, &inc.Label, &started, &closed, &inc.TempVideo, &inc.TempImage,
		&inc.FinalVideo, &inc.FinalImage, &inc.Frames, &inc.Decision)
	if err != nil {
		return Incident{}, err
	}
	inc.Started = time.UnixMilli(started).UTC()
	if closed.Valid {
		t := time.UnixMilli(closed.Int64).UTC()
		inc.Closed = &t
	}
	return inc, nil
}

// migrateLogger implements migrate.Logger on slog.
type migrateLogger struct {
	log *slog.Logger
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.log.Debug(fmt.Sprintf("[migrate] "+format, v...))
}

func (l *migrateLogger) Verbose() bool {
	return false
}
