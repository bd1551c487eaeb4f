package iedfile

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jhalter/iedfile/mms"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Record is the catalog entry for the last fetch of one device file.
type Record struct {
	Device        string
	Name          string
	Size          uint32
	LastModified  time.Time
	Outcome       mms.OutcomeKind
	Error         string
	BytesReceived int64
	FetchedAt     time.Time
}

// Unchanged reports whether entry still describes the file r fetched
// completely.
func (r *Record) Unchanged(entry mms.FileDirectoryEntry) bool {
	return r.Outcome == mms.OutcomeCompleted &&
		r.Size == entry.Size &&
		r.LastModified.UnixMilli() == entry.LastModified.UnixMilli()
}

// Catalog remembers which device files were fetched, so that a sync only
// downloads what changed.
type Catalog struct {
	db *sql.DB
}

func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	return goose.UpContext(ctx, db, "migrations")
}

// OpenCatalog opens the SQLite catalog at path, creating and migrating it as
// needed.  ":memory:" gives a catalog that lives as long as the Catalog.
func OpenCatalog(ctx context.Context, path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// One connection keeps an in-memory database alive and serializes writers.
	db.SetMaxOpenConns(1)

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate catalog: %w", err)
	}

	return &Catalog{db: db}, nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

// Lookup returns the record for name on device.  The boolean is false when
// the file was never fetched.
func (c *Catalog) Lookup(ctx context.Context, device, name string) (Record, bool, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT device, name, size, last_modified, outcome, error, bytes_received, fetched_at
		FROM fetched_files
		WHERE device = ? AND name = ?`,
		device, name,
	)

	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("lookup %s: %w", name, err)
	}

	return r, true, nil
}

// Put stores r, replacing any earlier record of the same file.
func (c *Catalog) Put(ctx context.Context, r Record) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO fetched_files (device, name, size, last_modified, outcome, error, bytes_received, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (device, name) DO UPDATE SET
			size = excluded.size,
			last_modified = excluded.last_modified,
			outcome = excluded.outcome,
			error = excluded.error,
			bytes_received = excluded.bytes_received,
			fetched_at = excluded.fetched_at`,
		r.Device, r.Name, int64(r.Size), r.LastModified.UnixMilli(), int(r.Outcome), r.Error, r.BytesReceived, r.FetchedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record %s: %w", r.Name, err)
	}

	return nil
}

// List returns every record for device ordered by name.
func (c *Catalog) List(ctx context.Context, device string) ([]Record, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT device, name, size, last_modified, outcome, error, bytes_received, fetched_at
		FROM fetched_files
		WHERE device = ?
		ORDER BY name`,
		device,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var (
		r                       Record
		size, outcome           int64
		lastModified, fetchedAt int64
	)

	err := s.Scan(&r.Device, &r.Name, &size, &lastModified, &outcome, &r.Error, &r.BytesReceived, &fetchedAt)
	if err != nil {
		return Record{}, err
	}

	r.Size = uint32(size)
	r.Outcome = mms.OutcomeKind(outcome)
	r.LastModified = time.UnixMilli(lastModified).UTC()
	r.FetchedAt = time.UnixMilli(fetchedAt).UTC()

	return r, nil
}
