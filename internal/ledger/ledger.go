// Package ledger keeps a SQLite record of every upload and how it left
// the store. The files on disk stay authoritative; the ledger is history.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	//go:embed migrations
	migrationsFS embed.FS

	ErrNotFound = errors.New("upload not recorded")
)

// Reason describes why an upload was removed.
type Reason string

const (
	ReasonDeleted Reason = "deleted"
	ReasonExpired Reason = "expired"
)

// Upload is a single ledger row.
type Upload struct {
	ID            string
	Name          string
	Size          int64
	Remote        string
	CreatedAt     time.Time
	RemovedAt     time.Time
	RemovalReason Reason
}

// Removed reports whether the upload has been deleted or expired.
func (u Upload) Removed() bool {
	return !u.RemovedAt.IsZero()
}

// Event is an entry in an upload's history.
type Event struct {
	Kind string
	At   time.Time
}

// Ledger wraps the SQLite database.
type Ledger struct {
	db *sql.DB
}

// initSchema applies all SQL files in the embedded migrations in
// lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Debug("Running migration", "path", path)
		_, execError := db.ExecContext(ctx, string(content))
		return execError
	})
}

// Open opens or creates the ledger database at path.
func Open(ctx context.Context, path string) (*Ledger, error) {
	if path == "" {
		return nil, errors.New("ledger path must not be empty")
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// withTransaction runs a function within a database transaction.
func withTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return fmt.Errorf("error executing transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	return nil
}

// RecordUpload stores a newly completed upload.
func (l *Ledger) RecordUpload(ctx context.Context, u Upload) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	createdAt := u.CreatedAt.UTC()

	return withTransaction(ctx, l.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO uploads(id, name, size, remote, created_at) VALUES(?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET name = excluded.name, size = excluded.size,
			 remote = excluded.remote, created_at = excluded.created_at,
			 removed_at = NULL, removal_reason = NULL`,
			u.ID, u.Name, u.Size, u.Remote, createdAt,
		); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO events(upload_id, kind, at) VALUES(?, ?, ?)`,
			u.ID, "uploaded", createdAt,
		)
		return err
	})
}

// RecordRemoval marks an upload as removed. Removing an id that was never
// recorded returns ErrNotFound.
func (l *Ledger) RecordRemoval(ctx context.Context, id string, reason Reason, at time.Time) error {
	at = at.UTC()

	return withTransaction(ctx, l.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE uploads SET removed_at = ?, removal_reason = ? WHERE id = ? AND removed_at IS NULL`,
			at, string(reason), id,
		)
		if err != nil {
			return err
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrNotFound
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO events(upload_id, kind, at) VALUES(?, ?, ?)`,
			id, string(reason), at,
		)
		return err
	})
}

// Lookup returns the ledger row for id.
func (l *Ledger) Lookup(ctx context.Context, id string) (Upload, error) {
	var (
		u         Upload
		removedAt sql.NullTime
		reason    sql.NullString
	)

	err := l.db.QueryRowContext(ctx,
		`SELECT id, name, size, remote, created_at, removed_at, removal_reason FROM uploads WHERE id = ?`,
		id,
	).Scan(&u.ID, &u.Name, &u.Size, &u.Remote, &u.CreatedAt, &removedAt, &reason)

	if errors.Is(err, sql.ErrNoRows) {
		return Upload{}, ErrNotFound
	}
	if err != nil {
		return Upload{}, err
	}

	if removedAt.Valid {
		u.RemovedAt = removedAt.Time
	}
	if reason.Valid {
		u.RemovalReason = Reason(reason.String)
	}
	return u, nil
}

// Events returns the history of id, oldest first.
func (l *Ledger) Events(ctx context.Context, id string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT kind, at FROM events WHERE upload_id = ? ORDER BY seq`,
		id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.Kind, &e.At); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
