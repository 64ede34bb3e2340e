// Package ledger persists every transfer attempt in a SQLite database.
//
// The ledger is append-mostly: rows are inserted on admission, updated in
// place for the lifetime of the transfer, and soft-deleted (removed=1)
// rather than destroyed. Each operation runs its own statement against the
// database/sql pool; there is no long-lived session.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // sqlite driver registration

	"github.com/WastedYouthinHell/soulshare/soul"
)

const schema = `
CREATE TABLE IF NOT EXISTS transfers (
	id                TEXT PRIMARY KEY,
	direction         TEXT NOT NULL,
	username          TEXT NOT NULL,
	filename          TEXT NOT NULL,
	size              INTEGER NOT NULL,
	start_offset      INTEGER NOT NULL,
	requested_at      TEXT NOT NULL,
	enqueued_at       TEXT,
	started_at        TEXT,
	ended_at          TEXT,
	bytes_transferred INTEGER NOT NULL,
	average_speed     REAL NOT NULL,
	state             INTEGER NOT NULL,
	exception         TEXT NOT NULL,
	removed           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transfers_user_file ON transfers (username, filename);
`

// Ledger is the durable transfer store.
type Ledger struct {
	db  *sql.DB
	log *logrus.Entry
}

// Open opens or creates the ledger database at path.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create transfers table: %w", err)
	}
	return &Ledger{
		db:  db,
		log: logrus.WithField("component", "ledger"),
	}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// AddOrSupersede inserts t, first marking any existing non-removed record
// for the same (username, filename) pair as removed. The two statements
// run in one transaction so a crash cannot leave both the old and the new
// row live.
func (l *Ledger) AddOrSupersede(ctx context.Context, t *soul.Transfer) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE transfers SET removed = 1 WHERE username = ? AND filename = ? AND direction = ? AND removed = 0`,
		t.Username, t.Filename, string(t.Direction))
	if err != nil {
		return fmt.Errorf("failed to supersede previous transfers: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		l.log.WithFields(logrus.Fields{
			"username": t.Username,
			"filename": t.Filename,
			"count":    n,
		}).Debug("superseded previous transfer records")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transfers (
			id, direction, username, filename, size, start_offset,
			requested_at, enqueued_at, started_at, ended_at,
			bytes_transferred, average_speed, state, exception, removed
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), string(t.Direction), t.Username, t.Filename, t.Size, t.StartOffset,
		formatTime(&t.RequestedAt), formatTime(t.EnqueuedAt), formatTime(t.StartedAt), formatTime(t.EndedAt),
		t.BytesTransferred, t.AverageSpeed, int64(t.State), t.Exception, boolToInt(t.Removed))
	if err != nil {
		return fmt.Errorf("failed to insert transfer: %w", err)
	}
	return tx.Commit()
}

// Update rewrites the mutable columns of t's row.
func (l *Ledger) Update(ctx context.Context, t *soul.Transfer) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE transfers SET
			size = ?, start_offset = ?,
			enqueued_at = ?, started_at = ?, ended_at = ?,
			bytes_transferred = ?, average_speed = ?, state = ?, exception = ?, removed = ?
		WHERE id = ?`,
		t.Size, t.StartOffset,
		formatTime(t.EnqueuedAt), formatTime(t.StartedAt), formatTime(t.EndedAt),
		t.BytesTransferred, t.AverageSpeed, int64(t.State), t.Exception, boolToInt(t.Removed),
		t.ID.String())
	if err != nil {
		return fmt.Errorf("failed to update transfer %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("transfer %s: %w", t.ID, soul.ErrNotFound)
	}
	return nil
}

// Find returns the transfer with the given id, removed or not.
func (l *Ledger) Find(ctx context.Context, id uuid.UUID) (*soul.Transfer, error) {
	row := l.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id.String())
	t, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transfer %s: %w", id, soul.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find transfer %s: %w", id, err)
	}
	return t, nil
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Username       string
	Filename       string
	Direction      soul.TransferDirection
	IncludeRemoved bool
}

// List returns transfers matching f, newest request first.
func (l *Ledger) List(ctx context.Context, f Filter) ([]soul.Transfer, error) {
	query := selectColumns + ` WHERE 1 = 1`
	var args []any
	if !f.IncludeRemoved {
		query += ` AND removed = 0`
	}
	if f.Username != "" {
		query += ` AND username = ?`
		args = append(args, f.Username)
	}
	if f.Filename != "" {
		query += ` AND filename = ?`
		args = append(args, f.Filename)
	}
	if f.Direction != "" {
		query += ` AND direction = ?`
		args = append(args, string(f.Direction))
	}
	query += ` ORDER BY requested_at DESC`

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []soul.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer row: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Remove soft-deletes the transfer with the given id.
func (l *Ledger) Remove(ctx context.Context, id uuid.UUID) error {
	res, err := l.db.ExecContext(ctx, `UPDATE transfers SET removed = 1 WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to remove transfer %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("transfer %s: %w", id, soul.ErrNotFound)
	}
	return nil
}

const selectColumns = `
	SELECT id, direction, username, filename, size, start_offset,
	       requested_at, enqueued_at, started_at, ended_at,
	       bytes_transferred, average_speed, state, exception, removed
	FROM transfers`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (*soul.Transfer, error) {
	var (
		t                              soul.Transfer
		id, direction, requestedAt     string
		enqueuedAt, startedAt, endedAt sql.NullString
		state                          int64
		removed                        int
	)
	err := row.Scan(&id, &direction, &t.Username, &t.Filename, &t.Size, &t.StartOffset,
		&requestedAt, &enqueuedAt, &startedAt, &endedAt,
		&t.BytesTransferred, &t.AverageSpeed, &state, &t.Exception, &removed)
	if err != nil {
		return nil, err
	}
	t.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("bad transfer id %q: %w", id, err)
	}
	t.Direction = soul.TransferDirection(direction)
	t.State = soul.TransferState(state)
	t.Removed = removed != 0
	ts, err := parseTime(requestedAt)
	if err != nil {
		return nil, err
	}
	t.RequestedAt = *ts
	if t.EnqueuedAt, err = parseNullTime(enqueuedAt); err != nil {
		return nil, err
	}
	if t.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if t.EndedAt, err = parseNullTime(endedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// Times are stored as RFC 3339 text, always UTC, with a fixed nine-digit
// fraction so that text order is time order.

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (*time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	t = t.UTC()
	return &t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	return parseTime(s.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
