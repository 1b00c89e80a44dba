// Package ledger is the durable record of which message ids were classified
// and alerted. It survives guardian restarts so a spool event re-read after a
// crash is not classified or alerted twice.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	classified_at INTEGER NOT NULL,
	alerted_at INTEGER
)`

// Ledger is a sqlite-backed message ledger. Safe for concurrent use.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the ledger database at path.
func Open(ctx context.Context, path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// One writer keeps sqlite from returning SQLITE_BUSY under the worker pool.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		schema,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close() //nolint:errcheck // best-effort cleanup on error
			return nil, fmt.Errorf("init ledger: %w", err)
		}
	}
	return &Ledger{db: db, now: time.Now}, nil
}

// Close releases the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// MarkClassified claims id for classification. Returns false when it was
// already claimed.
func (l *Ledger) MarkClassified(ctx context.Context, id string) (bool, error) {
	res, err := l.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO messages (id, classified_at) VALUES (?, ?)",
		id, l.now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("mark classified %s: %w", id, err)
	}
	return affected(res)
}

// Classified reports whether id was claimed for classification.
func (l *Ledger) Classified(ctx context.Context, id string) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE id = ?", id,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", id, err)
	}
	return n > 0, nil
}

// MarkAlerted claims id for a threat alert. Returns false when an alert was
// already claimed.
func (l *Ledger) MarkAlerted(ctx context.Context, id string) (bool, error) {
	now := l.now().UnixMilli()
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO messages (id, classified_at, alerted_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET alerted_at = excluded.alerted_at
		WHERE messages.alerted_at IS NULL`,
		id, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("mark alerted %s: %w", id, err)
	}
	return affected(res)
}

// Stats counts ledger rows.
type Stats struct {
	Classified int `json:"classified"`
	Alerted    int `json:"alerted"`
}

// Stats returns row counts.
func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := l.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COUNT(alerted_at) FROM messages",
	).Scan(&s.Classified, &s.Alerted)
	if err != nil {
		return Stats{}, fmt.Errorf("ledger stats: %w", err)
	}
	return s, nil
}

// Prune deletes entries classified more than maxAge ago. Returns the number
// of rows removed.
func (l *Ledger) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := l.now().Add(-maxAge).UnixMilli()
	res, err := l.db.ExecContext(ctx, "DELETE FROM messages WHERE classified_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune ledger: %w", err)
	}
	return res.RowsAffected()
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
