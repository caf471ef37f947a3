// Package journal persists mirror bundles in SQLite so a mirror in another
// process can follow a capture by tailing the table.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/domirror/dbopen"
	"github.com/hazyhaar/domirror/wire"
)

// Schema creates the bundles table. seq is the journal cursor and only
// grows; agent_seq is the bundle's own sequence number.
const Schema = `
CREATE TABLE IF NOT EXISTS bundles (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	bundle_id TEXT    NOT NULL DEFAULT '',
	kind      TEXT    NOT NULL,
	reason    TEXT    NOT NULL DEFAULT '',
	agent_seq INTEGER NOT NULL DEFAULT 0,
	ts        INTEGER NOT NULL DEFAULT 0,
	body      TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_bundles_kind ON bundles(kind, seq);
`

// ErrNoSnapshot is returned by LatestSnapshot on a journal without one.
var ErrNoSnapshot = errors.New("journal: no snapshot")

// Entry is one stored bundle.
type Entry struct {
	Seq    int64
	Bundle *wire.Bundle
}

// Journal is safe for concurrent use.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
	owned  bool
}

// Option configures a Journal.
type Option func(*Journal)

// WithLogger sets the journal logger.
func WithLogger(l *slog.Logger) Option {
	return func(j *Journal) { j.logger = l }
}

// Open opens (or creates) the journal database at path.
func Open(path string, opts ...Option) (*Journal, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	j := newJournal(db, opts)
	j.owned = true
	return j, nil
}

// New wraps an open database, creating the table if needed. Close leaves
// db open.
func New(db *sql.DB, opts ...Option) (*Journal, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("journal: schema: %w", err)
	}
	return newJournal(db, opts), nil
}

func newJournal(db *sql.DB, opts []Option) *Journal {
	j := &Journal{db: db, logger: slog.Default()}
	for _, o := range opts {
		o(j)
	}
	return j
}

// DB returns the underlying database.
func (j *Journal) DB() *sql.DB { return j.db }

// Append stores b and returns its journal sequence number.
func (j *Journal) Append(ctx context.Context, b *wire.Bundle) (int64, error) {
	body, err := wire.MarshalBundle(b)
	if err != nil {
		return 0, fmt.Errorf("journal: append: %w", err)
	}
	res, err := dbopen.Exec(ctx, j.db,
		`INSERT INTO bundles (bundle_id, kind, reason, agent_seq, ts, body) VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, string(b.Kind), b.Reason, int64(b.Seq), b.Timestamp, string(body))
	if err != nil {
		return 0, fmt.Errorf("journal: append: %w", err)
	}
	return res.LastInsertId()
}

// Since returns up to limit entries after cursor, oldest first. limit <= 0
// means no limit.
func (j *Journal) Since(ctx context.Context, cursor int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT seq, body FROM bundles WHERE seq > ? ORDER BY seq LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: since: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestSnapshot returns the most recent snapshot bundle.
func (j *Journal) LatestSnapshot(ctx context.Context) (Entry, error) {
	row := j.db.QueryRowContext(ctx,
		`SELECT seq, body FROM bundles WHERE kind = ? ORDER BY seq DESC LIMIT 1`, string(wire.KindSnapshot))
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNoSnapshot
	}
	return e, err
}

// Head returns the highest journal sequence number, 0 when empty.
func (j *Journal) Head(ctx context.Context) (int64, error) {
	var seq int64
	err := j.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM bundles`).Scan(&seq)
	return seq, err
}

// Prune deletes entries older than the latest snapshot, which makes them
// unreachable by a resync. It returns the number of rows removed.
func (j *Journal) Prune(ctx context.Context) (int64, error) {
	var n, before int64
	err := dbopen.RunTx(ctx, j.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM bundles WHERE kind = ?`, string(wire.KindSnapshot)).Scan(&before)
		if err != nil || before == 0 {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM bundles WHERE seq < ?`, before)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}
	if n > 0 {
		j.logger.Info("journal: pruned", "rows", n, "before", before)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e    Entry
		body string
	)
	if err := s.Scan(&e.Seq, &body); err != nil {
		return Entry{}, err
	}
	b, err := wire.UnmarshalBundle([]byte(body))
	if err != nil {
		return Entry{}, fmt.Errorf("journal: entry %d: %w", e.Seq, err)
	}
	e.Bundle = b
	return e, nil
}

// Publish implements sink.Sink.
func (j *Journal) Publish(ctx context.Context, b *wire.Bundle) error {
	_, err := j.Append(ctx, b)
	return err
}

// Close implements sink.Sink. It closes the database only when Open
// created it.
func (j *Journal) Close() error {
	if j.owned {
		return j.db.Close()
	}
	return nil
}
