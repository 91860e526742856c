package bgsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // Register driver
)

// SQLiteQueue persists pending reservations so they survive restarts.
type SQLiteQueue struct {
	db     *sql.DB
	closed atomic.Bool
}

// OpenSQLiteQueue opens (creating if needed) the queue database at path.
func OpenSQLiteQueue(path string) (*SQLiteQueue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping queue db: %w", err)
	}
	// One connection: SQLite serialises writers anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA busy_timeout=30000;"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	q := &SQLiteQueue{db: db}
	if err := q.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate queue db: %w", err)
	}
	return q, nil
}

func (q *SQLiteQueue) migrate() error {
	_, err := q.db.Exec(`CREATE TABLE IF NOT EXISTS pending_reservations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		payload BLOB NOT NULL,
		queued_at INTEGER NOT NULL
	);`)
	return err
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, payload []byte) (Item, error) {
	if q.closed.Load() {
		return Item{}, ErrQueueClosed
	}
	it, err := newItem(payload, time.Now())
	if err != nil {
		return Item{}, err
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO pending_reservations (id, payload, queued_at) VALUES (?, ?, ?)`,
		it.ID, []byte(it.Payload), it.QueuedAt.UnixNano())
	if err != nil {
		return Item{}, fmt.Errorf("enqueue: %w", err)
	}
	return it, nil
}

func (q *SQLiteQueue) PeekAll(ctx context.Context) ([]Item, error) {
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}
	return q.selectAll(ctx, q.db)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (q *SQLiteQueue) selectAll(ctx context.Context, db querier) ([]Item, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, payload, queued_at FROM pending_reservations ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("select queue: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var (
			it     Item
			raw    []byte
			queued int64
		)
		if err := rows.Scan(&it.ID, &raw, &queued); err != nil {
			return nil, err
		}
		it.Payload = raw
		it.QueuedAt = time.Unix(0, queued).UTC()
		out = append(out, it)
	}
	return out, rows.Err()
}

func (q *SQLiteQueue) DrainAll(ctx context.Context) ([]Item, error) {
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	items, err := q.selectAll(ctx, tx)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_reservations`); err != nil {
		return nil, fmt.Errorf("drain queue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return items, nil
}

func (q *SQLiteQueue) Ack(ctx context.Context, id string) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	if _, err := q.db.ExecContext(ctx, `DELETE FROM pending_reservations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}

func (q *SQLiteQueue) Len(ctx context.Context) (int, error) {
	if q.closed.Load() {
		return 0, ErrQueueClosed
	}
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_reservations`).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (q *SQLiteQueue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	return q.db.Close()
}
