package bridge

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteQueueStore is the default QueueStore: a small embedded table in the
// agent's data directory (or ":memory:" for tests). Capacity enforcement
// uses a "drop oldest" policy per the recorded Open Question decision.
type SQLiteQueueStore struct {
	db       *sql.DB
	capacity int
	dropped  int64
}

// NewSQLiteQueueStore opens (creating if necessary) the queue table at
// path, with the given capacity.
func NewSQLiteQueueStore(path string, capacity int) (*SQLiteQueueStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("bridge: opening queue store: %w", err)
	}
	return newSQLiteQueueStoreWithDB(db, capacity)
}

// newSQLiteQueueStoreWithDB wraps an already-open *sql.DB (a real SQLite
// handle, or a go-sqlmock-backed one in tests) with the queue schema.
func newSQLiteQueueStoreWithDB(db *sql.DB, capacity int) (*SQLiteQueueStore, error) {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS outbound_queue (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			payload BLOB NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("bridge: creating queue table: %w", err)
	}
	if capacity <= 0 {
		capacity = 5000
	}
	return &SQLiteQueueStore{db: db, capacity: capacity}, nil
}

func (s *SQLiteQueueStore) Enqueue(ctx context.Context, payload []byte) (bool, error) {
	dropped := false
	depth, err := s.Depth(ctx)
	if err != nil {
		return false, err
	}
	if depth >= s.capacity {
		if _, err := s.db.ExecContext(ctx, `
			DELETE FROM outbound_queue WHERE seq = (SELECT MIN(seq) FROM outbound_queue)
		`); err != nil {
			return false, fmt.Errorf("bridge: dropping oldest queue entry: %w", err)
		}
		atomic.AddInt64(&s.dropped, 1)
		dropped = true
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO outbound_queue (payload) VALUES (?)`, payload); err != nil {
		return dropped, fmt.Errorf("bridge: enqueue: %w", err)
	}
	return dropped, nil
}

func (s *SQLiteQueueStore) Oldest(ctx context.Context, n int) ([]QueuedEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, payload FROM outbound_queue ORDER BY seq ASC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("bridge: reading oldest queue entries: %w", err)
	}
	defer rows.Close()

	var out []QueuedEvent
	for rows.Next() {
		var e QueuedEvent
		if err := rows.Scan(&e.Seq, &e.Payload); err != nil {
			return nil, fmt.Errorf("bridge: scanning queue entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteQueueStore) Ack(ctx context.Context, through int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbound_queue WHERE seq <= ?`, through)
	if err != nil {
		return fmt.Errorf("bridge: ack: %w", err)
	}
	return nil
}

func (s *SQLiteQueueStore) Depth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbound_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("bridge: depth: %w", err)
	}
	return n, nil
}

func (s *SQLiteQueueStore) DroppedTotal() int64 { return atomic.LoadInt64(&s.dropped) }

func (s *SQLiteQueueStore) Close() error { return s.db.Close() }
