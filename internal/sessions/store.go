package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// SQLite driver names accepted by OpenStore. "sqlite3" is the cgo
// driver; "sqlite" is the pure-Go one for builds without cgo.
const (
	DriverCGO    = "sqlite3"
	DriverPureGo = "sqlite"
)

// HistoryCarrier is implemented by clients whose conversation history
// can be persisted.
type HistoryCarrier interface {
	// MarshalHistory returns the history as JSON and its message count.
	MarshalHistory() (json.RawMessage, int, error)
	// UnmarshalHistory replaces the history and returns the message count.
	UnmarshalHistory(data json.RawMessage) (int, error)
}

// Record is one persisted session history.
type Record struct {
	SessionID string
	History   json.RawMessage
	Messages  int
	UpdatedAt time.Time
}

// Store persists session histories in SQLite. All methods are safe for
// concurrent use.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) a history store at dbPath using
// the named driver. An empty driver selects DriverCGO.
func OpenStore(driver, dbPath string) (*Store, error) {
	dsn := dbPath
	switch driver {
	case "", DriverCGO:
		driver = DriverCGO
		dsn = dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	case DriverPureGo:
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	default:
		return nil, fmt.Errorf("unknown sqlite driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS session_history (
		session_id TEXT PRIMARY KEY,
		history    TEXT NOT NULL,
		messages   INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);
	`)
	return err
}

// Put upserts a session's history.
func (s *Store) Put(ctx context.Context, id string, history json.RawMessage, messages int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_history (session_id, history, messages, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (session_id) DO UPDATE
		 SET history = excluded.history, messages = excluded.messages, updated_at = excluded.updated_at`,
		id, string(history), messages, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put history %s: %w", id, err)
	}
	return nil
}

// Get returns a session's stored history. The bool is false when
// nothing is stored.
func (s *Store) Get(ctx context.Context, id string) (*Record, bool, error) {
	var (
		history string
		updated string
	)
	rec := &Record{SessionID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT history, messages, updated_at FROM session_history WHERE session_id = ?`, id,
	).Scan(&history, &rec.Messages, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get history %s: %w", id, err)
	}
	rec.History = json.RawMessage(history)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return rec, true, nil
}

// Delete removes a session's history. Deleting an absent session is
// not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_history WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete history %s: %w", id, err)
	}
	return nil
}

// List returns the stored session ids, most recently updated first.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM session_history ORDER BY updated_at DESC, session_id`)
	if err != nil {
		return nil, fmt.Errorf("list histories: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveClient is a SaveFunc that persists clients implementing
// HistoryCarrier. Other clients are skipped.
func (s *Store) SaveClient(ctx context.Context, id string, c Client) error {
	hc, ok := c.(HistoryCarrier)
	if !ok {
		return nil
	}
	data, n, err := hc.MarshalHistory()
	if err != nil {
		return fmt.Errorf("marshal history %s: %w", id, err)
	}
	return s.Put(ctx, id, data, n)
}

// RestoreClient is a RestoreFunc that loads stored history into
// clients implementing HistoryCarrier.
func (s *Store) RestoreClient(ctx context.Context, id string, c Client) (int, error) {
	hc, ok := c.(HistoryCarrier)
	if !ok {
		return 0, nil
	}
	rec, found, err := s.Get(ctx, id)
	if err != nil || !found {
		return 0, err
	}
	n, err := hc.UnmarshalHistory(rec.History)
	if err != nil {
		return 0, fmt.Errorf("unmarshal history %s: %w", id, err)
	}
	return n, nil
}
