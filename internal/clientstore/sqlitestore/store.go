// Package sqlitestore implements the clientstore.Store contract on top of
// github.com/mattn/go-sqlite3, a cgo driver, for the embedded client
// database.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/replikit/sync/internal/syncmodel"
)

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Store is a clientstore.Store backed by a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open client db: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

func physicalName(table string) (string, error) {
	if !identRe.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return "local_" + table, nil
}

func (s *Store) Init(ctx context.Context, tables []string) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sync_queue (
			id TEXT PRIMARY KEY,
			table_name TEXT NOT NULL,
			kind TEXT NOT NULL,
			data JSON NOT NULL,
			timestamp DATETIME NOT NULL,
			client_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			error TEXT NOT NULL DEFAULT '',
			queued_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS replica_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			client_id TEXT NOT NULL DEFAULT '',
			last_sync DATETIME,
			is_initialized INTEGER NOT NULL DEFAULT 0
		);
		INSERT OR IGNORE INTO replica_meta (id) VALUES (1);
	`)
	if err != nil {
		return fmt.Errorf("init replica meta: %w", err)
	}
	for _, t := range tables {
		phys, err := physicalName(t)
		if err != nil {
			return err
		}
		stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, data JSON NOT NULL)`, phys)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init table %s: %w", t, err)
		}
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, table string, data json.RawMessage) error {
	phys, err := physicalName(table)
	if err != nil {
		return err
	}
	id, err := rowID(data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`INSERT OR REPLACE INTO %s (id, data) VALUES (?, ?)`, phys), id, string(data))
	if err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

// Update has upsert semantics: updating a row that doesn't exist creates it.
func (s *Store) Update(ctx context.Context, table, id string, data json.RawMessage) error {
	phys, err := physicalName(table)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (id, data) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET data = excluded.data`, phys), id, string(data))
	if err != nil {
		return fmt.Errorf("update %s/%s: %w", table, id, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, table, id string) error {
	phys, err := physicalName(table)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, phys), id); err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, id, err)
	}
	return nil
}

func (s *Store) Find(ctx context.Context, table string) ([]json.RawMessage, error) {
	phys, err := physicalName(table)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT data FROM %s`, phys))
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", table, err)
	}
	defer rows.Close()
	var out []json.RawMessage
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		out = append(out, json.RawMessage(data))
	}
	return out, rows.Err()
}

func (s *Store) FindOne(ctx context.Context, table, id string) (json.RawMessage, bool, error) {
	phys, err := physicalName(table)
	if err != nil {
		return nil, false, err
	}
	var data string
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT data FROM %s WHERE id = ?`, phys), id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find_one %s/%s: %w", table, id, err)
	}
	return json.RawMessage(data), true, nil
}

func (s *Store) AddToQueue(ctx context.Context, op syncmodel.Operation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_queue (id, table_name, kind, data, timestamp, client_id, version, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, op.ID, op.Table, string(op.Kind), string(op.Data), op.Timestamp, op.ClientID, op.Version, string(op.Status), op.Error)
	if err != nil {
		return fmt.Errorf("add to queue %s: %w", op.ID, err)
	}
	return nil
}

func (s *Store) GetQueue(ctx context.Context) ([]syncmodel.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, table_name, kind, data, timestamp, client_id, version, status, error
		FROM sync_queue ORDER BY queued_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("get queue: %w", err)
	}
	defer rows.Close()
	var out []syncmodel.Operation
	for rows.Next() {
		var op syncmodel.Operation
		var data, kind, status string
		if err := rows.Scan(&op.ID, &op.Table, &kind, &data, &op.Timestamp, &op.ClientID, &op.Version, &status, &op.Error); err != nil {
			return nil, err
		}
		op.Kind = syncmodel.OperationKind(kind)
		op.Status = syncmodel.OperationStatus(status)
		op.Data = json.RawMessage(data)
		out = append(out, op)
	}
	return out, rows.Err()
}

func (s *Store) RemoveFromQueue(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
			return fmt.Errorf("remove from queue %s: %w", id, err)
		}
	}
	return nil
}

func (s *Store) UpdateQueueStatus(ctx context.Context, id string, status syncmodel.OperationStatus, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sync_queue SET status = ?, error = ? WHERE id = ?`, string(status), errMsg, id)
	if err != nil {
		return fmt.Errorf("update queue status %s: %w", id, err)
	}
	return nil
}

func (s *Store) GetLastSync(ctx context.Context) (time.Time, error) {
	var t sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT last_sync FROM replica_meta WHERE id = 1`).Scan(&t)
	if err != nil {
		return time.Time{}, fmt.Errorf("get last sync: %w", err)
	}
	return t.Time, nil
}

func (s *Store) SetLastSync(ctx context.Context, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE replica_meta SET last_sync = ? WHERE id = 1`, ts)
	if err != nil {
		return fmt.Errorf("set last sync: %w", err)
	}
	return nil
}

func (s *Store) GetClientID(ctx context.Context) (string, error) {
	var id string
	if err := s.db.QueryRowContext(ctx, `SELECT client_id FROM replica_meta WHERE id = 1`).Scan(&id); err != nil {
		return "", fmt.Errorf("get client id: %w", err)
	}
	if id != "" {
		return id, nil
	}
	id = syncmodel.NewClientID()
	if _, err := s.db.ExecContext(ctx, `UPDATE replica_meta SET client_id = ? WHERE id = 1`, id); err != nil {
		return "", fmt.Errorf("persist client id: %w", err)
	}
	return id, nil
}

func (s *Store) IsInitialized(ctx context.Context) (bool, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT is_initialized FROM replica_meta WHERE id = 1`).Scan(&v); err != nil {
		return false, fmt.Errorf("is initialized: %w", err)
	}
	return v != 0, nil
}

func (s *Store) SetInitialized(ctx context.Context, v bool) error {
	n := 0
	if v {
		n = 1
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE replica_meta SET is_initialized = ? WHERE id = 1`, n); err != nil {
		return fmt.Errorf("set initialized: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func rowID(data json.RawMessage) (string, error) {
	var withID struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &withID); err != nil {
		return "", fmt.Errorf("row payload missing id: %w", err)
	}
	if withID.ID == "" {
		return "", fmt.Errorf("row payload missing id")
	}
	return withID.ID, nil
}
