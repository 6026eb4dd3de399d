// Package sqlitestore implements the serverstore.Store contract on top of
// modernc.org/sqlite, a pure-Go driver. Every synced table is a physical
// SQLite table carrying the four metadata columns alongside a single JSON
// blob for the domain payload, keeping the adapter schema-agnostic.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	_ "modernc.org/sqlite"

	"github.com/replikit/sync/internal/serverstore"
	"github.com/replikit/sync/internal/syncmodel"
)

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Store is a serverstore.Store backed by a SQLite database.
type Store struct {
	db     querier
	tables map[string]bool // logical table -> exists
	raw    *sql.DB         // non-nil only on the root (non-tx) Store
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens (creating if necessary) a SQLite database at path and ensures a
// physical table exists for every logical table name given.
func Open(path string, tables []string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open server db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite write serialization
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable wal: %w", err)
	}

	s := &Store{db: db, raw: db, tables: map[string]bool{}}
	if err := s.ensureMetaTables(context.Background()); err != nil {
		return nil, err
	}
	for _, t := range tables {
		if err := s.ensureTable(context.Background(), t); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func physicalName(table string) (string, error) {
	if !identRe.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return "synced_" + table, nil
}

func (s *Store) ensureMetaTables(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sync_log (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			op_id TEXT NOT NULL,
			table_name TEXT NOT NULL,
			kind TEXT NOT NULL,
			client_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			logged_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS client_state (
			client_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			last_sync DATETIME,
			last_active DATETIME
		);
	`)
	if err != nil {
		return fmt.Errorf("ensure meta tables: %w", err)
	}
	return nil
}

func (s *Store) ensureTable(ctx context.Context, table string) error {
	phys, err := physicalName(table)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			data JSON NOT NULL,
			_version INTEGER NOT NULL DEFAULT 1,
			_updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			_client_id TEXT,
			_is_deleted INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_%s_updated_at ON %s(_updated_at);
		CREATE INDEX IF NOT EXISTS idx_%s_user_id ON %s(user_id);
	`, phys, phys, phys, phys, phys)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("ensure table %s: %w", table, err)
	}
	s.tables[table] = true
	return nil
}

func (s *Store) Insert(ctx context.Context, table, id, userID string, data json.RawMessage, clientID string) (syncmodel.RecordMeta, error) {
	phys, err := physicalName(table)
	if err != nil {
		return syncmodel.RecordMeta{}, err
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, user_id, data, _version, _updated_at, _client_id, _is_deleted) VALUES (?, ?, ?, 1, ?, ?, 0)`, phys),
		id, userID, string(data), now, clientID,
	)
	if err != nil {
		return syncmodel.RecordMeta{}, fmt.Errorf("insert %s/%s: %w", table, id, err)
	}
	cid := clientID
	return syncmodel.RecordMeta{Version: 1, UpdatedAt: now, ClientID: &cid, IsDeleted: false}, nil
}

func (s *Store) Update(ctx context.Context, table, id string, data json.RawMessage, expectedVersion int64, updatedAt time.Time, clientID string) (syncmodel.RecordMeta, error) {
	phys, err := physicalName(table)
	if err != nil {
		return syncmodel.RecordMeta{}, err
	}
	newVersion := expectedVersion + 1
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET data = ?, _version = ?, _updated_at = ?, _client_id = ? WHERE id = ? AND _version = ?`, phys),
		string(data), newVersion, updatedAt, clientID, id, expectedVersion,
	)
	if err != nil {
		return syncmodel.RecordMeta{}, fmt.Errorf("update %s/%s: %w", table, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return syncmodel.RecordMeta{}, fmt.Errorf("update %s/%s rows affected: %w", table, id, err)
	}
	if n == 0 {
		var actual int64
		row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT _version FROM %s WHERE id = ?`, phys), id)
		if scanErr := row.Scan(&actual); scanErr != nil {
			if scanErr == sql.ErrNoRows {
				return syncmodel.RecordMeta{}, serverstore.ErrNotFound
			}
			return syncmodel.RecordMeta{}, fmt.Errorf("update %s/%s lookup actual version: %w", table, id, scanErr)
		}
		return syncmodel.RecordMeta{}, &serverstore.ErrVersionMismatch{Table: table, ID: id, Expected: expectedVersion, Actual: actual}
	}
	cid := clientID
	return syncmodel.RecordMeta{Version: newVersion, UpdatedAt: updatedAt, ClientID: &cid, IsDeleted: false}, nil
}

func (s *Store) Delete(ctx context.Context, table, id string, deletedAt time.Time, clientID string) error {
	phys, err := physicalName(table)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET _is_deleted = 1, _updated_at = ?, _client_id = ? WHERE id = ?`, phys),
		deletedAt, clientID, id,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, id, err)
	}
	return nil
}

func (s *Store) FindOne(ctx context.Context, table, id string) (serverstore.Row, bool, error) {
	phys, err := physicalName(table)
	if err != nil {
		return serverstore.Row{}, false, err
	}
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, user_id, data, _version, _updated_at, _client_id, _is_deleted FROM %s WHERE id = ?`, phys), id)
	r, err := scanRow(row)
	if err == sql.ErrNoRows {
		return serverstore.Row{}, false, nil
	}
	if err != nil {
		return serverstore.Row{}, false, fmt.Errorf("find_one %s/%s: %w", table, id, err)
	}
	return r, true, nil
}

func (s *Store) Find(ctx context.Context, table, userID string) ([]serverstore.Row, error) {
	phys, err := physicalName(table)
	if err != nil {
		return nil, err
	}
	var rows *sql.Rows
	if userID != "" {
		rows, err = s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, user_id, data, _version, _updated_at, _client_id, _is_deleted FROM %s WHERE user_id = ?`, phys), userID)
	} else {
		rows, err = s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, user_id, data, _version, _updated_at, _client_id, _is_deleted FROM %s`, phys))
	}
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", table, err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (s *Store) GetChangesSince(ctx context.Context, table string, since time.Time, userID, excludeClientID string) ([]serverstore.Row, error) {
	phys, err := physicalName(table)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT id, user_id, data, _version, _updated_at, _client_id, _is_deleted FROM %s WHERE _updated_at > ?`, phys)
	args := []any{since}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	if excludeClientID != "" {
		query += ` AND (_client_id IS NULL OR _client_id != ?)`
		args = append(args, excludeClientID)
	}
	query += ` ORDER BY _updated_at ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get_changes_since %s: %w", table, err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (s *Store) LogSyncOperation(ctx context.Context, op syncmodel.Operation, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_log (op_id, table_name, kind, client_id, user_id) VALUES (?, ?, ?, ?, ?)`,
		op.ID, op.Table, string(op.Kind), op.ClientID, userID,
	)
	if err != nil {
		return fmt.Errorf("log sync operation %s: %w", op.ID, err)
	}
	return nil
}

func (s *Store) UpdateClientState(ctx context.Context, clientID, userID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_state (client_id, user_id, last_sync, last_active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET user_id = excluded.user_id, last_sync = excluded.last_sync, last_active = excluded.last_active
	`, clientID, userID, now, now)
	if err != nil {
		return fmt.Errorf("update client state %s: %w", clientID, err)
	}
	return nil
}

func (s *Store) GetClientState(ctx context.Context, clientID string) (syncmodel.ClientState, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT client_id, user_id, last_sync, last_active FROM client_state WHERE client_id = ?`, clientID)
	var cs syncmodel.ClientState
	var lastSync, lastActive sql.NullTime
	err := row.Scan(&cs.ClientID, &cs.UserID, &lastSync, &lastActive)
	if err == sql.ErrNoRows {
		return syncmodel.ClientState{}, false, nil
	}
	if err != nil {
		return syncmodel.ClientState{}, false, fmt.Errorf("get client state %s: %w", clientID, err)
	}
	cs.LastSync = lastSync.Time
	cs.LastActive = lastActive.Time
	return cs, true, nil
}

func (s *Store) Transaction(ctx context.Context, fn func(serverstore.Store) error) error {
	if s.raw == nil {
		return fmt.Errorf("nested transactions are not supported")
	}
	tx, err := s.raw.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	txStore := &Store{db: tx, tables: s.tables}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.raw == nil {
		return nil
	}
	return s.raw.Close()
}

func scanRow(row *sql.Row) (serverstore.Row, error) {
	var r serverstore.Row
	var data string
	var clientID sql.NullString
	var isDeleted int
	if err := row.Scan(&r.ID, &r.UserID, &data, &r.Meta.Version, &r.Meta.UpdatedAt, &clientID, &isDeleted); err != nil {
		return serverstore.Row{}, err
	}
	r.Data = json.RawMessage(data)
	if clientID.Valid {
		cid := clientID.String
		r.Meta.ClientID = &cid
	}
	r.Meta.IsDeleted = isDeleted != 0
	return r, nil
}

func scanRows(rows *sql.Rows) ([]serverstore.Row, error) {
	var out []serverstore.Row
	for rows.Next() {
		var r serverstore.Row
		var data string
		var clientID sql.NullString
		var isDeleted int
		if err := rows.Scan(&r.ID, &r.UserID, &data, &r.Meta.Version, &r.Meta.UpdatedAt, &clientID, &isDeleted); err != nil {
			return nil, err
		}
		r.Data = json.RawMessage(data)
		if clientID.Valid {
			cid := clientID.String
			r.Meta.ClientID = &cid
		}
		r.Meta.IsDeleted = isDeleted != 0
		out = append(out, r)
	}
	return out, rows.Err()
}
