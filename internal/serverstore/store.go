// Package serverstore defines the Server Store Adapter contract: persistent
// CRUD plus a change feed over tables carrying sync metadata. Concrete
// backends (sqlitestore) implement this interface; the server sync engine
// never depends on a specific backend.
package serverstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/replikit/sync/internal/syncmodel"
)

// Row is one stored record: its domain payload plus the sync metadata
// columns every synced table carries alongside it.
type Row struct {
	ID     string
	UserID string
	Data   json.RawMessage
	Meta   syncmodel.RecordMeta
}

// ErrVersionMismatch is returned by Update when the stored version does not
// equal expectedVersion, the race the engine treats as a transient,
// retry-once condition rather than a conflict (see DESIGN.md Open Question 1).
type ErrVersionMismatch struct {
	Table, ID                string
	Expected, Actual         int64
}

func (e *ErrVersionMismatch) Error() string {
	return "version mismatch on " + e.Table + "/" + e.ID
}

// ErrNotFound is returned by operations addressing a row that doesn't exist.
var ErrNotFound = rowNotFoundError{}

type rowNotFoundError struct{}

func (rowNotFoundError) Error() string { return "record not found" }

// Store is the server store adapter contract.
type Store interface {
	// Insert stamps sync metadata (version=1) and stores a brand new row.
	// It returns ErrVersionMismatch-free; callers are responsible for
	// pre-checking existence.
	Insert(ctx context.Context, table, id, userID string, data json.RawMessage, clientID string) (syncmodel.RecordMeta, error)

	// Update writes data over the row at (table, id), bumping its version.
	// It MUST fail with *ErrVersionMismatch if the stored version does not
	// equal expectedVersion.
	Update(ctx context.Context, table, id string, data json.RawMessage, expectedVersion int64, updatedAt time.Time, clientID string) (syncmodel.RecordMeta, error)

	// Delete soft-deletes the row (sets _is_deleted, bumps _updated_at). It
	// is idempotent: deleting an already-tombstoned or missing row succeeds.
	Delete(ctx context.Context, table, id string, deletedAt time.Time, clientID string) error

	FindOne(ctx context.Context, table, id string) (Row, bool, error)
	Find(ctx context.Context, table string, userID string) ([]Row, error)

	// GetChangesSince returns rows with _updated_at > since, optionally
	// scoped to userID (empty means no ownership filter) and excluding rows
	// whose _client_id equals excludeClientID (a null _client_id is never
	// excluded).
	GetChangesSince(ctx context.Context, table string, since time.Time, userID, excludeClientID string) ([]Row, error)

	LogSyncOperation(ctx context.Context, op syncmodel.Operation, userID string) error
	UpdateClientState(ctx context.Context, clientID, userID string) error
	GetClientState(ctx context.Context, clientID string) (syncmodel.ClientState, bool, error)

	// Transaction runs fn with a tx-scoped Store; if fn returns an error the
	// transaction is rolled back and the error propagated.
	Transaction(ctx context.Context, fn func(Store) error) error

	Close() error
}
