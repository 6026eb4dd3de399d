// Package clientstore defines the client store adapter contract: embedded
// CRUD, a durable operation queue, and per-replica metadata.
package clientstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/replikit/sync/internal/syncmodel"
)

// Store is the client store adapter contract. Update has upsert semantics:
// updating a row that doesn't exist creates it.
type Store interface {
	Init(ctx context.Context, tables []string) error

	Insert(ctx context.Context, table string, data json.RawMessage) error
	Update(ctx context.Context, table, id string, data json.RawMessage) error
	Delete(ctx context.Context, table, id string) error
	Find(ctx context.Context, table string) ([]json.RawMessage, error)
	FindOne(ctx context.Context, table, id string) (json.RawMessage, bool, error)

	AddToQueue(ctx context.Context, op syncmodel.Operation) error
	GetQueue(ctx context.Context) ([]syncmodel.Operation, error)
	RemoveFromQueue(ctx context.Context, ids []string) error
	UpdateQueueStatus(ctx context.Context, id string, status syncmodel.OperationStatus, errMsg string) error

	GetLastSync(ctx context.Context) (time.Time, error)
	SetLastSync(ctx context.Context, ts time.Time) error
	// GetClientID generates and persists a replica id on first call; stable
	// thereafter.
	GetClientID(ctx context.Context) (string, error)
	IsInitialized(ctx context.Context) (bool, error)
	SetInitialized(ctx context.Context, v bool) error

	Close() error
}
