// Package syncengine implements the server sync engine: applying a batch of
// client operations under per-user authorization and conflict policy, and
// serving delta pulls.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/replikit/sync/internal/serverstore"
	"github.com/replikit/sync/internal/synclog"
	"github.com/replikit/sync/internal/syncmodel"
)

// Broadcaster forwards successfully synced operations to the realtime
// server for fan-out, tagged with the originating client so fan-out can
// exclude it. Defined here (not imported from the realtime package) to keep
// the engine independent of any particular transport.
type Broadcaster interface {
	Broadcast(ops []syncmodel.Operation, excludeClientID string)
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast([]syncmodel.Operation, string) {}

// Engine is the Server Sync Engine.
type Engine struct {
	store       serverstore.Store
	schema      syncmodel.Schema
	log         zerolog.Logger
	broadcaster Broadcaster

	// pendingBroadcast carries the ops synced by the in-flight Push call
	// from the transaction closure to the post-commit broadcast step. Only
	// ever touched single-threadedly within one Push call.
	pendingBroadcast []syncmodel.Operation
}

// New constructs an Engine. broadcaster may be nil, in which case synced
// operations are not fanned out (useful for tests that only exercise push/
// pull semantics).
func New(store serverstore.Store, schema syncmodel.Schema, base zerolog.Logger, broadcaster Broadcaster) *Engine {
	if broadcaster == nil {
		broadcaster = nopBroadcaster{}
	}
	return &Engine{
		store:       store,
		schema:      schema,
		log:         synclog.WithComponent(base, "sync-engine"),
		broadcaster: broadcaster,
	}
}

func dataUserID(data json.RawMessage) string {
	var v struct {
		UserID string `json:"userId"`
		UserID2 string `json:"user_id"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return ""
	}
	if v.UserID != "" {
		return v.UserID
	}
	return v.UserID2
}

// Push applies a batch of operations under a single adapter transaction and
// returns a PushResult.
func (e *Engine) Push(ctx context.Context, ops []syncmodel.Operation, userID string) (syncmodel.PushResult, error) {
	result := syncmodel.PushResult{Success: true}

	err := e.store.Transaction(ctx, func(tx serverstore.Store) error {
		var synced []syncmodel.Operation
		for _, op := range ops {
			table, ok := e.schema[op.Table]
			if !ok {
				result.Errors = append(result.Errors, syncmodel.OpError{ID: op.ID, Error: fmt.Sprintf("Table %s not configured for sync", op.Table)})
				continue
			}

			switch op.Kind {
			case syncmodel.OpInsert:
				if err := e.applyInsert(ctx, tx, table, op, userID, &result); err != nil {
					return err
				}
			case syncmodel.OpUpdate:
				if err := e.applyUpdate(ctx, tx, table, op, userID, &result); err != nil {
					return err
				}
			case syncmodel.OpDelete:
				if err := e.applyDelete(ctx, tx, table, op, userID, &result); err != nil {
					return err
				}
			default:
				result.Errors = append(result.Errors, syncmodel.OpError{ID: op.ID, Error: fmt.Sprintf("unknown operation kind %q", op.Kind)})
				continue
			}

			if containsID(result.Synced, op.ID) {
				if err := tx.LogSyncOperation(ctx, op, userID); err != nil {
					return err
				}
				synced = append(synced, op)
			}
		}

		if len(ops) > 0 {
			if err := tx.UpdateClientState(ctx, ops[0].ClientID, userID); err != nil {
				return err
			}
		}

		e.pendingBroadcast = synced
		return nil
	})

	if err != nil {
		e.log.Error().Err(err).Msg("push transaction failed")
		return syncmodel.PushResult{}, fmt.Errorf("push: %w", err)
	}

	if len(e.pendingBroadcast) > 0 {
		clientID := ""
		if len(ops) > 0 {
			clientID = ops[0].ClientID
		}
		e.broadcaster.Broadcast(e.pendingBroadcast, clientID)
		e.pendingBroadcast = nil
	}

	result.Success = len(result.Errors) == 0
	return result, nil
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func (e *Engine) applyInsert(ctx context.Context, tx serverstore.Store, table syncmodel.TableSchema, op syncmodel.Operation, userID string, result *syncmodel.PushResult) error {
	if table.RequiresOwnership {
		rowUser := op.UserID
		if rowUser == "" {
			rowUser = dataUserID(op.Data)
		}
		if rowUser != "" && rowUser != userID {
			result.Errors = append(result.Errors, syncmodel.OpError{ID: op.ID, Error: "Access denied"})
			return nil
		}
	}

	var id struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(op.Data, &id); err != nil || id.ID == "" {
		result.Errors = append(result.Errors, syncmodel.OpError{ID: op.ID, Error: "insert payload missing id"})
		return nil
	}

	existing, found, err := tx.FindOne(ctx, table.PhysicalTable, id.ID)
	if err != nil {
		result.Errors = append(result.Errors, syncmodel.OpError{ID: op.ID, Error: err.Error()})
		return nil
	}
	if found {
		result.Conflicts = append(result.Conflicts, syncmodel.Conflict{
			Operation:  op,
			ServerData: existing.Data,
			ClientData: op.Data,
		})
		return nil
	}

	if _, err := tx.Insert(ctx, table.PhysicalTable, id.ID, userID, op.Data, op.ClientID); err != nil {
		result.Errors = append(result.Errors, syncmodel.OpError{ID: op.ID, Error: err.Error()})
		return nil
	}
	result.Synced = append(result.Synced, op.ID)
	return nil
}

func (e *Engine) applyUpdate(ctx context.Context, tx serverstore.Store, table syncmodel.TableSchema, op syncmodel.Operation, userID string, result *syncmodel.PushResult) error {
	var id struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(op.Data, &id); err != nil || id.ID == "" {
		result.Errors = append(result.Errors, syncmodel.OpError{ID: op.ID, Error: "update payload missing id"})
		return nil
	}

	current, found, err := tx.FindOne(ctx, table.PhysicalTable, id.ID)
	if err != nil {
		result.Errors = append(result.Errors, syncmodel.OpError{ID: op.ID, Error: err.Error()})
		return nil
	}
	if !found {
		result.Errors = append(result.Errors, syncmodel.OpError{ID: op.ID, Error: "Record not found"})
		return nil
	}
	if table.RequiresOwnership && current.UserID != "" && current.UserID != userID {
		result.Errors = append(result.Errors, syncmodel.OpError{ID: op.ID, Error: "Access denied"})
		return nil
	}

	if current.Meta.Version != op.Version-1 {
		resolved, conflict := resolveConflict(table.ConflictPolicy, op, current)
		if conflict {
			result.Conflicts = append(result.Conflicts, syncmodel.Conflict{
				Operation:  op,
				ServerData: current.Data,
				ClientData: op.Data,
			})
			return nil
		}
		op = resolved
	}

	_, err = tx.Update(ctx, table.PhysicalTable, id.ID, op.Data, current.Meta.Version, op.Timestamp, op.ClientID)
	var verr *serverstore.ErrVersionMismatch
	if errors.As(err, &verr) {
		// Concurrent writer raced us inside this same push; retry once
		// against the freshly observed version. If that also fails the op
		// is reported as an error, not a conflict (DESIGN.md Open Question 1).
		current, found, ferr := tx.FindOne(ctx, table.PhysicalTable, id.ID)
		if ferr != nil || !found {
			result.Errors = append(result.Errors, syncmodel.OpError{ID: op.ID, Error: "Record not found"})
			return nil
		}
		_, err = tx.Update(ctx, table.PhysicalTable, id.ID, op.Data, current.Meta.Version, op.Timestamp, op.ClientID)
	}
	if err != nil {
		result.Errors = append(result.Errors, syncmodel.OpError{ID: op.ID, Error: err.Error()})
		return nil
	}
	result.Synced = append(result.Synced, op.ID)
	return nil
}

func (e *Engine) applyDelete(ctx context.Context, tx serverstore.Store, table syncmodel.TableSchema, op syncmodel.Operation, userID string, result *syncmodel.PushResult) error {
	var id struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(op.Data, &id); err != nil || id.ID == "" {
		result.Errors = append(result.Errors, syncmodel.OpError{ID: op.ID, Error: "delete payload missing id"})
		return nil
	}

	current, found, err := tx.FindOne(ctx, table.PhysicalTable, id.ID)
	if err != nil {
		result.Errors = append(result.Errors, syncmodel.OpError{ID: op.ID, Error: err.Error()})
		return nil
	}
	if !found {
		// Idempotent: deleting a row that's already gone succeeds.
		result.Synced = append(result.Synced, op.ID)
		return nil
	}
	if table.RequiresOwnership && current.UserID != "" && current.UserID != userID {
		result.Errors = append(result.Errors, syncmodel.OpError{ID: op.ID, Error: "Access denied"})
		return nil
	}

	if err := tx.Delete(ctx, table.PhysicalTable, id.ID, op.Timestamp, op.ClientID); err != nil {
		result.Errors = append(result.Errors, syncmodel.OpError{ID: op.ID, Error: err.Error()})
		return nil
	}
	result.Synced = append(result.Synced, op.ID)
	return nil
}

// resolveConflict implements the conflict resolution policy table (spec
// §4.D). It returns the operation to apply and whether the caller should
// instead record a Conflict and skip.
func resolveConflict(policy syncmodel.ConflictResolution, op syncmodel.Operation, current serverstore.Row) (syncmodel.Operation, bool) {
	switch policy {
	case syncmodel.ClientWins:
		return op, false
	case syncmodel.ServerWins:
		return op, true
	case syncmodel.LastWriteWins, "":
		if op.Timestamp.After(current.Meta.UpdatedAt) {
			return op, false
		}
		return op, true
	default:
		return op, true
	}
}

// Resolve enacts a manually chosen conflict resolution. Unlike Push it does
// not run the table's conflict policy or reject on a stale version: a
// client-wins choice must win even against a server version the client
// never saw, or the resolve RPC would just reproduce the same conflict.
func (e *Engine) Resolve(ctx context.Context, conflict syncmodel.Conflict, resolution, userID string) (syncmodel.PushResult, error) {
	op := conflict.Operation
	result := syncmodel.PushResult{Success: true}

	table, ok := e.schema[op.Table]
	if !ok {
		result.Errors = append(result.Errors, syncmodel.OpError{ID: op.ID, Error: fmt.Sprintf("Table %s not configured for sync", op.Table)})
		result.Success = false
		return result, nil
	}

	if syncmodel.ConflictResolution(resolution) != syncmodel.ClientWins {
		// Any other choice keeps the server's current data; there is
		// nothing to apply server-side.
		result.Synced = append(result.Synced, op.ID)
		return result, nil
	}

	var id struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(op.Data, &id); err != nil || id.ID == "" {
		result.Errors = append(result.Errors, syncmodel.OpError{ID: op.ID, Error: "resolve payload missing id"})
		result.Success = false
		return result, nil
	}

	err := e.store.Transaction(ctx, func(tx serverstore.Store) error {
		switch op.Kind {
		case syncmodel.OpInsert, syncmodel.OpUpdate:
			current, found, ferr := tx.FindOne(ctx, table.PhysicalTable, id.ID)
			if ferr != nil {
				result.Errors = append(result.Errors, syncmodel.OpError{ID: op.ID, Error: ferr.Error()})
				return nil
			}
			if !found {
				if _, ierr := tx.Insert(ctx, table.PhysicalTable, id.ID, userID, op.Data, op.ClientID); ierr != nil {
					result.Errors = append(result.Errors, syncmodel.OpError{ID: op.ID, Error: ierr.Error()})
					return nil
				}
			} else if _, uerr := tx.Update(ctx, table.PhysicalTable, id.ID, op.Data, current.Meta.Version, op.Timestamp, op.ClientID); uerr != nil {
				result.Errors = append(result.Errors, syncmodel.OpError{ID: op.ID, Error: uerr.Error()})
				return nil
			}
		case syncmodel.OpDelete:
			if derr := tx.Delete(ctx, table.PhysicalTable, id.ID, op.Timestamp, op.ClientID); derr != nil {
				result.Errors = append(result.Errors, syncmodel.OpError{ID: op.ID, Error: derr.Error()})
				return nil
			}
		default:
			result.Errors = append(result.Errors, syncmodel.OpError{ID: op.ID, Error: fmt.Sprintf("unknown operation kind %q", op.Kind)})
			return nil
		}

		if err := tx.LogSyncOperation(ctx, op, userID); err != nil {
			return err
		}
		result.Synced = append(result.Synced, op.ID)
		e.pendingBroadcast = []syncmodel.Operation{op}

		return tx.UpdateClientState(ctx, op.ClientID, userID)
	})
	if err != nil {
		e.log.Error().Err(err).Msg("resolve transaction failed")
		return syncmodel.PushResult{}, fmt.Errorf("resolve: %w", err)
	}

	if len(e.pendingBroadcast) > 0 {
		e.broadcaster.Broadcast(e.pendingBroadcast, op.ClientID)
		e.pendingBroadcast = nil
	}

	result.Success = len(result.Errors) == 0
	return result, nil
}

// Pull serves a delta pull: every configured table's changes since `since`,
// merged and sorted ascending by timestamp.
func (e *Engine) Pull(ctx context.Context, since time.Time, clientID, userID string) ([]syncmodel.Operation, error) {
	var all []syncmodel.Operation

	for name, table := range e.schema {
		rows, err := e.store.GetChangesSince(ctx, table.PhysicalTable, since, userScope(table, userID), clientID)
		if err != nil {
			e.log.Warn().Err(err).Str("table", name).Msg("pull: table changes failed, continuing")
			continue
		}
		for _, row := range rows {
			data := row.Data
			if table.Transform != nil {
				transformed, terr := table.Transform(data)
				if terr != nil {
					e.log.Warn().Err(terr).Str("table", name).Str("id", row.ID).Msg("pull: transform failed, skipping row")
					continue
				}
				data = transformed
			}
			kind := syncmodel.OpUpdate
			if row.Meta.IsDeleted {
				kind = syncmodel.OpDelete
			}
			originClient := "server"
			if row.Meta.ClientID != nil {
				originClient = *row.Meta.ClientID
			}
			all = append(all, syncmodel.Operation{
				ID:        row.ID,
				Table:     name,
				Kind:      kind,
				Data:      data,
				Timestamp: row.Meta.UpdatedAt,
				ClientID:  originClient,
				Version:   row.Meta.Version,
			})
		}
	}

	sortByTimestamp(all)

	if err := e.store.UpdateClientState(ctx, clientID, userID); err != nil {
		e.log.Warn().Err(err).Str("client_id", clientID).Msg("pull: failed to update client state")
	}

	return all, nil
}

// Snapshot returns every row across every configured table, tombstoned
// rows included as delete operations, for
// first-sync bootstrap without replaying the full operation history (spec
// §6.6). It is Pull with no lower timestamp bound and no origin exclusion.
func (e *Engine) Snapshot(ctx context.Context, userID string) ([]syncmodel.Operation, error) {
	return e.Pull(ctx, time.Time{}, "", userID)
}

func userScope(table syncmodel.TableSchema, userID string) string {
	if table.RequiresOwnership {
		return userID
	}
	return ""
}

func sortByTimestamp(ops []syncmodel.Operation) {
	sort.Slice(ops, func(i, j int) bool { return ops[i].Timestamp.Before(ops[j].Timestamp) })
}
