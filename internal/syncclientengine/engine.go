// Package syncclientengine implements the client sync engine: local-first
// optimistic writes, a durable operation queue, push/pull cycles, conflict
// resolution, and realtime-driven authoritative apply.
package syncclientengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/replikit/sync/internal/clientstore"
	"github.com/replikit/sync/internal/collection"
	"github.com/replikit/sync/internal/coordinator"
	"github.com/replikit/sync/internal/syncconfig"
	"github.com/replikit/sync/internal/synclog"
	"github.com/replikit/sync/internal/syncmodel"
)

// Remote is the transport-agnostic contract the engine pushes/pulls/resolves
// through. Defined here rather than imported from a transport package so the
// engine has no dependency on HTTP or SSE specifics.
type Remote interface {
	Push(ctx context.Context, ops []syncmodel.Operation) (syncmodel.PushResult, error)
	Pull(ctx context.Context, since time.Time) ([]syncmodel.Operation, error)
	Resolve(ctx context.Context, conflict syncmodel.Conflict, resolution string) (syncmodel.Operation, error)
}

// SyncStatus is the engine's externally observable state, polled by the CLI
// status command and the monitor TUI.
type SyncStatus string

const (
	StatusIdle    SyncStatus = "idle"
	StatusSyncing SyncStatus = "syncing"
	StatusOffline SyncStatus = "offline"
	StatusError   SyncStatus = "error"
)

// Engine is the Client Sync Engine.
type Engine struct {
	store  clientstore.Store
	remote Remote
	cfg    syncconfig.Resolved
	log    zerolog.Logger
	coord  *coordinator.Coordinator
	coordH *coordinator.Handle

	mu            sync.Mutex
	clientID      string
	isInitialized bool
	isSyncing     bool
	status        SyncStatus
	lastErr       error
	conflicts     []syncmodel.Conflict

	views map[string]*collection.View

	tickerStop chan struct{}
}

// New constructs an Engine bound to store/remote/cfg. Views must be
// registered with Collection before Init is called if callers want them
// reloaded as part of bootstrap.
func New(store clientstore.Store, remote Remote, cfg syncconfig.Resolved, base zerolog.Logger, coord *coordinator.Coordinator) *Engine {
	return &Engine{
		store:  store,
		remote: remote,
		cfg:    cfg,
		log:    synclog.WithComponent(base, "client-engine"),
		coord:  coord,
		status: StatusIdle,
		views:  make(map[string]*collection.View),
	}
}

// Collection returns (creating if necessary) the Reactive Collection View
// for table, backed by this engine as its Mutator.
func (e *Engine) Collection(table string) *collection.View {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.views[table]; ok {
		return v
	}
	v := collection.New(table, e)
	e.views[table] = v
	return v
}

// Init bootstraps the replica: assigns a client id on first run, pulls a
// full snapshot if never synced before, reloads every registered view, and
// starts the background auto-sync ticker. Idempotent.
func (e *Engine) Init(ctx context.Context, tables []string) error {
	e.mu.Lock()
	if e.isInitialized {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if err := e.store.Init(ctx, tables); err != nil {
		return fmt.Errorf("init client store: %w", err)
	}

	clientID, err := e.store.GetClientID(ctx)
	if err != nil {
		return fmt.Errorf("get client id: %w", err)
	}

	e.mu.Lock()
	e.clientID = clientID
	e.mu.Unlock()

	bootstrapped, err := e.store.IsInitialized(ctx)
	if err != nil {
		return fmt.Errorf("check initialized: %w", err)
	}
	if !bootstrapped {
		if _, err := e.syncOnce(ctx, true); err != nil {
			e.log.Warn().Err(err).Msg("bootstrap pull failed, will retry on next sync")
		} else if err := e.store.SetInitialized(ctx, true); err != nil {
			return fmt.Errorf("mark initialized: %w", err)
		}
	}

	e.mu.Lock()
	for _, v := range e.views {
		_ = v
	}
	e.isInitialized = true
	e.mu.Unlock()

	for _, v := range e.views {
		if err := v.Reload(ctx); err != nil {
			e.log.Warn().Err(err).Msg("initial view reload failed")
		}
	}

	if e.coord != nil {
		e.coordH = e.coord.Subscribe()
	}

	if e.cfg.SyncInterval > 0 {
		e.startAutoSync(ctx)
	}

	return nil
}

func (e *Engine) startAutoSync(ctx context.Context) {
	e.tickerStop = make(chan struct{})
	ticker := time.NewTicker(e.cfg.SyncInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := e.Sync(ctx, false); err != nil {
					e.log.Warn().Err(err).Msg("auto-sync failed")
				}
			case <-e.tickerStop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Destroy stops the auto-sync ticker and unsubscribes from the coordinator.
func (e *Engine) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tickerStop != nil {
		close(e.tickerStop)
		e.tickerStop = nil
	}
	if e.coord != nil && e.coordH != nil {
		e.coord.Unsubscribe(e.coordH)
		e.coordH = nil
	}
}

// Create satisfies collection.Mutator: applies the insert optimistically to
// the local store, enqueues it for sync, and (in synchronous mode) syncs
// immediately.
func (e *Engine) Create(ctx context.Context, table string, partial json.RawMessage) (json.RawMessage, error) {
	id, data, err := withID(partial)
	if err != nil {
		return nil, err
	}
	if err := e.store.Insert(ctx, table, data); err != nil {
		return nil, fmt.Errorf("local insert: %w", err)
	}
	op := syncmodel.Operation{
		ID: uuid.NewString(), Table: table, Kind: syncmodel.OpInsert,
		Data: data, Timestamp: stamp(), ClientID: e.ClientID(), Version: 1,
		Status: syncmodel.StatusPending,
	}
	if err := e.enqueue(ctx, op); err != nil {
		return nil, err
	}
	_ = id
	return data, nil
}

// Update satisfies collection.Mutator.
func (e *Engine) Update(ctx context.Context, table, id string, partial json.RawMessage) (json.RawMessage, error) {
	if err := e.store.Update(ctx, table, id, partial); err != nil {
		return nil, fmt.Errorf("local update: %w", err)
	}
	op := syncmodel.Operation{
		ID: uuid.NewString(), Table: table, Kind: syncmodel.OpUpdate,
		Data: partial, Timestamp: stamp(), ClientID: e.ClientID(),
		Status: syncmodel.StatusPending,
	}
	if err := e.enqueue(ctx, op); err != nil {
		return nil, err
	}
	return partial, nil
}

// Delete satisfies collection.Mutator.
func (e *Engine) Delete(ctx context.Context, table, id string) error {
	if err := e.store.Delete(ctx, table, id); err != nil {
		return fmt.Errorf("local delete: %w", err)
	}
	data, _ := json.Marshal(map[string]string{"id": id})
	op := syncmodel.Operation{
		ID: uuid.NewString(), Table: table, Kind: syncmodel.OpDelete,
		Data: data, Timestamp: stamp(), ClientID: e.ClientID(),
		Status: syncmodel.StatusPending,
	}
	return e.enqueue(ctx, op)
}

// FindAll satisfies collection.Mutator, used by View.Reload.
func (e *Engine) FindAll(ctx context.Context, table string) ([]json.RawMessage, error) {
	return e.store.Find(ctx, table)
}

func (e *Engine) enqueue(ctx context.Context, op syncmodel.Operation) error {
	if err := e.store.AddToQueue(ctx, op); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	e.notifyDataChanged(op)
	if e.cfg.SyncInterval == 0 {
		if _, err := e.Sync(ctx, false); err != nil {
			e.log.Warn().Err(err).Msg("synchronous sync failed")
		}
	}
	return nil
}

func (e *Engine) notifyDataChanged(op syncmodel.Operation) {
	if e.coord == nil {
		return
	}
	e.coord.Broadcast(e.coordH, coordinator.Message{
		Type: coordinator.DataChanged, Table: op.Table, Op: string(op.Kind), Data: op.Data,
	})
}

// Sync runs one push-then-pull cycle. Without force, a call made while
// another sync is in flight returns an empty result at once; with force it
// runs anyway, concurrently with the one in flight. force exists for the
// explicit "sync now" CLI/UI action versus the background ticker's
// opportunistic calls.
func (e *Engine) Sync(ctx context.Context, force bool) (syncmodel.PushResult, error) {
	return e.syncOnce(ctx, force)
}

func (e *Engine) syncOnce(ctx context.Context, force bool) (syncmodel.PushResult, error) {
	e.mu.Lock()
	if e.isSyncing && !force {
		e.mu.Unlock()
		return syncmodel.PushResult{}, nil
	}
	e.isSyncing = true
	e.status = StatusSyncing
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.isSyncing = false
		if e.status == StatusSyncing {
			e.status = StatusIdle
		}
		e.mu.Unlock()
	}()

	pushResult, err := e.pushPhase(ctx)
	if err != nil {
		e.mu.Lock()
		e.status = StatusError
		e.lastErr = err
		e.mu.Unlock()
		return pushResult, err
	}

	if err := e.pullPhase(ctx); err != nil {
		e.mu.Lock()
		e.status = StatusError
		e.lastErr = err
		e.mu.Unlock()
		return pushResult, err
	}

	if e.coord != nil {
		e.coord.Broadcast(e.coordH, coordinator.Message{Type: coordinator.SyncComplete})
	}

	return pushResult, nil
}

// pushPhase drains the durable queue in batches of cfg.BatchSize, per spec
// §4.E push algorithm.
func (e *Engine) pushPhase(ctx context.Context) (syncmodel.PushResult, error) {
	queue, err := e.store.GetQueue(ctx)
	if err != nil {
		return syncmodel.PushResult{}, fmt.Errorf("get queue: %w", err)
	}
	if len(queue) == 0 {
		return syncmodel.PushResult{Success: true}, nil
	}

	batchSize := e.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = len(queue)
	}

	var total syncmodel.PushResult
	total.Success = true

	for start := 0; start < len(queue); start += batchSize {
		end := start + batchSize
		if end > len(queue) {
			end = len(queue)
		}
		batch := queue[start:end]

		result, err := e.remote.Push(ctx, batch)
		if err != nil {
			return total, fmt.Errorf("push batch: %w", err)
		}

		if len(result.Synced) > 0 {
			if err := e.store.RemoveFromQueue(ctx, result.Synced); err != nil {
				e.log.Warn().Err(err).Msg("failed to prune synced ops from queue")
			}
		}
		for _, oe := range result.Errors {
			if err := e.store.UpdateQueueStatus(ctx, oe.ID, syncmodel.StatusError, oe.Error); err != nil {
				e.log.Warn().Err(err).Str("op_id", oe.ID).Msg("failed to mark op errored")
			}
		}

		total.Synced = append(total.Synced, result.Synced...)
		total.Errors = append(total.Errors, result.Errors...)

		for _, c := range result.Conflicts {
			resolved, err := e.resolveConflict(ctx, c)
			if err != nil {
				e.log.Warn().Err(err).Str("op_id", c.Operation.ID).Msg("conflict resolution failed")
				total.Conflicts = append(total.Conflicts, c)
				continue
			}
			if resolved {
				if err := e.store.RemoveFromQueue(ctx, []string{c.Operation.ID}); err != nil {
					e.log.Warn().Err(err).Msg("failed to prune resolved conflict from queue")
				}
			} else {
				e.mu.Lock()
				e.conflicts = append(e.conflicts, c)
				e.mu.Unlock()
				total.Conflicts = append(total.Conflicts, c)
			}
		}
	}

	total.Success = len(total.Errors) == 0
	return total, nil
}

// resolveConflict applies the client's configured conflict policy. It
// returns true if the conflict was resolved and no longer needs manual
// attention.
func (e *Engine) resolveConflict(ctx context.Context, c syncmodel.Conflict) (bool, error) {
	switch syncmodel.ConflictResolution(e.cfg.ConflictResolution) {
	case syncmodel.ClientWins:
		_, err := e.remote.Resolve(ctx, c, string(syncmodel.ClientWins))
		return err == nil, err
	case syncmodel.ServerWins:
		if err := e.applyRemoteRow(ctx, c.Operation.Table, c.ServerData); err != nil {
			return false, err
		}
		return true, nil
	case syncmodel.LastWriteWins, "":
		if c.Operation.Timestamp.After(resolvedUpdatedAt(c.ServerData)) {
			_, err := e.remote.Resolve(ctx, c, string(syncmodel.ClientWins))
			return err == nil, err
		}
		if err := e.applyRemoteRow(ctx, c.Operation.Table, c.ServerData); err != nil {
			return false, err
		}
		return true, nil
	case syncmodel.Manual:
		// Left for the caller (UI) to resolve via ResolveManual.
		return false, nil
	default:
		return false, nil
	}
}

// ResolveManual lets a caller (CLI/UI) resolve a previously recorded manual
// conflict by choosing which side wins.
func (e *Engine) ResolveManual(ctx context.Context, conflictID string, preferClient bool) error {
	e.mu.Lock()
	var target *syncmodel.Conflict
	idx := -1
	for i := range e.conflicts {
		if e.conflicts[i].Operation.ID == conflictID {
			target = &e.conflicts[i]
			idx = i
			break
		}
	}
	e.mu.Unlock()
	if target == nil {
		return fmt.Errorf("no such conflict: %s", conflictID)
	}

	if preferClient {
		if _, err := e.remote.Resolve(ctx, *target, string(syncmodel.ClientWins)); err != nil {
			return err
		}
	} else {
		if err := e.applyRemoteRow(ctx, target.Operation.Table, target.ServerData); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.conflicts = append(e.conflicts[:idx], e.conflicts[idx+1:]...)
	e.mu.Unlock()
	return e.store.RemoveFromQueue(ctx, []string{conflictID})
}

// Conflicts returns the manual-policy conflicts awaiting resolution.
func (e *Engine) Conflicts() []syncmodel.Conflict {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]syncmodel.Conflict, len(e.conflicts))
	copy(out, e.conflicts)
	return out
}

func (e *Engine) applyRemoteRow(ctx context.Context, table string, data json.RawMessage) error {
	id, _, err := withID(data)
	if err != nil {
		return err
	}
	return e.store.Update(ctx, table, id, data)
}

func resolvedUpdatedAt(data json.RawMessage) time.Time {
	var v struct {
		UpdatedAt time.Time `json:"_updated_at"`
	}
	_ = json.Unmarshal(data, &v)
	return v.UpdatedAt
}

// pullPhase fetches everything changed on the server since the last
// recorded sync point and applies it to the local store. Remote.Pull does
// not pass this replica's id, so the server does not exclude this client's
// own echoed writes; applyIncoming skips them instead.
func (e *Engine) pullPhase(ctx context.Context) error {
	since, err := e.store.GetLastSync(ctx)
	if err != nil {
		return fmt.Errorf("get last sync: %w", err)
	}

	ops, err := e.remote.Pull(ctx, since)
	if err != nil {
		return fmt.Errorf("pull: %w", err)
	}

	e.applyIncoming(ctx, ops)

	if len(ops) > 0 {
		latest := ops[len(ops)-1].Timestamp
		if err := e.store.SetLastSync(ctx, latest); err != nil {
			return fmt.Errorf("set last sync: %w", err)
		}
	}
	return nil
}

// applyIncoming writes a batch of authoritative server operations into the
// local store and reloads any affected views. Used both by pullPhase and by
// the realtime client's push-delivered updates.
func (e *Engine) applyIncoming(ctx context.Context, ops []syncmodel.Operation) {
	touched := map[string]bool{}
	for _, op := range ops {
		if op.ClientID == e.ClientID() {
			continue // own echo, already applied locally
		}
		var applyErr error
		switch op.Kind {
		case syncmodel.OpDelete:
			id, _, err := withID(op.Data)
			if err == nil {
				applyErr = e.store.Delete(ctx, op.Table, id)
			}
		default:
			applyErr = e.store.Update(ctx, op.Table, idFrom(op.Data), op.Data)
		}
		if applyErr != nil {
			e.log.Warn().Err(applyErr).Str("table", op.Table).Msg("failed to apply incoming op")
			continue
		}
		touched[op.Table] = true
	}

	for table := range touched {
		e.mu.Lock()
		v, ok := e.views[table]
		e.mu.Unlock()
		if ok {
			if err := v.Reload(ctx); err != nil {
				e.log.Warn().Err(err).Str("table", table).Msg("view reload after realtime apply failed")
			}
		}
	}
}

// ApplyRealtime is the entry point the realtime client calls with
// authoritative ops pushed from the server outside of a poll cycle.
func (e *Engine) ApplyRealtime(ctx context.Context, ops []syncmodel.Operation) {
	e.applyIncoming(ctx, ops)

	if latest := maxTimestamp(ops); !latest.IsZero() {
		if err := e.store.SetLastSync(ctx, latest); err != nil {
			e.log.Warn().Err(err).Msg("failed to advance last sync after realtime apply")
		}
	}

	if e.coord != nil {
		e.coord.Broadcast(e.coordH, coordinator.Message{Type: coordinator.SyncComplete})
	}
}

func maxTimestamp(ops []syncmodel.Operation) time.Time {
	var latest time.Time
	for _, op := range ops {
		if op.Timestamp.After(latest) {
			latest = op.Timestamp
		}
	}
	return latest
}

// ClientID returns this replica's stable id, empty until Init has run.
func (e *Engine) ClientID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clientID
}

// Status reports the engine's current externally visible state.
func (e *Engine) Status() (SyncStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, e.lastErr
}

func withID(data json.RawMessage) (string, json.RawMessage, error) {
	var v struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return "", nil, fmt.Errorf("decode id: %w", err)
	}
	if v.ID == "" {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return "", nil, fmt.Errorf("decode payload: %w", err)
		}
		m["id"] = json.RawMessage(fmt.Sprintf("%q", uuid.NewString()))
		patched, err := json.Marshal(m)
		if err != nil {
			return "", nil, err
		}
		return idFrom(patched), patched, nil
	}
	return v.ID, data, nil
}

func idFrom(data json.RawMessage) string {
	var v struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(data, &v)
	return v.ID
}

// stamp is the client's wall-clock timestamp assigned at the moment of
// optimistic local mutation, carried on the Operation until the server
// accepts or rejects it.
func stamp() time.Time { return time.Now().UTC() }
