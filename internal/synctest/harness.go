// Package synctest provides an in-process multi-replica test harness: a
// server engine plus N simulated clients, each with its own SQLite-backed
// client store, wired directly to the server engine without going over
// HTTP.
package synctest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/replikit/sync/internal/clientstore"
	clientsqlitestore "github.com/replikit/sync/internal/clientstore/sqlitestore"
	serversqlitestore "github.com/replikit/sync/internal/serverstore/sqlitestore"
	"github.com/replikit/sync/internal/synclog"
	"github.com/replikit/sync/internal/syncengine"
	"github.com/replikit/sync/internal/syncmodel"
	"github.com/replikit/sync/internal/syncschema"
)

// Harness wires one server engine and N named simulated replicas entirely
// in-memory, for deterministic multi-client convergence tests.
type Harness struct {
	t       *testing.T
	Engine  *syncengine.Engine
	Schema  syncmodel.Schema
	clients map[string]*Client
}

// Client is one simulated replica: its own local store and its own view of
// the sync cursor, pushed/pulled directly against the harness's engine.
type Client struct {
	ID    string
	Store clientstore.Store
}

// NewHarness builds a Harness with the given table schema and numClients
// simulated replicas, each with an isolated in-memory client store.
func NewHarness(t *testing.T, schema syncmodel.Schema, numClients int) *Harness {
	t.Helper()

	store, err := serversqlitestore.Open(":memory:", syncschema.PhysicalTables(schema))
	if err != nil {
		t.Fatalf("open server store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := &Harness{
		t:       t,
		Engine:  syncengine.New(store, schema, synclog.Nop(), nil),
		Schema:  schema,
		clients: make(map[string]*Client),
	}

	clientTables := syncschema.Tables(schema)
	for i := 0; i < numClients; i++ {
		id := fmt.Sprintf("client-%d", i+1)
		cstore, err := clientsqlitestore.Open(":memory:")
		if err != nil {
			t.Fatalf("open client store %s: %v", id, err)
		}
		t.Cleanup(func() { cstore.Close() })
		if err := cstore.Init(context.Background(), clientTables); err != nil {
			t.Fatalf("init client store %s: %v", id, err)
		}
		h.clients[id] = &Client{ID: id, Store: cstore}
	}

	return h
}

// Client returns the named simulated replica.
func (h *Harness) Client(id string) *Client {
	c, ok := h.clients[id]
	if !ok {
		h.t.Fatalf("no such simulated client %q", id)
	}
	return c
}

// Mutate applies a local optimistic write on the given client and enqueues
// it, mirroring collection.View/syncclientengine.Engine.Create without
// pulling in the full client engine (the harness exercises the server
// engine and the queue contract directly).
func (h *Harness) Mutate(ctx context.Context, clientID, table string, kind syncmodel.OperationKind, data json.RawMessage, userID string) syncmodel.Operation {
	c := h.Client(clientID)

	switch kind {
	case syncmodel.OpInsert:
		if err := c.Store.Insert(ctx, table, data); err != nil {
			h.t.Fatalf("local insert: %v", err)
		}
	case syncmodel.OpUpdate:
		id := idFrom(data)
		if err := c.Store.Update(ctx, table, id, data); err != nil {
			h.t.Fatalf("local update: %v", err)
		}
	case syncmodel.OpDelete:
		id := idFrom(data)
		if err := c.Store.Delete(ctx, table, id); err != nil {
			h.t.Fatalf("local delete: %v", err)
		}
	}

	op := syncmodel.Operation{
		ID: uuid.NewString(), Table: table, Kind: kind, Data: data,
		Timestamp: time.Now().UTC(), ClientID: clientID, UserID: userID,
		Status: syncmodel.StatusPending,
	}
	if err := c.Store.AddToQueue(ctx, op); err != nil {
		h.t.Fatalf("enqueue: %v", err)
	}
	return op
}

// Push drains clientID's queue against the server engine.
func (h *Harness) Push(ctx context.Context, clientID, userID string) syncmodel.PushResult {
	c := h.Client(clientID)
	queue, err := c.Store.GetQueue(ctx)
	if err != nil {
		h.t.Fatalf("get queue: %v", err)
	}
	if len(queue) == 0 {
		return syncmodel.PushResult{Success: true}
	}
	result, err := h.Engine.Push(ctx, queue, userID)
	if err != nil {
		h.t.Fatalf("push: %v", err)
	}
	if len(result.Synced) > 0 {
		if err := c.Store.RemoveFromQueue(ctx, result.Synced); err != nil {
			h.t.Fatalf("prune queue: %v", err)
		}
	}
	return result
}

// Pull fetches clientID's delta from the server engine and applies it
// locally.
func (h *Harness) Pull(ctx context.Context, clientID, userID string) []syncmodel.Operation {
	c := h.Client(clientID)
	since, err := c.Store.GetLastSync(ctx)
	if err != nil {
		h.t.Fatalf("get last sync: %v", err)
	}
	ops, err := h.Engine.Pull(ctx, since, clientID, userID)
	if err != nil {
		h.t.Fatalf("pull: %v", err)
	}
	for _, op := range ops {
		switch op.Kind {
		case syncmodel.OpDelete:
			_ = c.Store.Delete(ctx, op.Table, idFrom(op.Data))
		default:
			_ = c.Store.Update(ctx, op.Table, idFrom(op.Data), op.Data)
		}
	}
	if len(ops) > 0 {
		if err := c.Store.SetLastSync(ctx, ops[len(ops)-1].Timestamp); err != nil {
			h.t.Fatalf("set last sync: %v", err)
		}
	}
	return ops
}

// Sync runs Push then Pull for clientID.
func (h *Harness) Sync(ctx context.Context, clientID, userID string) {
	h.Push(ctx, clientID, userID)
	h.Pull(ctx, clientID, userID)
}

// QueryEntity returns a client's local view of one row, or nil if absent.
func (h *Harness) QueryEntity(ctx context.Context, clientID, table, id string) json.RawMessage {
	c := h.Client(clientID)
	data, found, err := c.Store.FindOne(ctx, table, id)
	if err != nil {
		h.t.Fatalf("find_one: %v", err)
	}
	if !found {
		return nil
	}
	return data
}

// AssertConverged fails the test if any two clients disagree on the live
// rows (non-deleted, by id) of table.
func (h *Harness) AssertConverged(ctx context.Context, table string, clientIDs ...string) {
	h.t.Helper()
	if len(clientIDs) < 2 {
		return
	}
	baseline, err := h.Client(clientIDs[0]).Store.Find(ctx, table)
	if err != nil {
		h.t.Fatalf("find: %v", err)
	}
	baseSet := toIDSet(baseline)

	for _, id := range clientIDs[1:] {
		rows, err := h.Client(id).Store.Find(ctx, table)
		if err != nil {
			h.t.Fatalf("find: %v", err)
		}
		if got := toIDSet(rows); !equalSets(baseSet, got) {
			h.t.Fatalf("clients %s and %s diverged on table %s: %v vs %v", clientIDs[0], id, table, baseSet, got)
		}
	}
}

func idFrom(data json.RawMessage) string {
	var v struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(data, &v)
	return v.ID
}

func toIDSet(rows []json.RawMessage) map[string]bool {
	set := make(map[string]bool, len(rows))
	for _, r := range rows {
		set[idFrom(r)] = true
	}
	return set
}

func equalSets(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}
