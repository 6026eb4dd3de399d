package syncengine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/replikit/sync/internal/serverstore/sqlitestore"
	"github.com/replikit/sync/internal/synclog"
	"github.com/replikit/sync/internal/syncmodel"
)

func setupEngine(t *testing.T, policy syncmodel.ConflictResolution) (*Engine, *sqlitestore.Store) {
	t.Helper()
	store, err := sqlitestore.Open(":memory:", []string{"todos"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	schema := syncmodel.Schema{
		"todos": {Table: "todos", PhysicalTable: "todos", RequiresOwnership: true, ConflictPolicy: policy},
	}
	return New(store, schema, synclog.Nop(), nil), store
}

func insertOp(id, opID, clientID, userID string, version int64, ts time.Time) syncmodel.Operation {
	data, _ := json.Marshal(map[string]string{"id": id, "text": "T", "userId": userID})
	return syncmodel.Operation{ID: opID, Table: "todos", Kind: syncmodel.OpInsert, Data: data, Timestamp: ts, ClientID: clientID, Version: version, UserID: userID}
}

func TestPushHappyInsert(t *testing.T) {
	ctx := context.Background()
	eng, _ := setupEngine(t, syncmodel.LastWriteWins)

	op := insertOp("todo-1", "op-1", "C1", "user-1", 1, time.Now())
	result, err := eng.Push(ctx, []syncmodel.Operation{op}, "user-1")
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if !result.Success || len(result.Synced) != 1 || result.Synced[0] != "op-1" {
		t.Fatalf("unexpected push result: %+v", result)
	}

	ops, err := eng.Pull(ctx, time.Time{}, "C2", "user-1")
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(ops) != 1 || ops[0].Version != 1 {
		t.Fatalf("unexpected pull result: %+v", ops)
	}
}

func TestPushDuplicateInsertConflict(t *testing.T) {
	ctx := context.Background()
	eng, _ := setupEngine(t, syncmodel.LastWriteWins)

	first := insertOp("todo-1", "op-1", "C1", "user-1", 1, time.Now())
	if _, err := eng.Push(ctx, []syncmodel.Operation{first}, "user-1"); err != nil {
		t.Fatalf("first push: %v", err)
	}

	second := insertOp("todo-1", "op-2", "C2", "user-1", 1, time.Now())
	result, err := eng.Push(ctx, []syncmodel.Operation{second}, "user-1")
	if err != nil {
		t.Fatalf("second push: %v", err)
	}
	if len(result.Synced) != 0 {
		t.Fatalf("expected no synced ops, got %+v", result.Synced)
	}
	if len(result.Conflicts) != 1 {
		t.Fatalf("expected one conflict, got %+v", result.Conflicts)
	}
}

func TestLastWriteWinsClientWins(t *testing.T) {
	ctx := context.Background()
	eng, store := setupEngine(t, syncmodel.LastWriteWins)

	old := time.Now().Add(-10 * time.Second)
	if _, err := store.Insert(ctx, "todos", "todo-1", "user-1", mustJSON(map[string]string{"id": "todo-1", "text": "v1"}), "C0"); err != nil {
		t.Fatalf("seed insert: %v", err)
	}
	// bump version to 3 with two updates so the scenario matches spec (version 3).
	if _, err := store.Update(ctx, "todos", "todo-1", mustJSON(map[string]string{"id": "todo-1", "text": "v2"}), 1, old, "C0"); err != nil {
		t.Fatalf("seed update 1: %v", err)
	}
	if _, err := store.Update(ctx, "todos", "todo-1", mustJSON(map[string]string{"id": "todo-1", "text": "v3"}), 2, old, "C0"); err != nil {
		t.Fatalf("seed update 2: %v", err)
	}

	now := time.Now()
	update := syncmodel.Operation{
		ID: "op-client", Table: "todos", Kind: syncmodel.OpUpdate,
		Data: mustJSON(map[string]string{"id": "todo-1", "text": "client"}),
		Timestamp: now, ClientID: "C1", Version: 2, UserID: "user-1",
	}
	result, err := eng.Push(ctx, []syncmodel.Operation{update}, "user-1")
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(result.Synced) != 1 {
		t.Fatalf("expected the stale-version-but-newer-clock op to sync, got %+v", result)
	}

	row, found, err := store.FindOne(ctx, "todos", "todo-1")
	if err != nil || !found {
		t.Fatalf("find_one: %v found=%v", err, found)
	}
	if row.Meta.Version != 4 {
		t.Fatalf("expected version 4, got %d", row.Meta.Version)
	}
}

func TestLastWriteWinsServerWins(t *testing.T) {
	ctx := context.Background()
	eng, store := setupEngine(t, syncmodel.LastWriteWins)

	now := time.Now()
	if _, err := store.Insert(ctx, "todos", "todo-1", "user-1", mustJSON(map[string]string{"id": "todo-1", "text": "v1"}), "C0"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := store.Update(ctx, "todos", "todo-1", mustJSON(map[string]string{"id": "todo-1", "text": "v2"}), 1, now, "C0"); err != nil {
		t.Fatalf("seed update: %v", err)
	}

	stale := syncmodel.Operation{
		ID: "op-stale", Table: "todos", Kind: syncmodel.OpUpdate,
		Data: mustJSON(map[string]string{"id": "todo-1", "text": "stale"}),
		Timestamp: now.Add(-10 * time.Second), ClientID: "C1", Version: 2, UserID: "user-1",
	}
	result, err := eng.Push(ctx, []syncmodel.Operation{stale}, "user-1")
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(result.Synced) != 0 || len(result.Conflicts) != 1 {
		t.Fatalf("expected one conflict and no synced ops, got %+v", result)
	}
}

func TestAccessDenied(t *testing.T) {
	ctx := context.Background()
	eng, store := setupEngine(t, syncmodel.LastWriteWins)

	if _, err := store.Insert(ctx, "todos", "todo-1", "other-user", mustJSON(map[string]string{"id": "todo-1"}), "C0"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	op := syncmodel.Operation{
		ID: "op-1", Table: "todos", Kind: syncmodel.OpUpdate,
		Data: mustJSON(map[string]string{"id": "todo-1", "text": "x"}),
		Timestamp: time.Now(), ClientID: "C1", Version: 1, UserID: "user-1",
	}
	result, err := eng.Push(ctx, []syncmodel.Operation{op}, "user-1")
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(result.Errors) != 1 || result.Errors[0].Error != "Access denied" {
		t.Fatalf("expected Access denied error, got %+v", result)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	eng, store := setupEngine(t, syncmodel.LastWriteWins)

	if _, err := store.Insert(ctx, "todos", "todo-5", "user-1", mustJSON(map[string]string{"id": "todo-5"}), "C0"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	del := syncmodel.Operation{ID: "op-del", Table: "todos", Kind: syncmodel.OpDelete, Data: mustJSON(map[string]string{"id": "todo-5"}), Timestamp: time.Now(), ClientID: "C1", UserID: "user-1"}
	for i := 0; i < 2; i++ {
		result, err := eng.Push(ctx, []syncmodel.Operation{del}, "user-1")
		if err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
		if len(result.Synced) != 1 {
			t.Fatalf("push %d: expected synced delete, got %+v", i, result)
		}
	}

	row, found, err := store.FindOne(ctx, "todos", "todo-5")
	if err != nil || !found {
		t.Fatalf("find_one: %v found=%v", err, found)
	}
	if !row.Meta.IsDeleted {
		t.Fatal("expected row to be tombstoned")
	}
}

func TestPullExcludesOrigin(t *testing.T) {
	ctx := context.Background()
	eng, _ := setupEngine(t, syncmodel.LastWriteWins)

	op := insertOp("todo-9", "op-9", "C1", "user-1", 1, time.Now())
	if _, err := eng.Push(ctx, []syncmodel.Operation{op}, "user-1"); err != nil {
		t.Fatalf("push: %v", err)
	}

	ownOps, err := eng.Pull(ctx, time.Time{}, "C1", "user-1")
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(ownOps) != 0 {
		t.Fatalf("expected origin's own pull to exclude its echo, got %+v", ownOps)
	}

	peerOps, err := eng.Pull(ctx, time.Time{}, "C2", "user-1")
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(peerOps) != 1 {
		t.Fatalf("expected peer pull to see the insert, got %+v", peerOps)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
