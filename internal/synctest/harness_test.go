package synctest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/replikit/sync/internal/syncmodel"
)

func todoSchema() syncmodel.Schema {
	return syncmodel.Schema{
		"todos": {
			Table: "todos", PhysicalTable: "todos",
			RequiresOwnership: true,
			ConflictPolicy:    syncmodel.LastWriteWins,
		},
	}
}

func rawTodo(id, text string, done bool) json.RawMessage {
	b, _ := json.Marshal(map[string]any{"id": id, "text": text, "done": done})
	return b
}

// Two replicas each create a distinct row; after both sync, both see both
// rows.
func TestTwoReplicasConvergeOnDisjointInserts(t *testing.T) {
	h := NewHarness(t, todoSchema(), 2)
	ctx := context.Background()

	h.Mutate(ctx, "client-1", "todos", syncmodel.OpInsert, rawTodo("t1", "buy milk", false), "user-1")
	h.Mutate(ctx, "client-2", "todos", syncmodel.OpInsert, rawTodo("t2", "walk dog", false), "user-1")

	h.Sync(ctx, "client-1", "user-1")
	h.Sync(ctx, "client-2", "user-1")
	h.Sync(ctx, "client-1", "user-1")

	h.AssertConverged(ctx, "todos", "client-1", "client-2")

	if got := h.QueryEntity(ctx, "client-1", "todos", "t2"); got == nil {
		t.Fatalf("client-1 never received client-2's insert")
	}
}

// A row deleted on one replica is removed from the other's live view after
// sync, via the tombstone/soft-delete path.
func TestDeletePropagatesAsConvergentTombstone(t *testing.T) {
	h := NewHarness(t, todoSchema(), 2)
	ctx := context.Background()

	h.Mutate(ctx, "client-1", "todos", syncmodel.OpInsert, rawTodo("t1", "buy milk", false), "user-1")
	h.Sync(ctx, "client-1", "user-1")
	h.Sync(ctx, "client-2", "user-1")

	if got := h.QueryEntity(ctx, "client-2", "todos", "t1"); got == nil {
		t.Fatalf("client-2 never received the initial insert")
	}

	h.Mutate(ctx, "client-1", "todos", syncmodel.OpDelete, rawTodo("t1", "buy milk", false), "user-1")
	h.Sync(ctx, "client-1", "user-1")
	h.Sync(ctx, "client-2", "user-1")

	h.AssertConverged(ctx, "todos", "client-1", "client-2")
}

// Two replicas race to update the same row without an intervening sync;
// whichever edit the server regards as later wins under last-write-wins,
// but both replicas converge on the same final value either way.
func TestConcurrentUpdatesConvergeUnderLastWriteWins(t *testing.T) {
	h := NewHarness(t, todoSchema(), 2)
	ctx := context.Background()

	h.Mutate(ctx, "client-1", "todos", syncmodel.OpInsert, rawTodo("t1", "original", false), "user-1")
	h.Sync(ctx, "client-1", "user-1")
	h.Sync(ctx, "client-2", "user-1")

	h.Mutate(ctx, "client-1", "todos", syncmodel.OpUpdate, rawTodo("t1", "edited by one", false), "user-1")
	h.Mutate(ctx, "client-2", "todos", syncmodel.OpUpdate, rawTodo("t1", "edited by two", true), "user-1")

	h.Push(ctx, "client-1", "user-1")
	h.Push(ctx, "client-2", "user-1")
	h.Sync(ctx, "client-1", "user-1")
	h.Sync(ctx, "client-2", "user-1")

	h.AssertConverged(ctx, "todos", "client-1", "client-2")

	one := h.QueryEntity(ctx, "client-1", "todos", "t1")
	two := h.QueryEntity(ctx, "client-2", "todos", "t1")
	if string(one) != string(two) {
		t.Fatalf("replicas disagree on row content after convergence: %s vs %s", one, two)
	}
}
