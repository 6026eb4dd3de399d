package syncclientengine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/replikit/sync/internal/clientstore/sqlitestore"
	"github.com/replikit/sync/internal/syncconfig"
	"github.com/replikit/sync/internal/synclog"
	"github.com/replikit/sync/internal/syncmodel"
)

type fakeRemote struct {
	pushFn    func(ctx context.Context, ops []syncmodel.Operation) (syncmodel.PushResult, error)
	pullFn    func(ctx context.Context, since time.Time) ([]syncmodel.Operation, error)
	resolveFn func(ctx context.Context, c syncmodel.Conflict, resolution string) (syncmodel.Operation, error)
}

func (f *fakeRemote) Push(ctx context.Context, ops []syncmodel.Operation) (syncmodel.PushResult, error) {
	if f.pushFn != nil {
		return f.pushFn(ctx, ops)
	}
	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	return syncmodel.PushResult{Success: true, Synced: ids}, nil
}

func (f *fakeRemote) Pull(ctx context.Context, since time.Time) ([]syncmodel.Operation, error) {
	if f.pullFn != nil {
		return f.pullFn(ctx, since)
	}
	return nil, nil
}

func (f *fakeRemote) Resolve(ctx context.Context, c syncmodel.Conflict, resolution string) (syncmodel.Operation, error) {
	if f.resolveFn != nil {
		return f.resolveFn(ctx, c, resolution)
	}
	return c.Operation, nil
}

func setupEngine(t *testing.T, remote *fakeRemote) *Engine {
	t.Helper()
	store, err := sqlitestore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := syncconfig.Resolved{BatchSize: 50, ConflictResolution: "last-write-wins"}
	eng := New(store, remote, cfg, synclog.Nop(), nil)
	if err := eng.Init(context.Background(), []string{"todos"}); err != nil {
		t.Fatalf("init: %v", err)
	}
	return eng
}

func TestCreateEnqueuesAndSyncsEventually(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{}
	eng := setupEngine(t, remote)
	eng.cfg.SyncInterval = -1 // auto-sync off: Create only enqueues, the explicit Sync pushes

	view := eng.Collection("todos")
	data, err := view.Create(ctx, mustJSON(map[string]string{"id": "t1", "text": "hi"}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if idOf(data) != "t1" {
		t.Fatalf("unexpected id: %s", idOf(data))
	}

	result, err := eng.Sync(ctx, true)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(result.Synced) != 1 {
		t.Fatalf("expected 1 synced op, got %+v", result)
	}
}

func TestPullAppliesIncomingAndAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	serverTime := time.Now().UTC()
	remote := &fakeRemote{
		pullFn: func(ctx context.Context, since time.Time) ([]syncmodel.Operation, error) {
			return []syncmodel.Operation{
				{ID: "remote-1", Table: "todos", Kind: syncmodel.OpUpdate, Data: mustJSON(map[string]string{"id": "t9", "text": "from-server"}), Timestamp: serverTime, ClientID: "other-client"},
			}, nil
		},
	}
	eng := setupEngine(t, remote)

	if _, err := eng.Sync(ctx, true); err != nil {
		t.Fatalf("sync: %v", err)
	}

	view := eng.Collection("todos")
	if err := view.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if view.Count() != 1 {
		t.Fatalf("expected 1 record after pull, got %d", view.Count())
	}

	last, err := eng.store.GetLastSync(ctx)
	if err != nil {
		t.Fatalf("get last sync: %v", err)
	}
	if !last.Equal(serverTime) {
		t.Fatalf("expected cursor at %v, got %v", serverTime, last)
	}
}

func TestPullSkipsOwnEcho(t *testing.T) {
	ctx := context.Background()
	eng := setupEngine(t, &fakeRemote{})
	clientID := eng.ClientID()

	remote := &fakeRemote{
		pullFn: func(ctx context.Context, since time.Time) ([]syncmodel.Operation, error) {
			return []syncmodel.Operation{
				{ID: "echo-1", Table: "todos", Kind: syncmodel.OpInsert, Data: mustJSON(map[string]string{"id": "t1"}), Timestamp: time.Now(), ClientID: clientID},
			}, nil
		},
	}
	eng.remote = remote

	if _, err := eng.Sync(ctx, true); err != nil {
		t.Fatalf("sync: %v", err)
	}
	view := eng.Collection("todos")
	if err := view.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if view.Count() != 0 {
		t.Fatalf("expected own echo to be skipped, got %d records", view.Count())
	}
}

func TestServerWinsConflictAppliesServerData(t *testing.T) {
	ctx := context.Background()
	serverData := mustJSON(map[string]string{"id": "t1", "text": "server-version", "_updated_at": time.Now().Add(time.Hour).Format(time.RFC3339)})

	remote := &fakeRemote{
		pushFn: func(ctx context.Context, ops []syncmodel.Operation) (syncmodel.PushResult, error) {
			return syncmodel.PushResult{Conflicts: []syncmodel.Conflict{
				{Operation: ops[0], ServerData: serverData, ClientData: ops[0].Data},
			}}, nil
		},
	}
	eng := setupEngine(t, remote)

	view := eng.Collection("todos")
	if _, err := view.Create(ctx, mustJSON(map[string]string{"id": "t1", "text": "client-version"})); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := eng.Sync(ctx, true); err != nil {
		t.Fatalf("sync: %v", err)
	}

	rec, ok, err := eng.store.FindOne(ctx, "todos", "t1")
	if err != nil || !ok {
		t.Fatalf("find_one: %v ok=%v", err, ok)
	}
	var got struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal(rec, &got)
	if got.Text != "server-version" {
		t.Fatalf("expected server data to win, got %q", got.Text)
	}
}

func idOf(r json.RawMessage) string {
	var v struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(r, &v)
	return v.ID
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
