package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/replikit/sync/internal/serverstore/sqlitestore"
	"github.com/replikit/sync/internal/synclog"
	"github.com/replikit/sync/internal/syncengine"
	"github.com/replikit/sync/internal/syncmodel"
)

func setupServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	store, err := sqlitestore.Open(":memory:", []string{"todos"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	schema := syncmodel.Schema{
		"todos": {Table: "todos", PhysicalTable: "todos", RequiresOwnership: true, ConflictPolicy: syncmodel.LastWriteWins},
	}
	eng := syncengine.New(store, schema, synclog.Nop(), nil)
	keys := StaticKeyStore{"test-key": "user-1"}
	srv := New(":0", eng, nil, keys, synclog.Nop())
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestPushRequiresAuth(t *testing.T) {
	_, ts := setupServer(t)

	resp, err := http.Post(ts.URL+"/sync/push", "application/json", bytes.NewBufferString(`{"operations":[]}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestPushThenPullRoundTrip(t *testing.T) {
	_, ts := setupServer(t)

	op := syncmodel.Operation{
		ID: "op-1", Table: "todos", Kind: syncmodel.OpInsert,
		Data: mustJSON(map[string]string{"id": "t1", "text": "hi"}),
		Timestamp: time.Now(), ClientID: "C1", Version: 1,
	}
	body, _ := json.Marshal(pushRequest{Operations: []syncmodel.Operation{op}})

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/sync/push", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer test-key")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var result syncmodel.PushResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(result.Synced) != 1 {
		t.Fatalf("expected 1 synced op, got %+v", result)
	}

	pullReq, _ := http.NewRequest(http.MethodGet, ts.URL+"/sync/pull?client_id=C2", nil)
	pullReq.Header.Set("Authorization", "Bearer test-key")
	pullResp, err := http.DefaultClient.Do(pullReq)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	defer pullResp.Body.Close()
	var pullBody struct {
		Operations []syncmodel.Operation `json:"operations"`
	}
	if err := json.NewDecoder(pullResp.Body).Decode(&pullBody); err != nil {
		t.Fatalf("decode pull: %v", err)
	}
	if len(pullBody.Operations) != 1 {
		t.Fatalf("expected 1 pulled op, got %+v", pullBody.Operations)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
