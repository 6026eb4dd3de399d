package collection

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type fakeMutator struct {
	rows      map[string]json.RawMessage
	createErr error
}

func newFakeMutator() *fakeMutator {
	return &fakeMutator{rows: map[string]json.RawMessage{}}
}

func (f *fakeMutator) Create(ctx context.Context, table string, partial json.RawMessage) (json.RawMessage, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	var v struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(partial, &v)
	f.rows[v.ID] = partial
	return partial, nil
}

func (f *fakeMutator) Update(ctx context.Context, table, id string, partial json.RawMessage) (json.RawMessage, error) {
	f.rows[id] = partial
	return partial, nil
}

func (f *fakeMutator) Delete(ctx context.Context, table, id string) error {
	delete(f.rows, id)
	return nil
}

func (f *fakeMutator) FindAll(ctx context.Context, table string) ([]json.RawMessage, error) {
	var out []json.RawMessage
	for _, r := range f.rows {
		out = append(out, r)
	}
	return out, nil
}

func TestCreateAppliesOptimisticallyThenReconciles(t *testing.T) {
	ctx := context.Background()
	m := newFakeMutator()
	v := New("todos", m)

	rec, err := v.Create(ctx, mustJSON(map[string]string{"id": "t1", "text": "hi"}))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if v.Count() != 1 {
		t.Fatalf("expected 1 record, got %d", v.Count())
	}
	if idOf(rec) != "t1" {
		t.Fatalf("unexpected id: %s", idOf(rec))
	}
}

func TestCreateErrorLeavesErrSet(t *testing.T) {
	ctx := context.Background()
	m := newFakeMutator()
	m.createErr = errors.New("boom")
	v := New("todos", m)

	if _, err := v.Create(ctx, mustJSON(map[string]string{"id": "t1"})); err == nil {
		t.Fatal("expected error")
	}
	if v.Error() == nil {
		t.Fatal("expected view error to be set")
	}
}

func TestUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	m := newFakeMutator()
	v := New("todos", m)

	if _, err := v.Create(ctx, mustJSON(map[string]string{"id": "t1", "text": "a"})); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := v.Update(ctx, "t1", mustJSON(map[string]string{"id": "t1", "text": "b"})); err != nil {
		t.Fatalf("update: %v", err)
	}
	rec, ok := v.FindOne("t1")
	if !ok {
		t.Fatal("expected to find t1")
	}
	var got struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal(rec, &got)
	if got.Text != "b" {
		t.Fatalf("expected updated text, got %q", got.Text)
	}

	if err := v.Delete(ctx, "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !v.IsEmpty() {
		t.Fatal("expected view to be empty after delete")
	}
}

func TestReloadReplacesSnapshot(t *testing.T) {
	ctx := context.Background()
	m := newFakeMutator()
	m.rows["t1"] = mustJSON(map[string]string{"id": "t1"})
	m.rows["t2"] = mustJSON(map[string]string{"id": "t2"})
	v := New("todos", m)

	if err := v.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if v.Count() != 2 {
		t.Fatalf("expected 2 records, got %d", v.Count())
	}
	if v.IsLoading() {
		t.Fatal("expected is_loading to clear after reload")
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
