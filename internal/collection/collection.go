// Package collection implements a reactive collection view: an in-memory,
// observable projection of one table for UI consumption, with optimistic
// create/update/delete and authoritative reconciliation.
package collection

import (
	"context"
	"encoding/json"
	"sync"
)

// Mutator is the subset of the Client Sync Engine a View delegates
// create/update/delete to. Defined here (not imported from
// syncclientengine) to avoid an import cycle: the engine constructs Views
// and implements Mutator itself.
type Mutator interface {
	Create(ctx context.Context, table string, partial json.RawMessage) (json.RawMessage, error)
	Update(ctx context.Context, table, id string, partial json.RawMessage) (json.RawMessage, error)
	Delete(ctx context.Context, table, id string) error
	FindAll(ctx context.Context, table string) ([]json.RawMessage, error)
}

// Record is a row as held in a View, identified by its "id" field.
type Record = json.RawMessage

// View is the Reactive Collection View for one table.
type View struct {
	table   string
	mutator Mutator

	mu        sync.RWMutex
	data      []Record
	isLoading bool
	err       error
}

// New constructs a View over table, backed by mutator for all writes and
// full reloads.
func New(table string, mutator Mutator) *View {
	return &View{table: table, mutator: mutator}
}

// Data returns a snapshot of the view's current ordered records.
func (v *View) Data() []Record {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Record, len(v.data))
	copy(out, v.data)
	return out
}

func (v *View) IsLoading() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.isLoading
}

func (v *View) Error() error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.err
}

func (v *View) Count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.data)
}

func (v *View) IsEmpty() bool {
	return v.Count() == 0
}

// Reload re-reads the entire table from the client store.
func (v *View) Reload(ctx context.Context) error {
	v.mu.Lock()
	v.isLoading = true
	v.mu.Unlock()

	rows, err := v.mutator.FindAll(ctx, v.table)

	v.mu.Lock()
	defer v.mu.Unlock()
	v.isLoading = false
	v.err = err
	if err != nil {
		return err
	}
	v.data = rows
	return nil
}

// Load is an alias for Reload; query filtering is left to callers iterating
// Data().
func (v *View) Load(ctx context.Context) error { return v.Reload(ctx) }

// Create optimistically appends a provisional record, then replaces it in
// place once the engine returns the canonical record.
func (v *View) Create(ctx context.Context, partial json.RawMessage) (Record, error) {
	v.mu.Lock()
	v.data = append(v.data, partial)
	provisionalIdx := len(v.data) - 1
	v.mu.Unlock()

	canonical, err := v.mutator.Create(ctx, v.table, partial)

	v.mu.Lock()
	defer v.mu.Unlock()
	if err != nil {
		v.err = err
		return nil, err
	}
	if provisionalIdx < len(v.data) {
		v.data[provisionalIdx] = canonical
	}
	return canonical, nil
}

// Update merges partial into the matching entry immediately, then replaces
// it with the engine's returned canonical record.
func (v *View) Update(ctx context.Context, id string, partial json.RawMessage) (Record, error) {
	v.mu.Lock()
	idx := v.indexOf(id)
	if idx >= 0 {
		merged := partial
		var cur, patch map[string]json.RawMessage
		if json.Unmarshal(v.data[idx], &cur) == nil && json.Unmarshal(partial, &patch) == nil && cur != nil {
			for k, val := range patch {
				cur[k] = val
			}
			if b, err := json.Marshal(cur); err == nil {
				merged = b
			}
		}
		v.data[idx] = merged
	}
	v.mu.Unlock()

	canonical, err := v.mutator.Update(ctx, v.table, id, partial)

	v.mu.Lock()
	defer v.mu.Unlock()
	if err != nil {
		v.err = err
		return nil, err
	}
	idx = v.indexOf(id)
	if idx >= 0 {
		v.data[idx] = canonical
	}
	return canonical, nil
}

// Delete removes the entry immediately.
func (v *View) Delete(ctx context.Context, id string) error {
	v.mu.Lock()
	idx := v.indexOf(id)
	if idx >= 0 {
		v.data = append(v.data[:idx], v.data[idx+1:]...)
	}
	v.mu.Unlock()

	if err := v.mutator.Delete(ctx, v.table, id); err != nil {
		v.mu.Lock()
		v.err = err
		v.mu.Unlock()
		return err
	}
	return nil
}

// FindOne returns the current snapshot entry with the given id, if any.
func (v *View) FindOne(id string) (Record, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	idx := v.indexOf(id)
	if idx < 0 {
		return nil, false
	}
	return v.data[idx], true
}

// Find returns every record satisfying pred.
func (v *View) Find(pred func(Record) bool) []Record {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []Record
	for _, r := range v.data {
		if pred(r) {
			out = append(out, r)
		}
	}
	return out
}

// Filter is an alias for Find.
func (v *View) Filter(pred func(Record) bool) []Record { return v.Find(pred) }

// Map projects every record in the current snapshot.
func (v *View) Map(fn func(Record) any) []any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]any, len(v.data))
	for i, r := range v.data {
		out[i] = fn(r)
	}
	return out
}

// Sort reorders the current snapshot in place.
func (v *View) Sort(less func(a, b Record) bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	sortRecords(v.data, less)
}

func sortRecords(data []Record, less func(a, b Record) bool) {
	for i := 1; i < len(data); i++ {
		for j := i; j > 0 && less(data[j], data[j-1]); j-- {
			data[j], data[j-1] = data[j-1], data[j]
		}
	}
}

// CreateMany, UpdateMany and DeleteMany are convenience bulk operations
// implemented as sequential single-op calls.
func (v *View) CreateMany(ctx context.Context, partials []json.RawMessage) ([]Record, error) {
	out := make([]Record, 0, len(partials))
	for _, p := range partials {
		r, err := v.Create(ctx, p)
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (v *View) UpdateMany(ctx context.Context, updates map[string]json.RawMessage) error {
	for id, partial := range updates {
		if _, err := v.Update(ctx, id, partial); err != nil {
			return err
		}
	}
	return nil
}

func (v *View) DeleteMany(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := v.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// idOf extracts the "id" field from a record.
func idOf(r Record) string {
	var v struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(r, &v)
	return v.ID
}

func (v *View) indexOf(id string) int {
	for i, r := range v.data {
		if idOf(r) == id {
			return i
		}
	}
	return -1
}
