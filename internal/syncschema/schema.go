// Package syncschema loads the sync schema that tells both the server and
// client engines which tables are synced, whether they are
// ownership-scoped, and which conflict policy applies to each.
package syncschema

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/replikit/sync/internal/syncmodel"
)

// fileEntry is the on-disk shape of one table's schema entry.
type fileEntry struct {
	Table             string `json:"table"`
	PhysicalTable     string `json:"physical_table,omitempty"`
	RequiresOwnership bool   `json:"requires_ownership"`
	ConflictPolicy    string `json:"conflict_policy,omitempty"`
}

// Load reads a JSON array of table entries from path and builds a
// syncmodel.Schema. An empty path yields Default().
func Load(path string) (syncmodel.Schema, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	var entries []fileEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse schema file: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("schema file %s declares no tables", path)
	}

	schema := make(syncmodel.Schema, len(entries))
	for _, e := range entries {
		if e.Table == "" {
			return nil, fmt.Errorf("schema entry missing table name")
		}
		phys := e.PhysicalTable
		if phys == "" {
			phys = e.Table
		}
		policy := syncmodel.ConflictResolution(e.ConflictPolicy)
		if policy == "" {
			policy = syncmodel.LastWriteWins
		}
		schema[e.Table] = syncmodel.TableSchema{
			Table:             e.Table,
			PhysicalTable:     phys,
			RequiresOwnership: e.RequiresOwnership,
			ConflictPolicy:    policy,
		}
	}
	return schema, nil
}

// Default is the zero-config schema a freshly installed syncd serves: a
// single "todos" table, ownership-scoped, last-write-wins. Good enough to
// try the CLI end to end without writing a schema file first.
func Default() syncmodel.Schema {
	return syncmodel.Schema{
		"todos": {
			Table:             "todos",
			PhysicalTable:     "todos",
			RequiresOwnership: true,
			ConflictPolicy:    syncmodel.LastWriteWins,
		},
	}
}

// Tables returns the logical table names in schema, for client-side store
// initialization (the embedded replica has no physical/logical split).
func Tables(schema syncmodel.Schema) []string {
	names := make([]string, 0, len(schema))
	for name := range schema {
		names = append(names, name)
	}
	return names
}

// PhysicalTables returns the physical storage table names in schema, for
// server-side store initialization: the server adapter is addressed by
// PhysicalTable, which may differ from the logical name clients use.
func PhysicalTables(schema syncmodel.Schema) []string {
	names := make([]string, 0, len(schema))
	for _, t := range schema {
		names = append(names, t.PhysicalTable)
	}
	return names
}
