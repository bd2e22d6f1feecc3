// Package repository implements one repository per entity (C3), each
// exposing create/get/list/update with entity-specific predicates and
// emitting fully populated domain records (spec §4.1). All multi-row
// mutations run inside store.DB.Tx. Grounded on
// perles/internal/infrastructure/sqlite/session_repository.go's scan/Save
// pattern, generalized from one entity to the twelve spec §3 defines.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cawhq/caw/internal/cawerr"
)

// execer is satisfied by both *sql.DB and *sql.Tx, letting a mutation run
// either inside an explicit store.DB.Tx or directly against the shared
// connection without every repository method threading a *sql.Tx through
// its read paths too.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// txOrDB picks tx when the caller supplied one, else falls back to db.
func txOrDB(tx *sql.Tx, db *sql.DB) execer {
	if tx != nil {
		return tx
	}
	return db
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// marshalJSON encodes v to a json column value, defaulting to "{}"/"[]" for
// nil so every json column is always valid, non-null json.
func marshalJSON(v any, empty string) string {
	if v == nil {
		return empty
	}
	b, err := json.Marshal(v)
	if err != nil {
		return empty
	}
	return string(b)
}

// unmarshalJSONObject decodes a json object column into a map, treating an
// empty string the same as "{}".
func unmarshalJSONObject(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

// unmarshalJSONArray decodes a json array-of-strings column, treating an
// empty string the same as "[]".
func unmarshalJSONArray(raw string) []string {
	var out []string
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

// notFound wraps cawerr.ErrNotFound with the entity kind and id, matching
// the teacher's *SessionNotFoundError but as a wrapped sentinel instead of a
// bespoke type, so every repository's "missing" case is errors.Is-comparable
// the same way.
func notFound(entity, id string) error {
	return fmt.Errorf("%s %s: %w", entity, id, cawerr.ErrNotFound)
}
