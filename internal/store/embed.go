package store

import "embed"

// migrationFiles embeds the numbered, append-only schema steps applied at
// open (spec §4.1). One file pair per entity group, per the layout decided
// in DESIGN.md over a single monolithic script.
//
//go:embed migrations/*.sql
var migrationFiles embed.FS
