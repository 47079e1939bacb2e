// Package migrations embeds and runs the goose migrations for the status
// store's v2 schema, grounded on the teacher's internal/migrations package
// (sqlite_embed.go + runner.go split).
package migrations

import "embed"

// SQLite embeds the status-store schema migrations.
//
//go:embed sqlite/*.sql
var SQLite embed.FS
