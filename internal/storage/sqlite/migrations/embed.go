package migrations

import "embed"

// FS contains embedded SQLite migrations for invoice storage.
//
//go:embed *.sql
var FS embed.FS
