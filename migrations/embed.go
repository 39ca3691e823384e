// Package migrations embeds the SQL schema of the synchronization engine.
package migrations

import "embed"

// FS holds the versioned up/down migration files
//
//go:embed *.sql
var FS embed.FS
