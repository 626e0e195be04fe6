// Package migrations embeds the SQL schema of the postgres kv backend.
package migrations

import "embed"

// FS holds the golang-migrate source files.
//
//go:embed *.sql
var FS embed.FS
