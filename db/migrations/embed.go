// Package dbmigrations exposes the embedded PostgreSQL schema migrations.
package dbmigrations

import "embed"

// Files contains the SQL migrations bundled into the binaries.
//
//go:embed *.sql
var Files embed.FS
