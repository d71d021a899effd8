// Package dbmigrations exposes embedded SQL migrations for the send queue daemon.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into the daemon binary.
//
//go:embed *.sql
var Files embed.FS
