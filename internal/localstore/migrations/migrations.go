// Package migrations holds the embedded schema for the SQLite store backend.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
