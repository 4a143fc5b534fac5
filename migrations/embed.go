package migrations

import "embed"

// FS holds the ordered golang-migrate scripts.
//
//go:embed *.sql
var FS embed.FS
