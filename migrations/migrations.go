// Package migrations embeds the bridge's SQL migrations so the binary can
// migrate without a migrations directory on disk.
package migrations

import "embed"

// FS holds every *.sql migration, applied in file name order. A
// *.down.sql file reverts the migration of the same name.
//
//go:embed *.sql
var FS embed.FS
