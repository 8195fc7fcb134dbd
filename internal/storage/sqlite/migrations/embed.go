// Package migrations embeds the engine schema migrations.
package migrations

import "embed"

// FS holds every .sql migration applied at store open.
//
//go:embed *.sql
var FS embed.FS
