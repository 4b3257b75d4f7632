// Package migrations embeds the SQL schema migrations for the artifact store.
package migrations

import "embed"

// FS holds the numbered .up.sql migration files, applied in lexical order.
//
//go:embed *.sql
var FS embed.FS
