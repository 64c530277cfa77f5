// Package migrations embeds the SQL schema migrations.
package migrations

import "embed"

// FS holds the *.sql migrations, applied in lexical order.
//
//go:embed *.sql
var FS embed.FS
