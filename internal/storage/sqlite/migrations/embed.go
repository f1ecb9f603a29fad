// Package migrations embeds the SQLite schema migrations for the widget
// chat store.
package migrations

import "embed"

// FS contains embedded SQLite migrations, applied in lexical order.
//
//go:embed *.sql
var FS embed.FS
