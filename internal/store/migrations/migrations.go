// Package migrations embeds the schema migrations for weft.db.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
