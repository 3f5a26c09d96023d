// Package migrations embeds the goose SQL migrations applied to every
// tenant database and to the shared system database.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
