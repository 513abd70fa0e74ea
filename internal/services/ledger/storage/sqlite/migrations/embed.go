// Package migrations embeds the SQLite event store schema.
package migrations

import "embed"

//go:embed events/*.sql
var EventsFS embed.FS
