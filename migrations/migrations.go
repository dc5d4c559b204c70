// Package migrations embeds the goose SQL migrations so they can be
// applied from both the main binary and in-memory test databases.
package migrations

import (
	"embed"
)

//go:embed *.sql
var embedMigrations embed.FS

func GetMigrations() embed.FS {
	return embedMigrations
}
