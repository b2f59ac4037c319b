// Package migrations embeds the outbox schema so the daemon needs no SQL
// files on disk. Importing it for side effects registers the files with the
// database package.
package migrations

import (
	"embed"

	"github.com/Codarn/pg-mqtt-pub/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
