// Package migrations embeds SQL migration files into the binary.
//
// Importing this package registers the device cache schema with the
// database package, so the SQLite backend can migrate without the SQL files
// present on disk.
package migrations

import (
	"embed"

	"github.com/symgrid/iot-cloud-apps/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "." // Files are at root of embedded FS
}
