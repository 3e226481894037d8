// Package migrations embeds the store schema. Importing it for side
// effects registers the files with the database package.
package migrations

import (
	"embed"

	"github.com/nerrad567/aromalink-core/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

func init() {
	database.RegisterMigrations(files)
}
