package calendar

import (
	"database/sql"
	"embed"

	"github.com/nao1215/calendario/pkg/migration"
)

// migrationsFS はカレンダーストアのマイグレーションSQL。
//
//go:embed migrations/*.sql
var migrationsFS embed.FS

// InitSchema はSQLiteデータベースにスキーマを適用する。
// 適用済みのマイグレーションはスキップされる。
func InitSchema(db *sql.DB) error {
	return migration.Run(db, migrationsFS, "migrations")
}
