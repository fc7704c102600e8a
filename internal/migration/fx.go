package migration

import (
	"strings"

	"github.com/smallbiznis/tokenledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(migrateSchema),
)

// migrateSchema runs the versioned SQL migrations on postgres. Other
// databases get the tables from the models.
func migrateSchema(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
	log = log.Named("migration")

	switch dbType := strings.ToLower(strings.TrimSpace(cfg.DBType)); dbType {
	case "postgres", "postgresql":
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		version, err := RunMigrations(sqlDB)
		if err != nil {
			return err
		}
		log.Info("schema migrated", zap.Uint("version", version))
		return nil
	default:
		log.Warn("using model auto-migration without check constraints", zap.String("db_type", dbType))
		return AutoMigrate(conn)
	}
}
