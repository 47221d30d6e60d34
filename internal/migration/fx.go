package migration

import (
	"github.com/smallbiznis/railtab/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(Apply),
)

// Apply brings the schema up to date at startup when DATABASE_RUN_MIGRATIONS
// is set.
func Apply(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
	if !cfg.RunMigrations {
		return nil
	}
	dialect := conn.Dialector.Name()
	log.Info("applying migrations", zap.String("dialect", dialect))

	if dialect != "postgres" {
		return AutoMigrate(conn)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return RunMigrations(sqlDB)
}
