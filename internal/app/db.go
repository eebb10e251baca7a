package app

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/taoyao-code/ocpp-server/db"
	cfgpkg "github.com/taoyao-code/ocpp-server/internal/config"
	"github.com/taoyao-code/ocpp-server/internal/migrate"
	pgstorage "github.com/taoyao-code/ocpp-server/internal/storage/pg"
	"go.uber.org/zap"
)

// ConnectDBAndMigrate 建立数据库连接并按需执行迁移。
// migrationsDir 为空时使用内置迁移脚本。
func ConnectDBAndMigrate(ctx context.Context, cfg cfgpkg.DatabaseConfig, log *zap.Logger) (*pgxpool.Pool, error) {
	dbpool, err := pgstorage.NewPool(ctx, cfg.DSN, cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime, cfg.LogSQL, log)
	if err != nil {
		log.Error("db connect error", zap.Error(err))
		return nil, err
	}
	if cfg.AutoMigrate {
		runner := migrate.Runner{Dir: cfg.MigrationsDir, FS: db.Migrations}
		if err = runner.Up(ctx, dbpool); err != nil {
			log.Error("db migrate error", zap.Error(err))
			return dbpool, err
		}
		log.Info("db migrations applied", zap.String("dir", cfg.MigrationsDir))
	}
	return dbpool, nil
}
