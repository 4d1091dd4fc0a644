package database

import (
	"fmt"
	"time"

	"pointsystem/internal/config"
	"pointsystem/internal/infrastructure/logger"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OpenSQLite 本地开发和测试使用的 SQLite（纯 Go 驱动）
// SQLite 不支持行锁，单连接保证事务串行
func OpenSQLite(dsn string, log *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.NewGormLogger(log, gormlogger.Silent, 200*time.Millisecond),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("打开 SQLite 失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 DB 失败: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("自动迁移表结构失败: %w", err)
	}
	return db, nil
}

// Open 按 driver 选择数据库
func Open(cfg *config.MySQLConfig, log *zap.Logger) (*gorm.DB, error) {
	if cfg.Driver == "sqlite" {
		log.Warn("使用 SQLite，仅限本地开发", zap.String("path", cfg.SQLitePath))
		return OpenSQLite(cfg.SQLitePath, log)
	}
	return InitMySQL(cfg, log)
}
