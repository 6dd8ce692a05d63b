// Package store 负责数据库连接、表结构迁移以及本地会话索引。
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"lingzhi-trainer/config"
	"lingzhi-trainer/log"
	"lingzhi-trainer/model"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open 按配置打开数据库连接
// 参数:
//   - cfg: 数据库配置，driver为sqlite或mysql
//
// 返回:
//   - *gorm.DB: 数据库连接
//   - error: 连接失败时返回错误
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		if cfg.DSN != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0755); err != nil {
				return nil, fmt.Errorf("store: 创建数据目录失败: %w", err)
			}
		}
		dialector = sqlite.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("store: 不支持的数据库驱动: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: newGormLogger(gormWriter{}, gormLogLevel()),
	})
	if err != nil {
		return nil, fmt.Errorf("store: 连接数据库失败: %w", err)
	}

	if cfg.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("store: 获取连接池失败: %w", err)
		}
		// sqlite 只允许一个写者
		sqlDB.SetMaxOpenConns(1)
	}

	log.Infof("数据库已连接，驱动: %s", cfg.Driver)
	return db, nil
}

// gormWriter 把gorm的日志转到服务日志
type gormWriter struct{}

func (gormWriter) Printf(format string, args ...interface{}) {
	log.Infof(format, args...)
}

// newGormLogger 创建gorm日志器，查询不到记录属于正常情况，不输出
func newGormLogger(w logger.Writer, level logger.LogLevel) logger.Interface {
	return logger.New(w, logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
	})
}

// gormLogLevel 跟随服务日志级别
func gormLogLevel() logger.LogLevel {
	switch log.Level() {
	case log.DebugLevel:
		return logger.Info
	case log.InfoLevel, log.WarnLevel:
		return logger.Warn
	default:
		return logger.Silent
	}
}

// AllModels 返回需要迁移的全部模型
func AllModels() []interface{} {
	return []interface{}{
		&model.Session{},
		&model.Turn{},
	}
}

// AutoMigrate 创建或更新全部表
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("store: 迁移表结构失败: %w", err)
	}
	return nil
}
