package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"claude-pool/internal/config"
	"claude-pool/internal/logger"
	"claude-pool/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DB 封装 GORM 数据库连接，实现账号池快照存储
type DB struct {
	gorm    *gorm.DB
	storage config.StorageConfig
}

// New 创建新的数据库实例（支持 SQLite 和 MySQL）
func New(cfg *config.Config) (*DB, error) {
	var dialector gorm.Dialector
	storage := cfg.Storage
	memory := false

	switch storage.Type {
	case config.StorageTypeMySQL:
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=Local",
			storage.MySQL.User,
			storage.MySQL.Password,
			storage.MySQL.Host,
			storage.MySQL.Port,
			storage.MySQL.Database,
			storage.MySQL.Charset,
		)
		logger.Info("[DB] 使用 MySQL 数据库: %s@%s:%d/%s",
			storage.MySQL.User, storage.MySQL.Host, storage.MySQL.Port, storage.MySQL.Database)
		dialector = mysql.Open(dsn)

	default:
		dbPath := storage.SQLite.Path
		if dbPath == "" {
			dbPath = "account_pool.sqlite3"
		}
		memory = dbPath == ":memory:"
		dsn := fmt.Sprintf("%s?_pragma=busy_timeout(30000)&_txlock=immediate", dbPath)
		logger.Info("[DB] 使用 SQLite 数据库: %s", dbPath)
		dialector = sqlite.Open(dsn)
	}

	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}
	if cfg.Debug {
		gormConfig.Logger = gormlogger.Default.LogMode(gormlogger.Info)
	}

	gormDB, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, fmt.Errorf("获取数据库连接失败: %w", err)
	}

	if storage.Type == config.StorageTypeMySQL {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(5)
	} else {
		// 内存库每个连接都是独立的数据库，只能用一个连接
		if memory {
			sqlDB.SetMaxOpenConns(1)
		} else {
			sqlDB.SetMaxOpenConns(4)
			sqlDB.SetMaxIdleConns(2)
		}
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=NORMAL",
			"PRAGMA temp_store=MEMORY",
		} {
			if err := gormDB.Exec(pragma).Error; err != nil {
				logger.Warn("[DB] 执行 %s 失败: %v", pragma, err)
			}
		}
	}

	db := &DB{gorm: gormDB, storage: storage}
	if err := db.autoMigrate(); err != nil {
		return nil, fmt.Errorf("自动迁移数据库结构失败: %w", err)
	}
	return db, nil
}

// autoMigrate 创建快照相关的表，已存在时只补缺失的列
func (db *DB) autoMigrate() error {
	migrator := db.gorm.Migrator()
	tables := []struct {
		model interface{}
		name  string
	}{
		{&models.SnapshotMeta{}, "pool_snapshots"},
		{&models.Account{}, "pool_accounts"},
	}

	for _, t := range tables {
		if !migrator.HasTable(t.model) {
			if err := migrator.CreateTable(t.model); err != nil {
				return fmt.Errorf("创建表 %s 失败: %w", t.name, err)
			}
			logger.Info("[DB] 创建表: %s", t.name)
			continue
		}
		if err := db.addMissingColumns(t.model, t.name); err != nil {
			logger.Warn("[DB] 更新表 %s 结构时出现警告: %v", t.name, err)
		}
	}
	return nil
}

// addMissingColumns 只添加缺失的列，不修改现有列
func (db *DB) addMissingColumns(model interface{}, tableName string) error {
	migrator := db.gorm.Migrator()
	stmt := &gorm.Statement{DB: db.gorm}
	if err := stmt.Parse(model); err != nil {
		return err
	}
	for _, field := range stmt.Schema.Fields {
		if field.DBName == "" || migrator.HasColumn(model, field.DBName) {
			continue
		}
		if err := migrator.AddColumn(model, field.DBName); err != nil {
			logger.Warn("[DB] 添加列 %s.%s 失败: %v", tableName, field.DBName, err)
		} else {
			logger.Info("[DB] 添加列: %s.%s", tableName, field.DBName)
		}
	}
	return nil
}

// Close 关闭数据库连接
func (db *DB) Close() error {
	sqlDB, err := db.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// IsMySQL 判断是否为 MySQL 数据库
func (db *DB) IsMySQL() bool {
	return db.storage.Type == config.StorageTypeMySQL
}

func isLockError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// RetryOnLock SQLite 写入遇到锁冲突时按指数退避重试，其他错误立即返回
func (db *DB) RetryOnLock(ctx context.Context, maxRetries uint64, fn func() error) error {
	if db.IsMySQL() {
		return fn()
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 10 * time.Millisecond
	expo.MaxInterval = 500 * time.Millisecond
	expo.MaxElapsedTime = 10 * time.Second

	op := func() error {
		err := fn()
		if err != nil && !isLockError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(expo, maxRetries), ctx))
}
