package store

import (
	"context"
	"errors"
	"fmt"

	"claude-pool/internal/config"
	"claude-pool/internal/database"
	"claude-pool/internal/logger"
	"claude-pool/internal/models"
)

// ErrNoSnapshot 存储中还没有快照
var ErrNoSnapshot = models.ErrNoSnapshot

// Store 账号池快照的持久化后端，每次保存都整体覆盖
type Store interface {
	Save(ctx context.Context, snap *models.Snapshot) error
	Load(ctx context.Context) (*models.Snapshot, error)
	Close() error
}

// Open 按配置打开存储后端
func Open(cfg *config.Config) (Store, error) {
	switch cfg.Storage.Type {
	case config.StorageTypeSQLite, config.StorageTypeMySQL:
		db, err := database.New(cfg)
		if err != nil {
			return nil, err
		}
		return db, nil
	case config.StorageTypeBolt:
		return NewBoltStore(cfg.Storage.BoltPath)
	case config.StorageTypeFile, "":
		return NewFileStore(cfg.Storage.File), nil
	default:
		return nil, fmt.Errorf("不支持的存储类型: %s", cfg.Storage.Type)
	}
}

// LoadOrEmpty 读取快照，任何失败都只记录日志并返回空账号集
func LoadOrEmpty(ctx context.Context, s Store) []*models.Account {
	snap, err := s.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrNoSnapshot) {
			logger.Info("[存储] 未找到账号池快照，从空池开始")
		} else {
			logger.Error("[存储] 读取账号池快照失败，从空池开始: %v", err)
		}
		return nil
	}

	accounts := make([]*models.Account, 0, len(snap.Accounts))
	seen := make(map[string]bool, len(snap.Accounts))
	for _, acc := range snap.Accounts {
		if acc == nil || acc.Email == "" || seen[acc.Email] {
			continue
		}
		if !acc.Status.Valid() {
			logger.Warn("[存储] 账号 %s 状态 %q 无效，重置为 inactive", acc.Email, acc.Status)
			acc.Status = models.StatusInactive
		}
		seen[acc.Email] = true
		accounts = append(accounts, acc)
	}
	logger.Info("[存储] 已加载 %d 个账号 (快照时间 %s)", len(accounts), snap.UpdatedAt)
	return accounts
}
