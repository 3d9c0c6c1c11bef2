package database

import (
	"context"
	"errors"
	"fmt"

	"claude-pool/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const snapshotMetaID = 1

// Save 用快照整体替换数据库中的账号表
func (db *DB) Save(ctx context.Context, snap *models.Snapshot) error {
	if snap.UpdatedAt == "" {
		snap.UpdatedAt = models.CurrentTime()
	}

	rows := make([]*models.Account, 0, len(snap.Accounts))
	for i, acc := range snap.Accounts {
		row := acc.Clone()
		row.Position = i
		rows = append(rows, row)
	}

	return db.RetryOnLock(ctx, 5, func() error {
		return db.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.Account{}).Error; err != nil {
				return fmt.Errorf("清空账号表失败: %w", err)
			}
			if len(rows) > 0 {
				if err := tx.CreateInBatches(rows, 100).Error; err != nil {
					return fmt.Errorf("写入账号失败: %w", err)
				}
			}
			meta := &models.SnapshotMeta{
				ID:           snapshotMetaID,
				UpdatedAt:    snap.UpdatedAt,
				AccountCount: len(rows),
			}
			return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(meta).Error
		})
	})
}

// Load 读取最近一次保存的快照，从未保存过时返回 models.ErrNoSnapshot
func (db *DB) Load(ctx context.Context) (*models.Snapshot, error) {
	var meta models.SnapshotMeta
	err := db.gorm.WithContext(ctx).First(&meta, snapshotMetaID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("读取快照元信息失败: %w", err)
	}

	var accounts []*models.Account
	if err := db.gorm.WithContext(ctx).Order("position ASC").Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("读取账号失败: %w", err)
	}
	for _, acc := range accounts {
		acc.Position = 0
	}
	return &models.Snapshot{UpdatedAt: meta.UpdatedAt, Accounts: accounts}, nil
}
