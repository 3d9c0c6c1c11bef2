package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"claude-pool/internal/models"

	"go.etcd.io/bbolt"
)

var (
	snapshotBucket = []byte("snapshots")
	currentKey     = []byte("current")
)

// BoltStore 把快照保存在 bbolt 文件的 snapshots 桶中
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore 打开（或创建）bbolt 文件
func NewBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		path = "account_pool.db"
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开 bolt 文件失败: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("创建 bolt 桶失败: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Save 覆盖写入当前快照
func (s *BoltStore) Save(_ context.Context, snap *models.Snapshot) error {
	if snap.UpdatedAt == "" {
		snap.UpdatedAt = models.CurrentTime()
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("序列化快照失败: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(snapshotBucket).Put(currentKey, data)
	})
}

// Load 读取当前快照
func (s *BoltStore) Load(_ context.Context) (*models.Snapshot, error) {
	var snap *models.Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(snapshotBucket).Get(currentKey)
		if data == nil {
			return ErrNoSnapshot
		}
		snap = &models.Snapshot{}
		return json.Unmarshal(data, snap)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Close 关闭 bbolt 文件
func (s *BoltStore) Close() error {
	return s.db.Close()
}
