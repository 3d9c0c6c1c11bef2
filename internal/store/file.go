package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"claude-pool/internal/models"
)

// FileStore 把快照保存为单个 JSON 文件
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore 创建文件存储
func NewFileStore(path string) *FileStore {
	if path == "" {
		path = "account_pool.json"
	}
	return &FileStore{path: path}
}

// Path 快照文件路径
func (s *FileStore) Path() string { return s.path }

// Save 先写临时文件再重命名，保证文件内容始终完整
func (s *FileStore) Save(_ context.Context, snap *models.Snapshot) error {
	if snap.UpdatedAt == "" {
		snap.UpdatedAt = models.CurrentTime()
	}
	if snap.Accounts == nil {
		snap.Accounts = []*models.Account{}
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化快照失败: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建目录失败: %w", err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("写入快照失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("写入快照失败: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("替换快照文件失败: %w", err)
	}
	return nil
}

// Load 读取快照文件，文件不存在时返回 ErrNoSnapshot
func (s *FileStore) Load(_ context.Context) (*models.Snapshot, error) {
	s.mu.Lock()
	data, err := os.ReadFile(s.path)
	s.mu.Unlock()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("读取快照文件失败: %w", err)
	}

	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("解析快照文件 %s 失败: %w", s.path, err)
	}
	return &snap, nil
}

// Close 文件存储无需释放资源
func (s *FileStore) Close() error { return nil }
