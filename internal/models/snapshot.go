package models

import "errors"

// ErrNoSnapshot 存储中还没有任何快照
var ErrNoSnapshot = errors.New("账号池快照不存在")

// Snapshot 持久化的账号池快照，文件后端的 JSON 结构与此一致
type Snapshot struct {
	UpdatedAt string     `json:"updated_at"`
	Accounts  []*Account `json:"accounts"`
}

// SnapshotMeta 数据库后端的快照元信息，只有一行
type SnapshotMeta struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	UpdatedAt    string `gorm:"column:updated_at;size:50" json:"updated_at"`
	AccountCount int    `gorm:"column:account_count" json:"account_count"`
}

// TableName 指定表名
func (SnapshotMeta) TableName() string {
	return "pool_snapshots"
}
