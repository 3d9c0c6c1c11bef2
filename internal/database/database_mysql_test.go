//go:build integration

package database

import (
	"context"
	"os"
	"strconv"
	"testing"

	"claude-pool/internal/config"
)

// 运行 MySQL 集成测试需要设置以下环境变量:
// TEST_MYSQL_HOST=localhost
// TEST_MYSQL_PORT=3306
// TEST_MYSQL_USER=root
// TEST_MYSQL_PASSWORD=password
// TEST_MYSQL_DATABASE=claude_pool_test
//
// 运行命令: go test -v -tags=integration ./internal/database/...

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// setupMySQLTestDB 创建 MySQL 测试数据库
func setupMySQLTestDB(t *testing.T) *DB {
	port, err := strconv.Atoi(envOr("TEST_MYSQL_PORT", "3306"))
	if err != nil {
		t.Fatalf("TEST_MYSQL_PORT 无效: %v", err)
	}
	cfg := &config.Config{
		Storage: config.StorageConfig{
			Type: config.StorageTypeMySQL,
			MySQL: config.MySQLConfig{
				Host:     envOr("TEST_MYSQL_HOST", "localhost"),
				Port:     port,
				User:     envOr("TEST_MYSQL_USER", "root"),
				Password: os.Getenv("TEST_MYSQL_PASSWORD"),
				Database: envOr("TEST_MYSQL_DATABASE", "claude_pool_test"),
				Charset:  "utf8mb4",
			},
		},
	}
	db, err := New(cfg)
	if err != nil {
		t.Skipf("无法连接 MySQL，跳过: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestMySQLSnapshotRoundTrip 测试 MySQL 下快照往返
func TestMySQLSnapshotRoundTrip(t *testing.T) {
	db := setupMySQLTestDB(t)
	ctx := context.Background()

	snap := sampleSnapshot()
	if err := db.Save(ctx, snap); err != nil {
		t.Fatalf("保存快照失败: %v", err)
	}
	got, err := db.Load(ctx)
	if err != nil {
		t.Fatalf("读取快照失败: %v", err)
	}
	if len(got.Accounts) != len(snap.Accounts) {
		t.Fatalf("账号数量不匹配: got %d, want %d", len(got.Accounts), len(snap.Accounts))
	}
	for i := range snap.Accounts {
		if *got.Accounts[i] != *snap.Accounts[i] {
			t.Errorf("第 %d 个账号不一致", i)
		}
	}
}
