package mirrordb

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"discord-archiver/models"

	"github.com/stretchr/testify/require"
	surrealdb "github.com/surrealdb/surrealdb.go"
)

// 集成测试需要一个运行中的 SurrealDB，例如:
//
//	surreal start --user root --pass root memory
//	SURREALDB_URL=ws://localhost:8000/rpc go test ./database/mirrordb/
//
// 未设置 SURREALDB_URL 时跳过。
const (
	envURL  = "SURREALDB_URL"
	envUser = "SURREALDB_USER"
	envPass = "SURREALDB_PASS"
)

func getEnvOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// newTestStore 每个测试使用独立的数据库，结束时删除
func newTestStore(t *testing.T) *Store {
	t.Helper()

	url := os.Getenv(envURL)
	if url == "" {
		t.Skipf("%s not set, skipping SurrealDB integration tests", envURL)
	}

	cfg := models.MirrorConfig{
		Enabled:   true,
		URL:       url,
		Namespace: "archive_test",
		Database:  fmt.Sprintf("db_%d", time.Now().UnixNano()),
		Username:  getEnvOrDefault(envUser, "root"),
		Password:  getEnvOrDefault(envPass, "root"),
	}
	st, err := New(context.Background(), cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx := context.Background()
		_, _ = surrealdb.Query[any](ctx, st.db, "REMOVE DATABASE IF EXISTS "+cfg.Database+";", nil)
		_ = st.Close()
	})
	return st
}
