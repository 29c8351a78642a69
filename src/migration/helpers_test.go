package migration

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shin315/social-download-manager/src/database"
)

// createLegacyTableSQL 测试用的旧版扁平表 DDL
const createLegacyTableSQL = `
CREATE TABLE downloads (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT,
	title TEXT,
	platform TEXT,
	status TEXT,
	download_path TEXT,
	file_size TEXT,
	quality TEXT,
	format TEXT,
	download_date TEXT,
	metadata TEXT
)`

// openTestConn 在临时目录创建测试数据库
func openTestConn(t *testing.T) *database.Connection {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	conn, err := database.Open(dbPath, 5000)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// createLegacyTable 建旧版表
func createLegacyTable(t *testing.T, conn *database.Connection) {
	t.Helper()
	_, err := conn.DB().Exec(createLegacyTableSQL)
	require.NoError(t, err)
}

// insertLegacyRow 写入一条旧版记录
func insertLegacyRow(t *testing.T, conn *database.Connection, row LegacyDownloadRow) {
	t.Helper()
	_, err := conn.DB().Exec(`
		INSERT INTO downloads (url, title, platform, status, download_path, file_size, quality, format, download_date, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, row.URL, row.Title, row.Platform, row.Status, row.DownloadPath,
		row.FileSize, row.Quality, row.Format, row.DownloadDate, row.Metadata)
	require.NoError(t, err)
}

// applyV2Schema 执行到规范化模式的变换计划（含旧表重命名）
func applyV2Schema(t *testing.T, conn *database.Connection, source DatabaseVersion) *TransformationPlan {
	t.Helper()
	ctx := context.Background()
	transformer := NewSchemaTransformer(conn)
	info := NewVersionManager(conn).GetCurrentVersionInfo(ctx)
	require.Equal(t, source, info.Version)

	plan, err := transformer.CreateTransformationPlan(info, VersionV2Normalized)
	require.NoError(t, err)

	err = conn.WithTransaction(ctx, func(tx *sql.Tx) error {
		ok, msg := transformer.Execute(ctx, tx, plan)
		if !ok {
			return fmt.Errorf("transformation failed: %s", msg)
		}
		return nil
	})
	require.NoError(t, err)

	_, err = conn.DB().Exec(createMigrationTrackingSQL)
	require.NoError(t, err)
	return plan
}

// countRows 读取表行数
func countRows(t *testing.T, conn *database.Connection, table string) int64 {
	t.Helper()
	var count int64
	err := conn.DB().QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %q`, table)).Scan(&count)
	require.NoError(t, err)
	return count
}
