package migration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegrityValidator_GenerateTableChecksum_OrderIndependent(t *testing.T) {
	ctx := context.Background()

	// 两个库写入相同数据，顺序不同
	connA := openTestConn(t)
	createLegacyTable(t, connA)
	insertLegacyRow(t, connA, LegacyDownloadRow{URL: "https://example.com/1", Title: "one"})
	insertLegacyRow(t, connA, LegacyDownloadRow{URL: "https://example.com/2", Title: "two"})

	connB := openTestConn(t)
	createLegacyTable(t, connB)
	insertLegacyRow(t, connB, LegacyDownloadRow{URL: "https://example.com/2", Title: "two"})
	insertLegacyRow(t, connB, LegacyDownloadRow{URL: "https://example.com/1", Title: "one"})

	sumA, err := NewIntegrityValidator(connA).GenerateTableChecksum(ctx, LegacyDownloadsTable)
	require.NoError(t, err)
	sumB, err := NewIntegrityValidator(connB).GenerateTableChecksum(ctx, LegacyDownloadsTable)
	require.NoError(t, err)

	assert.Equal(t, int64(2), sumA.RowCount)
	assert.Equal(t, sumA.SchemaHash, sumB.SchemaHash)

	// 自增主键不同则内容哈希不同，这里 id 顺序相反
	// 用相同 id 重写后哈希必须一致
	_, err = connB.DB().Exec(`DELETE FROM downloads`)
	require.NoError(t, err)
	_, err = connB.DB().Exec(`INSERT INTO downloads (id, url, title) VALUES (1, 'https://example.com/1', 'one'), (2, 'https://example.com/2', 'two')`)
	require.NoError(t, err)
	sumB, err = NewIntegrityValidator(connB).GenerateTableChecksum(ctx, LegacyDownloadsTable)
	require.NoError(t, err)
	assert.Equal(t, sumA.ContentHash, sumB.ContentHash)
}

func TestIntegrityValidator_GenerateTableChecksum_DetectsChange(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t)
	createLegacyTable(t, conn)
	insertLegacyRow(t, conn, LegacyDownloadRow{URL: "https://example.com/1", Title: "one"})

	v := NewIntegrityValidator(conn)
	before, err := v.GenerateTableChecksum(ctx, LegacyDownloadsTable)
	require.NoError(t, err)

	_, err = conn.DB().Exec(`UPDATE downloads SET title = 'changed'`)
	require.NoError(t, err)

	after, err := v.GenerateTableChecksum(ctx, LegacyDownloadsTable)
	require.NoError(t, err)
	assert.NotEqual(t, before.ContentHash, after.ContentHash)
	assert.Equal(t, before.SchemaHash, after.SchemaHash)
}

func TestIntegrityValidator_GenerateTableChecksum_MissingTable(t *testing.T) {
	conn := openTestConn(t)
	v := NewIntegrityValidator(conn)

	_, err := v.GenerateTableChecksum(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestIntegrityValidator_ValidateMigratedDatabase(t *testing.T) {
	conn := openTestConn(t)
	createLegacyTable(t, conn)
	insertLegacyRow(t, conn, LegacyDownloadRow{URL: "https://www.tiktok.com/@a/video/111"})
	insertLegacyRow(t, conn, LegacyDownloadRow{URL: "https://www.youtube.com/watch?v=abc123def45"})
	applyV2Schema(t, conn, VersionV1Legacy)

	c := newTestConverter(conn)
	ok, msg, stats := runConversion(t, conn, c)
	require.True(t, ok, msg)

	v := NewIntegrityValidator(conn)
	report := v.ValidateMigrationIntegrity(context.Background(), ValidationParanoid, stats)

	assert.Zero(t, report.FailedChecks, "issues: %+v", report.Issues)
	assert.Equal(t, report.TotalChecks, report.PassedChecks)
	assert.NotEmpty(t, report.TableChecksums)
	assert.False(t, report.CompletedAt.Before(report.StartedAt))
}

func TestIntegrityValidator_ComprehensiveRecordsChecksums(t *testing.T) {
	conn := openTestConn(t)
	applyV2Schema(t, conn, VersionEmpty)

	v := NewIntegrityValidator(conn)
	report := v.ValidateMigrationIntegrity(context.Background(), ValidationComprehensive, nil)

	// 全面级别就要产出全表校验和，供前后对比消费
	require.Len(t, report.TableChecksums, len(v2RequiredTables))
	for _, table := range v2RequiredTables {
		checksum, ok := report.TableChecksums[table]
		require.True(t, ok, "missing checksum for %s", table)
		assert.Len(t, checksum.ContentHash, 64)
	}

	// 标准级别及以下不做校验和
	standard := v.ValidateMigrationIntegrity(context.Background(), ValidationStandard, nil)
	assert.Empty(t, standard.TableChecksums)
}

func TestIntegrityValidator_LevelsAreSupersets(t *testing.T) {
	conn := openTestConn(t)
	applyV2Schema(t, conn, VersionEmpty)
	v := NewIntegrityValidator(conn)
	ctx := context.Background()

	basic := v.ValidateMigrationIntegrity(ctx, ValidationBasic, nil)
	standard := v.ValidateMigrationIntegrity(ctx, ValidationStandard, nil)
	comprehensive := v.ValidateMigrationIntegrity(ctx, ValidationComprehensive, nil)
	paranoid := v.ValidateMigrationIntegrity(ctx, ValidationParanoid, nil)

	// 每一级都包含前一级的所有检查
	assert.Greater(t, standard.TotalChecks, basic.TotalChecks)
	assert.Greater(t, comprehensive.TotalChecks, standard.TotalChecks)
	assert.Greater(t, paranoid.TotalChecks, comprehensive.TotalChecks)
}

func TestIntegrityValidator_DetectsOrphanedDownloads(t *testing.T) {
	conn := openTestConn(t)
	applyV2Schema(t, conn, VersionEmpty)
	// 指向不存在内容的下载记录
	_, err := conn.DB().Exec(`INSERT INTO downloads (content_id, file_path) VALUES (999, '/dl/x.mp4')`)
	require.NoError(t, err)

	v := NewIntegrityValidator(conn)
	report := v.ValidateMigrationIntegrity(context.Background(), ValidationComprehensive, nil)

	assert.Greater(t, report.FailedChecks, 0)
	found := false
	for _, issue := range report.Issues {
		if issue.CheckName == "orphaned_downloads" && issue.Severity == SeverityFailed {
			found = true
		}
	}
	assert.True(t, found)
}

func TestIntegrityValidator_DetectsMissingTables(t *testing.T) {
	conn := openTestConn(t)

	v := NewIntegrityValidator(conn)
	report := v.ValidateMigrationIntegrity(context.Background(), ValidationBasic, nil)
	assert.Equal(t, len(v2RequiredTables), report.FailedChecks)
}

func TestIntegrityValidator_CompareChecksums(t *testing.T) {
	conn := openTestConn(t)
	v := NewIntegrityValidator(conn)

	base := TableChecksum{TableName: "t", RowCount: 10, ContentHash: "aaa", SchemaHash: "s"}

	// 未变化 → 通过
	issues := v.CompareChecksums(
		map[string]TableChecksum{"t": base},
		map[string]TableChecksum{"t": base}, nil)
	require.Len(t, issues, 1)
	assert.Equal(t, SeverityPassed, issues[0].Severity)

	// 行数减少 → 失败（只追加的表不允许丢行）
	shrunk := base
	shrunk.RowCount = 9
	issues = v.CompareChecksums(
		map[string]TableChecksum{"t": base},
		map[string]TableChecksum{"t": shrunk}, nil)
	require.Len(t, issues, 1)
	assert.Equal(t, SeverityFailed, issues[0].Severity)

	// 计划外的内容变化 → 失败
	drifted := base
	drifted.ContentHash = "bbb"
	issues = v.CompareChecksums(
		map[string]TableChecksum{"t": base},
		map[string]TableChecksum{"t": drifted}, nil)
	require.Len(t, issues, 1)
	assert.Equal(t, SeverityFailed, issues[0].Severity)

	// 同样的变化在计划内 → 允许，但要如实报告内容发生了变化
	plan := &TransformationPlan{Steps: []TransformationStep{
		{StepID: "s", Type: TransformAddColumn, Table: "t"},
	}}
	issues = v.CompareChecksums(
		map[string]TableChecksum{"t": base},
		map[string]TableChecksum{"t": drifted}, plan)
	require.Len(t, issues, 1)
	assert.Equal(t, SeverityPassed, issues[0].Severity)
	assert.Contains(t, issues[0].Description, "changed as planned")
	assert.NotContains(t, issues[0].Description, "consistent")
}

func TestIntegrityValidator_ChecksumRoundTripThroughBackup(t *testing.T) {
	ctx := context.Background()
	conn := openTestConn(t)
	createLegacyTable(t, conn)
	insertLegacyRow(t, conn, LegacyDownloadRow{URL: "https://example.com/1", Title: "one"})
	insertLegacyRow(t, conn, LegacyDownloadRow{URL: "https://example.com/2", Title: "two"})

	v := NewIntegrityValidator(conn)
	before, err := v.GenerateTableChecksum(ctx, LegacyDownloadsTable)
	require.NoError(t, err)

	backups := NewBackupManager(conn.Path(), t.TempDir(), 5)
	backupPath, err := backups.CreateFullBackup("m-1")
	require.NoError(t, err)

	// 备份之后改写数据，恢复必须抹掉这些变化
	_, err = conn.DB().Exec(`UPDATE downloads SET title = 'tampered'`)
	require.NoError(t, err)
	insertLegacyRow(t, conn, LegacyDownloadRow{URL: "https://example.com/3", Title: "three"})

	restored, err := backups.RestoreFromBackup(backupPath)
	require.NoError(t, err)
	require.True(t, restored)
	require.NoError(t, conn.Reopen())

	after, err := v.GenerateTableChecksum(ctx, LegacyDownloadsTable)
	require.NoError(t, err)
	assert.Equal(t, before.RowCount, after.RowCount)
	assert.Equal(t, before.ContentHash, after.ContentHash)
	assert.Equal(t, before.SchemaHash, after.SchemaHash)
}
