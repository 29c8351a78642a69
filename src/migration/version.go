package migration

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/shin315/social-download-manager/src/database"
)

// VersionManager 负责识别当前数据库模式版本
type VersionManager struct {
	conn   *database.Connection
	logger *logrus.Entry
}

// NewVersionManager 创建版本管理器
func NewVersionManager(conn *database.Connection) *VersionManager {
	return &VersionManager{
		conn: conn,
		logger: logrus.WithFields(logrus.Fields{
			"component": "version_manager",
			"db_path":   conn.Path(),
		}),
	}
}

// GetCurrentVersionInfo 检查表目录并返回版本检测结果
// 该方法从不返回错误：目录读取失败时降级为 unknown 并附带可读的校验错误
func (v *VersionManager) GetCurrentVersionInfo(ctx context.Context) *VersionInfo {
	info := &VersionInfo{
		Version:     VersionUnknown,
		TablesFound: map[string]bool{},
	}

	tables, err := v.listTables(ctx)
	if err != nil {
		info.SchemaValid = false
		info.ValidationErrors = append(info.ValidationErrors,
			fmt.Sprintf("failed to read table catalog: %v", err))
		return info
	}
	for _, t := range tables {
		info.TablesFound[t] = true
	}

	switch {
	case len(tables) == 0:
		info.Version = VersionEmpty
		info.SchemaValid = true
		info.RequiresMigration = true
		info.MigrationPath = []DatabaseVersion{VersionEmpty, VersionV2Normalized}

	case v.looksLikeV1(ctx, info.TablesFound):
		info.Version = VersionV1Legacy
		info.SchemaValid = true
		info.RequiresMigration = true
		info.MigrationPath = []DatabaseVersion{VersionV1Legacy, VersionV2Normalized}

	case v.looksLikeV2(ctx, info.TablesFound):
		info.Version = VersionV2Normalized
		info.SchemaValid = true
		info.RequiresMigration = false
		info.MigrationPath = []DatabaseVersion{VersionV2Normalized}
		records, err := v.readMigrationRecords(ctx)
		if err != nil {
			info.ValidationErrors = append(info.ValidationErrors,
				fmt.Sprintf("failed to read migration records: %v", err))
		} else {
			info.MigrationRecords = records
		}

	default:
		info.Version = VersionUnknown
		info.SchemaValid = false
		info.ValidationErrors = append(info.ValidationErrors,
			fmt.Sprintf("unrecognized schema: found tables %v, expected either the legacy flat %q table or the normalized table set %v",
				tables, LegacyDownloadsTable, v2RequiredTables))
	}

	v.logger.WithFields(logrus.Fields{
		"version":            string(info.Version),
		"tables_found":       len(info.TablesFound),
		"requires_migration": info.RequiresMigration,
	}).Debug("database version detected")

	return info
}

// CheckMigrationRequirements 检查迁移前提条件
// unknown 版本始终不安全；缺表/缺列只追加关注项，不报错
func (v *VersionManager) CheckMigrationRequirements(ctx context.Context) (migrationSafe bool, safetyConcerns []string) {
	info := v.GetCurrentVersionInfo(ctx)

	if info.Version == VersionUnknown {
		concerns := append([]string{"database schema version is unknown, migration is unsafe"},
			info.ValidationErrors...)
		return false, concerns
	}

	if info.Version == VersionV1Legacy {
		columns, err := v.tableColumns(ctx, LegacyDownloadsTable)
		if err != nil {
			safetyConcerns = append(safetyConcerns,
				fmt.Sprintf("cannot inspect legacy table columns: %v", err))
		} else {
			for _, want := range legacyDownloadsColumns {
				if !columns[want] {
					safetyConcerns = append(safetyConcerns,
						fmt.Sprintf("legacy table %s is missing expected column %q", LegacyDownloadsTable, want))
				}
			}
		}
	}

	return true, safetyConcerns
}

// CreateMigrationTracking 幂等创建迁移跟踪表
// 首次记录迁移前必须调用
func (v *VersionManager) CreateMigrationTracking(ctx context.Context) error {
	if _, err := v.conn.DB().ExecContext(ctx, createMigrationTrackingSQL); err != nil {
		return fmt.Errorf("failed to create migration tracking table: %w", err)
	}
	return nil
}

// listTables 读取用户表目录（排除 sqlite 内部表）
func (v *VersionManager) listTables(ctx context.Context) ([]string, error) {
	rows, err := v.conn.DB().QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(tables)
	return tables, nil
}

// tableColumns 读取表的列名集合
func (v *VersionManager) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := v.conn.DB().QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns := map[string]bool{}
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		columns[name] = true
	}
	return columns, rows.Err()
}

// looksLikeV1 判断是否为旧版扁平模式：
// 存在旧版列集合的 downloads 表且没有迁移跟踪表
func (v *VersionManager) looksLikeV1(ctx context.Context, tables map[string]bool) bool {
	if !tables[LegacyDownloadsTable] || tables[MigrationTrackingTable] {
		return false
	}
	columns, err := v.tableColumns(ctx, LegacyDownloadsTable)
	if err != nil {
		return false
	}
	for _, want := range []string{"url", "download_path", "file_size", "download_date"} {
		if !columns[want] {
			return false
		}
	}
	// 规范化模式的 downloads 表带有 content_id 列
	return !columns["content_id"]
}

// looksLikeV2 判断是否为规范化模式：
// 迁移跟踪表加上规范化的 content/downloads 表
func (v *VersionManager) looksLikeV2(ctx context.Context, tables map[string]bool) bool {
	if !tables[MigrationTrackingTable] || !tables[ContentTable] || !tables[DownloadsTable] {
		return false
	}
	contentCols, err := v.tableColumns(ctx, ContentTable)
	if err != nil {
		return false
	}
	for _, want := range v2ContentColumns {
		if !contentCols[want] {
			return false
		}
	}
	downloadCols, err := v.tableColumns(ctx, DownloadsTable)
	if err != nil {
		return false
	}
	for _, want := range v2DownloadsColumns {
		if !downloadCols[want] {
			return false
		}
	}
	return true
}

// readMigrationRecords 读取已应用的迁移记录
func (v *VersionManager) readMigrationRecords(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := v.conn.DB().QueryContext(ctx, `
		SELECT version, description, checksum, status, executed_at, duration_ms
		FROM schema_migrations ORDER BY executed_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		var r MigrationRecord
		var executedAt sql.NullTime
		if err := rows.Scan(&r.Version, &r.Description, &r.Checksum, &r.Status, &executedAt, &r.DurationMs); err != nil {
			return nil, err
		}
		if executedAt.Valid {
			r.ExecutedAt = executedAt.Time
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
