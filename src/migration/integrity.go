package migration

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shin315/social-download-manager/src/database"
)

// IntegrityValidator 迁移前后的数据完整性校验器
// 校验级别严格递进：每一级都包含前一级的全部检查
type IntegrityValidator struct {
	conn   *database.Connection
	logger *logrus.Entry
}

// NewIntegrityValidator 创建完整性校验器
func NewIntegrityValidator(conn *database.Connection) *IntegrityValidator {
	return &IntegrityValidator{
		conn:   conn,
		logger: logrus.WithField("component", "integrity_validator"),
	}
}

// GenerateTableChecksum 计算表级校验和
// content_hash 与行的物理顺序无关：对每行做规范化序列化后求哈希，
// 再对排序后的行哈希列表整体求哈希，数据相同的表必然得到相同结果
func (v *IntegrityValidator) GenerateTableChecksum(ctx context.Context, table string) (*TableChecksum, error) {
	checksum := &TableChecksum{
		TableName: table,
		Timestamp: time.Now(),
	}

	schemaHash, columns, err := v.schemaHash(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("failed to hash schema of table %s: %w", table, err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s does not exist", table)
	}
	checksum.SchemaHash = schemaHash

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = fmt.Sprintf("%q", c)
	}
	rows, err := v.conn.DB().QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %q`, strings.Join(quoted, ", "), table))
	if err != nil {
		return nil, fmt.Errorf("failed to read table %s: %w", table, err)
	}
	defer rows.Close()

	var rowHashes []string
	values := make([]any, len(columns))
	pointers := make([]any, len(columns))
	for i := range values {
		pointers[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(pointers...); err != nil {
			return nil, err
		}
		cells := make([]string, len(values))
		for i, val := range values {
			cells[i] = formatCell(val)
		}
		rowHashes = append(rowHashes, hashString(strings.Join(cells, "|")))
		checksum.RowCount++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Strings(rowHashes)
	checksum.ContentHash = hashString(strings.Join(rowHashes, "\n"))
	return checksum, nil
}

// schemaHash 列定义哈希：name:type:notnull:default:pk 元组按列序拼接后求哈希
func (v *IntegrityValidator) schemaHash(ctx context.Context, table string) (string, []string, error) {
	rows, err := v.conn.DB().QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return "", nil, err
	}
	defer rows.Close()

	var tuples, columns []string
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
			return "", nil, err
		}
		tuples = append(tuples, fmt.Sprintf("%s:%s:%d:%s:%d", name, ctype, notNull, dflt.String, pk))
		columns = append(columns, name)
	}
	if err := rows.Err(); err != nil {
		return "", nil, err
	}
	return hashString(strings.Join(tuples, ";")), columns, nil
}

// formatCell 单元格的规范化序列化，NULL 与空串区分开
func formatCell(val any) string {
	switch v := val.(type) {
	case nil:
		return "\x00NULL"
	case []byte:
		return string(v)
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// ValidateMigrationIntegrity 迁移后完整性校验
// stats 为 nil 时跳过与转换统计的对账检查
func (v *IntegrityValidator) ValidateMigrationIntegrity(ctx context.Context, level ValidationLevel, stats *ConversionStats) *IntegrityReport {
	report := &IntegrityReport{
		TableChecksums: map[string]TableChecksum{},
		StartedAt:      time.Now(),
	}
	defer func() {
		report.CompletedAt = time.Now()
		v.logger.WithFields(logrus.Fields{
			"level":  level.String(),
			"total":  report.TotalChecks,
			"passed": report.PassedChecks,
			"failed": report.FailedChecks,
		}).Info("integrity validation finished")
	}()

	v.checkBasic(ctx, report)
	if level >= ValidationStandard {
		v.checkStandard(ctx, report)
	}
	if level >= ValidationComprehensive {
		v.checkComprehensive(ctx, report, stats)
	}
	if level >= ValidationParanoid {
		v.checkParanoid(ctx, report)
	}

	return report
}

// checkBasic 基础检查：规范化表齐全且可读
func (v *IntegrityValidator) checkBasic(ctx context.Context, report *IntegrityReport) {
	for _, table := range v2RequiredTables {
		count, err := v.rowCount(ctx, table)
		if err != nil {
			report.AddIssue(ValidationIssue{
				CheckName:   "table_exists",
				TableName:   table,
				Severity:    SeverityFailed,
				Description: fmt.Sprintf("table %s is missing or unreadable: %v", table, err),
			})
			continue
		}
		report.AddIssue(ValidationIssue{
			CheckName:   "table_exists",
			TableName:   table,
			Severity:    SeverityPassed,
			Description: fmt.Sprintf("table %s exists with %d rows", table, count),
		})
	}
}

// checkStandard 标准检查：规范化表的必需列
func (v *IntegrityValidator) checkStandard(ctx context.Context, report *IntegrityReport) {
	expected := map[string][]string{
		ContentTable:   v2ContentColumns,
		DownloadsTable: v2DownloadsColumns,
	}
	for table, wantCols := range expected {
		_, columns, err := v.schemaHash(ctx, table)
		if err != nil || len(columns) == 0 {
			report.AddIssue(ValidationIssue{
				CheckName:   "required_columns",
				TableName:   table,
				Severity:    SeverityFailed,
				Description: fmt.Sprintf("cannot inspect columns of %s", table),
			})
			continue
		}
		present := map[string]bool{}
		for _, c := range columns {
			present[c] = true
		}
		var missing []string
		for _, want := range wantCols {
			if !present[want] {
				missing = append(missing, want)
			}
		}
		if len(missing) > 0 {
			report.AddIssue(ValidationIssue{
				CheckName:   "required_columns",
				TableName:   table,
				Severity:    SeverityFailed,
				Description: fmt.Sprintf("table %s is missing columns %v", table, missing),
			})
		} else {
			report.AddIssue(ValidationIssue{
				CheckName:   "required_columns",
				TableName:   table,
				Severity:    SeverityPassed,
				Description: fmt.Sprintf("table %s has all required columns", table),
			})
		}
	}
}

// checkComprehensive 全面检查：孤儿下载、URL 唯一性、全表校验和、与转换统计对账
func (v *IntegrityValidator) checkComprehensive(ctx context.Context, report *IntegrityReport, stats *ConversionStats) {
	var orphans int64
	err := v.conn.DB().QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM %q d WHERE NOT EXISTS (SELECT 1 FROM %q c WHERE c.id = d.content_id)
	`, DownloadsTable, ContentTable)).Scan(&orphans)
	switch {
	case err != nil:
		report.AddIssue(ValidationIssue{
			CheckName:   "orphaned_downloads",
			TableName:   DownloadsTable,
			Severity:    SeverityFailed,
			Description: fmt.Sprintf("orphan check failed: %v", err),
		})
	case orphans > 0:
		report.AddIssue(ValidationIssue{
			CheckName:   "orphaned_downloads",
			TableName:   DownloadsTable,
			Severity:    SeverityFailed,
			Description: fmt.Sprintf("%d download records reference missing content", orphans),
			Expected:    "0",
			Actual:      strconv.FormatInt(orphans, 10),
		})
	default:
		report.AddIssue(ValidationIssue{
			CheckName:   "orphaned_downloads",
			TableName:   DownloadsTable,
			Severity:    SeverityPassed,
			Description: "every download references an existing content record",
		})
	}

	var dupURLs int64
	err = v.conn.DB().QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM (SELECT original_url FROM %q GROUP BY original_url HAVING COUNT(*) > 1)
	`, ContentTable)).Scan(&dupURLs)
	switch {
	case err != nil:
		report.AddIssue(ValidationIssue{
			CheckName:   "unique_original_url",
			TableName:   ContentTable,
			Severity:    SeverityFailed,
			Description: fmt.Sprintf("duplicate URL check failed: %v", err),
		})
	case dupURLs > 0:
		report.AddIssue(ValidationIssue{
			CheckName:   "unique_original_url",
			TableName:   ContentTable,
			Severity:    SeverityFailed,
			Description: fmt.Sprintf("%d original URLs appear on multiple content rows", dupURLs),
			Expected:    "0",
			Actual:      strconv.FormatInt(dupURLs, 10),
		})
	default:
		report.AddIssue(ValidationIssue{
			CheckName:   "unique_original_url",
			TableName:   ContentTable,
			Severity:    SeverityPassed,
			Description: "original URLs are unique across content",
		})
	}

	for _, table := range v2RequiredTables {
		checksum, err := v.GenerateTableChecksum(ctx, table)
		if err != nil {
			report.AddIssue(ValidationIssue{
				CheckName:   "table_checksum",
				TableName:   table,
				Severity:    SeverityWarning,
				Description: fmt.Sprintf("checksum generation failed: %v", err),
			})
			continue
		}
		report.TableChecksums[table] = *checksum
		report.AddIssue(ValidationIssue{
			CheckName:   "table_checksum",
			TableName:   table,
			Severity:    SeverityPassed,
			Description: fmt.Sprintf("checksum recorded (%d rows)", checksum.RowCount),
		})
	}

	if stats == nil {
		return
	}

	reconcile := []struct {
		table    string
		expected int64
	}{
		{ContentTable, int64(stats.ContentRecordsCreated)},
		{DownloadsTable, int64(stats.DownloadRecordsCreated)},
		{LegacyBackupTable, int64(stats.TotalV1Records)},
	}
	for _, r := range reconcile {
		actual, err := v.rowCount(ctx, r.table)
		if err != nil {
			// 空库迁移没有旧表备份，属于预期情况
			if r.table == LegacyBackupTable && r.expected == 0 {
				continue
			}
			report.AddIssue(ValidationIssue{
				CheckName:   "record_count_reconciliation",
				TableName:   r.table,
				Severity:    SeverityFailed,
				Description: fmt.Sprintf("cannot count rows of %s: %v", r.table, err),
			})
			continue
		}
		if actual != r.expected {
			report.AddIssue(ValidationIssue{
				CheckName:   "record_count_reconciliation",
				TableName:   r.table,
				Severity:    SeverityFailed,
				Description: fmt.Sprintf("row count of %s does not match conversion stats", r.table),
				Expected:    strconv.FormatInt(r.expected, 10),
				Actual:      strconv.FormatInt(actual, 10),
			})
		} else {
			report.AddIssue(ValidationIssue{
				CheckName:   "record_count_reconciliation",
				TableName:   r.table,
				Severity:    SeverityPassed,
				Description: fmt.Sprintf("row count of %s matches conversion stats (%d)", r.table, actual),
			})
		}
	}
}

// checkParanoid 偏执检查：sqlite 自带的存储级与外键一致性检查
func (v *IntegrityValidator) checkParanoid(ctx context.Context, report *IntegrityReport) {
	var result string
	err := v.conn.DB().QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&result)
	switch {
	case err != nil:
		report.AddIssue(ValidationIssue{
			CheckName:   "sqlite_integrity_check",
			Severity:    SeverityFailed,
			Description: fmt.Sprintf("integrity_check failed to run: %v", err),
		})
	case result != "ok":
		report.AddIssue(ValidationIssue{
			CheckName:   "sqlite_integrity_check",
			Severity:    SeverityFailed,
			Description: "sqlite reports corruption",
			Expected:    "ok",
			Actual:      result,
		})
	default:
		report.AddIssue(ValidationIssue{
			CheckName:   "sqlite_integrity_check",
			Severity:    SeverityPassed,
			Description: "sqlite integrity_check passed",
		})
	}

	rows, err := v.conn.DB().QueryContext(ctx, `PRAGMA foreign_key_check`)
	if err == nil {
		violations := 0
		for rows.Next() {
			violations++
		}
		rows.Close()
		severity := SeverityPassed
		desc := "no foreign key violations"
		if violations > 0 {
			severity = SeverityFailed
			desc = fmt.Sprintf("%d foreign key violations", violations)
		}
		report.AddIssue(ValidationIssue{
			CheckName:   "foreign_key_check",
			Severity:    severity,
			Description: desc,
		})
	}
}

// CompareChecksums 对比迁移前后的校验和
// 计划内变更的表允许内容变化；计划外的内容变化与任何表的行数减少都判失败
func (v *IntegrityValidator) CompareChecksums(before, after map[string]TableChecksum, plan *TransformationPlan) []ValidationIssue {
	var issues []ValidationIssue
	changed := map[string]bool{}
	if plan != nil {
		changed = plan.ChangedTables()
	}

	tables := make([]string, 0, len(before))
	for table := range before {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	for _, table := range tables {
		b := before[table]
		a, ok := after[table]
		if !ok {
			severity := SeverityFailed
			if changed[table] {
				severity = SeverityWarning
			}
			issues = append(issues, ValidationIssue{
				CheckName:   "checksum_comparison",
				TableName:   table,
				Severity:    severity,
				Description: fmt.Sprintf("table %s disappeared after migration", table),
			})
			continue
		}

		if a.RowCount < b.RowCount {
			issues = append(issues, ValidationIssue{
				CheckName:   "checksum_comparison",
				TableName:   table,
				Severity:    SeverityFailed,
				Description: fmt.Sprintf("row count of %s decreased", table),
				Expected:    fmt.Sprintf(">= %d", b.RowCount),
				Actual:      strconv.FormatInt(a.RowCount, 10),
			})
			continue
		}

		if a.ContentHash != b.ContentHash {
			if !changed[table] {
				issues = append(issues, ValidationIssue{
					CheckName:   "checksum_comparison",
					TableName:   table,
					Severity:    SeverityFailed,
					Description: fmt.Sprintf("content of %s changed outside the transformation plan", table),
					Expected:    b.ContentHash,
					Actual:      a.ContentHash,
				})
				continue
			}
			// 计划内变更：如实报告内容变化，而非宣称一致
			issues = append(issues, ValidationIssue{
				CheckName:   "checksum_comparison",
				TableName:   table,
				Severity:    SeverityPassed,
				Description: fmt.Sprintf("content of %s changed as planned", table),
				Expected:    b.ContentHash,
				Actual:      a.ContentHash,
			})
			continue
		}

		issues = append(issues, ValidationIssue{
			CheckName:   "checksum_comparison",
			TableName:   table,
			Severity:    SeverityPassed,
			Description: fmt.Sprintf("table %s is consistent", table),
		})
	}

	return issues
}

// rowCount 读取表行数
func (v *IntegrityValidator) rowCount(ctx context.Context, table string) (int64, error) {
	var count int64
	err := v.conn.DB().QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %q`, table)).Scan(&count)
	return count, err
}
