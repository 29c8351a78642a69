package migration

import (
	"time"
)

// DatabaseVersion 数据库模式版本
type DatabaseVersion string

const (
	// VersionEmpty 空数据库（无任何表）
	VersionEmpty DatabaseVersion = "empty"
	// VersionV1Legacy 旧版扁平模式（单个 downloads 表）
	VersionV1Legacy DatabaseVersion = "v1_legacy"
	// VersionV2Normalized 规范化模式（content/downloads 分表 + 迁移跟踪表）
	VersionV2Normalized DatabaseVersion = "v2_normalized"
	// VersionUnknown 无法识别的模式
	VersionUnknown DatabaseVersion = "unknown"
)

// VersionInfo 版本检测结果
type VersionInfo struct {
	// Version 检测到的版本
	Version DatabaseVersion `json:"version"`
	// SchemaValid 模式是否有效
	SchemaValid bool `json:"schema_valid"`
	// TablesFound 发现的表名集合
	TablesFound map[string]bool `json:"tables_found"`
	// RequiresMigration 是否需要迁移
	RequiresMigration bool `json:"requires_migration"`
	// MigrationPath 迁移路径（按顺序经过的版本）
	MigrationPath []DatabaseVersion `json:"migration_path"`
	// ValidationErrors 校验错误信息
	ValidationErrors []string `json:"validation_errors"`
	// MigrationRecords 已应用的迁移记录（如果有跟踪表）
	MigrationRecords []MigrationRecord `json:"migration_records"`
}

// MigrationRecord 迁移跟踪表中的一条记录
type MigrationRecord struct {
	Version     string    `json:"version"`
	Description string    `json:"description"`
	Checksum    string    `json:"checksum"`
	Status      string    `json:"status"`
	ExecutedAt  time.Time `json:"executed_at"`
	DurationMs  int64     `json:"duration_ms"`
}

// TransformationType 模式变换操作类型
type TransformationType string

const (
	TransformCreateTable  TransformationType = "create_table"
	TransformAlterTable   TransformationType = "alter_table"
	TransformDropTable    TransformationType = "drop_table"
	TransformCreateIndex  TransformationType = "create_index"
	TransformDropIndex    TransformationType = "drop_index"
	TransformRenameTable  TransformationType = "rename_table"
	TransformRenameColumn TransformationType = "rename_column"
	TransformAddColumn    TransformationType = "add_column"
	TransformDropColumn   TransformationType = "drop_column"
)

// TransformationStep 单个模式变换步骤
type TransformationStep struct {
	// StepID 步骤标识，依赖关系通过它声明
	StepID string `json:"step_id"`
	// Type 操作类型
	Type TransformationType `json:"type"`
	// Table 目标表名
	Table string `json:"table"`
	// Column 目标列名（仅列级操作使用）
	Column string `json:"column,omitempty"`
	// NewName 重命名目标（仅 rename 操作使用）
	NewName string `json:"new_name,omitempty"`
	// SQL 正向 DDL
	SQL string `json:"sql"`
	// RollbackSQL 回滚 DDL（可为空）
	RollbackSQL string `json:"rollback_sql,omitempty"`
	// DependsOn 依赖的步骤标识
	DependsOn []string `json:"depends_on,omitempty"`
	// Description 步骤说明
	Description string `json:"description,omitempty"`
}

// TransformationPlan 有序的模式变换计划
type TransformationPlan struct {
	// SourceVersion 源版本
	SourceVersion DatabaseVersion `json:"source_version"`
	// TargetVersion 目标版本
	TargetVersion DatabaseVersion `json:"target_version"`
	// Steps 变换步骤（声明顺序，执行顺序由依赖拓扑决定）
	Steps []TransformationStep `json:"steps"`
	// EstimatedDuration 预估执行时长
	EstimatedDuration time.Duration `json:"estimated_duration"`
	// RequiresBackup 执行前是否必须备份
	RequiresBackup bool `json:"requires_backup"`
	// DestructiveChanges 是否包含丢弃数据的步骤（任何 Drop* 步骤）
	DestructiveChanges bool `json:"destructive_changes"`
}

// MigrationStage 迁移阶段
type MigrationStage int

const (
	StagePreparation MigrationStage = iota
	StageSchemaValidation
	StageSchemaTransformation
	StageDataConversion
	StageCleanup
	StageCompleted
	// StageRolledBack 从任意非终态阶段可达
	StageRolledBack
)

var stageNames = map[MigrationStage]string{
	StagePreparation:          "preparation",
	StageSchemaValidation:     "schema_validation",
	StageSchemaTransformation: "schema_transformation",
	StageDataConversion:       "data_conversion",
	StageCleanup:              "cleanup",
	StageCompleted:            "completed",
	StageRolledBack:           "rolled_back",
}

func (s MigrationStage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}

// IsTerminal 是否为终态
func (s MigrationStage) IsTerminal() bool {
	return s == StageCompleted || s == StageRolledBack
}

// IsCritical 是否为关键阶段（错误累积会触发回滚）
func (s MigrationStage) IsCritical() bool {
	return s == StageSchemaTransformation || s == StageDataConversion
}

// MigrationState 一次迁移的运行状态
type MigrationState struct {
	// MigrationID 迁移唯一标识
	MigrationID string `json:"migration_id"`
	// SourceVersion 源版本
	SourceVersion DatabaseVersion `json:"source_version"`
	// TargetVersion 目标版本
	TargetVersion DatabaseVersion `json:"target_version"`
	// CurrentStage 当前阶段，只会向前推进或跳转到 rolled_back
	CurrentStage MigrationStage `json:"current_stage"`
	// StartedAt 开始时间
	StartedAt time.Time `json:"started_at"`
	// BackupPaths 已创建的备份路径（只追加）
	BackupPaths []string `json:"backup_paths"`
}

// ConversionStats 数据转换统计
type ConversionStats struct {
	TotalV1Records         int      `json:"total_v1_records"`
	SuccessfulConversions  int      `json:"successful_conversions"`
	FailedConversions      int      `json:"failed_conversions"`
	ContentRecordsCreated  int      `json:"content_records_created"`
	DownloadRecordsCreated int      `json:"download_records_created"`
	SkippedDuplicates      int      `json:"skipped_duplicates"`
	ConversionTimeSeconds  float64  `json:"conversion_time_seconds"`
	Errors                 []string `json:"errors"`
}

// TableChecksum 表级校验和
type TableChecksum struct {
	// TableName 表名
	TableName string `json:"table_name"`
	// RowCount 行数
	RowCount int64 `json:"row_count"`
	// ContentHash 行内容哈希（与行顺序无关，数据相同则哈希相同）
	ContentHash string `json:"content_hash"`
	// SchemaHash 列定义哈希（仅结构变化时改变）
	SchemaHash string `json:"schema_hash"`
	// Timestamp 计算时间
	Timestamp time.Time `json:"timestamp"`
}

// Severity 校验结果级别
type Severity string

const (
	SeverityPassed  Severity = "passed"
	SeverityWarning Severity = "warning"
	SeverityFailed  Severity = "failed"
)

// ValidationIssue 单项校验结果
type ValidationIssue struct {
	CheckName   string   `json:"check_name"`
	TableName   string   `json:"table_name"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Expected    string   `json:"expected,omitempty"`
	Actual      string   `json:"actual,omitempty"`
}

// IntegrityReport 完整性校验报告
type IntegrityReport struct {
	TotalChecks    int                      `json:"total_checks"`
	PassedChecks   int                      `json:"passed_checks"`
	FailedChecks   int                      `json:"failed_checks"`
	WarningChecks  int                      `json:"warning_checks"`
	Issues         []ValidationIssue        `json:"issues"`
	TableChecksums map[string]TableChecksum `json:"table_checksums"`
	StartedAt      time.Time                `json:"started_at"`
	CompletedAt    time.Time                `json:"completed_at"`
}

// AddIssue 记录一项校验结果并更新计数
func (r *IntegrityReport) AddIssue(issue ValidationIssue) {
	r.Issues = append(r.Issues, issue)
	r.TotalChecks++
	switch issue.Severity {
	case SeverityPassed:
		r.PassedChecks++
	case SeverityWarning:
		r.WarningChecks++
	case SeverityFailed:
		r.FailedChecks++
	}
}

// ValidationLevel 校验级别，每一级都包含前一级的所有检查
type ValidationLevel int

const (
	ValidationBasic ValidationLevel = iota
	ValidationStandard
	ValidationComprehensive
	ValidationParanoid
)

var validationLevelNames = map[ValidationLevel]string{
	ValidationBasic:         "basic",
	ValidationStandard:      "standard",
	ValidationComprehensive: "comprehensive",
	ValidationParanoid:      "paranoid",
}

func (l ValidationLevel) String() string {
	if name, ok := validationLevelNames[l]; ok {
		return name
	}
	return "unknown"
}

// ParseValidationLevel 解析校验级别名称
func ParseValidationLevel(s string) (ValidationLevel, bool) {
	for level, name := range validationLevelNames {
		if name == s {
			return level, true
		}
	}
	return ValidationBasic, false
}
