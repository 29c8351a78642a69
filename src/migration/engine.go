package migration

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/shin315/social-download-manager/src/configs"
	"github.com/shin315/social-download-manager/src/database"
)

// Result 一次引擎运行的结果
type Result struct {
	// MigrationID 迁移标识，未执行迁移时为空
	MigrationID string `json:"migration_id,omitempty"`
	// PerformedMigration 本次运行是否实际执行了迁移
	PerformedMigration bool `json:"performed_migration"`
	// RecoveredFromCrash 是否在启动时恢复了被中断的迁移
	RecoveredFromCrash bool `json:"recovered_from_crash"`
	// SourceVersion 迁移前版本
	SourceVersion DatabaseVersion `json:"source_version"`
	// FinalVersion 运行结束后的版本
	FinalVersion DatabaseVersion `json:"final_version"`
	// Stats 数据转换统计，仅旧版迁移时有内容
	Stats *ConversionStats `json:"stats,omitempty"`
	// Report 完整性校验报告
	Report *IntegrityReport `json:"report,omitempty"`
	// Message 人类可读的结果说明
	Message string `json:"message"`
}

// Engine 迁移引擎，把所有协作方串成完整的升级流水线
type Engine struct {
	conn        *database.Connection
	cfg         *configs.Config
	versions    *VersionManager
	transformer *SchemaTransformer
	converter   *DataConverter
	validator   *IntegrityValidator
	safety      *MigrationSafetyManager
	logger      *logrus.Entry
}

// NewEngine 创建迁移引擎
func NewEngine(conn *database.Connection, cfg *configs.Config) *Engine {
	backups := NewBackupManager(conn.Path(), cfg.BackupDir(), cfg.Backup.KeepCount)
	detector := NewPlatformDetector(cfg.Migration.PlatformCacheSize)
	parser := NewMetadataParser()

	return &Engine{
		conn:        conn,
		cfg:         cfg,
		versions:    NewVersionManager(conn),
		transformer: NewSchemaTransformer(conn),
		converter:   NewDataConverter(conn, detector, parser),
		validator:   NewIntegrityValidator(conn),
		safety:      NewMigrationSafetyManager(conn, backups, cfg.Migration.CriticalStageErrorLimit),
		logger:      logrus.WithField("component", "migration_engine"),
	}
}

// SafetyManager 暴露安全管理器，供调用方查询迁移状态
func (e *Engine) SafetyManager() *MigrationSafetyManager {
	return e.safety
}

// Run 执行完整的升级流水线
// 已是目标版本时为无操作；unknown 版本拒绝迁移并报错
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	result := &Result{FinalVersion: VersionUnknown}

	recovered, err := e.safety.CheckAndRecover(ctx)
	if err != nil {
		return result, fmt.Errorf("%w: crash recovery: %v", ErrMigrationFailed, err)
	}
	result.RecoveredFromCrash = recovered

	info := e.versions.GetCurrentVersionInfo(ctx)
	result.SourceVersion = info.Version
	result.FinalVersion = info.Version

	switch info.Version {
	case VersionV2Normalized:
		result.Message = "database is already on the normalized schema"
		e.logger.Info(result.Message)
		return result, nil
	case VersionUnknown:
		return result, fmt.Errorf("%w: database schema is unrecognized: %s",
			ErrMigrationFailed, strings.Join(info.ValidationErrors, "; "))
	}

	safe, concerns := e.versions.CheckMigrationRequirements(ctx)
	if !safe {
		return result, fmt.Errorf("%w: migration requirements not met: %s",
			ErrMigrationFailed, strings.Join(concerns, "; "))
	}
	for _, concern := range concerns {
		e.logger.WithField("concern", concern).Warn("migration safety concern")
	}

	plan, err := e.transformer.CreateTransformationPlan(info, VersionV2Normalized)
	if err != nil {
		return result, fmt.Errorf("%w: planning: %v", ErrMigrationFailed, err)
	}

	state, err := e.safety.StartSafeMigration(info.Version, VersionV2Normalized)
	if err != nil {
		return result, err
	}
	result.MigrationID = state.MigrationID
	result.PerformedMigration = true

	if plan.RequiresBackup {
		e.safety.RequireBackupBefore(StageSchemaTransformation)
	}

	// 旧表内容的迁移前校验和，用于收尾阶段对比
	var beforeChecksums map[string]TableChecksum
	if info.Version == VersionV1Legacy {
		if checksum, err := e.validator.GenerateTableChecksum(ctx, LegacyDownloadsTable); err == nil {
			beforeChecksums = map[string]TableChecksum{LegacyDownloadsTable: *checksum}
		}
	}

	ok, message := e.safety.ExecuteStageWithSafety(ctx, StagePreparation, func(ctx context.Context, tx *sql.Tx) (bool, string) {
		if _, err := tx.ExecContext(ctx, createMigrationTrackingSQL); err != nil {
			return false, fmt.Sprintf("failed to create migration tracking table: %v", err)
		}
		return true, "migration tracking table ready"
	})
	if !ok {
		return e.failed(result, StagePreparation, message)
	}

	ok, message = e.safety.ExecuteStageWithSafety(ctx, StageSchemaValidation, func(ctx context.Context, tx *sql.Tx) (bool, string) {
		isSafe, planConcerns := e.transformer.ValidateTransformation(ctx, plan)
		if !isSafe {
			return false, "transformation plan is unsafe: " + strings.Join(planConcerns, "; ")
		}
		return true, "transformation plan validated"
	})
	if !ok {
		return e.failed(result, StageSchemaValidation, message)
	}

	ok, message = e.safety.ExecuteStageWithSafety(ctx, StageSchemaTransformation, func(ctx context.Context, tx *sql.Tx) (bool, string) {
		return e.transformer.Execute(ctx, tx, plan)
	})
	if !ok {
		return e.failed(result, StageSchemaTransformation, message)
	}

	var stats *ConversionStats
	ok, message = e.safety.ExecuteStageWithSafety(ctx, StageDataConversion, func(ctx context.Context, tx *sql.Tx) (bool, string) {
		if info.Version == VersionEmpty {
			return true, "empty database, no legacy data to convert"
		}
		var convOK bool
		var convMsg string
		convOK, convMsg, stats = e.converter.ExecuteDataConversion(ctx, tx)
		if convOK {
			for _, recordErr := range stats.Errors {
				e.safety.ReportRecoverableError(StageDataConversion, ErrorTypeData, recordErr)
			}
		}
		return convOK, convMsg
	})
	if !ok {
		return e.failed(result, StageDataConversion, message)
	}
	result.Stats = stats

	level, _ := ParseValidationLevel(e.cfg.Migration.ValidationLevel)
	var report *IntegrityReport
	ok, message = e.safety.ExecuteStageWithSafety(ctx, StageCleanup, func(ctx context.Context, tx *sql.Tx) (bool, string) {
		return e.runCleanup(ctx, tx, info, plan, beforeChecksums, stats, level, &report)
	})
	result.Report = report
	if !ok {
		return e.failed(result, StageCleanup, message)
	}

	description := fmt.Sprintf("upgrade %s to %s", info.Version, VersionV2Normalized)
	if err := e.safety.CompleteMigration(ctx, plan, description); err != nil {
		return result, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}

	result.FinalVersion = VersionV2Normalized
	result.Message = message
	return result, nil
}

// runCleanup 收尾阶段：完整性校验、旧表留存检查、校验和对比
// 任何失败级的校验项都会让该阶段失败并触发回滚
func (e *Engine) runCleanup(ctx context.Context, tx *sql.Tx, info *VersionInfo, plan *TransformationPlan,
	beforeChecksums map[string]TableChecksum, stats *ConversionStats, level ValidationLevel, reportOut **IntegrityReport) (bool, string) {

	report := e.validator.ValidateMigrationIntegrity(ctx, level, stats)
	*reportOut = report
	if report.FailedChecks > 0 {
		var failures []string
		for _, issue := range report.Issues {
			if issue.Severity == SeverityFailed {
				failures = append(failures, issue.Description)
			}
		}
		return false, "integrity validation failed: " + strings.Join(failures, "; ")
	}

	if info.Version == VersionV1Legacy {
		// 旧表必须以备份名留存，行数与迁移前一致
		exists, err := tableExists(ctx, tx, LegacyBackupTable)
		if err != nil || !exists {
			return false, fmt.Sprintf("legacy backup table %q was not preserved", LegacyBackupTable)
		}

		if before, ok := beforeChecksums[LegacyDownloadsTable]; ok {
			after, err := e.validator.GenerateTableChecksum(ctx, LegacyBackupTable)
			if err != nil {
				return false, fmt.Sprintf("cannot checksum preserved legacy table: %v", err)
			}
			// 重命名不改内容：旧表与迁移前的行内容哈希必须一致
			if after.ContentHash != before.ContentHash {
				return false, fmt.Sprintf("preserved legacy table content drifted (was %s, now %s)",
					before.ContentHash, after.ContentHash)
			}
			issues := e.validator.CompareChecksums(
				map[string]TableChecksum{LegacyBackupTable: before},
				map[string]TableChecksum{LegacyBackupTable: *after}, plan)
			for _, issue := range issues {
				if issue.Severity == SeverityFailed {
					return false, "checksum comparison failed: " + issue.Description
				}
			}
		}
	}

	return true, fmt.Sprintf("migration validated at %s level (%d checks, %d passed)",
		level, report.TotalChecks, report.PassedChecks)
}

// failed 迁移失败的统一收口
func (e *Engine) failed(result *Result, stage MigrationStage, message string) (*Result, error) {
	result.Message = message
	if state := e.safety.GetMigrationStatus(); state != nil {
		result.FinalVersion = e.versions.GetCurrentVersionInfo(context.Background()).Version
	}
	return result, fmt.Errorf("%w: %s stage: %s", ErrMigrationFailed, stage, message)
}
