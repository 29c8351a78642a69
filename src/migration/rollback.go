package migration

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/shin315/social-download-manager/src/database"
)

// RollbackAction 回滚计划中的单个动作
type RollbackAction string

const (
	// ActionRestoreBackup 用最近的备份覆盖恢复数据库文件
	ActionRestoreBackup RollbackAction = "restore_backup"
	// ActionReleaseLock 释放迁移锁
	ActionReleaseLock RollbackAction = "release_lock"
	// ActionCleanBookkeeping 清除迁移跟踪表中未完成的记账行
	ActionCleanBookkeeping RollbackAction = "clean_bookkeeping"
	// ActionManual 没有可用备份，只能人工处理
	ActionManual RollbackAction = "manual"
)

// RollbackPlan 按迁移状态生成的回滚计划
type RollbackPlan struct {
	MigrationID string           `json:"migration_id"`
	FromStage   MigrationStage   `json:"from_stage"`
	Actions     []RollbackAction `json:"actions"`
	BackupPath  string           `json:"backup_path,omitempty"`
	// ManualSteps 无备份时给操作者的指引
	ManualSteps []string `json:"manual_steps,omitempty"`
}

// RollbackManager 回滚管理器
// 回滚是尽力而为的：单个动作失败不阻止后续动作执行
type RollbackManager struct {
	conn    *database.Connection
	backups *BackupManager
	locks   *LockManager
	logger  *logrus.Entry
}

// NewRollbackManager 创建回滚管理器
func NewRollbackManager(conn *database.Connection, backups *BackupManager, locks *LockManager) *RollbackManager {
	return &RollbackManager{
		conn:    conn,
		backups: backups,
		locks:   locks,
		logger:  logrus.WithField("component", "rollback_manager"),
	}
}

// CreateRollbackPlan 按当前阶段生成回滚计划
//   - 准备/模式校验阶段：结构未被改写，清除未完成的记账行并释放锁
//   - 模式变换/数据转换/清理阶段：恢复阶段前备份；没有备份时降级为人工指引
//   - 终态：无计划可生成
func (m *RollbackManager) CreateRollbackPlan(state *MigrationState) (*RollbackPlan, error) {
	if state == nil {
		return nil, fmt.Errorf("cannot create rollback plan: no migration state")
	}
	if state.CurrentStage.IsTerminal() {
		return nil, fmt.Errorf("cannot create rollback plan: migration %s already in terminal stage %s",
			state.MigrationID, state.CurrentStage)
	}

	plan := &RollbackPlan{
		MigrationID: state.MigrationID,
		FromStage:   state.CurrentStage,
	}

	switch state.CurrentStage {
	case StagePreparation, StageSchemaValidation:
		// 结构尚未变换，最多只有准备阶段留下的记账行需要清除
		plan.Actions = []RollbackAction{ActionCleanBookkeeping, ActionReleaseLock}
	default:
		backupPath := latestBackupPath(state)
		if backupPath == "" {
			plan.Actions = []RollbackAction{ActionManual, ActionReleaseLock}
			plan.ManualSteps = []string{
				"no backup was recorded for this migration",
				fmt.Sprintf("inspect table %q: if present, legacy data is intact and can be restored by renaming it back to %q",
					LegacyBackupTable, LegacyDownloadsTable),
				"drop partially created normalized tables before retrying the migration",
			}
		} else {
			plan.Actions = []RollbackAction{ActionRestoreBackup, ActionReleaseLock}
			plan.BackupPath = backupPath
		}
	}

	return plan, nil
}

// ExecuteRollback 执行回滚计划，返回 (是否成功, 人类可读消息)
// 恢复备份后重新打开数据库连接；锁释放失败只记日志
func (m *RollbackManager) ExecuteRollback(ctx context.Context, state *MigrationState) (bool, string) {
	plan, err := m.CreateRollbackPlan(state)
	if err != nil {
		return false, fmt.Sprintf("rollback plan creation failed: %v", err)
	}

	logger := m.logger.WithFields(logrus.Fields{
		"migration_id": state.MigrationID,
		"from_stage":   state.CurrentStage.String(),
	})
	logger.Warn("executing rollback")

	success := true
	message := ""

	for _, action := range plan.Actions {
		select {
		case <-ctx.Done():
			return false, fmt.Sprintf("rollback interrupted: %v", ctx.Err())
		default:
		}

		switch action {
		case ActionCleanBookkeeping:
			if err := m.cleanBookkeeping(ctx); err != nil {
				success = false
				message = fmt.Sprintf("bookkeeping cleanup failed: %v", err)
				logger.WithError(err).Error("failed to clean migration bookkeeping")
				continue
			}
			message = "no structural changes were written, migration bookkeeping cleaned"

		case ActionRestoreBackup:
			restored, err := m.backups.RestoreFromBackup(plan.BackupPath)
			if err != nil {
				success = false
				message = fmt.Sprintf("backup restore failed: %v", err)
				logger.WithError(err).Error("backup restore failed during rollback")
				continue
			}
			if !restored {
				success = false
				message = fmt.Sprintf("backup %s is missing, database left as-is", plan.BackupPath)
				logger.WithField("backup", plan.BackupPath).Error("backup missing during rollback")
				continue
			}
			if err := m.conn.Reopen(); err != nil {
				success = false
				message = fmt.Sprintf("database restored but reopen failed: %v", err)
				logger.WithError(err).Error("failed to reopen database after restore")
				continue
			}
			message = fmt.Sprintf("database restored from %s", plan.BackupPath)

		case ActionManual:
			success = false
			message = "no backup available, manual intervention required: " + plan.ManualSteps[1]
			logger.Error("rollback requires manual intervention, no backup recorded")

		case ActionReleaseLock:
			if err := m.locks.Release(); err != nil {
				logger.WithError(err).Warn("failed to release migration lock during rollback")
			}
		}
	}

	state.CurrentStage = StageRolledBack
	if success {
		logger.Info("rollback completed")
	}
	return success, message
}

// cleanBookkeeping 删除跟踪表里未完成的迁移记账行
// 跟踪表可能还没建立（准备阶段失败时其事务已回滚），此时无事可做
func (m *RollbackManager) cleanBookkeeping(ctx context.Context) error {
	var count int
	err := m.conn.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, MigrationTrackingTable).Scan(&count)
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	_, err = m.conn.DB().ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %q WHERE status <> 'completed'`, MigrationTrackingTable))
	return err
}

// latestBackupPath 取迁移状态里记录的最后一个备份
func latestBackupPath(state *MigrationState) string {
	if len(state.BackupPaths) == 0 {
		return ""
	}
	return state.BackupPaths[len(state.BackupPaths)-1]
}
