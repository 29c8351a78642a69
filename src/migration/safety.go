package migration

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"

	"github.com/shin315/social-download-manager/src/database"
)

// StageFunc 阶段操作，在单个事务内执行
// 返回值语义：(是否成功, 人类可读消息)；预期内的领域失败通过 false 表达
type StageFunc func(ctx context.Context, tx *sql.Tx) (bool, string)

// stageOrder 阶段推进顺序
var stageOrder = map[MigrationStage]MigrationStage{
	StagePreparation:          StageSchemaValidation,
	StageSchemaValidation:     StageSchemaTransformation,
	StageSchemaTransformation: StageDataConversion,
	StageDataConversion:       StageCleanup,
	StageCleanup:              StageCompleted,
}

// MigrationSafetyManager 迁移安全管理器
// 串联锁、备份、阶段推进、错误分类与回滚；一个阶段一个事务
type MigrationSafetyManager struct {
	mu sync.Mutex

	conn      *database.Connection
	versions  *VersionManager
	backups   *BackupManager
	locks     *LockManager
	rollbacks *RollbackManager
	handler   *ErrorHandler
	logger    *logrus.Entry

	state       *MigrationState
	stageErrors map[MigrationStage][]*MigrationError
	// backupStages 执行前需要文件级备份的阶段（由变换计划决定）
	backupStages map[MigrationStage]bool
}

// NewMigrationSafetyManager 创建迁移安全管理器
func NewMigrationSafetyManager(conn *database.Connection, backups *BackupManager, criticalStageErrorLimit int) *MigrationSafetyManager {
	locks := NewLockManager(conn.Path())
	return &MigrationSafetyManager{
		conn:         conn,
		versions:     NewVersionManager(conn),
		backups:      backups,
		locks:        locks,
		rollbacks:    NewRollbackManager(conn, backups, locks),
		handler:      NewErrorHandler(criticalStageErrorLimit),
		logger:       logrus.WithField("component", "migration_safety_manager"),
		stageErrors:  map[MigrationStage][]*MigrationError{},
		backupStages: map[MigrationStage]bool{},
	}
}

// StartSafeMigration 开始一次受保护的迁移
// 同一管理器同时只允许一个活动迁移；跨进程互斥由锁文件保证
func (m *MigrationSafetyManager) StartSafeMigration(source, target DatabaseVersion) (*MigrationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != nil && !m.state.CurrentStage.IsTerminal() {
		return nil, fmt.Errorf("%w: migration %s is in stage %s",
			ErrMigrationActive, m.state.MigrationID, m.state.CurrentStage)
	}

	migrationID := uuid.Must(uuid.NewV4()).String()
	if err := m.locks.Acquire(CreateLockInfo(migrationID, m.conn.Path(), source, target)); err != nil {
		return nil, err
	}

	m.state = &MigrationState{
		MigrationID:   migrationID,
		SourceVersion: source,
		TargetVersion: target,
		CurrentStage:  StagePreparation,
		StartedAt:     time.Now(),
	}
	m.stageErrors = map[MigrationStage][]*MigrationError{}
	m.backupStages = map[MigrationStage]bool{}

	m.logger.WithFields(logrus.Fields{
		"migration_id": migrationID,
		"source":       string(source),
		"target":       string(target),
	}).Info("migration started")

	return m.snapshotLocked(), nil
}

// RequireBackupBefore 标记某阶段执行前必须先做文件级备份
// 在准备阶段根据变换计划的 requires_backup 调用
func (m *MigrationSafetyManager) RequireBackupBefore(stages ...MigrationStage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, stage := range stages {
		m.backupStages[stage] = true
	}
}

// ExecuteStageWithSafety 在安全保护下执行一个迁移阶段
// 没有活动迁移时 panic：这是调用方的编程错误而非运行时条件。
// 阶段成功则推进到下一阶段；失败时按错误分类决定是否回滚
func (m *MigrationSafetyManager) ExecuteStageWithSafety(ctx context.Context, stage MigrationStage, fn StageFunc) (bool, string) {
	m.mu.Lock()
	if m.state == nil || m.state.CurrentStage.IsTerminal() {
		m.mu.Unlock()
		panic("migration: ExecuteStageWithSafety called without an active migration")
	}
	if stage != m.state.CurrentStage {
		current := m.state.CurrentStage
		m.mu.Unlock()
		return false, fmt.Sprintf("stage order violation: cannot execute %s while migration is in %s", stage, current)
	}
	state := m.state
	m.mu.Unlock()

	logger := m.logger.WithFields(logrus.Fields{
		"migration_id": state.MigrationID,
		"stage":        stage.String(),
	})

	if m.backupRequired(stage) {
		backupPath, err := m.backups.CreateFullBackup(state.MigrationID)
		if err != nil {
			merr := WrapMigrationError(stage, ErrorTypeInternal,
				fmt.Errorf("pre-stage backup failed: %w", err), false)
			return m.failStage(ctx, stage, merr)
		}
		m.mu.Lock()
		state.BackupPaths = append(state.BackupPaths, backupPath)
		m.mu.Unlock()
		m.updateLockBackup(state, backupPath)
		logger.WithField("backup", backupPath).Info("pre-stage backup created")
	}

	var ok bool
	var message string
	err := m.conn.WithTransaction(ctx, func(tx *sql.Tx) error {
		ok, message = fn(ctx, tx)
		if !ok {
			return fmt.Errorf("%w: %s stage reported failure: %s", ErrMigrationFailed, stage, message)
		}
		return nil
	})
	if err != nil {
		merr := WrapMigrationError(stage, classifyStageError(stage), err, false)
		return m.failStage(ctx, stage, merr)
	}

	// 阶段内上报的可恢复错误累积到阈值同样触发回滚
	m.mu.Lock()
	errs := m.stageErrors[stage]
	m.mu.Unlock()
	if m.handler.ShouldRollback(errs, stage) {
		merr := NewMigrationError(stage, ErrorTypeData,
			fmt.Sprintf("%d recoverable errors accumulated in critical stage", len(errs)), false)
		return m.failStage(ctx, stage, merr)
	}

	m.mu.Lock()
	m.state.CurrentStage = stageOrder[stage]
	next := m.state.CurrentStage
	m.mu.Unlock()

	logger.WithField("next_stage", next.String()).Info("stage completed")
	return true, message
}

// ReportRecoverableError 上报阶段内的可恢复错误
// 记录日志并累积计数，由 ExecuteStageWithSafety 在阶段收尾时统一裁决
func (m *MigrationSafetyManager) ReportRecoverableError(stage MigrationStage, errType ErrorType, message string) {
	merr := NewMigrationError(stage, errType, message, true)

	m.mu.Lock()
	m.stageErrors[stage] = append(m.stageErrors[stage], merr)
	state := m.state
	m.mu.Unlock()

	m.handler.HandleError(merr, state)
}

// failStage 阶段失败的统一处理：分类、裁决、回滚
func (m *MigrationSafetyManager) failStage(ctx context.Context, stage MigrationStage, merr *MigrationError) (bool, string) {
	m.mu.Lock()
	m.stageErrors[stage] = append(m.stageErrors[stage], merr)
	errs := m.stageErrors[stage]
	state := m.state
	m.mu.Unlock()

	shouldContinue, _ := m.handler.HandleError(merr, state)
	if shouldContinue && !m.handler.ShouldRollback(errs, stage) {
		return false, merr.Message
	}

	rolledBack, rollbackMsg := m.rollbacks.ExecuteRollback(ctx, state)
	if !rolledBack {
		return false, fmt.Sprintf("%s; rollback also failed: %s", merr.Message, rollbackMsg)
	}
	return false, fmt.Sprintf("%s; %s", merr.Message, rollbackMsg)
}

// CompleteMigration 完成迁移：写入跟踪记录、释放锁、进入终态
func (m *MigrationSafetyManager) CompleteMigration(ctx context.Context, plan *TransformationPlan, description string) error {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	if state == nil || state.CurrentStage != StageCompleted {
		stage := MigrationStage(-1)
		if state != nil {
			stage = state.CurrentStage
		}
		return fmt.Errorf("cannot complete migration: current stage is %s, want %s", stage, StageCompleted)
	}

	checksum := ""
	if plan != nil {
		checksum = plan.Checksum()
	}
	durationMs := time.Since(state.StartedAt).Milliseconds()

	_, err := m.conn.DB().ExecContext(ctx, `
		INSERT INTO schema_migrations (version, description, checksum, status, executed_at, duration_ms)
		VALUES (?, ?, ?, 'completed', ?, ?)
	`, string(state.TargetVersion), description, checksum,
		time.Now().Format("2006-01-02 15:04:05"), durationMs)
	if err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := m.locks.Release(); err != nil {
		m.logger.WithError(err).Warn("failed to release migration lock")
	}

	m.logger.WithFields(logrus.Fields{
		"migration_id": state.MigrationID,
		"duration_ms":  durationMs,
	}).Info("migration completed")
	return nil
}

// GetMigrationStatus 返回当前迁移状态的快照，没有活动迁移时返回 nil
func (m *MigrationSafetyManager) GetMigrationStatus() *MigrationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// CheckAndRecover 启动时的崩溃恢复
// 残留锁文件意味着上次迁移中断：恢复记录的备份并释放锁
func (m *MigrationSafetyManager) CheckAndRecover(ctx context.Context) (bool, error) {
	if !m.locks.IsLocked() {
		return false, nil
	}

	info, err := m.locks.GetLockInfo()
	if err != nil {
		// 锁文件损坏：数据库状态未知，只清锁，交给版本检测判断
		m.logger.WithError(err).Warn("stale lock file is unreadable, removing it")
		return false, m.locks.Release()
	}

	logger := m.logger.WithFields(logrus.Fields{
		"migration_id": info.MigrationID,
		"started_at":   info.StartTime,
		"pid":          info.PID,
	})
	logger.Warn("found interrupted migration, recovering")

	if info.BackupPath != "" {
		restored, err := m.backups.RestoreFromBackup(info.BackupPath)
		if err != nil {
			return false, fmt.Errorf("crash recovery failed: %w", err)
		}
		if restored {
			if err := m.conn.Reopen(); err != nil {
				return false, fmt.Errorf("crash recovery: reopen after restore failed: %w", err)
			}
			logger.WithField("backup", info.BackupPath).Info("database restored after interrupted migration")
		} else {
			logger.WithField("backup", info.BackupPath).Warn("recorded backup is missing, database left as-is")
		}
	}

	if err := m.locks.Release(); err != nil {
		return false, fmt.Errorf("crash recovery: failed to release stale lock: %w", err)
	}
	return true, nil
}

// AbortMigration 主动放弃当前迁移并回滚
func (m *MigrationSafetyManager) AbortMigration(ctx context.Context, reason string) (bool, string) {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	if state == nil || state.CurrentStage.IsTerminal() {
		return false, "no active migration to abort"
	}
	m.logger.WithFields(logrus.Fields{
		"migration_id": state.MigrationID,
		"reason":       reason,
	}).Warn("aborting migration")
	return m.rollbacks.ExecuteRollback(ctx, state)
}

func (m *MigrationSafetyManager) backupRequired(stage MigrationStage) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backupStages[stage]
}

// updateLockBackup 把最新备份路径写回锁文件，供崩溃恢复使用
func (m *MigrationSafetyManager) updateLockBackup(state *MigrationState, backupPath string) {
	info, err := m.locks.GetLockInfo()
	if err != nil {
		m.logger.WithError(err).Warn("cannot read lock file to record backup path")
		return
	}
	info.BackupPath = backupPath
	if err := m.locks.Update(info); err != nil {
		m.logger.WithError(err).Warn("cannot update lock file with backup path")
	}
}

// snapshotLocked 复制迁移状态，调用方不能改写内部状态
func (m *MigrationSafetyManager) snapshotLocked() *MigrationState {
	if m.state == nil {
		return nil
	}
	snapshot := *m.state
	snapshot.BackupPaths = append([]string(nil), m.state.BackupPaths...)
	return &snapshot
}

// classifyStageError 按阶段归类错误
func classifyStageError(stage MigrationStage) ErrorType {
	switch stage {
	case StageSchemaTransformation, StageSchemaValidation:
		return ErrorTypeSchema
	case StageDataConversion:
		return ErrorTypeData
	case StageCleanup:
		return ErrorTypeIntegrity
	default:
		return ErrorTypeInternal
	}
}
