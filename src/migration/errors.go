package migration

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

var (
	// ErrMigrationFailed 迁移失败错误
	ErrMigrationFailed = errors.New("migration failed")
	// ErrRollbackFailed 回滚失败错误
	ErrRollbackFailed = errors.New("rollback failed")
	// ErrLocked 数据库被其他迁移锁定
	ErrLocked = errors.New("database is locked by another migration")
	// ErrNoBackup 无备份可回滚
	ErrNoBackup = errors.New("no backup available for rollback")
	// ErrCyclicDependency 变换步骤依赖成环
	ErrCyclicDependency = errors.New("cyclic dependency in transformation plan")
	// ErrMigrationActive 已有迁移在进行中
	ErrMigrationActive = errors.New("another migration is already active")
)

// ErrorType 迁移错误分类
type ErrorType string

const (
	// ErrorTypeConnection 连接/SQL 层错误（来自协作方，仅向上传播）
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeSchema 模式错误（无效 DDL 或变换计划）
	ErrorTypeSchema ErrorType = "schema"
	// ErrorTypeData 数据转换错误
	ErrorTypeData ErrorType = "data"
	// ErrorTypeIntegrity 完整性校验错误
	ErrorTypeIntegrity ErrorType = "integrity"
	// ErrorTypeInternal 引擎内部错误
	ErrorTypeInternal ErrorType = "internal"
)

// MigrationError 贯穿安全管理器的统一迁移错误
type MigrationError struct {
	// Stage 发生错误的阶段
	Stage MigrationStage `json:"stage"`
	// Type 错误分类
	Type ErrorType `json:"type"`
	// Message 错误信息
	Message string `json:"message"`
	// Recoverable 是否可恢复（可恢复错误记录后继续，不触发回滚）
	Recoverable bool `json:"recoverable"`
	// Err 被包装的底层错误
	Err error `json:"-"`
}

func (e *MigrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s/%s] %s: %v", e.Stage, e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s/%s] %s", e.Stage, e.Type, e.Message)
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}

// NewMigrationError 创建迁移错误
func NewMigrationError(stage MigrationStage, errType ErrorType, message string, recoverable bool) *MigrationError {
	return &MigrationError{
		Stage:       stage,
		Type:        errType,
		Message:     message,
		Recoverable: recoverable,
	}
}

// WrapMigrationError 将任意错误包装为迁移错误
// 如果 err 本身已经是 *MigrationError 则原样返回
func WrapMigrationError(stage MigrationStage, errType ErrorType, err error, recoverable bool) *MigrationError {
	var me *MigrationError
	if errors.As(err, &me) {
		return me
	}
	return &MigrationError{
		Stage:       stage,
		Type:        errType,
		Message:     err.Error(),
		Recoverable: recoverable,
		Err:         err,
	}
}

// DefaultCriticalStageErrorLimit 关键阶段可恢复错误数的默认上限
// 该阈值可通过配置覆盖
const DefaultCriticalStageErrorLimit = 3

// ErrorHandler 错误分类器，决定记录后继续还是停止并回滚
type ErrorHandler struct {
	criticalStageErrorLimit int
	logger                  *logrus.Entry
}

// NewErrorHandler 创建错误分类器
// limit 小于 1 时使用默认上限
func NewErrorHandler(limit int) *ErrorHandler {
	if limit < 1 {
		limit = DefaultCriticalStageErrorLimit
	}
	return &ErrorHandler{
		criticalStageErrorLimit: limit,
		logger:                  logrus.WithField("component", "error_handler"),
	}
}

// 错误处理动作
const (
	ActionContinue = "continue"
	ActionRollback = "rollback"
)

// HandleError 处理单个阶段错误
// 可恢复错误记录日志后继续，不可恢复错误要求停止
func (h *ErrorHandler) HandleError(err *MigrationError, state *MigrationState) (shouldContinue bool, action string) {
	fields := logrus.Fields{
		"stage":       err.Stage.String(),
		"error_type":  string(err.Type),
		"recoverable": err.Recoverable,
	}
	if state != nil {
		fields["migration_id"] = state.MigrationID
	}

	if err.Recoverable {
		h.logger.WithFields(fields).WithError(err).Warn("recoverable migration error, continuing")
		return true, ActionContinue
	}
	h.logger.WithFields(fields).WithError(err).Error("non-recoverable migration error")
	return false, ActionRollback
}

// ShouldRollback 判断累积的错误是否应当触发回滚
// 规则：空列表不回滚；全部可恢复不回滚；任一不可恢复错误回滚；
// 关键阶段内累积达到上限的可恢复错误也视为致命
func (h *ErrorHandler) ShouldRollback(errs []*MigrationError, currentStage MigrationStage) bool {
	if len(errs) == 0 {
		return false
	}
	for _, err := range errs {
		if !err.Recoverable {
			return true
		}
	}
	if currentStage.IsCritical() && len(errs) >= h.criticalStageErrorLimit {
		h.logger.WithFields(logrus.Fields{
			"stage": currentStage.String(),
			"count": len(errs),
			"limit": h.criticalStageErrorLimit,
		}).Warn("too many recoverable errors in critical stage, treating as fatal")
		return true
	}
	return false
}
