package migration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// LockFileExtension 锁文件扩展名
	LockFileExtension = ".migration.lock"
)

// LockInfo 锁文件内容，记录持锁迁移的关键信息供崩溃恢复使用
type LockInfo struct {
	MigrationID   string          `json:"migration_id"`
	DBPath        string          `json:"db_path"`
	BackupPath    string          `json:"backup_path"`
	StartTime     string          `json:"start_time"`
	SourceVersion DatabaseVersion `json:"source_version"`
	TargetVersion DatabaseVersion `json:"target_version"`
	PID           int             `json:"pid"`
}

// LockManager 跨进程迁移锁管理器，同一数据库同时只允许一个迁移
type LockManager struct {
	dbPath   string
	lockPath string
}

// NewLockManager 创建锁管理器
func NewLockManager(dbPath string) *LockManager {
	return &LockManager{
		dbPath:   dbPath,
		lockPath: dbPath + LockFileExtension,
	}
}

// GetLockPath 获取锁文件路径
func (m *LockManager) GetLockPath() string {
	return m.lockPath
}

// Acquire 获取锁
func (m *LockManager) Acquire(info *LockInfo) error {
	if m.IsLocked() {
		existingInfo, err := m.GetLockInfo()
		if err != nil {
			return fmt.Errorf("%w: lock file exists but cannot be read: %v", ErrLocked, err)
		}
		return fmt.Errorf("%w: migration %s started at %s (PID: %d)",
			ErrLocked, existingInfo.MigrationID, existingInfo.StartTime, existingInfo.PID)
	}

	if err := os.MkdirAll(filepath.Dir(m.lockPath), 0755); err != nil {
		return fmt.Errorf("failed to create lock file directory: %w", err)
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock info: %w", err)
	}

	if err := os.WriteFile(m.lockPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}

	return nil
}

// Update 覆盖写入锁文件，用于迁移中途更新备份路径
func (m *LockManager) Update(info *LockInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock info: %w", err)
	}
	if err := os.WriteFile(m.lockPath, data, 0644); err != nil {
		return fmt.Errorf("failed to update lock file: %w", err)
	}
	return nil
}

// Release 释放锁
func (m *LockManager) Release() error {
	if !m.IsLocked() {
		return nil
	}
	if err := os.Remove(m.lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// IsLocked 检查是否被锁定
func (m *LockManager) IsLocked() bool {
	_, err := os.Stat(m.lockPath)
	return err == nil
}

// GetLockInfo 读取锁信息
func (m *LockManager) GetLockInfo() (*LockInfo, error) {
	data, err := os.ReadFile(m.lockPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read lock file: %w", err)
	}

	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lock info: %w", err)
	}

	return &info, nil
}

// CreateLockInfo 创建锁信息
func CreateLockInfo(migrationID, dbPath string, source, target DatabaseVersion) *LockInfo {
	return &LockInfo{
		MigrationID:   migrationID,
		DBPath:        dbPath,
		StartTime:     time.Now().Format(time.RFC3339),
		SourceVersion: source,
		TargetVersion: target,
		PID:           os.Getpid(),
	}
}
