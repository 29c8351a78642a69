package migration

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

const (
	// backupSuffix 备份文件后缀格式：.backup_<时间戳>_<迁移ID前缀>
	backupSuffix = ".backup_%s_%s"
	// DefaultBackupKeepCount 默认保留备份数量
	DefaultBackupKeepCount = 5
)

// BackupManager 数据库文件备份管理器
// 备份放在独立目录中，文件名内嵌时间戳，字典序倒排即最新在前
type BackupManager struct {
	dbPath    string
	backupDir string
	keepCount int
	logger    *logrus.Entry
}

// NewBackupManager 创建备份管理器
func NewBackupManager(dbPath, backupDir string, keepCount int) *BackupManager {
	if backupDir == "" {
		backupDir = filepath.Join(filepath.Dir(dbPath), "backups")
	}
	if keepCount <= 0 {
		keepCount = DefaultBackupKeepCount
	}
	return &BackupManager{
		dbPath:    dbPath,
		backupDir: backupDir,
		keepCount: keepCount,
		logger:    logrus.WithField("component", "backup_manager"),
	}
}

// CreateFullBackup 为指定迁移创建完整数据库备份
// 源数据库不存在属于调用方错误，直接返回错误而不是静默跳过
func (m *BackupManager) CreateFullBackup(migrationID string) (string, error) {
	info, err := os.Stat(m.dbPath)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("%w: source database %s does not exist", ErrNoBackup, m.dbPath)
	}
	if err != nil {
		return "", fmt.Errorf("failed to stat source database: %w", err)
	}

	if err := os.MkdirAll(m.backupDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	idPart := migrationID
	if len(idPart) > 8 {
		idPart = idPart[:8]
	}
	backupPath := filepath.Join(m.backupDir,
		filepath.Base(m.dbPath)+fmt.Sprintf(backupSuffix, timestamp, idPart))

	if err := copyFile(m.dbPath, backupPath); err != nil {
		return "", fmt.Errorf("failed to create backup: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"backup": backupPath,
		"size":   humanize.Bytes(uint64(info.Size())),
	}).Info("database backup created")

	// 清理旧备份（清理失败不影响主流程）
	if _, err := m.CleanupOldBackups(m.keepCount); err != nil {
		m.logger.WithError(err).Warn("failed to clean up old backups")
	}

	return backupPath, nil
}

// VerifyBackup 校验备份文件可读且非空
func (m *BackupManager) VerifyBackup(backupPath string) error {
	info, err := os.Stat(backupPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNoBackup, backupPath)
	}
	if err != nil {
		return fmt.Errorf("failed to stat backup: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("backup file %s is empty", backupPath)
	}
	f, err := os.Open(backupPath)
	if err != nil {
		return fmt.Errorf("backup file %s is not readable: %w", backupPath, err)
	}
	return f.Close()
}

// RestoreFromBackup 从备份覆盖恢复数据库文件
// 备份路径缺失返回 (false, nil)，属于预期失败而非异常；
// 恢复之后调用方必须重新打开数据库连接
func (m *BackupManager) RestoreFromBackup(backupPath string) (bool, error) {
	if backupPath == "" {
		return false, nil
	}
	if _, err := os.Stat(backupPath); os.IsNotExist(err) {
		m.logger.WithField("backup", backupPath).Warn("backup file not found, cannot restore")
		return false, nil
	}

	if _, err := os.Stat(m.dbPath); err == nil {
		if err := os.Remove(m.dbPath); err != nil {
			return false, fmt.Errorf("failed to remove current database: %w", err)
		}
	}

	if err := copyFile(backupPath, m.dbPath); err != nil {
		return false, fmt.Errorf("failed to restore from backup: %w", err)
	}

	m.logger.WithField("backup", backupPath).Info("database restored from backup")
	return true, nil
}

// RemoveBackup 删除指定备份文件
func (m *BackupManager) RemoveBackup(backupPath string) error {
	if backupPath == "" {
		return nil
	}
	if err := os.Remove(backupPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove backup: %w", err)
	}
	return nil
}

// ListBackups 列出当前数据库的所有备份，最新在前
func (m *BackupManager) ListBackups() ([]string, error) {
	pattern := filepath.Base(m.dbPath) + ".backup_"

	entries, err := os.ReadDir(m.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var backups []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), pattern) {
			backups = append(backups, filepath.Join(m.backupDir, entry.Name()))
		}
	}

	// 时间戳在文件名里，字典序倒排即按时间倒排
	sort.Slice(backups, func(i, j int) bool {
		return backups[i] > backups[j]
	})

	return backups, nil
}

// GetLatestBackup 获取最新备份，没有备份时返回空串
func (m *BackupManager) GetLatestBackup() (string, error) {
	backups, err := m.ListBackups()
	if err != nil {
		return "", err
	}
	if len(backups) == 0 {
		return "", nil
	}
	return backups[0], nil
}

// CleanupOldBackups 清理旧备份，保留最近 keepCount 个，返回被删除的路径
func (m *BackupManager) CleanupOldBackups(keepCount int) ([]string, error) {
	if keepCount <= 0 {
		keepCount = m.keepCount
	}
	backups, err := m.ListBackups()
	if err != nil {
		return nil, err
	}
	if len(backups) <= keepCount {
		return nil, nil
	}

	var removed []string
	for _, backup := range backups[keepCount:] {
		if err := os.Remove(backup); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to remove old backup %s: %w", backup, err)
		}
		removed = append(removed, backup)
	}
	return removed, nil
}

// copyFile 复制文件并落盘
func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		os.Remove(dst)
		return err
	}

	return dstFile.Sync()
}
