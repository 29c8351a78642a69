package configs

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Database 数据库配置
type Database struct {
	// Path 数据库文件路径
	Path string `yaml:"path" json:"path"`
	// BusyTimeoutMs SQLite busy_timeout，单位毫秒
	BusyTimeoutMs int `yaml:"busy_timeout_ms" json:"busy_timeout_ms"`
}

var defaultDatabase = Database{
	Path:          "downloads.db",
	BusyTimeoutMs: 5000,
}

func (d *Database) verify() error {
	if d == nil {
		return nil
	}
	if d.Path == "" {
		return fmt.Errorf("数据库路径不能为空")
	}
	if d.BusyTimeoutMs < 0 {
		return fmt.Errorf("busy_timeout_ms 不能为负数")
	}
	return nil
}

// Backup 备份配置
type Backup struct {
	// Dir 备份文件目录，为空时使用数据库所在目录下的 backups 子目录
	Dir string `yaml:"dir" json:"dir"`
	// KeepCount 保留的备份数量
	KeepCount int `yaml:"keep_count" json:"keep_count"`
}

var defaultBackup = Backup{
	Dir:       "",
	KeepCount: 5,
}

func (b *Backup) verify() error {
	if b == nil {
		return nil
	}
	if b.KeepCount < 1 {
		return fmt.Errorf("备份保留数量至少为 1")
	}
	return nil
}

// Migration 迁移配置
type Migration struct {
	// CriticalStageErrorLimit 关键阶段（模式变换、数据转换）允许累积的可恢复错误数
	// 达到该值时视为致命并触发回滚
	CriticalStageErrorLimit int `yaml:"critical_stage_error_limit" json:"critical_stage_error_limit"`
	// ValidationLevel 完成迁移后执行的校验级别
	// 可选值: "basic", "standard", "comprehensive", "paranoid"
	ValidationLevel string `yaml:"validation_level" json:"validation_level"`
	// PlatformCacheSize 平台识别结果缓存大小
	PlatformCacheSize int `yaml:"platform_cache_size" json:"platform_cache_size"`
}

var defaultMigration = Migration{
	CriticalStageErrorLimit: 3,
	ValidationLevel:         "comprehensive",
	PlatformCacheSize:       1024,
}

func (m *Migration) verify() error {
	if m == nil {
		return nil
	}
	if m.CriticalStageErrorLimit < 1 {
		return fmt.Errorf("关键阶段错误上限至少为 1")
	}
	switch m.ValidationLevel {
	case "basic", "standard", "comprehensive", "paranoid":
	default:
		return fmt.Errorf("无效的校验级别: %q", m.ValidationLevel)
	}
	if m.PlatformCacheSize < 1 {
		return fmt.Errorf("平台缓存大小至少为 1")
	}
	return nil
}

// Log 日志配置
type Log struct {
	// OutPutFolder 日志输出目录，为空时仅输出到 stderr
	OutPutFolder string `yaml:"out_put_folder" json:"out_put_folder"`
}

// Config 全局配置
type Config struct {
	File      string    `yaml:"-" json:"-"`
	Debug     bool      `yaml:"debug" json:"debug"`
	Database  Database  `yaml:"database" json:"database"`
	Backup    Backup    `yaml:"backup" json:"backup"`
	Migration Migration `yaml:"migration" json:"migration"`
	Log       Log       `yaml:"log" json:"log"`
}

var defaultConfig = Config{
	Debug:     false,
	Database:  defaultDatabase,
	Backup:    defaultBackup,
	Migration: defaultMigration,
}

// NewConfig 返回默认配置
func NewConfig() *Config {
	config := defaultConfig
	return &config
}

// NewConfigWithBytes 从 yaml 字节创建配置，未设置的字段使用默认值
func NewConfigWithBytes(b []byte) (*Config, error) {
	config := defaultConfig
	if err := yaml.Unmarshal(b, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// NewConfigWithFile 从配置文件创建配置
func NewConfigWithFile(file string) (*Config, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf(`无法读取配置文件 "%s": %w`, file, err)
	}
	config, err := NewConfigWithBytes(b)
	if err != nil {
		return nil, err
	}
	config.File = file
	return config, nil
}

// Verify 校验配置
func (c *Config) Verify() error {
	if c == nil {
		return fmt.Errorf("配置不存在")
	}
	if err := c.Database.verify(); err != nil {
		return err
	}
	if err := c.Backup.verify(); err != nil {
		return err
	}
	if err := c.Migration.verify(); err != nil {
		return err
	}
	if c.Log.OutPutFolder != "" {
		if _, err := os.Stat(c.Log.OutPutFolder); err != nil {
			return fmt.Errorf(`日志输出目录 "%s" 不存在`, c.Log.OutPutFolder)
		}
	}
	return nil
}

// BackupDir 返回生效的备份目录
func (c *Config) BackupDir() string {
	if c.Backup.Dir != "" {
		return c.Backup.Dir
	}
	return filepath.Join(filepath.Dir(c.Database.Path), "backups")
}
