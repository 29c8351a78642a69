package configs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_Defaults(t *testing.T) {
	config := NewConfig()
	require.NoError(t, config.Verify())

	assert.Equal(t, "downloads.db", config.Database.Path)
	assert.Equal(t, 5000, config.Database.BusyTimeoutMs)
	assert.Equal(t, 5, config.Backup.KeepCount)
	assert.Equal(t, 3, config.Migration.CriticalStageErrorLimit)
	assert.Equal(t, "comprehensive", config.Migration.ValidationLevel)
	assert.False(t, config.Debug)
}

func TestNewConfigWithBytes(t *testing.T) {
	config, err := NewConfigWithBytes([]byte(`
debug: true
database:
  path: /data/sdm.db
migration:
  critical_stage_error_limit: 10
  validation_level: paranoid
`))
	require.NoError(t, err)
	require.NoError(t, config.Verify())

	assert.True(t, config.Debug)
	assert.Equal(t, "/data/sdm.db", config.Database.Path)
	assert.Equal(t, 10, config.Migration.CriticalStageErrorLimit)
	assert.Equal(t, "paranoid", config.Migration.ValidationLevel)
	// 未设置的字段保持默认值
	assert.Equal(t, 5000, config.Database.BusyTimeoutMs)
	assert.Equal(t, 5, config.Backup.KeepCount)
}

func TestNewConfigWithBytes_Invalid(t *testing.T) {
	_, err := NewConfigWithBytes([]byte(`database: [not a map]`))
	assert.Error(t, err)
}

func TestNewConfigWithFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(file, []byte("database:\n  path: from-file.db\n"), 0644))

	config, err := NewConfigWithFile(file)
	require.NoError(t, err)
	assert.Equal(t, "from-file.db", config.Database.Path)
	assert.Equal(t, file, config.File)

	_, err = NewConfigWithFile(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestConfig_Verify(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"空数据库路径", func(c *Config) { c.Database.Path = "" }},
		{"负的 busy_timeout", func(c *Config) { c.Database.BusyTimeoutMs = -1 }},
		{"备份保留数量为零", func(c *Config) { c.Backup.KeepCount = 0 }},
		{"错误上限为零", func(c *Config) { c.Migration.CriticalStageErrorLimit = 0 }},
		{"无效校验级别", func(c *Config) { c.Migration.ValidationLevel = "extreme" }},
		{"平台缓存为零", func(c *Config) { c.Migration.PlatformCacheSize = 0 }},
		{"日志目录不存在", func(c *Config) { c.Log.OutPutFolder = "/nonexistent/logs" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := NewConfig()
			tt.mutate(config)
			assert.Error(t, config.Verify())
		})
	}
}

func TestConfig_BackupDir(t *testing.T) {
	config := NewConfig()
	config.Database.Path = "/data/sdm.db"
	assert.Equal(t, "/data/backups", config.BackupDir())

	config.Backup.Dir = "/var/backups/sdm"
	assert.Equal(t, "/var/backups/sdm", config.BackupDir())
}
