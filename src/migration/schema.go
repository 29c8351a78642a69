package migration

// 表名常量
const (
	// LegacyDownloadsTable 旧版扁平下载表
	LegacyDownloadsTable = "downloads"
	// LegacyBackupTable 模式变换时旧表的重命名目标，保留所有迁移前数据
	LegacyBackupTable = "downloads_v1_backup"
	// MigrationTrackingTable 迁移跟踪表
	MigrationTrackingTable = "schema_migrations"

	PlatformsTable = "platforms"
	ContentTable   = "content"
	DownloadsTable = "downloads"
)

// legacyDownloadsColumns 旧版 downloads 表的列集合，用于版本识别
var legacyDownloadsColumns = []string{
	"id", "url", "title", "platform", "status",
	"download_path", "file_size", "quality", "format",
	"download_date", "metadata",
}

// createMigrationTrackingSQL 迁移跟踪表 DDL
const createMigrationTrackingSQL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	checksum TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	executed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	duration_ms INTEGER NOT NULL DEFAULT 0
)`

// createPlatformsSQL 平台表 DDL
const createPlatformsSQL = `
CREATE TABLE IF NOT EXISTS platforms (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	platform_key TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
)`

// createContentSQL 内容表 DDL
const createContentSQL = `
CREATE TABLE IF NOT EXISTS content (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	platform_id TEXT NOT NULL,
	platform_content_id TEXT NOT NULL,
	original_url TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	author_name TEXT NOT NULL DEFAULT '',
	author_url TEXT NOT NULL DEFAULT '',
	thumbnail_url TEXT NOT NULL DEFAULT '',
	duration_seconds INTEGER NOT NULL DEFAULT 0,
	view_count INTEGER NOT NULL DEFAULT 0,
	like_count INTEGER NOT NULL DEFAULT 0,
	content_type TEXT NOT NULL DEFAULT 'video',
	published_at TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'active',
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
)`

// createDownloadsSQL 规范化下载表 DDL
const createDownloadsSQL = `
CREATE TABLE IF NOT EXISTS downloads (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	content_id INTEGER NOT NULL REFERENCES content(id),
	file_path TEXT NOT NULL DEFAULT '',
	file_name TEXT NOT NULL DEFAULT '',
	file_size_bytes INTEGER NOT NULL DEFAULT 0,
	format TEXT NOT NULL DEFAULT '',
	quality TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'completed',
	progress REAL NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
)`

// 索引 DDL
const (
	createContentURLIndexSQL       = `CREATE UNIQUE INDEX IF NOT EXISTS idx_content_original_url ON content(original_url)`
	createContentPlatformIndexSQL  = `CREATE INDEX IF NOT EXISTS idx_content_platform ON content(platform_id)`
	createDownloadsContentIndexSQL = `CREATE INDEX IF NOT EXISTS idx_downloads_content_id ON downloads(content_id)`
	createDownloadsStatusIndexSQL  = `CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads(status)`
)

// v2RequiredTables 规范化模式必须存在的表
var v2RequiredTables = []string{
	MigrationTrackingTable, PlatformsTable, ContentTable, DownloadsTable,
}

// v2ContentColumns content 表的必备列，用于版本识别
var v2ContentColumns = []string{
	"id", "platform_id", "platform_content_id", "original_url",
}

// v2DownloadsColumns 规范化 downloads 表的必备列，用于区分新旧模式
var v2DownloadsColumns = []string{
	"id", "content_id", "file_path", "file_size_bytes",
}
