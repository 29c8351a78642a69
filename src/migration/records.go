package migration

import "time"

// LegacyDownloadRow 旧版扁平 downloads 表中的一行
// 所有文本字段都可能为空，metadata 为内嵌 JSON 字符串
type LegacyDownloadRow struct {
	ID           int64  `json:"id"`
	URL          string `json:"url"`
	Title        string `json:"title"`
	Platform     string `json:"platform"`
	Status       string `json:"status"`
	DownloadPath string `json:"download_path"`
	FileSize     string `json:"file_size"`
	Quality      string `json:"quality"`
	Format       string `json:"format"`
	DownloadDate string `json:"download_date"`
	Metadata     string `json:"metadata"`
}

// ContentRecord 规范化的内容记录
// 一条内容对应一个可下载的媒体项，与下载次数无关。
// OriginalURL 迁移完成后全局唯一
type ContentRecord struct {
	ID                int64          `json:"id"`
	PlatformID        string         `json:"platform_id"`
	PlatformContentID string         `json:"platform_content_id"`
	OriginalURL       string         `json:"original_url"`
	Title             string         `json:"title"`
	Description       string         `json:"description"`
	AuthorName        string         `json:"author_name"`
	AuthorURL         string         `json:"author_url"`
	ThumbnailURL      string         `json:"thumbnail_url"`
	DurationSeconds   int64          `json:"duration_seconds"`
	ViewCount         int64          `json:"view_count"`
	LikeCount         int64          `json:"like_count"`
	ContentType       string         `json:"content_type"`
	PublishedAt       string         `json:"published_at"`
	Metadata          map[string]any `json:"metadata"`
	Status            string         `json:"status"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// DownloadRecord 规范化的下载记录
// 一条记录对应一次具体的下载，多条下载可以指向同一条内容；
// ContentID 指向所属内容记录，Progress 取值范围 0.0–1.0
type DownloadRecord struct {
	ID            int64          `json:"id"`
	ContentID     int64          `json:"content_id"`
	FilePath      string         `json:"file_path"`
	FileName      string         `json:"file_name"`
	FileSizeBytes int64          `json:"file_size_bytes"`
	Format        string         `json:"format"`
	Quality       string         `json:"quality"`
	Status        string         `json:"status"`
	Progress      float64        `json:"progress"`
	ErrorMessage  string         `json:"error_message"`
	RetryCount    int            `json:"retry_count"`
	Metadata      map[string]any `json:"metadata"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}
