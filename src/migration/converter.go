package migration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/shin315/social-download-manager/src/database"
)

// DataConverter 将旧版扁平行转换为规范化的内容/下载记录
type DataConverter struct {
	conn     *database.Connection
	detector *PlatformDetector
	parser   *MetadataParser
	logger   *logrus.Entry
}

// NewDataConverter 创建数据转换器
func NewDataConverter(conn *database.Connection, detector *PlatformDetector, parser *MetadataParser) *DataConverter {
	return &DataConverter{
		conn:     conn,
		detector: detector,
		parser:   parser,
		logger:   logrus.WithField("component", "data_converter"),
	}
}

// ConvertSingleRecord 将一条旧版行确定性地映射为一对内容/下载记录
// 内嵌元数据损坏时降级为空 map，不中止该条记录的转换
func (c *DataConverter) ConvertSingleRecord(row LegacyDownloadRow) (*ContentRecord, *DownloadRecord, error) {
	if row.URL == "" {
		return nil, nil, fmt.Errorf("legacy record %d has no url", row.ID)
	}

	platformID, platformContentID := c.detector.DetectPlatformAndID(row.URL)

	rawMeta := c.parser.ParseMetadataJSON(row.Metadata)
	normalized := c.parser.ExtractMetadataFields(rawMeta)

	content := &ContentRecord{
		PlatformID:        platformID,
		PlatformContentID: platformContentID,
		OriginalURL:       row.URL,
		Title:             row.Title,
		Description:       metaString(normalized, "description"),
		AuthorName:        metaString(normalized, "author_name"),
		ThumbnailURL:      metaString(normalized, "thumbnail_url"),
		ViewCount:         metaInt64(normalized, "view_count"),
		LikeCount:         metaInt64(normalized, "like_count"),
		ContentType:       "video",
		Metadata:          normalized,
		Status:            "active",
	}
	if published := metaString(normalized, "published_at"); published != "" {
		if iso, ok := c.parser.ParseDownloadDate(published); ok {
			content.PublishedAt = iso
		} else {
			content.PublishedAt = published
		}
	}

	download := &DownloadRecord{
		FilePath: row.DownloadPath,
		FileName: c.parser.ExtractFilenameFromPath(row.DownloadPath),
		Format:   row.Format,
		Quality:  row.Quality,
		Status:   row.Status,
		Metadata: map[string]any{},
	}
	if download.Status == "" {
		download.Status = "completed"
	}
	if download.Status == "completed" {
		download.Progress = 1.0
	}
	if size, ok := c.parser.ParseFilesizeToBytes(row.FileSize); ok {
		download.FileSizeBytes = size
	}

	return content, download, nil
}

// ExecuteDataConversion 批量转换旧版备份表中的所有行
// 前置条件：模式变换已将旧表重命名为备份表；备份表缺失时立即失败，
// 不做任何部分转换。单条记录的错误只计数，不中止整批处理
func (c *DataConverter) ExecuteDataConversion(ctx context.Context, tx *sql.Tx) (bool, string, *ConversionStats) {
	stats := &ConversionStats{}
	started := time.Now()
	defer func() {
		stats.ConversionTimeSeconds = time.Since(started).Seconds()
	}()

	exists, err := tableExists(ctx, tx, LegacyBackupTable)
	if err != nil {
		return false, fmt.Sprintf("failed to check legacy backup table: %v", err), stats
	}
	if !exists {
		return false, fmt.Sprintf("legacy backup table %q does not exist; schema transformation must run first", LegacyBackupTable), stats
	}

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, url, title, platform, status, download_path, file_size, quality, format, download_date, metadata
		FROM %q ORDER BY id ASC
	`, LegacyBackupTable))
	if err != nil {
		return false, fmt.Sprintf("failed to read legacy backup table: %v", err), stats
	}

	var legacyRows []LegacyDownloadRow
	for rows.Next() {
		var row LegacyDownloadRow
		var url, title, platform, status, path, size, quality, format, date, meta sql.NullString
		if err := rows.Scan(&row.ID, &url, &title, &platform, &status, &path, &size, &quality, &format, &date, &meta); err != nil {
			rows.Close()
			return false, fmt.Sprintf("failed to scan legacy row: %v", err), stats
		}
		row.URL = url.String
		row.Title = title.String
		row.Platform = platform.String
		row.Status = status.String
		row.DownloadPath = path.String
		row.FileSize = size.String
		row.Quality = quality.String
		row.Format = format.String
		row.DownloadDate = date.String
		row.Metadata = meta.String
		legacyRows = append(legacyRows, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, fmt.Sprintf("failed to iterate legacy rows: %v", err), stats
	}

	stats.TotalV1Records = len(legacyRows)
	if stats.TotalV1Records == 0 {
		return true, "legacy backup table is empty, nothing to convert", stats
	}

	// original_url 到 content.id 的缓存，首次出现者生效
	contentIDs := map[string]int64{}
	seenPlatforms := map[string]bool{}

	for _, row := range legacyRows {
		content, download, err := c.ConvertSingleRecord(row)
		if err != nil {
			stats.FailedConversions++
			stats.Errors = append(stats.Errors, fmt.Sprintf("record %d: %v", row.ID, err))
			continue
		}

		if createdAt := c.legacyCreatedAt(row); !createdAt.IsZero() {
			content.CreatedAt = createdAt
			download.CreatedAt = createdAt
		}

		contentID, known := contentIDs[content.OriginalURL]
		if !known {
			contentID, err = c.insertContent(ctx, tx, content)
			if err != nil {
				stats.FailedConversions++
				stats.Errors = append(stats.Errors, fmt.Sprintf("record %d: insert content: %v", row.ID, err))
				continue
			}
			contentIDs[content.OriginalURL] = contentID
			stats.ContentRecordsCreated++

			if !seenPlatforms[content.PlatformID] {
				if err := c.seedPlatform(ctx, tx, content.PlatformID, row.Platform); err != nil {
					// 平台种子失败不影响记录转换
					c.logger.WithError(err).WithField("platform", content.PlatformID).Warn("failed to seed platform")
				}
				seenPlatforms[content.PlatformID] = true
			}
		} else {
			// 重复 URL：不建新内容，下载记录挂到已有内容上
			stats.SkippedDuplicates++
		}

		download.ContentID = contentID
		if err := c.insertDownload(ctx, tx, download); err != nil {
			stats.FailedConversions++
			stats.Errors = append(stats.Errors, fmt.Sprintf("record %d: insert download: %v", row.ID, err))
			continue
		}
		stats.DownloadRecordsCreated++
		stats.SuccessfulConversions++
	}

	c.logger.WithFields(logrus.Fields{
		"total":     humanize.Comma(int64(stats.TotalV1Records)),
		"converted": stats.SuccessfulConversions,
		"failed":    stats.FailedConversions,
		"skipped":   stats.SkippedDuplicates,
	}).Info("data conversion finished")

	message := fmt.Sprintf("converted %d/%d legacy records (%d content, %d downloads, %d duplicates skipped, %d failed)",
		stats.SuccessfulConversions, stats.TotalV1Records,
		stats.ContentRecordsCreated, stats.DownloadRecordsCreated,
		stats.SkippedDuplicates, stats.FailedConversions)
	return true, message, stats
}

// legacyCreatedAt 旧版下载日期解析为创建时间，失败时返回零值
func (c *DataConverter) legacyCreatedAt(row LegacyDownloadRow) time.Time {
	iso, ok := c.parser.ParseDownloadDate(row.DownloadDate)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02T15:04:05", iso)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (c *DataConverter) insertContent(ctx context.Context, tx *sql.Tx, content *ContentRecord) (int64, error) {
	metadataJSON := "{}"
	if len(content.Metadata) > 0 {
		data, err := json.Marshal(content.Metadata)
		if err == nil {
			metadataJSON = string(data)
		}
	}

	createdAt := content.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO content (platform_id, platform_content_id, original_url, title, description,
			author_name, author_url, thumbnail_url, duration_seconds, view_count, like_count,
			content_type, published_at, metadata, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, content.PlatformID, content.PlatformContentID, content.OriginalURL, content.Title,
		content.Description, content.AuthorName, content.AuthorURL, content.ThumbnailURL,
		content.DurationSeconds, content.ViewCount, content.LikeCount, content.ContentType,
		content.PublishedAt, metadataJSON, content.Status,
		createdAt.Format("2006-01-02 15:04:05"), createdAt.Format("2006-01-02 15:04:05"))
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (c *DataConverter) insertDownload(ctx context.Context, tx *sql.Tx, download *DownloadRecord) error {
	metadataJSON := "{}"
	if len(download.Metadata) > 0 {
		if data, err := json.Marshal(download.Metadata); err == nil {
			metadataJSON = string(data)
		}
	}

	createdAt := download.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO downloads (content_id, file_path, file_name, file_size_bytes, format, quality,
			status, progress, error_message, retry_count, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, download.ContentID, download.FilePath, download.FileName, download.FileSizeBytes,
		download.Format, download.Quality, download.Status, download.Progress,
		download.ErrorMessage, download.RetryCount, metadataJSON,
		createdAt.Format("2006-01-02 15:04:05"), createdAt.Format("2006-01-02 15:04:05"))
	return err
}

// seedPlatform 将转换中发现的平台写入平台表
func (c *DataConverter) seedPlatform(ctx context.Context, tx *sql.Tx, platformKey, displayName string) error {
	if displayName == "" {
		displayName = platformKey
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO platforms (platform_key, display_name) VALUES (?, ?)
		ON CONFLICT(platform_key) DO NOTHING
	`, platformKey, displayName)
	return err
}

// tableExists 检查表是否存在
func tableExists(ctx context.Context, tx *sql.Tx, table string) (bool, error) {
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// metaString 从元数据 map 取字符串值
func metaString(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

// metaInt64 从元数据 map 取整数值，支持 JSON 数字与数字字符串
func metaInt64(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n
		}
	}
	return 0
}
