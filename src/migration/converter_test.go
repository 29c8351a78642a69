package migration

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shin315/social-download-manager/src/database"
)

func newTestConverter(conn *database.Connection) *DataConverter {
	return NewDataConverter(conn, NewPlatformDetector(16), NewMetadataParser())
}

// runConversion 在事务内执行整批转换
func runConversion(t *testing.T, conn *database.Connection, c *DataConverter) (bool, string, *ConversionStats) {
	t.Helper()
	var ok bool
	var msg string
	var stats *ConversionStats
	err := conn.WithTransaction(context.Background(), func(tx *sql.Tx) error {
		ok, msg, stats = c.ExecuteDataConversion(context.Background(), tx)
		return nil
	})
	require.NoError(t, err)
	return ok, msg, stats
}

func TestDataConverter_ConvertSingleRecord(t *testing.T) {
	conn := openTestConn(t)
	c := newTestConverter(conn)

	content, download, err := c.ConvertSingleRecord(LegacyDownloadRow{
		ID:           1,
		URL:          "https://www.tiktok.com/@user/video/7234567890123456789",
		Title:        "dance video",
		Platform:     "TikTok",
		Status:       "completed",
		DownloadPath: `C:\Users\user\Downloads\dance.mp4`,
		FileSize:     "8.2MB",
		Quality:      "720p",
		Format:       "mp4",
		DownloadDate: "2024/12/25 10:30:00",
		Metadata:     `{"caption":"check this out","author":"user","likes":42}`,
	})
	require.NoError(t, err)

	assert.Equal(t, "tiktok", content.PlatformID)
	assert.Equal(t, "7234567890123456789", content.PlatformContentID)
	assert.Equal(t, "dance video", content.Title)
	assert.Equal(t, "check this out", content.Description)
	assert.Equal(t, "user", content.AuthorName)
	assert.Equal(t, int64(42), content.LikeCount)

	assert.Equal(t, "dance.mp4", download.FileName)
	assert.Equal(t, int64(8597504), download.FileSizeBytes)
	assert.Equal(t, "completed", download.Status)
	assert.Equal(t, 1.0, download.Progress)
	assert.Equal(t, "mp4", download.Format)
	assert.Equal(t, "720p", download.Quality)
}

func TestDataConverter_ConvertSingleRecord_CorruptMetadata(t *testing.T) {
	conn := openTestConn(t)
	c := newTestConverter(conn)

	// 损坏的内嵌元数据不让单条记录失败
	content, download, err := c.ConvertSingleRecord(LegacyDownloadRow{
		ID:       1,
		URL:      "https://example.com/v/1",
		Metadata: `{"broken":`,
	})
	require.NoError(t, err)
	assert.Empty(t, content.Metadata)
	assert.NotNil(t, download)
}

func TestDataConverter_ConvertSingleRecord_NoURL(t *testing.T) {
	conn := openTestConn(t)
	c := newTestConverter(conn)

	_, _, err := c.ConvertSingleRecord(LegacyDownloadRow{ID: 7})
	assert.Error(t, err)
}

func TestDataConverter_ExecuteDataConversion(t *testing.T) {
	conn := openTestConn(t)
	createLegacyTable(t, conn)
	insertLegacyRow(t, conn, LegacyDownloadRow{
		URL: "https://www.tiktok.com/@a/video/111", Title: "one",
		Status: "completed", FileSize: "512KB", DownloadPath: "/dl/one.mp4",
	})
	insertLegacyRow(t, conn, LegacyDownloadRow{
		URL: "https://www.youtube.com/watch?v=abc123def45", Title: "two",
		Status: "completed", FileSize: "8.2MB", DownloadPath: "/dl/two.mp4",
	})
	applyV2Schema(t, conn, VersionV1Legacy)

	c := newTestConverter(conn)
	ok, msg, stats := runConversion(t, conn, c)
	assert.True(t, ok, msg)

	assert.Equal(t, 2, stats.TotalV1Records)
	assert.Equal(t, 2, stats.SuccessfulConversions)
	assert.Equal(t, 2, stats.ContentRecordsCreated)
	assert.Equal(t, 2, stats.DownloadRecordsCreated)
	assert.Zero(t, stats.FailedConversions)
	assert.Zero(t, stats.SkippedDuplicates)

	assert.Equal(t, int64(2), countRows(t, conn, ContentTable))
	assert.Equal(t, int64(2), countRows(t, conn, DownloadsTable))
	// 发现的平台写入平台表
	assert.Equal(t, int64(2), countRows(t, conn, PlatformsTable))
}

func TestDataConverter_DuplicateURL(t *testing.T) {
	conn := openTestConn(t)
	createLegacyTable(t, conn)
	// 同一 URL 下载两次：一条内容，两条下载
	insertLegacyRow(t, conn, LegacyDownloadRow{
		URL: "https://www.tiktok.com/@a/video/111", Title: "first try",
		DownloadPath: "/dl/first.mp4",
	})
	insertLegacyRow(t, conn, LegacyDownloadRow{
		URL: "https://www.tiktok.com/@a/video/111", Title: "second try",
		DownloadPath: "/dl/second.mp4",
	})
	applyV2Schema(t, conn, VersionV1Legacy)

	c := newTestConverter(conn)
	ok, msg, stats := runConversion(t, conn, c)
	assert.True(t, ok, msg)

	assert.Equal(t, 1, stats.ContentRecordsCreated)
	assert.Equal(t, 2, stats.DownloadRecordsCreated)
	assert.Equal(t, 1, stats.SkippedDuplicates)
	assert.Equal(t, int64(1), countRows(t, conn, ContentTable))
	assert.Equal(t, int64(2), countRows(t, conn, DownloadsTable))

	// 首次出现的记录决定内容字段
	var title string
	err := conn.DB().QueryRow(`SELECT title FROM content`).Scan(&title)
	require.NoError(t, err)
	assert.Equal(t, "first try", title)
}

func TestDataConverter_EmptyLegacyTable(t *testing.T) {
	conn := openTestConn(t)
	createLegacyTable(t, conn)
	applyV2Schema(t, conn, VersionV1Legacy)

	c := newTestConverter(conn)
	ok, _, stats := runConversion(t, conn, c)
	assert.True(t, ok)
	assert.Zero(t, stats.TotalV1Records)
	assert.Zero(t, stats.SuccessfulConversions)
}

func TestDataConverter_MissingBackupTable(t *testing.T) {
	conn := openTestConn(t)
	// 直接建规范化模式，没有旧表备份：转换必须立即失败
	applyV2Schema(t, conn, VersionEmpty)

	c := newTestConverter(conn)
	ok, msg, stats := runConversion(t, conn, c)
	assert.False(t, ok)
	assert.Contains(t, msg, LegacyBackupTable)
	assert.Zero(t, stats.TotalV1Records)
}

func TestDataConverter_BadRecordDoesNotAbortBatch(t *testing.T) {
	conn := openTestConn(t)
	createLegacyTable(t, conn)
	// URL 为空的记录转换失败，但不影响其余记录
	insertLegacyRow(t, conn, LegacyDownloadRow{URL: "", Title: "broken"})
	insertLegacyRow(t, conn, LegacyDownloadRow{
		URL: "https://www.tiktok.com/@a/video/222", Title: "fine",
	})
	applyV2Schema(t, conn, VersionV1Legacy)

	c := newTestConverter(conn)
	ok, _, stats := runConversion(t, conn, c)
	assert.True(t, ok)
	assert.Equal(t, 2, stats.TotalV1Records)
	assert.Equal(t, 1, stats.SuccessfulConversions)
	assert.Equal(t, 1, stats.FailedConversions)
	assert.Len(t, stats.Errors, 1)
}
