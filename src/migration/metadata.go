package migration

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// MetadataParser 解析旧版记录中的杂项字段
type MetadataParser struct{}

// NewMetadataParser 创建解析器
func NewMetadataParser() *MetadataParser {
	return &MetadataParser{}
}

var filesizePattern = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)\s*(B|KB|MB|GB|TB)$`)

// filesizeUnitSteps 各单位相对字节的 1024 进位次数
var filesizeUnitSteps = map[string]int{
	"B": 0, "KB": 1, "MB": 2, "GB": 3, "TB": 4,
}

// ParseFilesizeToBytes 解析 "8.2MB"、"1.5GB" 之类的大小字符串为字节数
// 使用 1024 进制，每一级进位后截断小数（与旧版导入器的取整行为一致）
// 无法解析或输入为空时第二个返回值为 false
func (p *MetadataParser) ParseFilesizeToBytes(s string) (int64, bool) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, false
	}
	m := filesizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	for i := 0; i < filesizeUnitSteps[m[2]]; i++ {
		value = math.Trunc(value * 1024)
	}
	return int64(value), true
}

// ExtractFilenameFromPath 取路径的最后一段，同时处理 / 与 \ 分隔
// 输入为空时返回 "unknown_file"
func (p *MetadataParser) ExtractFilenameFromPath(path string) string {
	if path == "" {
		return "unknown_file"
	}
	normalized := strings.ReplaceAll(path, `\`, "/")
	segments := strings.Split(normalized, "/")
	name := segments[len(segments)-1]
	if name == "" {
		return "unknown_file"
	}
	return name
}

// downloadDateLayouts 旧版下载日期的已知格式，按尝试顺序排列
var downloadDateLayouts = []string{
	"2006/01/02 15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006 15:04:05",
}

// ParseDownloadDate 解析旧版日期字符串为 ISO-8601
// 所有已知格式都不匹配时第二个返回值为 false
func (p *MetadataParser) ParseDownloadDate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	for _, layout := range downloadDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02T15:04:05"), true
		}
	}
	return "", false
}

// legacyMetadataKeyMap 旧版元数据键到规范化字段名的映射
// 同一目标字段可能有多个旧键，先出现者生效
var legacyMetadataKeyMap = []struct {
	legacy     string
	normalized string
}{
	{"caption", "description"},
	{"author", "author_name"},
	{"creator", "author_name"},
	{"thumbnail", "thumbnail_url"},
	{"likes", "like_count"},
	{"views", "view_count"},
	{"hashtags", "hashtags"},
	{"upload_date", "published_at"},
}

// ExtractMetadataFields 将旧版键名映射到规范化字段名
// 缺失的旧键直接省略，从不填默认值
func (p *MetadataParser) ExtractMetadataFields(raw map[string]any) map[string]any {
	normalized := map[string]any{}
	for _, mapping := range legacyMetadataKeyMap {
		value, ok := raw[mapping.legacy]
		if !ok {
			continue
		}
		if _, exists := normalized[mapping.normalized]; exists {
			continue
		}
		normalized[mapping.normalized] = value
	}
	return normalized
}

// ParseMetadataJSON 宽容地解析内嵌 JSON 元数据
// 无法解析的输入降级为空 map，从不让单条记录的转换失败
func (p *MetadataParser) ParseMetadataJSON(s string) map[string]any {
	s = strings.TrimSpace(s)
	if s == "" || !gjson.Valid(s) {
		return map[string]any{}
	}
	parsed := gjson.Parse(s)
	if !parsed.IsObject() {
		return map[string]any{}
	}
	result := map[string]any{}
	parsed.ForEach(func(key, value gjson.Result) bool {
		result[key.String()] = value.Value()
		return true
	})
	return result
}
