package migration

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/bluele/gcache"
)

// platformPattern 单个平台的 URL 识别规则
type platformPattern struct {
	// key 平台标识
	key string
	// hosts 平台域名（含子域名匹配）
	hosts []string
	// idPatterns 从 URL 提取内容 ID 的正则，第一个捕获组为 ID
	idPatterns []*regexp.Regexp
	// idQueryParam 从查询参数提取 ID（如 youtube 的 v=）
	idQueryParam string
}

// knownPlatforms 已知平台的识别规则
var knownPlatforms = []platformPattern{
	{
		key:   "tiktok",
		hosts: []string{"tiktok.com", "vm.tiktok.com", "vt.tiktok.com"},
		idPatterns: []*regexp.Regexp{
			regexp.MustCompile(`/video/(\d+)`),
			regexp.MustCompile(`/photo/(\d+)`),
			regexp.MustCompile(`^/([A-Za-z0-9]+)/?$`),
		},
	},
	{
		key:          "youtube",
		hosts:        []string{"youtube.com", "youtu.be"},
		idQueryParam: "v",
		idPatterns: []*regexp.Regexp{
			regexp.MustCompile(`/shorts/([A-Za-z0-9_-]{6,})`),
			regexp.MustCompile(`/embed/([A-Za-z0-9_-]{6,})`),
			regexp.MustCompile(`^/([A-Za-z0-9_-]{6,})$`),
		},
	},
	{
		key:   "instagram",
		hosts: []string{"instagram.com"},
		idPatterns: []*regexp.Regexp{
			regexp.MustCompile(`/(?:p|reel|reels|tv)/([A-Za-z0-9_-]+)`),
		},
	},
	{
		key:   "facebook",
		hosts: []string{"facebook.com", "fb.watch"},
		idPatterns: []*regexp.Regexp{
			regexp.MustCompile(`/videos/(\d+)`),
			regexp.MustCompile(`/watch/\?v=(\d+)`),
			regexp.MustCompile(`^/([A-Za-z0-9]+)/?$`),
		},
	},
	{
		key:   "twitter",
		hosts: []string{"twitter.com", "x.com"},
		idPatterns: []*regexp.Regexp{
			regexp.MustCompile(`/status/(\d+)`),
		},
	},
}

// detectedPlatform 缓存的识别结果
type detectedPlatform struct {
	platformID string
	contentID  string
}

// PlatformDetector 根据 URL 识别平台及其规范内容 ID
type PlatformDetector struct {
	cache gcache.Cache
}

// NewPlatformDetector 创建平台识别器
// cacheSize 小于 1 时使用默认缓存大小
func NewPlatformDetector(cacheSize int) *PlatformDetector {
	if cacheSize < 1 {
		cacheSize = 1024
	}
	return &PlatformDetector{
		cache: gcache.New(cacheSize).LRU().Build(),
	}
}

// DetectPlatformAndID 识别 URL 的平台标识与内容 ID
// 未识别的域名回退为 platform=域名、contentID=URL 的确定性哈希
// （同一 URL 总是得到同一 ID）
func (d *PlatformDetector) DetectPlatformAndID(rawURL string) (platformID, contentID string) {
	if cached, err := d.cache.Get(rawURL); err == nil {
		if dp, ok := cached.(detectedPlatform); ok {
			return dp.platformID, dp.contentID
		}
	}

	platformID, contentID = detect(rawURL)
	_ = d.cache.Set(rawURL, detectedPlatform{platformID: platformID, contentID: contentID})
	return platformID, contentID
}

func detect(rawURL string) (string, string) {
	fallbackID := hashString(rawURL)[:16]

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "unknown", fallbackID
	}
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimPrefix(host, "m.")

	for _, p := range knownPlatforms {
		if !matchesHost(host, p.hosts) {
			continue
		}
		if p.idQueryParam != "" {
			if id := u.Query().Get(p.idQueryParam); id != "" {
				return p.key, id
			}
		}
		for _, re := range p.idPatterns {
			if m := re.FindStringSubmatch(u.Path); len(m) > 1 && m[1] != "" {
				return p.key, m[1]
			}
		}
		// 已知平台但无法提取 ID，退回哈希保持确定性
		return p.key, fallbackID
	}

	return host, fallbackID
}

// matchesHost 域名精确匹配或子域名匹配
func matchesHost(host string, candidates []string) bool {
	for _, c := range candidates {
		if host == c || strings.HasSuffix(host, "."+c) {
			return true
		}
	}
	return false
}
