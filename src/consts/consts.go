package consts

const (
	AppName = "Social-Download-Manager"
)

var (
	BuildTime  string
	AppVersion string
	GitHash    string
)

// Info 应用信息
// 注意：必须通过函数获取，因为 AppVersion 等字段是通过 -ldflags 在链接阶段注入的
type Info struct {
	AppName    string `json:"app_name"`
	AppVersion string `json:"app_version"`
	BuildTime  string `json:"build_time"`
	GitHash    string `json:"git_hash"`
}

// GetAppInfo 返回应用信息
func GetAppInfo() Info {
	return Info{
		AppName:    AppName,
		AppVersion: AppVersion,
		BuildTime:  BuildTime,
		GitHash:    GitHash,
	}
}
