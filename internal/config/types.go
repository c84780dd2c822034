package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// 存储驱动，disk 为默认值。
const (
	StorageDriverDisk   = "disk"
	StorageDriverMemory = "memory"
)

// GlobalConfig 描述全局运行时行为。
type GlobalConfig struct {
	ListenPort         int      `mapstructure:"ListenPort"`
	LogLevel           string   `mapstructure:"LogLevel"`
	LogFilePath        string   `mapstructure:"LogFilePath"`
	LogMaxSize         int      `mapstructure:"LogMaxSize"`
	LogMaxBackups      int      `mapstructure:"LogMaxBackups"`
	LogCompress        bool     `mapstructure:"LogCompress"`
	StoragePath        string   `mapstructure:"StoragePath"`
	StorageDriver      string   `mapstructure:"StorageDriver"`
	UpstreamTimeout    Duration `mapstructure:"UpstreamTimeout"`
	InstallConcurrency int      `mapstructure:"InstallConcurrency"`
	// MaxEntryBytes 是运行时缓存单条响应的正文上限，超过时直接流式转发且不回写。
	MaxEntryBytes int64 `mapstructure:"MaxEntryBytes"`
}

// DefaultMaxEntryBytes 是 MaxEntryBytes 未配置时的取值（8 MiB）。
const DefaultMaxEntryBytes int64 = 8 << 20

// AppConfig 描述被托管的落地页应用：身份、版本、预缓存清单以及路由名单。
type AppConfig struct {
	Name            string   `mapstructure:"Name"`
	Version         string   `mapstructure:"Version"`
	Origin          string   `mapstructure:"Origin"`
	Domain          string   `mapstructure:"Domain"`
	Manifest        []string `mapstructure:"Manifest"`
	AllowHosts      []string `mapstructure:"AllowHosts"`
	ExcludePatterns []string `mapstructure:"ExcludePatterns"`
	OfflinePage     string   `mapstructure:"OfflinePage"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	App    AppConfig    `mapstructure:"App"`
}

// StaticCacheName 返回当前版本的静态缓存名，例如 formqrapp-v1.0.0。
func (a AppConfig) StaticCacheName() string {
	return fmt.Sprintf("%s-v%s", a.Name, a.Version)
}

// RuntimeCacheName 返回不带版本的运行时缓存名。
func (a AppConfig) RuntimeCacheName() string {
	return a.Name + "-runtime"
}

// OriginURL 返回解析后的 Origin（假定 Validate 已经通过）。
func (a AppConfig) OriginURL() *url.URL {
	parsed, err := url.Parse(a.Origin)
	if err != nil {
		return &url.URL{}
	}
	return &url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/"}
}

// SameOriginHosts 返回被视为同源的 Host 列表：Origin 自身的 Host 以及 Domain 别名。
func (a AppConfig) SameOriginHosts() []string {
	hosts := []string{strings.ToLower(a.OriginURL().Host)}
	if domain := strings.ToLower(strings.TrimSpace(a.Domain)); domain != "" && domain != hosts[0] {
		hosts = append(hosts, domain)
	}
	return hosts
}

// ManifestURLs 将清单条目解析为绝对 URL，同源路径基于 Origin 展开，顺序保持不变。
func (a AppConfig) ManifestURLs() ([]string, error) {
	base := a.OriginURL()
	result := make([]string, 0, len(a.Manifest))
	for _, entry := range a.Manifest {
		ref, err := url.Parse(strings.TrimSpace(entry))
		if err != nil {
			return nil, fmt.Errorf("manifest entry %q: %w", entry, err)
		}
		resolved := base.ResolveReference(ref)
		resolved.Fragment = ""
		result = append(result, resolved.String())
	}
	return result, nil
}

// OfflinePageURL 返回离线页的绝对 URL，未配置时为空。
func (a AppConfig) OfflinePageURL() string {
	page := strings.TrimSpace(a.OfflinePage)
	if page == "" {
		return ""
	}
	ref, err := url.Parse(page)
	if err != nil {
		return ""
	}
	return a.OriginURL().ResolveReference(ref).String()
}
