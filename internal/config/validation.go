package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var appNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	switch g.StorageDriver {
	case StorageDriverDisk:
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "不能为空")
		}
	case StorageDriverMemory:
	default:
		return newFieldError("Global.StorageDriver", "仅支持 disk/memory")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.InstallConcurrency <= 0 {
		return newFieldError("Global.InstallConcurrency", "必须大于 0")
	}
	if g.MaxEntryBytes < 0 {
		return newFieldError("Global.MaxEntryBytes", "不能为负数")
	}

	return c.App.validate()
}

func (a AppConfig) validate() error {
	if a.Name == "" {
		return newFieldError(appField("Name"), "不能为空")
	}
	if !appNamePattern.MatchString(a.Name) {
		return newFieldError(appField("Name"), "仅允许小写字母、数字、- 与 _")
	}
	if a.Version == "" {
		return newFieldError(appField("Version"), "不能为空")
	}
	if strings.ContainsAny(a.Version, `/\ `) {
		return newFieldError(appField("Version"), "不允许包含路径分隔符或空格")
	}
	if err := validateOrigin(a.Origin); err != nil {
		return fmt.Errorf("%s: %w", appField("Origin"), err)
	}
	if a.Domain != "" {
		if err := validateDomain(a.Domain); err != nil {
			return fmt.Errorf("%s: %w", appField("Domain"), err)
		}
	}
	if len(a.Manifest) == 0 {
		return newFieldError(appField("Manifest"), "至少需要一个条目")
	}

	seen := make(map[string]struct{}, len(a.Manifest))
	urls, err := a.ManifestURLs()
	if err != nil {
		return fmt.Errorf("%s: %w", appField("Manifest"), err)
	}
	for i, raw := range urls {
		if _, dup := seen[raw]; dup {
			return newFieldError(appField("Manifest"), fmt.Sprintf("重复条目: %s", a.Manifest[i]))
		}
		seen[raw] = struct{}{}
		if err := a.validateManifestEntry(raw); err != nil {
			return fmt.Errorf("%s[%d]: %w", appField("Manifest"), i, err)
		}
	}

	for _, host := range a.AllowHosts {
		if err := validateDomain(host); err != nil {
			return fmt.Errorf("%s: %w", appField("AllowHosts"), err)
		}
	}
	for _, pattern := range a.ExcludePatterns {
		if strings.TrimSpace(pattern) == "" {
			return newFieldError(appField("ExcludePatterns"), "不允许空规则")
		}
	}
	if page := strings.TrimSpace(a.OfflinePage); page != "" && !strings.HasPrefix(page, "/") {
		return newFieldError(appField("OfflinePage"), "必须是以 / 开头的同源路径")
	}
	return nil
}

// validateManifestEntry 要求清单条目为同源地址或白名单中的跨域地址。
func (a AppConfig) validateManifestEntry(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	host := strings.ToLower(parsed.Host)
	for _, same := range a.SameOriginHosts() {
		if host == same {
			return nil
		}
	}
	for _, allowed := range a.AllowHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return nil
		}
	}
	return fmt.Errorf("跨域条目不在 AllowHosts 中: %s", raw)
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少 Origin 地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，Origin: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("Origin 缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("Origin 不应包含路径: %s", raw)
	}
	return nil
}
