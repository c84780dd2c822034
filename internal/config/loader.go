package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// 默认的跨域白名单与动态数据排除规则，对应落地页依赖的二维码脚本 CDN 与表单提交端点。
var (
	defaultAllowHosts      = []string{"cdnjs.cloudflare.com"}
	defaultExcludePatterns = []string{"script.google.com", "drive.google.com"}
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyAppDefaults(v, &cfg.App)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.StorageDriver == StorageDriverDisk {
		absStorage, err := filepath.Abs(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.StoragePath = absStorage
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageDriver", StorageDriverDisk)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("InstallConcurrency", 4)
	v.SetDefault("MaxEntryBytes", DefaultMaxEntryBytes)
	v.SetDefault("App.OfflinePage", "/offline.html")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.InstallConcurrency == 0 {
		g.InstallConcurrency = 4
	}
	if g.MaxEntryBytes == 0 {
		g.MaxEntryBytes = DefaultMaxEntryBytes
	}
	g.StorageDriver = strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if g.StorageDriver == "" {
		g.StorageDriver = StorageDriverDisk
	}
}

// applyAppDefaults 仅在配置文件完全未声明名单时填充默认值，显式写成空数组表示关闭。
func applyAppDefaults(v *viper.Viper, a *AppConfig) {
	a.Name = strings.TrimSpace(a.Name)
	a.Version = strings.TrimSpace(a.Version)
	a.Origin = strings.TrimSpace(a.Origin)
	if !v.IsSet("App.AllowHosts") {
		a.AllowHosts = append([]string(nil), defaultAllowHosts...)
	}
	if !v.IsSet("App.ExcludePatterns") {
		a.ExcludePatterns = append([]string(nil), defaultExcludePatterns...)
	}
	for i, host := range a.AllowHosts {
		a.AllowHosts[i] = strings.ToLower(strings.TrimSpace(host))
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
