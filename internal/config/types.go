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

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 存储驱动名称。
const (
	StorageDriverFS     = "fs"
	StorageDriverMemory = "memory"
	StorageDriverRedis  = "redis"
)

// DefaultAssets 是 App Shell 默认预缓存列表，相对路径基于 Origin 解析，
// 最后一项为跨域的 JSZip 库，保证离线时仍可使用。
var DefaultAssets = []string{
	"./",
	"./index.html",
	"./manifest.webmanifest",
	"./icon-192x192.png",
	"./icon-512x512.png",
	"./icon-maskable-512x512.png",
	"https://cdnjs.cloudflare.com/ajax/libs/jszip/3.10.1/jszip.min.js",
}

// GlobalConfig 描述进程级运行参数：监听、日志、存储与上游访问。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StorageDriver   string   `mapstructure:"StorageDriver"`
	StoragePath     string   `mapstructure:"StoragePath"`
	RedisAddr       string   `mapstructure:"RedisAddr"`
	RedisDB         int      `mapstructure:"RedisDB"`
	RedisPassword   string   `mapstructure:"RedisPassword"`
	RedisNamespace  string   `mapstructure:"RedisNamespace"`
	MaxMemoryCache  int64    `mapstructure:"MaxMemoryCacheSize"`
	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	Origin          string   `mapstructure:"Origin"`
}

// ShellConfig 描述 App Shell 的版本、缓存命名与预缓存资源，启动后不再变更。
type ShellConfig struct {
	Version          string   `mapstructure:"Version"`
	CachePrefix      string   `mapstructure:"CachePrefix"`
	Assets           []string `mapstructure:"Assets"`
	FallbackDocument string   `mapstructure:"FallbackDocument"`
	OfflineStatus    int      `mapstructure:"OfflineStatus"`
}

// CacheName 返回当前版本对应的缓存名，例如 anki-converter-cache-1.0.0。
func (s ShellConfig) CacheName() string {
	return s.CachePrefix + s.Version
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Shell  ShellConfig  `mapstructure:"Shell"`
}

// OriginURL 返回解析后的 Origin，假定 Validate 已经通过。
func (c *Config) OriginURL() *url.URL {
	parsed, err := url.Parse(c.Global.Origin)
	if err != nil {
		return nil
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	return parsed
}
