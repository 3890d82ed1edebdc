package config

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const supportedStorageDriverList = "fs|memory|redis"

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
	case StorageDriverFS:
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "不能为空")
		}
	case StorageDriverRedis:
		if strings.TrimSpace(g.RedisAddr) == "" {
			return newFieldError("Global.RedisAddr", "redis 驱动需要地址")
		}
	case StorageDriverMemory:
	default:
		return newFieldError("Global.StorageDriver", "仅支持 "+supportedStorageDriverList)
	}
	if g.MaxMemoryCache < 0 {
		return newFieldError("Global.MaxMemoryCacheSize", "不能为负数")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if err := validateOrigin(g.Origin); err != nil {
		return fmt.Errorf("Global.Origin: %w", err)
	}

	return c.Shell.validate(c.OriginURL())
}

// validate 以 origin 解析相对资源后比较，"index.html" 与 "./index.html" 视为同一资源。
func (s ShellConfig) validate(origin *url.URL) error {
	if s.Version == "" {
		return newFieldError("Shell.Version", "不能为空")
	}
	if strings.TrimSpace(s.CachePrefix) == "" {
		return newFieldError("Shell.CachePrefix", "不能为空")
	}
	if strings.ContainsAny(s.CacheName(), `/\`) {
		return newFieldError("Shell.CachePrefix", "缓存名不允许包含路径分隔符")
	}
	if len(s.Assets) == 0 {
		return newFieldError("Shell.Assets", "至少需要一个资源")
	}
	seen := make(map[string]struct{}, len(s.Assets))
	for i, asset := range s.Assets {
		if asset == "" {
			return newFieldError(assetField(i), "不能为空")
		}
		resolved, err := resolveAsset(origin, asset)
		if err != nil {
			return newFieldError(assetField(i), err.Error())
		}
		if _, dup := seen[resolved]; dup {
			return newFieldError(assetField(i), "重复: "+resolved)
		}
		seen[resolved] = struct{}{}
	}
	fallback, err := resolveAsset(origin, s.FallbackDocument)
	if err != nil {
		return newFieldError("Shell.FallbackDocument", err.Error())
	}
	if _, ok := seen[fallback]; !ok {
		return newFieldError("Shell.FallbackDocument", "必须包含在 Shell.Assets 中: "+fallback)
	}
	if s.OfflineStatus != 0 && (s.OfflineStatus < 400 || s.OfflineStatus > 599 || http.StatusText(s.OfflineStatus) == "") {
		return newFieldError("Shell.OfflineStatus", "必须为 0 或合法的 4xx/5xx 状态码")
	}
	return nil
}

func resolveAsset(origin *url.URL, raw string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	if origin == nil {
		return "", errors.New("相对路径需要合法的 Origin")
	}
	return origin.ResolveReference(ref).String(), nil
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
	return nil
}
