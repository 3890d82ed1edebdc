package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// LifecycleFields 提供生命周期事件的公共字段（事件名、缓存名、版本）。
func LifecycleFields(event, cacheName, version string) logrus.Fields {
	return logrus.Fields{
		"action":  event,
		"cache":   cacheName,
		"version": version,
	}
}

// RequestFields 提供 fetch 事件的请求字段，供代理与 worker 日志复用。
func RequestFields(method, url string, navigate bool, source string) logrus.Fields {
	return logrus.Fields{
		"action":   "fetch",
		"method":   method,
		"url":      url,
		"navigate": navigate,
		"source":   source,
	}
}
