package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供请求分类、目标地址、缓存名与命中状态字段，供代理请求日志复用。
func RequestFields(class, target, cacheName string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"class":      class,
		"url":        target,
		"cache_name": cacheName,
		"cache_hit":  cacheHit,
	}
}

// WorkerFields 描述 worker 生命周期日志的公共字段。
func WorkerFields(action, staticCache, runtimeCache string) logrus.Fields {
	return logrus.Fields{
		"action":        action,
		"static_cache":  staticCache,
		"runtime_cache": runtimeCache,
	}
}
