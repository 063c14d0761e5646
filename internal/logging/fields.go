package logging

import (
	"github.com/sirupsen/logrus"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 site/domain/generation 及策略与响应来源字段，供代理请求日志复用。
func RequestFields(site, domain, generation, strategy, source string) logrus.Fields {
	return logrus.Fields{
		"site":       site,
		"domain":     domain,
		"generation": generation,
		"strategy":   strategy,
		"source":     source,
		"cache_hit":  source == "cache" || source == "navigation-fallback",
	}
}

// LifecycleFields 描述 install/activate 阶段日志的公共字段。
func LifecycleFields(action, site, generation string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"site":       site,
		"generation": generation,
	}
}
