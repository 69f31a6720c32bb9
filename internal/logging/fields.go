package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// AppFields 提供应用级字段，供运行时/诊断日志复用。
func AppFields(app, action string) logrus.Fields {
	return logrus.Fields{
		"app":    app,
		"action": action,
	}
}

// InstanceFields 标识某个应用下的具体实例及其生命周期状态。
func InstanceFields(app, instanceID, state string) logrus.Fields {
	return logrus.Fields{
		"app":      app,
		"instance": instanceID,
		"state":    state,
	}
}

// RequestFields 提供 app/domain/缓存来源字段，供代理请求日志复用。
func RequestFields(app, domain, authMode, cacheSource string) logrus.Fields {
	return logrus.Fields{
		"app":       app,
		"domain":    domain,
		"auth_mode": authMode,
		"cache":     cacheSource,
	}
}
