package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedDrivers = map[string]struct{}{
	"fs":     {},
	"sqlite": {},
	"memory": {},
}

const supportedDriverList = "fs|sqlite|memory"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, ok := supportedDrivers[g.StorageDriver]; !ok {
		return newFieldError("Global.StorageDriver", "仅支持 "+supportedDriverList)
	}
	if g.StorageDriver != "memory" && g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.OfflineConcurrency <= 0 {
		return newFieldError("Global.OfflineConcurrency", "必须大于 0")
	}

	if len(c.Apps) == 0 {
		return errors.New("至少需要配置一个 App")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Apps {
		app := &c.Apps[i]
		if app.Name == "" {
			return newFieldError("App[].Name", "不能为空")
		}
		if err := validateAppName(app.Name); err != nil {
			return fmt.Errorf("%s: %w", appField(app.Name, "Name"), err)
		}
		if _, exists := seenNames[app.Name]; exists {
			return newFieldError(appField(app.Name, "Name"), "重复")
		}
		seenNames[app.Name] = struct{}{}

		if err := validateDomain(app.Domain); err != nil {
			return fmt.Errorf("%s: %w", appField(app.Name, "Domain"), err)
		}
		domain := strings.ToLower(app.Domain)
		if _, exists := seenDomains[domain]; exists {
			return newFieldError(appField(app.Name, "Domain"), "重复")
		}
		seenDomains[domain] = struct{}{}

		if app.Manifest == "" {
			return newFieldError(appField(app.Name, "Manifest"), "不能为空")
		}
		if (app.Username == "") != (app.Password == "") {
			return newFieldError(appField(app.Name, "Username/Password"), "必须同时提供或同时留空")
		}
		if err := validateOrigin(app.Upstream); err != nil {
			return fmt.Errorf("%s: %w", appField(app.Name, "Upstream"), err)
		}
		if app.Proxy != "" {
			if err := validateUpstream(app.Proxy); err != nil {
				return fmt.Errorf("%s: %w", appField(app.Name, "Proxy"), err)
			}
		}
	}

	return nil
}

// validateAppName 应用名会拼进缓存名称，只允许字母、数字、'-'、'_' 与 '.'。
func validateAppName(name string) error {
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("包含非法字符 %q", r)
		}
	}
	if strings.HasPrefix(name, ".") {
		return errors.New("不能以 . 开头")
	}
	return nil
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

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

// validateOrigin 在 validateUpstream 基础上要求地址只包含源站（缓存 Key 以源站为前缀推导逻辑路径）。
func validateOrigin(raw string) error {
	if err := validateUpstream(raw); err != nil {
		return err
	}
	parsed, _ := url.Parse(raw)
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("上游只能是源站地址，不允许包含路径: %s", raw)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("上游不允许包含查询或片段: %s", raw)
	}
	return nil
}
