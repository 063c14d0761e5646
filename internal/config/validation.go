package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var supportedBackends = map[string]struct{}{
	"fs":       {},
	"sqlite":   {},
	"postgres": {},
	"mysql":    {},
	"redis":    {},
	"memory":   {},
}

const supportedBackendList = "fs|sqlite|postgres|mysql|redis|memory"

var supportedCodecs = map[string]struct{}{
	"msgpack": {},
	"cbor":    {},
	"json":    {},
}

// 站点名与版本号会成为存储路径段，限制为安全字符。
var identPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	if err := c.Global.validate(); err != nil {
		return err
	}

	if len(c.Sites) == 0 {
		return errors.New("至少需要配置一个 Site")
	}

	seenNames := map[string]struct{}{}
	seenHosts := map[string]string{}
	// CDN Host 可由多个站点共享，但不能与任何站点的 Domain 冲突。
	crossHosts := map[string]string{}
	for i := range c.Sites {
		site := &c.Sites[i]
		if site.Name == "" {
			return newFieldError("Site[].Name", "不能为空")
		}
		if !identPattern.MatchString(site.Name) {
			return newFieldError(siteField(site.Name, "Name"), "仅允许字母、数字、点、下划线与连字符")
		}
		if _, exists := seenNames[site.Name]; exists {
			return newFieldError(siteField(site.Name, "Name"), "重复")
		}
		seenNames[site.Name] = struct{}{}

		if err := validateDomain(site.Domain); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Domain"), err)
		}
		if err := claimHost(seenHosts, site.Domain, site.Name); err != nil {
			return newFieldError(siteField(site.Name, "Domain"), err.Error())
		}
		if owner, shared := crossHosts[normalizeHostName(site.Domain)]; shared {
			return newFieldError(siteField(site.Name, "Domain"),
				fmt.Sprintf("Host %s 已作为站点 %s 的 CrossOrigins 使用", normalizeHostName(site.Domain), owner))
		}

		if err := validateOrigin(site.Upstream); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Upstream"), err)
		}
		if site.Proxy != "" {
			if err := validateUpstream(site.Proxy); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "Proxy"), err)
			}
		}
		for _, origin := range site.CrossOrigins {
			if err := validateOrigin(origin); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "CrossOrigins"), err)
			}
			parsed, _ := url.Parse(origin)
			host := normalizeHostName(parsed.Host)
			if owner, exists := seenHosts[host]; exists {
				return newFieldError(siteField(site.Name, "CrossOrigins"),
					fmt.Sprintf("Host %s 已被站点 %s 用作 Domain", host, owner))
			}
			if _, exists := crossHosts[host]; !exists {
				crossHosts[host] = site.Name
			}
		}

		if site.Version == "" {
			return newFieldError(siteField(site.Name, "Version"), "不能为空")
		}
		if !identPattern.MatchString(site.Version) {
			return newFieldError(siteField(site.Name, "Version"), "仅允许字母、数字、点、下划线与连字符")
		}

		for _, asset := range site.Assets {
			if err := validateAsset(asset); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "Assets"), err)
			}
		}

		if site.NavigationFallback != "" && !strings.HasPrefix(site.NavigationFallback, "/") {
			return newFieldError(siteField(site.Name, "NavigationFallback"), "必须以 / 开头")
		}
		if _, err := site.ResolvePolicy(); err != nil {
			return newFieldError(siteField(site.Name, "Profile"), err.Error())
		}

		if (site.Username == "") != (site.Password == "") {
			return newFieldError(siteField(site.Name, "Username/Password"), "必须同时提供或同时留空")
		}
	}

	return nil
}

func (g GlobalConfig) validate() error {
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, ok := supportedBackends[g.StorageBackend]; !ok {
		return newFieldError("Global.StorageBackend", "仅支持 "+supportedBackendList)
	}
	switch g.StorageBackend {
	case "fs":
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "不能为空")
		}
	case "sqlite":
		if g.StoragePath == "" && g.StorageDSN == "" {
			return newFieldError("Global.StorageDSN", "sqlite 需要 StorageDSN 或 StoragePath")
		}
	case "postgres", "mysql":
		if g.StorageDSN == "" {
			return newFieldError("Global.StorageDSN", "不能为空")
		}
	case "redis":
		if g.RedisAddr == "" {
			return newFieldError("Global.RedisAddr", "不能为空")
		}
	}
	if _, ok := supportedCodecs[g.Codec]; !ok {
		return newFieldError("Global.Codec", "仅支持 msgpack|cbor|json")
	}
	if g.MaxEntrySize < 0 {
		return newFieldError("Global.MaxEntrySize", "不能为负数")
	}
	if g.MemoryTierSize < 0 {
		return newFieldError("Global.MemoryTierSize", "不能为负数")
	}
	if g.MemoryLifeWindow.DurationValue() < 0 {
		return newFieldError("Global.MemoryLifeWindow", "不能为负数")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	// 0 表示不设置上游超时
	if g.UpstreamTimeout.DurationValue() < 0 {
		return newFieldError("Global.UpstreamTimeout", "不能为负数")
	}
	if g.PrecacheConcurrency <= 0 {
		return newFieldError("Global.PrecacheConcurrency", "必须大于 0")
	}
	if g.ClientIdleTimeout.DurationValue() <= 0 {
		return newFieldError("Global.ClientIdleTimeout", "必须大于 0")
	}
	return nil
}

func normalizeHostName(host string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
}

func claimHost(seen map[string]string, host, site string) error {
	normalized := normalizeHostName(host)
	if owner, exists := seen[normalized]; exists {
		return fmt.Errorf("Host %s 已被站点 %s 使用", normalized, owner)
	}
	seen[normalized] = site
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

// validateOrigin 要求地址只包含 scheme 与 host，缓存键以源 + 请求路径拼接。
func validateOrigin(raw string) error {
	if err := validateUpstream(raw); err != nil {
		return err
	}
	parsed, _ := url.Parse(raw)
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("源地址不允许包含路径: %s", raw)
	}
	if parsed.RawQuery != "" {
		return fmt.Errorf("源地址不允许包含查询参数: %s", raw)
	}
	return nil
}

func validateAsset(raw string) error {
	if strings.HasPrefix(raw, "/") {
		return nil
	}
	if err := validateUpstream(raw); err != nil {
		return fmt.Errorf("资源需为站点相对路径或绝对 URL: %s", raw)
	}
	return nil
}
