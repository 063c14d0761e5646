package config

import (
	"fmt"
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

// GlobalConfig 描述全局运行时行为，所有站点共享同一份参数。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	// StorageBackend 取值 fs|sqlite|postgres|mysql|redis|memory。
	StorageBackend string `mapstructure:"StorageBackend"`
	StoragePath    string `mapstructure:"StoragePath"`
	StorageDSN     string `mapstructure:"StorageDSN"`
	RedisAddr      string `mapstructure:"RedisAddr"`
	RedisPassword  string `mapstructure:"RedisPassword"`
	RedisDB        int    `mapstructure:"RedisDB"`

	// Codec 取值 msgpack|cbor|json，Compress 打开后条目以 zstd 帧写入。
	Codec            string   `mapstructure:"Codec"`
	Compress         bool     `mapstructure:"Compress"`
	MaxEntrySize     int64    `mapstructure:"MaxEntrySize"`
	MemoryTierSize   int64    `mapstructure:"MemoryTierSize"`
	MemoryLifeWindow Duration `mapstructure:"MemoryLifeWindow"`

	MaxRetries          int      `mapstructure:"MaxRetries"`
	InitialBackoff      Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout     Duration `mapstructure:"UpstreamTimeout"`
	PrecacheConcurrency int      `mapstructure:"PrecacheConcurrency"`
	ClientIdleTimeout   Duration `mapstructure:"ClientIdleTimeout"`
}

// SiteConfig 描述一个被离线缓存代理的站点。
type SiteConfig struct {
	Name     string `mapstructure:"Name"`
	Domain   string `mapstructure:"Domain"`
	Upstream string `mapstructure:"Upstream"`
	Proxy    string `mapstructure:"Proxy"`
	// CrossOrigins 列出页面引用的 CDN 源（如 https://cdn.jsdelivr.net），其 Host 也会路由到本站点。
	CrossOrigins []string `mapstructure:"CrossOrigins"`
	// Version 是当前缓存 generation 名称，例如 kraft-v5；变更即触发重新安装。
	Version string   `mapstructure:"Version"`
	Assets  []string `mapstructure:"Assets"`

	Profile             string   `mapstructure:"Profile"`
	StaticStrategy      string   `mapstructure:"StaticStrategy"`
	DynamicStrategy     string   `mapstructure:"DynamicStrategy"`
	DynamicPatterns     []string `mapstructure:"DynamicPatterns"`
	CacheOpaque         *bool    `mapstructure:"CacheOpaque"`
	FallbackOnHTTPError *bool    `mapstructure:"FallbackOnHTTPError"`
	NavigationFallback  string   `mapstructure:"NavigationFallback"`

	EagerTakeover *bool `mapstructure:"EagerTakeover"`
	ClaimClients  *bool `mapstructure:"ClaimClients"`

	Username string `mapstructure:"Username"`
	Password string `mapstructure:"Password"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Sites  []SiteConfig `mapstructure:"Site"`
}

// HasCredentials 表示当前站点是否配置了完整的上游凭证。
func (s SiteConfig) HasCredentials() bool {
	return s.Username != "" && s.Password != ""
}

// AuthMode 输出 `credentialed` 或 `anonymous`，供日志字段使用。
func (s SiteConfig) AuthMode() string {
	if s.HasCredentials() {
		return "credentialed"
	}
	return "anonymous"
}

// CredentialModes 返回所有站点的鉴权模式摘要，例如 kraft:anonymous。
func CredentialModes(sites []SiteConfig) []string {
	if len(sites) == 0 {
		return nil
	}
	result := make([]string, len(sites))
	for i, site := range sites {
		result[i] = fmt.Sprintf("%s:%s", site.Name, site.AuthMode())
	}
	return result
}

// EagerTakeoverEnabled 未配置时默认 true：安装完成立即激活。
func (s SiteConfig) EagerTakeoverEnabled() bool {
	return boolOrDefault(s.EagerTakeover, true)
}

// ClaimClientsEnabled 未配置时默认 true：激活后立即接管已打开的客户端。
func (s SiteConfig) ClaimClientsEnabled() bool {
	return boolOrDefault(s.ClaimClients, true)
}

func boolOrDefault(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
