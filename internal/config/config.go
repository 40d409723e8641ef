package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// 支持的存储后端。
const (
	BackendMySQL  = "mysql"
	BackendSQLite = "sqlite"
)

// Config 保存应用程序配置。
type Config struct {
	App        AppConfig               `json:"app"`
	Storage    StorageConfig           `json:"storage"`
	Redis      RedisConfig             `json:"redis"`
	Browser    BrowserConfig           `json:"browser"`
	Credential CredentialConfig        `json:"credential"`
	Sources    map[string]SourceConfig `json:"sources"`

	// path 记录配置加载来源，Save 回写凭证时复用。
	path string
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env              string        `json:"env"`                // 运行环境: local / prod
	LogLevel         string        `json:"log_level"`          // 日志级别: debug / info / warn / error
	HTTPAddr         string        `json:"http_addr"`          // 查询 API 监听地址
	RollupWindowDays int           `json:"rollup_window_days"` // 聚合任务回看窗口（天）
	RuleReloadTTL    time.Duration `json:"rule_reload_ttl"`    // 规则快照自动刷新间隔
}

// StorageConfig 数据库配置，backend 取 mysql 或 sqlite。
type StorageConfig struct {
	Backend string `json:"backend"`
	DSN     string `json:"dsn"`  // MySQL 连接串
	Path    string `json:"path"` // SQLite 文件路径
}

// RedisConfig Redis 配置（凭证刷新互斥锁使用）。
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
}

// BrowserConfig 交互式凭证刷新使用的浏览器配置。
type BrowserConfig struct {
	BinPath  string `json:"bin_path"` // 浏览器可执行文件路径（空则自动下载）
	Headless bool   `json:"headless"` // 刷新凭证需要人工登录，默认有头
}

// CredentialConfig 凭证刷新流程配置。
type CredentialConfig struct {
	Timeout      time.Duration `json:"timeout"`       // 等待用户完成登录的上限
	PollInterval time.Duration `json:"poll_interval"` // Cookie 轮询间隔
	WaitForLock  bool          `json:"wait_for_lock"` // 锁被占时阻塞等待还是立即失败
}

// SourceConfig 单个数据源的采集参数，对核心透明，透传给 Fetcher。
type SourceConfig struct {
	Keywords   string   `json:"keywords"`    // 搜索关键词（逗号分隔）
	Pages      int      `json:"pages"`       // 抓取页数上限
	LoginURL   string   `json:"login_url"`   // 凭证刷新入口页
	Cookie     string   `json:"cookie"`      // 当前会话 Cookie（刷新流程回写）
	CookieKeys []string `json:"cookie_keys"` // 判定登录完成所需的 Cookie 键
	CSVPath    string   `json:"csv_path"`    // offline_csv 源的导入目录/文件
}

// Load 从 JSON 文件加载配置。
//
// 配置文件不存在时使用默认值；环境变量始终优先覆盖文件内容。
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		cfg.path = path
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.path = path

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// Save 保存配置到加载时的路径（凭证刷新成功后回写 Cookie）。
func (c *Config) Save() error {
	path := c.path
	if path == "" {
		path = "configs/config.json"
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Source 返回指定源的配置，未配置时返回零值。
func (c *Config) Source(name string) SourceConfig {
	if c.Sources == nil {
		return SourceConfig{}
	}
	return c.Sources[name]
}

// SetSourceCookie 更新指定源的 Cookie（不存在则创建条目）。
func (c *Config) SetSourceCookie(name, cookie string) {
	if c.Sources == nil {
		c.Sources = map[string]SourceConfig{}
	}
	src := c.Sources[name]
	src.Cookie = cookie
	c.Sources[name] = src
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:              "local",
			LogLevel:         "info",
			HTTPAddr:         ":8082",
			RollupWindowDays: 30,
			RuleReloadTTL:    5 * time.Minute,
		},
		Storage: StorageConfig{
			Backend: BackendMySQL,
			DSN:     "root:password@tcp(localhost:3306)/fish_intel?parseTime=true&loc=Local",
			Path:    "intel.db",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
		},
		Browser: BrowserConfig{
			BinPath:  "",
			Headless: false,
		},
		Credential: CredentialConfig{
			Timeout:      3 * time.Minute,
			PollInterval: time.Second,
			WaitForLock:  false,
		},
		Sources: map[string]SourceConfig{
			"taobao": {
				Keywords:   "三文鱼",
				Pages:      1,
				LoginURL:   "https://login.taobao.com/member/login.jhtml",
				CookieKeys: []string{"_m_h5_tk", "_m_h5_tk_enc"},
			},
			"offline_csv": {
				CSVPath: "data",
			},
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.RollupWindowDays == 0 {
		cfg.App.RollupWindowDays = defaults.App.RollupWindowDays
	}
	if cfg.App.RuleReloadTTL == 0 {
		cfg.App.RuleReloadTTL = defaults.App.RuleReloadTTL
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = defaults.Storage.Backend
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = defaults.Storage.DSN
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = defaults.Storage.Path
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if cfg.Credential.Timeout == 0 {
		cfg.Credential.Timeout = defaults.Credential.Timeout
	}
	if cfg.Credential.PollInterval == 0 {
		cfg.Credential.PollInterval = defaults.Credential.PollInterval
	}
	if cfg.Sources == nil {
		cfg.Sources = defaults.Sources
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("chrome_bin", "CHROME_BIN")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("ROLLUP_WINDOW_DAYS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			cfg.App.RollupWindowDays = i
		}
	}
	if v := os.Getenv("RULE_RELOAD_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.RuleReloadTTL = d
		}
	}

	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		backend := strings.ToLower(strings.TrimSpace(v))
		if backend == BackendMySQL || backend == BackendSQLite {
			cfg.Storage.Backend = backend
		}
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.Path = v
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.Storage.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.Storage.DSN)
		if v := viper.GetString("db_host"); v != "" {
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = v + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.Storage.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := viper.GetString("chrome_bin"); v != "" {
		cfg.Browser.BinPath = v
	}
	if v := os.Getenv("BROWSER_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.Headless = b
		}
	}

	if v := os.Getenv("CREDENTIAL_REFRESH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Credential.Timeout = d
		}
	}
	if v := os.Getenv("CREDENTIAL_REFRESH_POLL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Credential.PollInterval = d
		}
	}
	if v := os.Getenv("CREDENTIAL_WAIT_FOR_LOCK"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Credential.WaitForLock = b
		}
	}

	// 形如 TAOBAO_COOKIE 的环境变量覆盖对应源的 Cookie。
	for name, src := range cfg.Sources {
		envKey := strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_COOKIE"
		if v := os.Getenv(envKey); v != "" {
			src.Cookie = v
			cfg.Sources[name] = src
		}
	}
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func parseMySQLDSN(dsn string) *mysql.Config {
	fallback := &mysql.Config{
		User:   "root",
		Passwd: "",
		Net:    "tcp",
		Addr:   "localhost:3306",
		DBName: "fish_intel",
		Params: map[string]string{
			"parseTime": "true",
			"loc":       "Local",
		},
	}
	if dsn == "" {
		return fallback
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return fallback
	}
	return parsed
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		RuleReloadTTL string `json:"rule_reload_ttl"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.RuleReloadTTL != "" {
		d, err := time.ParseDuration(aux.RuleReloadTTL)
		if err != nil {
			return fmt.Errorf("invalid rule_reload_ttl format: %w", err)
		}
		a.RuleReloadTTL = d
	}
	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (a AppConfig) MarshalJSON() ([]byte, error) {
	type Alias AppConfig
	return json.Marshal(&struct {
		RuleReloadTTL string `json:"rule_reload_ttl"`
		*Alias
	}{
		RuleReloadTTL: a.RuleReloadTTL.String(),
		Alias:         (*Alias)(&a),
	})
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串。
func (c *CredentialConfig) UnmarshalJSON(data []byte) error {
	type Alias CredentialConfig
	aux := &struct {
		Timeout      string `json:"timeout"`
		PollInterval string `json:"poll_interval"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.Timeout != "" {
		d, err := time.ParseDuration(aux.Timeout)
		if err != nil {
			return fmt.Errorf("invalid credential timeout format: %w", err)
		}
		c.Timeout = d
	}
	if aux.PollInterval != "" {
		d, err := time.ParseDuration(aux.PollInterval)
		if err != nil {
			return fmt.Errorf("invalid credential poll_interval format: %w", err)
		}
		c.PollInterval = d
	}
	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (c CredentialConfig) MarshalJSON() ([]byte, error) {
	type Alias CredentialConfig
	return json.Marshal(&struct {
		Timeout      string `json:"timeout"`
		PollInterval string `json:"poll_interval"`
		*Alias
	}{
		Timeout:      c.Timeout.String(),
		PollInterval: c.PollInterval.String(),
		Alias:        (*Alias)(&c),
	})
}
