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

// Config 保存应用程序配置。
type Config struct {
	App      AppConfig      `json:"app"`
	MySQL    MySQLConfig    `json:"mysql"`
	Redis    RedisConfig    `json:"redis"`
	Upstream UpstreamConfig `json:"upstream"`
	Browser  BrowserConfig  `json:"browser"`
	Email    EmailConfig    `json:"email"`
	Security SecurityConfig `json:"security"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env              string        `json:"env"`                // 运行环境: local / prod
	LogLevel         string        `json:"log_level"`          // 日志级别: debug / info / warn / error
	HTTPAddr         string        `json:"http_addr"`          // API 服务监听地址
	WatchInterval    time.Duration `json:"watch_interval"`     // 监控清单轮询间隔（如 "30m"）
	Concurrency      int           `json:"concurrency"`        // 调度器 worker 数（每个批量任务的关键词并发）
	QueueCapacity    int           `json:"queue_capacity"`     // 调度器队列容量
	MinProviders     int           `json:"min_providers"`      // 混合采集的接口数据充足阈值
	SupplierCap      int           `json:"supplier_cap"`       // 每个关键词最多展开的供应商数
	APIConcurrency   int           `json:"api_concurrency"`    // 供应商热销接口的并发数
	KeywordTimeout   time.Duration `json:"keyword_timeout"`    // 单个关键词的总时间预算
	KeywordRetries   int           `json:"keyword_retries"`    // 单个关键词的最大重试次数
	DedupWindow      int           `json:"dedup_window"`       // 关键词去重窗口（秒）
	TaskQueueStream  string        `json:"task_queue_stream"`  // Redis Stream 名称
	TaskQueueGroup   string        `json:"task_queue_group"`   // Consumer Group 名称
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串
}

// RedisConfig Redis 缓存配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// UpstreamConfig 上游批发市场配置。
type UpstreamConfig struct {
	BaseURL        string        `json:"base_url"`         // 上游站点根地址
	Phone          string        `json:"phone"`            // 登录账号
	Password       string        `json:"password"`         // 登录密码
	TokenCachePath string        `json:"token_cache_path"` // Token 缓存文件路径
	RateLimit      float64       `json:"rate_limit"`       // 限流速率（req/s）
	RateBurst      float64       `json:"rate_burst"`       // 限流桶容量
	CallTimeout    time.Duration `json:"call_timeout"`     // 单次接口调用超时
}

// BrowserConfig 浏览器采集配置。
type BrowserConfig struct {
	BinPath        string        `json:"bin_path"`        // 浏览器可执行文件路径
	Headless       bool          `json:"headless"`        // 是否使用无头模式
	MaxConcurrency int           `json:"max_concurrency"` // 最大并发页面数
	MaxFetchCount  int           `json:"max_fetch_count"` // 每次采集最大卡片数量
	PageTimeout    time.Duration `json:"page_timeout"`    // 页面总超时
	ActionTimeout  time.Duration `json:"action_timeout"`  // 单个页面操作超时
}

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
	ToEmail   string `json:"to_email"` // 告警接收邮箱（单操作员）
}

// SecurityConfig 安全相关配置。
type SecurityConfig struct {
	JWTSecret        string `json:"jwt_secret"`        // JWT 签名密钥
	OperatorName     string `json:"operator_name"`     // 操作员账号
	OperatorPassword string `json:"operator_password"` // 操作员密码（bcrypt 哈希或明文，见 auth 包）
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值。
// 环境变量始终优先覆盖文件内容。
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	// 如果配置文件不存在，使用默认配置
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
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

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// Save 保存配置到 JSON 文件。
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:             "local",
			LogLevel:        "info",
			HTTPAddr:        ":8081",
			WatchInterval:   30 * time.Minute,
			Concurrency:     3,
			QueueCapacity:   200,
			MinProviders:    5,
			SupplierCap:     100,
			APIConcurrency:  8,
			KeywordTimeout:  180 * time.Second,
			KeywordRetries:  2,
			DedupWindow:     3600,
			TaskQueueStream: "pharmwatch:task:queue",
			TaskQueueGroup:  "scheduler_group",
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/pharmwatch?parseTime=true&loc=Local",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
		},
		Upstream: UpstreamConfig{
			BaseURL:        "https://dian.ysbang.cn",
			TokenCachePath: ".token_cache.json",
			RateLimit:      5,
			RateBurst:      10,
			CallTimeout:    30 * time.Second,
		},
		Browser: BrowserConfig{
			BinPath:        "",
			Headless:       true,
			MaxConcurrency: 2,
			MaxFetchCount:  100,
			PageTimeout:    60 * time.Second,
			ActionTimeout:  15 * time.Second,
		},
		Email: EmailConfig{
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
		},
		Security: SecurityConfig{
			JWTSecret:    "dev_secret_change_me",
			OperatorName: "operator",
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
	if cfg.App.WatchInterval == 0 {
		cfg.App.WatchInterval = defaults.App.WatchInterval
	}
	if cfg.App.Concurrency == 0 {
		cfg.App.Concurrency = defaults.App.Concurrency
	}
	if cfg.App.QueueCapacity == 0 {
		cfg.App.QueueCapacity = defaults.App.QueueCapacity
	}
	if cfg.App.MinProviders == 0 {
		cfg.App.MinProviders = defaults.App.MinProviders
	}
	if cfg.App.SupplierCap == 0 {
		cfg.App.SupplierCap = defaults.App.SupplierCap
	}
	if cfg.App.APIConcurrency == 0 {
		cfg.App.APIConcurrency = defaults.App.APIConcurrency
	}
	if cfg.App.KeywordTimeout == 0 {
		cfg.App.KeywordTimeout = defaults.App.KeywordTimeout
	}
	if cfg.App.KeywordRetries == 0 {
		cfg.App.KeywordRetries = defaults.App.KeywordRetries
	}
	if cfg.App.DedupWindow == 0 {
		cfg.App.DedupWindow = defaults.App.DedupWindow
	}
	if cfg.App.TaskQueueStream == "" {
		cfg.App.TaskQueueStream = defaults.App.TaskQueueStream
	}
	if cfg.App.TaskQueueGroup == "" {
		cfg.App.TaskQueueGroup = defaults.App.TaskQueueGroup
	}
	if cfg.MySQL.DSN == "" {
		cfg.MySQL.DSN = defaults.MySQL.DSN
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = defaults.Upstream.BaseURL
	}
	if cfg.Upstream.TokenCachePath == "" {
		cfg.Upstream.TokenCachePath = defaults.Upstream.TokenCachePath
	}
	if cfg.Upstream.RateLimit == 0 {
		cfg.Upstream.RateLimit = defaults.Upstream.RateLimit
	}
	if cfg.Upstream.RateBurst == 0 {
		cfg.Upstream.RateBurst = defaults.Upstream.RateBurst
	}
	if cfg.Upstream.CallTimeout == 0 {
		cfg.Upstream.CallTimeout = defaults.Upstream.CallTimeout
	}
	if cfg.Browser.MaxConcurrency == 0 {
		cfg.Browser.MaxConcurrency = defaults.Browser.MaxConcurrency
	}
	if cfg.Browser.MaxFetchCount == 0 {
		cfg.Browser.MaxFetchCount = defaults.Browser.MaxFetchCount
	}
	if cfg.Browser.PageTimeout == 0 {
		cfg.Browser.PageTimeout = defaults.Browser.PageTimeout
	}
	if cfg.Browser.ActionTimeout == 0 {
		cfg.Browser.ActionTimeout = defaults.Browser.ActionTimeout
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = defaults.Security.JWTSecret
	}
	if cfg.Security.OperatorName == "" {
		cfg.Security.OperatorName = defaults.Security.OperatorName
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("upstream_phone", "UPSTREAM_PHONE")
	_ = viper.BindEnv("upstream_password", "UPSTREAM_PASSWORD")
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
	if v := os.Getenv("APP_WATCH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.WatchInterval = d
		}
	}
	if v := os.Getenv("APP_CONCURRENCY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.Concurrency = i
		}
	}
	if v := os.Getenv("APP_QUEUE_CAPACITY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.QueueCapacity = i
		}
	}
	if v := os.Getenv("APP_MIN_PROVIDERS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.MinProviders = i
		}
	}
	if v := os.Getenv("APP_SUPPLIER_CAP"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.SupplierCap = i
		}
	}
	if v := os.Getenv("APP_API_CONCURRENCY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.APIConcurrency = i
		}
	}
	if v := os.Getenv("APP_KEYWORD_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.KeywordTimeout = d
		}
	}
	if v := os.Getenv("APP_DEDUP_WINDOW"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.DedupWindow = i
		}
	}
	if v := os.Getenv("APP_TASK_QUEUE_STREAM"); v != "" {
		cfg.App.TaskQueueStream = v
	}
	if v := os.Getenv("APP_TASK_QUEUE_GROUP"); v != "" {
		cfg.App.TaskQueueGroup = v
	}

	if v := viper.GetString("jwt_secret"); v != "" {
		cfg.Security.JWTSecret = v
	}
	if v := os.Getenv("OPERATOR_NAME"); v != "" {
		cfg.Security.OperatorName = v
	}
	if v := os.Getenv("OPERATOR_PASSWORD"); v != "" {
		cfg.Security.OperatorPassword = v
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if v := viper.GetString("db_host"); v != "" {
			host := v
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = host + ":" + port
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
		cfg.MySQL.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("UPSTREAM_BASE_URL"); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := viper.GetString("upstream_phone"); v != "" {
		cfg.Upstream.Phone = v
	}
	if v := viper.GetString("upstream_password"); v != "" {
		cfg.Upstream.Password = v
	}
	if v := os.Getenv("UPSTREAM_TOKEN_CACHE"); v != "" {
		cfg.Upstream.TokenCachePath = v
	}
	if v := os.Getenv("UPSTREAM_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Upstream.RateLimit = f
		}
	}
	if v := os.Getenv("UPSTREAM_RATE_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Upstream.RateBurst = f
		}
	}

	if v := viper.GetString("chrome_bin"); v != "" {
		cfg.Browser.BinPath = v
	}
	if v := os.Getenv("BROWSER_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.Headless = b
		}
	}
	if v := os.Getenv("BROWSER_MAX_CONCURRENCY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Browser.MaxConcurrency = i
		}
	}
	if v := os.Getenv("BROWSER_MAX_FETCH_COUNT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Browser.MaxFetchCount = i
		}
	}
	if v := os.Getenv("BROWSER_PAGE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Browser.PageTimeout = d
		}
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
	if v := os.Getenv("SMTP_TO"); v != "" {
		cfg.Email.ToEmail = v
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
		DBName: "pharmwatch",
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
		WatchInterval  string `json:"watch_interval"`
		KeywordTimeout string `json:"keyword_timeout"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.WatchInterval != "" {
		duration, err := time.ParseDuration(aux.WatchInterval)
		if err != nil {
			return fmt.Errorf("invalid watch_interval format: %w", err)
		}
		a.WatchInterval = duration
	}
	if aux.KeywordTimeout != "" {
		duration, err := time.ParseDuration(aux.KeywordTimeout)
		if err != nil {
			return fmt.Errorf("invalid keyword_timeout format: %w", err)
		}
		a.KeywordTimeout = duration
	}

	return nil
}

// MarshalJSON 自定义 JSON 序列化，将 Duration 转为字符串。
func (a AppConfig) MarshalJSON() ([]byte, error) {
	type Alias AppConfig
	return json.Marshal(&struct {
		WatchInterval  string `json:"watch_interval"`
		KeywordTimeout string `json:"keyword_timeout"`
		*Alias
	}{
		WatchInterval:  a.WatchInterval.String(),
		KeywordTimeout: a.KeywordTimeout.String(),
		Alias:          (*Alias)(&a),
	})
}

// UnmarshalJSON 解析 Upstream 配置中的 Duration 字符串。
func (u *UpstreamConfig) UnmarshalJSON(data []byte) error {
	type Alias UpstreamConfig
	aux := &struct {
		CallTimeout string `json:"call_timeout"`
		*Alias
	}{
		Alias: (*Alias)(u),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.CallTimeout != "" {
		duration, err := time.ParseDuration(aux.CallTimeout)
		if err != nil {
			return fmt.Errorf("invalid call_timeout format: %w", err)
		}
		u.CallTimeout = duration
	}
	return nil
}

// UnmarshalJSON 解析 Browser 配置中的 Duration 字符串。
func (b *BrowserConfig) UnmarshalJSON(data []byte) error {
	type Alias BrowserConfig
	aux := &struct {
		PageTimeout   string `json:"page_timeout"`
		ActionTimeout string `json:"action_timeout"`
		*Alias
	}{
		Alias: (*Alias)(b),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.PageTimeout != "" {
		duration, err := time.ParseDuration(aux.PageTimeout)
		if err != nil {
			return fmt.Errorf("invalid page_timeout format: %w", err)
		}
		b.PageTimeout = duration
	}
	if aux.ActionTimeout != "" {
		duration, err := time.ParseDuration(aux.ActionTimeout)
		if err != nil {
			return fmt.Errorf("invalid action_timeout format: %w", err)
		}
		b.ActionTimeout = duration
	}
	return nil
}
