package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App      AppConfig      `json:"app"`
	Redis    RedisConfig    `json:"redis"`
	Cache    CacheConfig    `json:"cache"`
	Browser  BrowserConfig  `json:"browser"`
	Emarsys  EmarsysConfig  `json:"emarsys"`
	Security SecurityConfig `json:"security"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env               string        `json:"env"`                // 运行环境: local / prod
	LogLevel          string        `json:"log_level"`          // 日志级别: debug / info / warn / error
	HTTPAddr          string        `json:"http_addr"`          // API 服务监听地址
	ScrapeTimeout     time.Duration `json:"scrape_timeout"`     // 单次抓取默认超时
	JobAttempts       int           `json:"job_attempts"`       // 队列任务最大尝试次数
	JobBackoff        time.Duration `json:"job_backoff"`        // 指数退避基准间隔
	WorkerConcurrency int           `json:"worker_concurrency"` // Worker 并发页面数
	RateLimit         float64       `json:"rate_limit"`         // 限流速率（token/s），0 表示关闭
	RateBurst         float64       `json:"rate_burst"`         // 限流桶容量
}

// RedisConfig 队列与缓存后端配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// CacheConfig 结果缓存配置。
type CacheConfig struct {
	TTL      time.Duration `json:"ttl"`       // 缓存存活时间
	MaxItems int           `json:"max_items"` // 进程内缓存最大条目数
}

// BrowserConfig 浏览器配置。
type BrowserConfig struct {
	BinPath  string `json:"bin_path"` // 浏览器可执行文件路径（为空则自动下载）
	Headless bool   `json:"headless"` // 默认无头模式
}

// EmarsysConfig 目标站点与 Scarab 组件的默认参数。
type EmarsysConfig struct {
	URL      string `json:"url"`       // 默认目标 URL
	ScarabID string `json:"scarab_id"` // Scarab merchant ID
	Username string `json:"username"`  // 默认登录用户名
	Password string `json:"password"`  // 默认登录密码
}

// SecurityConfig API 访问控制配置。
type SecurityConfig struct {
	APIKeys []string `json:"api_keys"` // 合法的 API Key 列表（为空表示拒绝所有受保护请求）
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值。
// 环境变量始终优先覆盖文件中的配置。
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

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

// LoadOrDefault 加载配置，如果失败则返回默认配置（不报错）。
func LoadOrDefault(configPath ...string) *Config {
	cfg, err := Load(configPath...)
	if err != nil {
		fallback := getDefaultConfig()
		applyEnvOverrides(fallback)
		return fallback
	}
	return cfg
}

// getDefaultConfig 返回默认配置。默认值与原始部署保持兼容。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:               "local",
			LogLevel:          "info",
			HTTPAddr:          ":3000",
			ScrapeTimeout:     60 * time.Second,
			JobAttempts:       3,
			JobBackoff:        5 * time.Second,
			WorkerConcurrency: 2,
			RateLimit:         0,
			RateBurst:         0,
		},
		Redis: RedisConfig{
			Addr:     "localhost:15021",
			Password: "",
		},
		Cache: CacheConfig{
			TTL:      time.Hour,
			MaxItems: 100,
		},
		Browser: BrowserConfig{
			BinPath:  "",
			Headless: true,
		},
		Emarsys: EmarsysConfig{
			URL: "https://extend.emarsys.com",
		},
		Security: SecurityConfig{},
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
	if cfg.App.ScrapeTimeout == 0 {
		cfg.App.ScrapeTimeout = defaults.App.ScrapeTimeout
	}
	if cfg.App.JobAttempts == 0 {
		cfg.App.JobAttempts = defaults.App.JobAttempts
	}
	if cfg.App.JobBackoff == 0 {
		cfg.App.JobBackoff = defaults.App.JobBackoff
	}
	if cfg.App.WorkerConcurrency == 0 {
		cfg.App.WorkerConcurrency = defaults.App.WorkerConcurrency
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = defaults.Cache.TTL
	}
	if cfg.Cache.MaxItems == 0 {
		cfg.Cache.MaxItems = defaults.Cache.MaxItems
	}
	if cfg.Emarsys.URL == "" {
		cfg.Emarsys.URL = defaults.Emarsys.URL
	}
}

// applyEnvOverrides 应用环境变量覆盖。变量名与原始部署保持一致。
func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("redis_host", "REDIS_HOST")
	_ = viper.BindEnv("redis_port", "REDIS_PORT")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("emarsys_url", "EMARSYS_URL")
	_ = viper.BindEnv("emarsys_scarab_id", "EMARSYS_SCARAB_ID")
	_ = viper.BindEnv("emarsys_username", "EMARSYS_USERNAME")
	_ = viper.BindEnv("emarsys_password", "EMARSYS_PASSWORD")
	_ = viper.BindEnv("api_keys", "API_KEYS")
	_ = viper.BindEnv("chrome_bin", "CHROME_BIN")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.App.HTTPAddr = ":" + v
	}
	if v := os.Getenv("SCRAPING_TIMEOUT"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.App.ScrapeTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.WorkerConcurrency = i
		}
	}
	if v := os.Getenv("SCRAPE_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateLimit = f
		}
	}
	if v := os.Getenv("SCRAPE_RATE_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateBurst = f
		}
	}

	host := viper.GetString("redis_host")
	port := viper.GetString("redis_port")
	if host != "" || port != "" {
		if host == "" {
			host = "localhost"
		}
		if port == "" {
			port = "15021"
		}
		cfg.Redis.Addr = host + ":" + port
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("CACHE_TTL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.Cache.TTL = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("CACHE_MAX_ITEMS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			cfg.Cache.MaxItems = i
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

	if v := viper.GetString("emarsys_url"); v != "" {
		cfg.Emarsys.URL = v
	}
	if v := viper.GetString("emarsys_scarab_id"); v != "" {
		cfg.Emarsys.ScarabID = v
	}
	if v := viper.GetString("emarsys_username"); v != "" {
		cfg.Emarsys.Username = v
	}
	if v := viper.GetString("emarsys_password"); v != "" {
		cfg.Emarsys.Password = v
	}

	if v := viper.GetString("api_keys"); v != "" {
		keys := make([]string, 0)
		for _, key := range strings.Split(v, ",") {
			if key = strings.TrimSpace(key); key != "" {
				keys = append(keys, key)
			}
		}
		cfg.Security.APIKeys = keys
	}
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串（如 "60s"）。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		ScrapeTimeout string `json:"scrape_timeout"`
		JobBackoff    string `json:"job_backoff"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.ScrapeTimeout != "" {
		d, err := time.ParseDuration(aux.ScrapeTimeout)
		if err != nil {
			return fmt.Errorf("invalid scrape_timeout format: %w", err)
		}
		a.ScrapeTimeout = d
	}
	if aux.JobBackoff != "" {
		d, err := time.ParseDuration(aux.JobBackoff)
		if err != nil {
			return fmt.Errorf("invalid job_backoff format: %w", err)
		}
		a.JobBackoff = d
	}
	return nil
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串（如 "1h"）。
func (c *CacheConfig) UnmarshalJSON(data []byte) error {
	type Alias CacheConfig
	aux := &struct {
		TTL string `json:"ttl"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.TTL != "" {
		d, err := time.ParseDuration(aux.TTL)
		if err != nil {
			return fmt.Errorf("invalid cache ttl format: %w", err)
		}
		c.TTL = d
	}
	return nil
}
