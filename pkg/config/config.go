package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ExecutorConfig 执行器参数
type ExecutorConfig struct {
	ExecutionWindow Duration `yaml:"execution_window" json:"execution_window"` // 正向执行窗口，默认 30s
	RollbackWindow  Duration `yaml:"rollback_window" json:"rollback_window"`   // 回滚窗口，默认 5s，必须小于执行窗口
	PollInterval    Duration `yaml:"poll_interval" json:"poll_interval"`       // 成交轮询间隔，默认 250ms
	CallTimeout     Duration `yaml:"call_timeout" json:"call_timeout"`         // 单次券商/存储调用超时，默认 5s
	Retention       Duration `yaml:"retention" json:"retention"`               // 终态组保留时长，默认 168h，0 表示不清理
	JanitorInterval Duration `yaml:"janitor_interval" json:"janitor_interval"` // 后台巡检间隔，默认 1m
}

// StoreConfig 持久化存储
type StoreConfig struct {
	Driver string `yaml:"driver" json:"driver"` // badger | sqlite | file
	Path   string `yaml:"path" json:"path"`
}

// RateLimitConfig 令牌桶
type RateLimitConfig struct {
	Capacity        int     `yaml:"capacity" json:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second" json:"refill_per_second"` // <=0 不限流
}

// PaperConfig 纸交易券商
type PaperConfig struct {
	FillLatency           Duration `yaml:"fill_latency" json:"fill_latency"`
	RejectInstruments     []string `yaml:"reject_instruments" json:"reject_instruments"`
	UntradableInstruments []string `yaml:"untradable_instruments" json:"untradable_instruments"`
	NeverFillInstruments  []string `yaml:"never_fill_instruments" json:"never_fill_instruments"`
}

// GatewayConfig 券商网关
type GatewayConfig struct {
	Mode      string          `yaml:"mode" json:"mode"` // paper | rest
	BaseURL   string          `yaml:"base_url" json:"base_url"`
	APIKey    string          `yaml:"api_key" json:"api_key"`
	Timeout   Duration        `yaml:"timeout" json:"timeout"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	StreamURL string          `yaml:"stream_url" json:"stream_url"` // 为空则只靠轮询
	Paper     PaperConfig     `yaml:"paper" json:"paper"`
}

// RiskConfig 风控
type RiskConfig struct {
	MaxLegs                int      `yaml:"max_legs" json:"max_legs"`
	MaxLegQuantity         int64    `yaml:"max_leg_quantity" json:"max_leg_quantity"`
	BlockedInstruments     []string `yaml:"blocked_instruments" json:"blocked_instruments"`
	RemoteURL              string   `yaml:"remote_url" json:"remote_url"`
	RemoteTimeout          Duration `yaml:"remote_timeout" json:"remote_timeout"`
	MaxConsecutiveFailures int64    `yaml:"max_consecutive_failures" json:"max_consecutive_failures"`
}

// AlertConfig 告警
type AlertConfig struct {
	WebhookURL string `yaml:"webhook_url" json:"webhook_url"`
	History    int    `yaml:"history" json:"history"` // 控制面可查询的最近告警数量
}

// ListenConfig HTTP 监听地址，为空表示不启动
type ListenConfig struct {
	Listen string `yaml:"listen" json:"listen"`
}

// LogConfig 日志
type LogConfig struct {
	Level      string `yaml:"level" json:"level"`
	File       string `yaml:"file" json:"file"`
	MaxSize    int    `yaml:"max_size" json:"max_size"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAge     int    `yaml:"max_age" json:"max_age"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

// Config atomicd 全局配置
type Config struct {
	Executor ExecutorConfig `yaml:"executor" json:"executor"`
	Store    StoreConfig    `yaml:"store" json:"store"`
	Gateway  GatewayConfig  `yaml:"gateway" json:"gateway"`
	Risk     RiskConfig     `yaml:"risk" json:"risk"`
	Alert    AlertConfig    `yaml:"alert" json:"alert"`
	Server   ListenConfig   `yaml:"server" json:"server"`
	Metrics  ListenConfig   `yaml:"metrics" json:"metrics"`
	Log      LogConfig      `yaml:"log" json:"log"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Executor: ExecutorConfig{
			ExecutionWindow: D(30 * time.Second),
			RollbackWindow:  D(5 * time.Second),
			PollInterval:    D(250 * time.Millisecond),
			CallTimeout:     D(5 * time.Second),
			Retention:       D(168 * time.Hour),
			JanitorInterval: D(time.Minute),
		},
		Store: StoreConfig{
			Driver: "badger",
			Path:   "data/groups",
		},
		Gateway: GatewayConfig{
			Mode:    "paper",
			Timeout: D(5 * time.Second),
			RateLimit: RateLimitConfig{
				Capacity:        10,
				RefillPerSecond: 10,
			},
			Paper: PaperConfig{
				FillLatency: D(200 * time.Millisecond),
			},
		},
		Risk: RiskConfig{
			RemoteTimeout:          D(2 * time.Second),
			MaxConsecutiveFailures: 5,
		},
		Alert: AlertConfig{
			History: 200,
		},
		Server:  ListenConfig{Listen: ":8080"},
		Metrics: ListenConfig{Listen: ":9090"},
		Log: LogConfig{
			Level:      "info",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		},
	}
}

// Load 加载配置（优先级：环境变量 > 配置文件 > 默认值）。filePath 为空时只用默认值和环境变量。
func Load(filePath string) (*Config, error) {
	cfg := Default()
	if filePath != "" {
		if err := loadConfigFile(filePath, cfg); err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadConfigFile 在默认值之上解析文件，未出现的字段保持默认
func loadConfigFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("解析 YAML 配置文件失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("解析 JSON 配置文件失败: %w", err)
		}
	default:
		return fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}
	return nil
}

// applyEnv 用环境变量覆盖（通常来自 .env）
func applyEnv(c *Config) error {
	var err error
	durations := []struct {
		key string
		dst *Duration
	}{
		{"EXECUTION_WINDOW", &c.Executor.ExecutionWindow},
		{"ROLLBACK_WINDOW", &c.Executor.RollbackWindow},
		{"POLL_INTERVAL", &c.Executor.PollInterval},
		{"CALL_TIMEOUT", &c.Executor.CallTimeout},
		{"RETENTION", &c.Executor.Retention},
		{"GATEWAY_TIMEOUT", &c.Gateway.Timeout},
	}
	for _, d := range durations {
		if d.dst.Duration, err = parseDurationEnv(d.key, d.dst.Duration); err != nil {
			return err
		}
	}

	c.Store.Driver = getEnv("STORE_DRIVER", c.Store.Driver)
	c.Store.Path = getEnv("STORE_PATH", c.Store.Path)

	c.Gateway.Mode = getEnv("GATEWAY_MODE", c.Gateway.Mode)
	c.Gateway.BaseURL = getEnv("GATEWAY_BASE_URL", c.Gateway.BaseURL)
	c.Gateway.APIKey = getEnv("GATEWAY_API_KEY", c.Gateway.APIKey)
	c.Gateway.StreamURL = getEnv("GATEWAY_STREAM_URL", c.Gateway.StreamURL)
	c.Gateway.RateLimit.Capacity = parseIntEnv("GATEWAY_RATE_CAPACITY", c.Gateway.RateLimit.Capacity)
	c.Gateway.RateLimit.RefillPerSecond = parseFloatEnv("GATEWAY_RATE_REFILL", c.Gateway.RateLimit.RefillPerSecond)

	c.Risk.MaxLegs = parseIntEnv("RISK_MAX_LEGS", c.Risk.MaxLegs)
	c.Risk.MaxLegQuantity = int64(parseIntEnv("RISK_MAX_LEG_QUANTITY", int(c.Risk.MaxLegQuantity)))
	c.Risk.RemoteURL = getEnv("RISK_REMOTE_URL", c.Risk.RemoteURL)
	if v := os.Getenv("RISK_BLOCKED_INSTRUMENTS"); v != "" {
		c.Risk.BlockedInstruments = parseList(v)
	}

	c.Alert.WebhookURL = getEnv("ALERT_WEBHOOK_URL", c.Alert.WebhookURL)
	c.Server.Listen = getEnv("SERVER_LISTEN", c.Server.Listen)
	c.Metrics.Listen = getEnv("METRICS_LISTEN", c.Metrics.Listen)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("LOG_FILE", c.Log.File)
	c.Log.Compress = parseBoolEnv("LOG_COMPRESS", c.Log.Compress)
	return nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	ex := c.Executor
	if ex.ExecutionWindow.Duration <= 0 {
		return fmt.Errorf("executor.execution_window 必须大于 0")
	}
	if ex.RollbackWindow.Duration <= 0 {
		return fmt.Errorf("executor.rollback_window 必须大于 0")
	}
	if ex.RollbackWindow.Duration >= ex.ExecutionWindow.Duration {
		return fmt.Errorf("executor.rollback_window (%s) 必须小于 execution_window (%s)", ex.RollbackWindow, ex.ExecutionWindow)
	}
	if ex.PollInterval.Duration < 0 || ex.CallTimeout.Duration < 0 || ex.Retention.Duration < 0 {
		return fmt.Errorf("executor 时长参数不能为负数")
	}

	switch strings.ToLower(c.Store.Driver) {
	case "badger", "sqlite", "file":
	default:
		return fmt.Errorf("未知的存储驱动: %s (支持 badger, sqlite, file)", c.Store.Driver)
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path 不能为空")
	}

	switch strings.ToLower(c.Gateway.Mode) {
	case "paper":
	case "rest":
		if c.Gateway.BaseURL == "" {
			return fmt.Errorf("gateway.mode=rest 时 gateway.base_url 不能为空")
		}
	default:
		return fmt.Errorf("未知的网关模式: %s (支持 paper, rest)", c.Gateway.Mode)
	}
	if c.Gateway.RateLimit.Capacity < 0 {
		return fmt.Errorf("gateway.rate_limit.capacity 不能为负数")
	}

	if c.Risk.MaxLegs < 0 || c.Risk.MaxLegQuantity < 0 {
		return fmt.Errorf("risk 限制不能为负数")
	}
	if c.Alert.History < 0 {
		return fmt.Errorf("alert.history 不能为负数")
	}
	return nil
}

// parseList 解析逗号分隔列表
func parseList(str string) []string {
	parts := strings.Split(str, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseFloatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseDurationEnv 时长写错直接报错，避免静默使用默认窗口
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := parseDurationString(value)
	if err != nil {
		return 0, fmt.Errorf("环境变量 %s: %w", key, err)
	}
	return d, nil
}
