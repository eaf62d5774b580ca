// Package config 加载网关配置：YAML/JSON 文件 + 环境变量覆盖 + 默认值
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Duration 支持 "5s"、"1m30s" 这类写法的时长
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// 也接受纯数字（秒）
		var secs float64
		if err2 := json.Unmarshal(b, &secs); err2 != nil {
			return err
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		*d = 0
		return nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(v)
	return nil
}

// ExchangeConfig 交易所连接配置
type ExchangeConfig struct {
	Env            string   `yaml:"env" json:"env"`                         // test（默认）或 prod
	BaseURL        string   `yaml:"base_url" json:"base_url"`               // 覆盖 env 对应的地址
	GrantType      string   `yaml:"grant_type" json:"grant_type"`           // client_credentials / client_signature
	RequestTimeout Duration `yaml:"request_timeout" json:"request_timeout"` // 单次调用超时
	APIKey         string   `yaml:"-" json:"-"`                             // 只从环境变量或密钥库读取
	APISecret      string   `yaml:"-" json:"-"`
	RenewMargin    Duration `yaml:"token_refresh_margin" json:"token_refresh_margin"` // token 提前续期时间
	RetryDelay     Duration `yaml:"retry_delay" json:"retry_delay"`                   // 续期失败重试间隔
	InstrumentsTTL Duration `yaml:"instruments_ttl" json:"instruments_ttl"`           // 合约列表缓存时间

	RateLimit struct {
		MatchingPerSecond    float64 `yaml:"matching_per_second" json:"matching_per_second"`
		MatchingBurst        int     `yaml:"matching_burst" json:"matching_burst"`
		NonMatchingPerSecond float64 `yaml:"non_matching_per_second" json:"non_matching_per_second"`
		NonMatchingBurst     int     `yaml:"non_matching_burst" json:"non_matching_burst"`
	} `yaml:"rate_limit" json:"rate_limit"`
}

// HubConfig WebSocket 订阅中心配置
type HubConfig struct {
	Listen         string   `yaml:"listen" json:"listen"`
	SendQueueSize  int      `yaml:"send_queue_size" json:"send_queue_size"`
	WriteTimeout   Duration `yaml:"write_timeout" json:"write_timeout"`
	PongWait       Duration `yaml:"pong_wait" json:"pong_wait"`
	MaxMessageSize int64    `yaml:"max_message_size" json:"max_message_size"`
}

// FeedConfig 行情推送配置
type FeedConfig struct {
	PollInterval Duration `yaml:"poll_interval" json:"poll_interval"`
	Depth        int      `yaml:"depth" json:"depth"`
	Concurrency  int      `yaml:"concurrency" json:"concurrency"`
}

// OrdersConfig 订单对账配置
type OrdersConfig struct {
	SyncIntervalWithOrders    Duration `yaml:"sync_interval_with_orders" json:"sync_interval_with_orders"`
	SyncIntervalWithoutOrders Duration `yaml:"sync_interval_without_orders" json:"sync_interval_without_orders"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"`
	File       string `yaml:"file" json:"file"`
	MaxSize    int    `yaml:"max_size" json:"max_size"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAge     int    `yaml:"max_age" json:"max_age"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

// SecretsConfig 加密密钥库配置
type SecretsConfig struct {
	Path string `yaml:"path" json:"path"`
	Key  string `yaml:"-" json:"-"` // SECRETSTORE_KEY
}

// Config 网关配置
type Config struct {
	Exchange     ExchangeConfig `yaml:"exchange" json:"exchange"`
	Hub          HubConfig      `yaml:"hub" json:"hub"`
	Feed         FeedConfig     `yaml:"feed" json:"feed"`
	Orders       OrdersConfig   `yaml:"orders" json:"orders"`
	Log          LogConfig      `yaml:"log" json:"log"`
	Secrets      SecretsConfig  `yaml:"secrets" json:"secrets"`
	ControlPlane struct {
		Listen string `yaml:"listen" json:"listen"` // 为空时关闭控制面
	} `yaml:"controlplane" json:"controlplane"`
	Metrics struct {
		Listen string `yaml:"listen" json:"listen"` // 为空时关闭 metrics/pprof
	} `yaml:"metrics" json:"metrics"`
}

// Default 默认配置
func Default() *Config {
	c := &Config{}
	c.Exchange.Env = "test"
	c.Exchange.GrantType = "client_credentials"
	c.Exchange.RequestTimeout = Duration(10 * time.Second)
	c.Exchange.RenewMargin = Duration(60 * time.Second)
	c.Exchange.RetryDelay = Duration(5 * time.Second)
	c.Exchange.InstrumentsTTL = Duration(5 * time.Minute)
	c.Exchange.RateLimit.MatchingPerSecond = 5
	c.Exchange.RateLimit.MatchingBurst = 20
	c.Exchange.RateLimit.NonMatchingPerSecond = 20
	c.Exchange.RateLimit.NonMatchingBurst = 100
	c.Hub.Listen = ":8080"
	c.Hub.SendQueueSize = 256
	c.Hub.WriteTimeout = Duration(10 * time.Second)
	c.Hub.PongWait = Duration(60 * time.Second)
	c.Hub.MaxMessageSize = 64 * 1024
	c.Feed.PollInterval = Duration(time.Second)
	c.Feed.Depth = 10
	c.Feed.Concurrency = 4
	c.Orders.SyncIntervalWithOrders = Duration(3 * time.Second)
	c.Orders.SyncIntervalWithoutOrders = Duration(30 * time.Second)
	c.Log.Level = "info"
	c.Log.MaxSize = 100
	c.Log.MaxBackups = 5
	c.Log.MaxAge = 7
	c.ControlPlane.Listen = ":8081"
	return c
}

// Load 加载配置：默认值 <- 配置文件（可选）<- 环境变量
func Load(filePath string) (*Config, error) {
	cfg := Default()
	if filePath != "" {
		if err := loadConfigFile(filePath, cfg); err != nil {
			return nil, errors.Wrapf(err, "加载配置文件失败 %s", filePath)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

func loadConfigFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return errors.Wrap(err, "读取配置文件失败")
	}

	switch ext := strings.ToLower(filepath.Ext(filePath)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return errors.Wrap(err, "解析 YAML 配置文件失败")
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return errors.Wrap(err, "解析 JSON 配置文件失败")
		}
	default:
		return errors.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}
	return nil
}

func applyEnv(c *Config) {
	c.Exchange.APIKey = getEnv("DERIBIT_API_KEY", c.Exchange.APIKey)
	c.Exchange.APISecret = getEnv("DERIBIT_API_SECRET", c.Exchange.APISecret)
	c.Exchange.Env = getEnv("DERIBIT_ENV", c.Exchange.Env)
	c.Exchange.BaseURL = getEnv("DERIBIT_BASE_URL", c.Exchange.BaseURL)
	c.Exchange.GrantType = getEnv("DERIBIT_GRANT_TYPE", c.Exchange.GrantType)
	c.Hub.Listen = getEnv("HUB_LISTEN", c.Hub.Listen)
	c.ControlPlane.Listen = getEnv("CONTROLPLANE_LISTEN", c.ControlPlane.Listen)
	c.Metrics.Listen = getEnv("METRICS_LISTEN", c.Metrics.Listen)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("LOG_FILE", c.Log.File)
	c.Secrets.Path = getEnv("SECRETSTORE_PATH", c.Secrets.Path)
	c.Secrets.Key = getEnv("SECRETSTORE_KEY", c.Secrets.Key)
	c.Feed.Depth = parseIntEnv("FEED_DEPTH", c.Feed.Depth)
}

// ExchangeBaseURL 按 env/base_url 解析交易所地址
func (c *Config) ExchangeBaseURL() string {
	if c.Exchange.BaseURL != "" {
		return c.Exchange.BaseURL
	}
	switch strings.ToLower(c.Exchange.Env) {
	case "prod", "production", "mainnet", "live":
		return "https://www.deribit.com/api/v2"
	}
	return "https://test.deribit.com/api/v2"
}

// HasCredentials API key/secret 是否都已配置
func (c *Config) HasCredentials() bool {
	return strings.TrimSpace(c.Exchange.APIKey) != "" && strings.TrimSpace(c.Exchange.APISecret) != ""
}

// Validate 校验配置（不检查凭证，凭证可能稍后从密钥库加载）
func (c *Config) Validate() error {
	switch strings.ToLower(c.Exchange.Env) {
	case "test", "testnet", "prod", "production", "mainnet", "live":
	default:
		return errors.Errorf("exchange.env 不合法: %q (test 或 prod)", c.Exchange.Env)
	}
	switch c.Exchange.GrantType {
	case "client_credentials", "client_signature":
	default:
		return errors.Errorf("exchange.grant_type 不合法: %q", c.Exchange.GrantType)
	}
	if c.Exchange.RequestTimeout.Std() <= 0 {
		return errors.New("exchange.request_timeout 必须大于 0")
	}
	if c.Hub.Listen == "" {
		return errors.New("hub.listen 不能为空")
	}
	if c.Hub.SendQueueSize <= 0 {
		return errors.New("hub.send_queue_size 必须大于 0")
	}
	if c.Feed.PollInterval.Std() <= 0 {
		return errors.New("feed.poll_interval 必须大于 0")
	}
	if c.Orders.SyncIntervalWithOrders.Std() <= 0 || c.Orders.SyncIntervalWithoutOrders.Std() <= 0 {
		return errors.New("orders 同步间隔必须大于 0")
	}
	if c.Secrets.Path != "" && c.Secrets.Key == "" {
		return errors.New("secrets.path 已配置但缺少 SECRETSTORE_KEY")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv 解析整数环境变量
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
