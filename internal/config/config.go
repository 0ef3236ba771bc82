package config

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"gopkg.in/yaml.v3"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server      ServerConfig
	Relay       RelayConfig
	Persistence PersistenceConfig
	Sweep       SweepConfig
	AI          AIConfig
	Log         LogConfig
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

// RelayConfig 控制实时连接的流量与缓冲。
type RelayConfig struct {
	EventRPS   float64
	EventBurst int
	OutboxSize int
}

// PersistenceConfig 描述持久化网关。
type PersistenceConfig struct {
	Backend    string
	AppURL     string
	PebblePath string
	Timeout    time.Duration
}

// SweepConfig 描述空闲会话清理任务，Cron 为空时不启用。
type SweepConfig struct {
	Cron string
	TTL  time.Duration
}

// Enabled 表示是否启用清理。
func (c SweepConfig) Enabled() bool {
	return c.Cron != ""
}

// AIConfig 描述大模型相关配置，用于站长离线时的自动回复。
type AIConfig struct {
	AutoReply     bool
	AutoReplyName string
	APIKey        string
	AccessKey     string
	SecretKey     string
	Model         string
	BaseURL       string
	Region        string
	Temperature   *float64
	MaxTokens     *int
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level  string
	Format string
}

// fileConfig 是 RELAY_CONFIG 指向的 YAML 文件结构，环境变量优先级更高。
type fileConfig struct {
	Port           string   `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AppURL         string   `yaml:"app_url"`
	Persistence    struct {
		Backend    string `yaml:"backend"`
		PebblePath string `yaml:"pebble_path"`
		Timeout    string `yaml:"timeout"`
	} `yaml:"persistence"`
	Relay struct {
		EventRPS   *float64 `yaml:"event_rps"`
		EventBurst *int     `yaml:"event_burst"`
		OutboxSize *int     `yaml:"outbox_size"`
	} `yaml:"relay"`
	Sweep struct {
		Cron string `yaml:"cron"`
		TTL  string `yaml:"ttl"`
	} `yaml:"sweep"`
	AutoReply struct {
		Enabled *bool  `yaml:"enabled"`
		Name    string `yaml:"name"`
	} `yaml:"auto_reply"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load 从可选的 YAML 文件与环境变量加载配置。
func Load() (*Config, error) {
	file, err := loadFile(strings.TrimSpace(os.Getenv("RELAY_CONFIG")))
	if err != nil {
		return nil, err
	}

	server, err := loadServerConfig(file)
	if err != nil {
		return nil, err
	}

	relay, err := loadRelayConfig(file)
	if err != nil {
		return nil, err
	}

	persistence, err := loadPersistenceConfig(file)
	if err != nil {
		return nil, err
	}

	sweep, err := loadSweepConfig(file)
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig(file)
	if err != nil {
		return nil, err
	}

	log, err := loadLogConfig(file)
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:      server,
		Relay:       relay,
		Persistence: persistence,
		Sweep:       sweep,
		AI:          ai,
		Log:         log,
	}, nil
}

func loadFile(path string) (fileConfig, error) {
	var file fileConfig
	if path == "" {
		return file, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return file, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return file, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return file, nil
}

// loadServerConfig 解析监听地址与允许的来源。
func loadServerConfig(file fileConfig) (ServerConfig, error) {
	port := firstNonEmpty(os.Getenv("SOCKET_PORT"), os.Getenv("PORT"), file.Port, "3001")

	addr := port
	if !strings.Contains(port, ":") {
		// 允许用户直接传入 ":3001" 或 "127.0.0.1:3001"。
		if _, err := strconv.Atoi(port); err != nil {
			return ServerConfig{}, fmt.Errorf("invalid SOCKET_PORT value %q", port)
		}
		addr = ":" + port
	} else if _, _, err := net.SplitHostPort(port); err != nil {
		return ServerConfig{}, fmt.Errorf("invalid SOCKET_PORT value %q: %w", port, err)
	}

	origins := file.AllowedOrigins
	if raw := strings.TrimSpace(os.Getenv("RELAY_ALLOWED_ORIGINS")); raw != "" {
		origins = splitList(raw)
	}
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	}

	return ServerConfig{Addr: addr, AllowedOrigins: origins}, nil
}

func loadRelayConfig(file fileConfig) (RelayConfig, error) {
	cfg := RelayConfig{EventRPS: 20, EventBurst: 40, OutboxSize: 256}
	if file.Relay.EventRPS != nil {
		cfg.EventRPS = *file.Relay.EventRPS
	}
	if file.Relay.EventBurst != nil {
		cfg.EventBurst = *file.Relay.EventBurst
	}
	if file.Relay.OutboxSize != nil {
		cfg.OutboxSize = *file.Relay.OutboxSize
	}

	rps, err := parseOptionalFloatEnv("RELAY_EVENT_RPS")
	if err != nil {
		return RelayConfig{}, err
	}
	if rps != nil {
		cfg.EventRPS = *rps
	}

	burst, err := parseOptionalIntEnv("RELAY_EVENT_BURST")
	if err != nil {
		return RelayConfig{}, err
	}
	if burst != nil {
		cfg.EventBurst = *burst
	}

	outbox, err := parseOptionalIntEnv("RELAY_OUTBOX_SIZE")
	if err != nil {
		return RelayConfig{}, err
	}
	if outbox != nil {
		cfg.OutboxSize = *outbox
	}

	if cfg.EventRPS <= 0 || cfg.EventBurst < 1 {
		return RelayConfig{}, fmt.Errorf("relay rate limit must be positive (rps=%v burst=%d)", cfg.EventRPS, cfg.EventBurst)
	}
	if cfg.OutboxSize < 1 {
		return RelayConfig{}, fmt.Errorf("invalid RELAY_OUTBOX_SIZE value %d", cfg.OutboxSize)
	}
	return cfg, nil
}

func loadPersistenceConfig(file fileConfig) (PersistenceConfig, error) {
	backend := strings.ToLower(firstNonEmpty(os.Getenv("RELAY_PERSISTENCE"), file.Persistence.Backend, "http"))
	switch backend {
	case "http", "pebble", "memory":
	default:
		return PersistenceConfig{}, fmt.Errorf("invalid RELAY_PERSISTENCE value %q", backend)
	}

	appURL := firstNonEmpty(os.Getenv("RELAY_APP_URL"), os.Getenv("NEXT_APP_URL"), file.AppURL, "http://localhost:3000")
	if backend == "http" {
		parsed, err := url.Parse(appURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return PersistenceConfig{}, fmt.Errorf("invalid RELAY_APP_URL value %q", appURL)
		}
	}

	timeout, err := parseDuration("RELAY_GATEWAY_TIMEOUT", file.Persistence.Timeout, 5*time.Second)
	if err != nil {
		return PersistenceConfig{}, err
	}

	return PersistenceConfig{
		Backend:    backend,
		AppURL:     strings.TrimRight(appURL, "/"),
		PebblePath: firstNonEmpty(os.Getenv("RELAY_PEBBLE_PATH"), file.Persistence.PebblePath, "data/relay"),
		Timeout:    timeout,
	}, nil
}

func loadSweepConfig(file fileConfig) (SweepConfig, error) {
	expr := firstNonEmpty(os.Getenv("RELAY_SWEEP_CRON"), file.Sweep.Cron)
	if expr != "" && !gronx.IsValid(expr) {
		return SweepConfig{}, fmt.Errorf("invalid RELAY_SWEEP_CRON value %q", expr)
	}

	ttl, err := parseDuration("RELAY_SESSION_TTL", file.Sweep.TTL, 24*time.Hour)
	if err != nil {
		return SweepConfig{}, err
	}
	return SweepConfig{Cron: expr, TTL: ttl}, nil
}

func loadAIConfig(file fileConfig) (AIConfig, error) {
	enabled := false
	if file.AutoReply.Enabled != nil {
		enabled = *file.AutoReply.Enabled
	}
	enabled, err := parseBoolEnv("RELAY_AUTOREPLY_ENABLED", enabled)
	if err != nil {
		return AIConfig{}, err
	}

	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		AutoReply:     enabled,
		AutoReplyName: firstNonEmpty(os.Getenv("RELAY_AUTOREPLY_NAME"), file.AutoReply.Name, "Assistant"),
		APIKey:        strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:     strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:     strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:         strings.TrimSpace(os.Getenv("Model")),
		BaseURL:       getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:        getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:   temperature,
		MaxTokens:     maxTokens,
	}, nil
}

// Enabled 表示凭证与模型是否齐全。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadLogConfig(file fileConfig) (LogConfig, error) {
	level := strings.ToLower(firstNonEmpty(os.Getenv("RELAY_LOG_LEVEL"), file.Log.Level, "info"))
	switch level {
	case "debug", "info", "warn", "error":
	default:
		return LogConfig{}, fmt.Errorf("invalid RELAY_LOG_LEVEL value %q", level)
	}

	format := strings.ToLower(firstNonEmpty(os.Getenv("RELAY_LOG_FORMAT"), file.Log.Format, "console"))
	switch format {
	case "console", "json":
	default:
		return LogConfig{}, fmt.Errorf("invalid RELAY_LOG_FORMAT value %q", format)
	}
	return LogConfig{Level: level, Format: format}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseDuration(key, fileValue string, defaultValue time.Duration) (time.Duration, error) {
	raw := firstNonEmpty(os.Getenv(key), fileValue)
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
