package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config 聚合整个客户端引擎的配置项。
type Config struct {
	Server      ServerConfig     `yaml:"server"`
	Backend     BackendConfig    `yaml:"backend"`
	AI          AIConfig         `yaml:"ai"`
	Realtime    RealtimeConfig   `yaml:"realtime"`
	Attachments AttachmentConfig `yaml:"attachments"`
	Log         LogConfig        `yaml:"log"`
}

// Load 先读取可选的 YAML 文件（ASSISTANT_CONFIG），再用环境变量覆盖。
func Load() (*Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("ASSISTANT_CONFIG")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	loaders := []func(*Config) error{
		loadServerConfig,
		loadBackendConfig,
		loadAIConfig,
		loadRealtimeConfig,
		loadAttachmentConfig,
		loadLogConfig,
	}
	for _, load := range loaders {
		if err := load(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Default 返回未设置任何环境变量时的配置。
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Addr: ":8080"},
		Backend: BackendConfig{Timeout: 30 * time.Second},
		AI: AIConfig{
			BaseURL:        "https://ark.cn-beijing.volces.com/api/v3",
			Region:         "cn-beijing",
			HistoryLimit:   10,
			StreamResponse: true,
		},
		Realtime: RealtimeConfig{
			TokenURL: "https://api.openai.com/v1/realtime/sessions",
			BaseURL:  "https://api.openai.com/v1/realtime",
			Model:    "gpt-4o-realtime-preview-2024-12-17",
			Voice:    "verse",
			Timeout:  30 * time.Second,
		},
		Attachments: AttachmentConfig{MaxBytes: 20 << 20},
		Log:         LogConfig{Level: "info"},
	}
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config file %s", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrapf(err, "parse config file %s", path)
	}
	return nil
}

// ServerConfig 描述本地控制面 HTTP 服务配置。
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig(cfg *Config) error {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		return nil
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		cfg.Server.Addr = port
		return nil
	}

	if strings.Contains(port, " ") {
		return fmt.Errorf("invalid PORT value: %q", port)
	}

	cfg.Server.Addr = ":" + port
	return nil
}

// BackendConfig 描述远端补全/历史/附件服务。
type BackendConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Enabled 表示是否配置了远端后端。
func (c BackendConfig) Enabled() bool {
	return c.URL != ""
}

func loadBackendConfig(cfg *Config) error {
	cfg.Backend.URL = strings.TrimRight(getEnvOrDefault("BACKEND_URL", cfg.Backend.URL), "/")

	timeout, err := parseOptionalDurationEnv("BACKEND_TIMEOUT")
	if err != nil {
		return err
	}
	if timeout != nil {
		cfg.Backend.Timeout = *timeout
	}
	return nil
}

// AIConfig 描述直连模式下的大模型配置。
type AIConfig struct {
	APIKey         string   `yaml:"apiKey"`
	AccessKey      string   `yaml:"accessKey"`
	SecretKey      string   `yaml:"secretKey"`
	Model          string   `yaml:"model"`
	BaseURL        string   `yaml:"baseUrl"`
	Region         string   `yaml:"region"`
	Temperature    *float64 `yaml:"temperature"`
	TopP           *float64 `yaml:"topP"`
	MaxTokens      *int     `yaml:"maxTokens"`
	StreamResponse bool     `yaml:"stream"`
	SystemMessage  string   `yaml:"systemMessage"`
	HistoryLimit   int      `yaml:"historyLimit"`
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.BaseChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + ARK_MODEL 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	arkCfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, arkCfg)
}

func loadAIConfig(cfg *Config) error {
	ai := &cfg.AI

	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return err
	}
	if temperature != nil {
		ai.Temperature = temperature
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return err
	}
	if topP != nil {
		ai.TopP = topP
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return err
	}
	if maxTokens != nil {
		ai.MaxTokens = maxTokens
	}

	stream, err := parseBoolEnv("ARK_STREAM", ai.StreamResponse)
	if err != nil {
		return err
	}
	ai.StreamResponse = stream

	if historyOverride, err := parseOptionalIntEnv("ASSISTANT_HISTORY_LIMIT"); err != nil {
		return err
	} else if historyOverride != nil {
		ai.HistoryLimit = *historyOverride
	}
	if ai.HistoryLimit < 1 {
		ai.HistoryLimit = 1
	}

	ai.APIKey = getEnvOrDefault("ARK_API_KEY", ai.APIKey)
	ai.AccessKey = getEnvOrDefault("ARK_ACCESS_KEY", ai.AccessKey)
	ai.SecretKey = getEnvOrDefault("ARK_SECRET_KEY", ai.SecretKey)
	ai.Model = getEnvOrDefault("ARK_MODEL", ai.Model)
	ai.BaseURL = getEnvOrDefault("ARK_BASE_URL", ai.BaseURL)
	ai.Region = getEnvOrDefault("ARK_REGION", ai.Region)
	ai.SystemMessage = getEnvOrDefault("ASSISTANT_SYSTEM_MESSAGE", ai.SystemMessage)
	return nil
}

// RealtimeConfig 描述语音实时会话配置
type RealtimeConfig struct {
	APIKey   string        `yaml:"apiKey"`
	TokenURL string        `yaml:"tokenUrl"`
	BaseURL  string        `yaml:"baseUrl"`
	Model    string        `yaml:"model"`
	Voice    string        `yaml:"voice"`
	Timeout  time.Duration `yaml:"timeout"`
	// Modalities 为空时使用 text+audio
	Modalities []string `yaml:"modalities"`
}

// Enabled 需要令牌服务地址；直连 OpenAI 时还需要 API Key。
func (c RealtimeConfig) Enabled() bool {
	if c.TokenURL == "" || c.BaseURL == "" {
		return false
	}
	if strings.Contains(c.TokenURL, "api.openai.com") {
		return c.APIKey != ""
	}
	return true
}

func loadRealtimeConfig(cfg *Config) error {
	rt := &cfg.Realtime
	rt.APIKey = getEnvOrDefault("OPENAI_API_KEY", rt.APIKey)
	rt.TokenURL = getEnvOrDefault("REALTIME_TOKEN_URL", rt.TokenURL)
	rt.BaseURL = getEnvOrDefault("REALTIME_BASE_URL", rt.BaseURL)
	rt.Model = getEnvOrDefault("REALTIME_MODEL", rt.Model)
	rt.Voice = getEnvOrDefault("REALTIME_VOICE", rt.Voice)
	if modalities := splitList(os.Getenv("REALTIME_MODALITIES")); len(modalities) > 0 {
		rt.Modalities = modalities
	}

	timeout, err := parseOptionalDurationEnv("REALTIME_TIMEOUT")
	if err != nil {
		return err
	}
	if timeout != nil {
		rt.Timeout = *timeout
	}
	return nil
}

// AttachmentConfig 附件上传策略
type AttachmentConfig struct {
	// AwaitPending 为 true 时提交消息前等待仍在上传的附件，否则直接丢弃。
	AwaitPending bool  `yaml:"awaitPending"`
	MaxBytes     int64 `yaml:"maxBytes"`
}

func loadAttachmentConfig(cfg *Config) error {
	await, err := parseBoolEnv("ATTACHMENT_AWAIT_PENDING", cfg.Attachments.AwaitPending)
	if err != nil {
		return err
	}
	cfg.Attachments.AwaitPending = await

	maxBytes, err := parseOptionalIntEnv("ATTACHMENT_MAX_BYTES")
	if err != nil {
		return err
	}
	if maxBytes != nil {
		cfg.Attachments.MaxBytes = int64(*maxBytes)
	}
	return nil
}

// LogConfig 日志级别与输出格式
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

func loadLogConfig(cfg *Config) error {
	cfg.Log.Level = getEnvOrDefault("LOG_LEVEL", cfg.Log.Level)
	pretty, err := parseBoolEnv("LOG_PRETTY", cfg.Log.Pretty)
	if err != nil {
		return err
	}
	cfg.Log.Pretty = pretty
	return nil
}

// splitList 解析逗号分隔的列表，忽略空项
func splitList(raw string) []string {
	var items []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
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

// parseOptionalDurationEnv 接受 "30s" 形式，纯数字按秒处理。
func parseOptionalDurationEnv(key string) (*time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil, nil
	}

	if secs, err := strconv.Atoi(value); err == nil {
		d := time.Duration(secs) * time.Second
		return &d, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &d, nil
}
