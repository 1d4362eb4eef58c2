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
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig
	LLM      LLMConfig
	Redis    RedisConfig
	Postgres PostgresConfig
	RAG      RAGConfig
	Memory   MemoryConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	llm, err := loadLLMConfig()
	if err != nil {
		return nil, err
	}

	rag, err := loadRAGConfig()
	if err != nil {
		return nil, err
	}

	memory, err := loadMemoryConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:   server,
		LLM:      llm,
		Redis:    loadRedisConfig(),
		Postgres: loadPostgresConfig(),
		RAG:      rag,
		Memory:   memory,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// LLMConfig 描述生成后端相关配置。Backend 决定工厂创建哪种适配器。
type LLMConfig struct {
	Backend     string
	DevMode     bool
	Temperature *float64
	TopP        *float64
	MaxTokens   *int

	Ark      ArkConfig
	DeepSeek OpenAICompatConfig
	Qianwen  OpenAICompatConfig
}

// ArkConfig 描述火山方舟模型配置。
type ArkConfig struct {
	APIKey    string
	AccessKey string
	SecretKey string
	Model     string
	BaseURL   string
	Region    string
}

// OpenAICompatConfig 描述 OpenAI 风格 HTTP 流式端点的配置。
type OpenAICompatConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// Enabled 表示是否提供了必需的 Ark 密钥。
func (c ArkConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个 Ark 模型实例。
func (c LLMConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Ark.Enabled() {
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

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.Ark.BaseURL,
		Region:      c.Ark.Region,
		APIKey:      c.Ark.APIKey,
		AccessKey:   c.Ark.AccessKey,
		SecretKey:   c.Ark.SecretKey,
		Model:       c.Ark.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadLLMConfig() (LLMConfig, error) {
	temperature, err := parseOptionalFloatEnv("LLM_TEMPERATURE")
	if err != nil {
		return LLMConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("LLM_TOP_P")
	if err != nil {
		return LLMConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("LLM_MAX_TOKENS")
	if err != nil {
		return LLMConfig{}, err
	}

	devMode, err := parseBoolEnv("DEV_MODE", false)
	if err != nil {
		return LLMConfig{}, err
	}

	return LLMConfig{
		Backend:     strings.ToLower(getEnvOrDefault("LLM_BACKEND", "deepseek")),
		DevMode:     devMode,
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
		Ark: ArkConfig{
			APIKey:    strings.TrimSpace(os.Getenv("ARK_API_KEY")),
			AccessKey: strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
			SecretKey: strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
			Model:     strings.TrimSpace(os.Getenv("ARK_MODEL")),
			BaseURL:   getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
			Region:    getEnvOrDefault("ARK_REGION", "cn-beijing"),
		},
		DeepSeek: OpenAICompatConfig{
			APIKey:  strings.TrimSpace(os.Getenv("DEEPSEEK_API_KEY")),
			Model:   getEnvOrDefault("DEEPSEEK_MODEL_NAME", "deepseek-chat"),
			BaseURL: getEnvOrDefault("DEEPSEEK_API_BASE", "https://api.deepseek.com/v1"),
		},
		Qianwen: OpenAICompatConfig{
			APIKey:  strings.TrimSpace(os.Getenv("DASHSCOPE_API_KEY")),
			Model:   getEnvOrDefault("QIANWEN_MODEL_NAME", "qwen-max"),
			BaseURL: getEnvOrDefault("QIANWEN_API_BASE", "https://dashscope.aliyuncs.com/api/v1"),
		},
	}, nil
}

// RedisConfig 描述热存储配置。Addr 为空时回退到进程内存实现。
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled 表示是否配置了 Redis 地址。
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

func loadRedisConfig() RedisConfig {
	db := 0
	if v, err := parseOptionalIntEnv("REDIS_DB"); err == nil && v != nil {
		db = *v
	}
	return RedisConfig{
		Addr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		Password: strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
		DB:       db,
	}
}

// PostgresConfig 描述冷归档存储配置。DSN 为空时跳过归档。
type PostgresConfig struct {
	DSN string
}

// Enabled 表示是否配置了归档库。
func (c PostgresConfig) Enabled() bool {
	return c.DSN != ""
}

func loadPostgresConfig() PostgresConfig {
	return PostgresConfig{DSN: strings.TrimSpace(os.Getenv("POSTGRES_DSN"))}
}

// RAGConfig 描述知识检索服务配置。
type RAGConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Enabled 表示是否配置了检索服务地址。
func (c RAGConfig) Enabled() bool {
	return c.BaseURL != ""
}

func loadRAGConfig() (RAGConfig, error) {
	timeoutSeconds := 30
	if v, err := parseOptionalIntEnv("RAG_TIMEOUT"); err != nil {
		return RAGConfig{}, err
	} else if v != nil && *v > 0 {
		timeoutSeconds = *v
	}

	return RAGConfig{
		BaseURL: strings.TrimSpace(os.Getenv("RAG_BASE_URL")),
		Timeout: time.Duration(timeoutSeconds) * time.Second,
	}, nil
}

// MemoryConfig 描述会话记忆配置。
type MemoryConfig struct {
	ContextLimit int
	HotTTL       time.Duration
}

func loadMemoryConfig() (MemoryConfig, error) {
	contextLimit := 40
	if v, err := parseOptionalIntEnv("MAX_CONTEXT_LENGTH"); err != nil {
		return MemoryConfig{}, err
	} else if v != nil && *v > 0 {
		contextLimit = *v
	}

	ttlHours := 48
	if v, err := parseOptionalIntEnv("MESSAGE_TTL_HOURS"); err != nil {
		return MemoryConfig{}, err
	} else if v != nil && *v > 0 {
		ttlHours = *v
	}

	return MemoryConfig{
		ContextLimit: contextLimit,
		HotTTL:       time.Duration(ttlHours) * time.Hour,
	}, nil
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
