package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MegaGrindStone/askai-chat/internal/handlers"
	"github.com/MegaGrindStone/askai-chat/internal/services"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// errMissingAPIKey leaves the server running without a provider; the chat function then answers 500.
var errMissingAPIKey = errors.New("gateway api key is not configured")

type llmConfig interface {
	llm(systemPrompt string, e envConfig, logger *slog.Logger) (handlers.LLM, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider   string                 `yaml:"provider"`
	Model      string                 `yaml:"model"`
	Parameters services.LLMParameters `yaml:"parameters"`
}

type config struct {
	Port         string
	LogLevel     string
	LogFormat    string
	SystemPrompt string
	LLM          llmConfig
	Storage      storageConfig
	Guests       guestsConfig
	Alerts       alertsConfig
	RateLimit    rateLimitConfig
	// ChatFunctionURL makes the web front end stream replies from a remote chat function instead of
	// calling the provider in process.
	ChatFunctionURL string
}

// envConfig holds the settings that may come from the environment. Set values win over the file.
type envConfig struct {
	Port            string `env:"PORT"`
	LogLevel        string `env:"LOG_LEVEL"`
	GatewayAPIKey   string `env:"GATEWAY_API_KEY"`
	OpenAIAPIKey    string `env:"OPENAI_API_KEY"`
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	OllamaHost      string `env:"OLLAMA_HOST"`
	Web3FormsAPIKey string `env:"WEB3FORMS_API_KEY"`
	DatabaseURL     string `env:"DATABASE_URL"`
	RedisURL        string `env:"REDIS_URL"`
}

type storageConfig struct {
	// Driver is "bolt" or "postgres".
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	DatabaseURL string `yaml:"databaseURL"`
}

type guestsConfig struct {
	// Backend is "memory", "bolt" or "redis".
	Backend  string        `yaml:"backend"`
	RedisURL string        `yaml:"redisURL"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

type alertsConfig struct {
	AccessKey string `yaml:"accessKey"`
	Endpoint  string `yaml:"endpoint"`
	IPAPIURL  string `yaml:"ipAPIURL"`
}

type rateLimitConfig struct {
	PerMinute int `yaml:"perMinute"`
	Burst     int `yaml:"burst"`
}

type gatewayConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"apiKey"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"apiKey"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

const (
	defaultPort         = "8080"
	defaultGatewayModel = "google/gemini-3-flash-preview"
	defaultSystemPrompt = "You are AskAI Chat, a friendly assistant. Answer clearly and use markdown for code, " +
		"lists and emphasis."
	defaultGuestPrefix = "askai:guest:"
	defaultGuestTTL    = 24 * time.Hour
)

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port            string          `yaml:"port"`
		LogLevel        string          `yaml:"logLevel"`
		LogFormat       string          `yaml:"logFormat"`
		SystemPrompt    string          `yaml:"systemPrompt"`
		LLM             map[string]any  `yaml:"llm"`
		Storage         storageConfig   `yaml:"storage"`
		Guests          guestsConfig    `yaml:"guests"`
		Alerts          alertsConfig    `yaml:"alerts"`
		RateLimit       rateLimitConfig `yaml:"rateLimit"`
		ChatFunctionURL string          `yaml:"chatFunctionURL"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.LogLevel = rawConfig.LogLevel
	c.LogFormat = rawConfig.LogFormat
	c.SystemPrompt = rawConfig.SystemPrompt
	c.Storage = rawConfig.Storage
	c.Guests = rawConfig.Guests
	c.Alerts = rawConfig.Alerts
	c.RateLimit = rawConfig.RateLimit
	c.ChatFunctionURL = rawConfig.ChatFunctionURL

	if len(rawConfig.LLM) == 0 {
		return nil
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "gateway":
		llm = &gatewayConfig{}
	case "openai":
		llm = &openAIConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

// parseEnv reads the environment overrides.
func parseEnv() (envConfig, error) {
	var e envConfig
	if err := env.Parse(&e); err != nil {
		return envConfig{}, fmt.Errorf("error parsing environment: %w", err)
	}
	return e, nil
}

// applyEnv fills in defaults and overlays the environment. Without an llm section the gateway provider
// is used with its default model.
func (c *config) applyEnv(e envConfig) {
	if e.Port != "" {
		c.Port = e.Port
	}
	if c.Port == "" {
		c.Port = defaultPort
	}
	if e.LogLevel != "" {
		c.LogLevel = e.LogLevel
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
	if c.LLM == nil {
		c.LLM = &gatewayConfig{BaseLLMConfig: BaseLLMConfig{Provider: "gateway"}}
	}

	if e.DatabaseURL != "" {
		c.Storage.DatabaseURL = e.DatabaseURL
		if c.Storage.Driver == "" {
			c.Storage.Driver = "postgres"
		}
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "bolt"
	}

	if e.RedisURL != "" {
		c.Guests.RedisURL = e.RedisURL
		if c.Guests.Backend == "" {
			c.Guests.Backend = "redis"
		}
	}
	if c.Guests.Backend == "" {
		c.Guests.Backend = "memory"
	}
	if c.Guests.Prefix == "" {
		c.Guests.Prefix = defaultGuestPrefix
	}
	if c.Guests.TTL == 0 {
		c.Guests.TTL = defaultGuestTTL
	}

	if e.Web3FormsAPIKey != "" {
		c.Alerts.AccessKey = e.Web3FormsAPIKey
	}
	if c.RateLimit.PerMinute == 0 {
		c.RateLimit.PerMinute = 30
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 10
	}
}

func (c config) logLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func (g gatewayConfig) llm(systemPrompt string, e envConfig, logger *slog.Logger) (handlers.LLM, error) {
	model := g.Model
	if model == "" {
		model = defaultGatewayModel
	}

	apiKey := g.APIKey
	if apiKey == "" {
		apiKey = e.GatewayAPIKey
	}
	if apiKey == "" {
		return nil, errMissingAPIKey
	}
	return services.NewGateway(g.Endpoint, apiKey, model, systemPrompt, g.Parameters, logger), nil
}

func (o openAIConfig) llm(systemPrompt string, e envConfig, logger *slog.Logger) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = e.OpenAIAPIKey
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, o.Parameters, logger), nil
}

func (a anthropicConfig) llm(systemPrompt string, e envConfig, logger *slog.Logger) (handlers.LLM, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = e.AnthropicAPIKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	return services.NewAnthropic(a.Endpoint, apiKey, a.Model, systemPrompt, a.Parameters, logger), nil
}

func (o ollamaConfig) llm(systemPrompt string, e envConfig, _ *slog.Logger) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = e.OllamaHost
	}
	ollama, err := services.NewOllama(host, o.Model, systemPrompt, o.Parameters)
	if err != nil {
		return nil, err
	}
	return ollama, nil
}
