package config

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"

	AppName           = "threadagent"
	DefaultConfigFile = "threadagent.json"
	EnvPrefix         = "THREADAGENT"
)

// Config represents the main threadagent configuration
type Config struct {
	Model   ModelConfig   `json:"model" mapstructure:"model" yaml:"model"`
	Agent   AgentConfig   `json:"agent" mapstructure:"agent" yaml:"agent"`
	Tools   ToolsConfig   `json:"tools" mapstructure:"tools" yaml:"tools"`
	Storage StorageConfig `json:"storage" mapstructure:"storage" yaml:"storage"`
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway" yaml:"gateway"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging" yaml:"logging"`

	// Data directory. Relative storage and log paths resolve against it.
	DataDir string `json:"data_dir" mapstructure:"data_dir" yaml:"data_dir"`
}

// ModelConfig selects the LLM provider and sampling settings
type ModelConfig struct {
	Provider    string  `json:"provider" mapstructure:"provider" yaml:"provider"` // openai, anthropic
	Name        string  `json:"name" mapstructure:"name" yaml:"name"`
	APIKey      string  `json:"api_key" mapstructure:"api_key" yaml:"api_key"`
	BaseURL     string  `json:"base_url" mapstructure:"base_url" yaml:"base_url"`
	Temperature float64 `json:"temperature" mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens" yaml:"max_tokens"`
}

// AgentConfig bounds the execution loop
type AgentConfig struct {
	MaxSteps      int           `json:"max_steps" mapstructure:"max_steps" yaml:"max_steps"`
	SystemMessage string        `json:"system_message" mapstructure:"system_message" yaml:"system_message"`
	RunTimeout    time.Duration `json:"run_timeout" mapstructure:"run_timeout" yaml:"run_timeout"`
}

// ToolsConfig holds tool execution settings
type ToolsConfig struct {
	Timeout time.Duration `json:"timeout" mapstructure:"timeout" yaml:"timeout"`
	Weather WeatherConfig `json:"weather" mapstructure:"weather" yaml:"weather"`
}

// WeatherConfig points the weather tool at its upstream APIs
type WeatherConfig struct {
	GeocodingURL string `json:"geocoding_url" mapstructure:"geocoding_url" yaml:"geocoding_url"`
	ForecastURL  string `json:"forecast_url" mapstructure:"forecast_url" yaml:"forecast_url"`
}

// StorageConfig selects the checkpoint backend
type StorageConfig struct {
	Backend   string          `json:"backend" mapstructure:"backend" yaml:"backend"` // memory, jsonl, sqlite
	Path      string          `json:"path" mapstructure:"path" yaml:"path"`
	Retention RetentionConfig `json:"retention" mapstructure:"retention" yaml:"retention"`
}

// RetentionConfig controls the expired thread sweeper. Zero MaxAge disables it.
type RetentionConfig struct {
	MaxAge   time.Duration `json:"max_age" mapstructure:"max_age" yaml:"max_age"`
	Schedule string        `json:"schedule" mapstructure:"schedule" yaml:"schedule"`
}

// GatewayConfig holds HTTP/WebSocket server configuration
type GatewayConfig struct {
	Host               string        `json:"host" mapstructure:"host" yaml:"host"`
	Port               int           `json:"port" mapstructure:"port" yaml:"port"`
	RateLimitPerMinute int           `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	RequestTimeout     time.Duration `json:"request_timeout" mapstructure:"request_timeout" yaml:"request_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level" yaml:"level"`
	File      string `json:"file" mapstructure:"file" yaml:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty" yaml:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction" yaml:"redaction"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size" yaml:"max_size"`
	MaxAge    int    `json:"max_age" mapstructure:"max_age" yaml:"max_age"`
	Compress  bool   `json:"compress" mapstructure:"compress" yaml:"compress"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			Provider:    ProviderOpenAI,
			Name:        "gpt-4o-mini",
			Temperature: 0,
			MaxTokens:   1024,
		},
		Agent: AgentConfig{
			MaxSteps: 15,
			SystemMessage: "You are a helpful assistant that can provide weather information and perform calculations. " +
				"You can help users get current weather data for any location and perform basic arithmetic operations " +
				"like addition, subtraction, multiplication, and division.",
		},
		Tools: ToolsConfig{
			Timeout: 30 * time.Second,
			Weather: WeatherConfig{
				GeocodingURL: "https://geocoding-api.open-meteo.com/v1/search",
				ForecastURL:  "https://api.open-meteo.com/v1/forecast",
			},
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    "threads.db",
			Retention: RetentionConfig{
				Schedule: "@every 1h",
			},
		},
		Gateway: GatewayConfig{
			Host:               "127.0.0.1",
			Port:               3000,
			RateLimitPerMinute: 60,
			RequestTimeout:     2 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			Redaction: true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
		},
	}
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	errs := NewValidator().ValidateConfig(c)
	if len(errs) == 0 {
		return nil
	}
	msg := "invalid configuration:"
	for _, err := range errs {
		msg += "\n  - " + err.Error()
	}
	return fmt.Errorf("%s", msg)
}

// String returns indented JSON with the API key masked
func (c *Config) String() string {
	masked := *c
	if masked.Model.APIKey != "" {
		masked.Model.APIKey = "***"
	}
	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("error marshaling config: %v", err)
	}
	return string(data)
}

// settings flattens the config into dotted viper keys. Durations are
// written as strings so saved files stay readable.
func (c *Config) settings() map[string]interface{} {
	return map[string]interface{}{
		"model.provider":                c.Model.Provider,
		"model.name":                    c.Model.Name,
		"model.api_key":                 c.Model.APIKey,
		"model.base_url":                c.Model.BaseURL,
		"model.temperature":             c.Model.Temperature,
		"model.max_tokens":              c.Model.MaxTokens,
		"agent.max_steps":               c.Agent.MaxSteps,
		"agent.system_message":          c.Agent.SystemMessage,
		"agent.run_timeout":             c.Agent.RunTimeout.String(),
		"tools.timeout":                 c.Tools.Timeout.String(),
		"tools.weather.geocoding_url":   c.Tools.Weather.GeocodingURL,
		"tools.weather.forecast_url":    c.Tools.Weather.ForecastURL,
		"storage.backend":               c.Storage.Backend,
		"storage.path":                  c.Storage.Path,
		"storage.retention.max_age":     c.Storage.Retention.MaxAge.String(),
		"storage.retention.schedule":    c.Storage.Retention.Schedule,
		"gateway.host":                  c.Gateway.Host,
		"gateway.port":                  c.Gateway.Port,
		"gateway.rate_limit_per_minute": c.Gateway.RateLimitPerMinute,
		"gateway.request_timeout":       c.Gateway.RequestTimeout.String(),
		"logging.level":                 c.Logging.Level,
		"logging.file":                  c.Logging.File,
		"logging.pretty":                c.Logging.Pretty,
		"logging.redaction":             c.Logging.Redaction,
		"logging.max_size":              c.Logging.MaxSize,
		"logging.max_age":               c.Logging.MaxAge,
		"logging.compress":              c.Logging.Compress,
		"data_dir":                      c.DataDir,
	}
}
