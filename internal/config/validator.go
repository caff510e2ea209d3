package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

var (
	validProviders = []string{ProviderOpenAI, ProviderAnthropic}
	validBackends  = []string{"memory", "jsonl", "sqlite"}
	validLogLevels = []string{"trace", "debug", "info", "warn", "error"}

	scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateProvider validates the model provider name
func (v *Validator) ValidateProvider(provider string) error {
	return oneOf("model provider", provider, validProviders)
}

// ValidateAPIKey checks the key prefix for providers with a known format.
// An empty key is allowed here; it is only required when a model is called.
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return nil
	}

	switch provider {
	case ProviderAnthropic:
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case ProviderOpenAI:
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}
	return nil
}

// ValidateModel validates a model name
func (v *Validator) ValidateModel(model string) error {
	if strings.TrimSpace(model) == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %g", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateMaxSteps validates the loop step budget
func (v *Validator) ValidateMaxSteps(steps int) error {
	if steps <= 0 {
		return fmt.Errorf("max steps must be positive, got %d", steps)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, validLogLevels)
}

// ValidateBackend validates the checkpoint backend
func (v *Validator) ValidateBackend(backend string) error {
	return oneOf("storage backend", backend, validBackends)
}

// ValidatePort validates a listen port. 0 picks a free port.
func (v *Validator) ValidatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 0-65535)", port)
	}
	return nil
}

// ValidateURL requires an absolute http or https URL
func (v *Validator) ValidateURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an http(s) URL, got %q", name, raw)
	}
	return nil
}

// ValidateSchedule validates a retention cron expression
func (v *Validator) ValidateSchedule(expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := scheduleParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", expr, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(v.ValidateProvider(cfg.Model.Provider))
	add(v.ValidateAPIKey(cfg.Model.APIKey, cfg.Model.Provider))
	add(v.ValidateModel(cfg.Model.Name))
	add(v.ValidateTemperature(cfg.Model.Temperature))
	add(v.ValidateMaxTokens(cfg.Model.MaxTokens))
	if cfg.Model.BaseURL != "" {
		add(v.ValidateURL("model.base_url", cfg.Model.BaseURL))
	}

	add(v.ValidateMaxSteps(cfg.Agent.MaxSteps))
	if cfg.Agent.RunTimeout < 0 {
		add(fmt.Errorf("agent.run_timeout must be >= 0"))
	}

	if cfg.Tools.Timeout < 0 {
		add(fmt.Errorf("tools.timeout must be >= 0"))
	}
	add(v.ValidateURL("tools.weather.geocoding_url", cfg.Tools.Weather.GeocodingURL))
	add(v.ValidateURL("tools.weather.forecast_url", cfg.Tools.Weather.ForecastURL))

	add(v.ValidateBackend(cfg.Storage.Backend))
	if cfg.Storage.Backend != "memory" && strings.TrimSpace(cfg.Storage.Path) == "" {
		add(fmt.Errorf("storage.path is required for the %s backend", cfg.Storage.Backend))
	}
	if cfg.Storage.Retention.MaxAge < 0 {
		add(fmt.Errorf("storage.retention.max_age must be >= 0"))
	}
	add(v.ValidateSchedule(cfg.Storage.Retention.Schedule))

	add(v.ValidatePort(cfg.Gateway.Port))
	if cfg.Gateway.RateLimitPerMinute < 0 {
		add(fmt.Errorf("gateway.rate_limit_per_minute must be >= 0"))
	}
	if cfg.Gateway.RequestTimeout < 0 {
		add(fmt.Errorf("gateway.request_timeout must be >= 0"))
	}

	add(v.ValidateLogLevel(cfg.Logging.Level))
	if cfg.Logging.MaxSize < 0 {
		add(fmt.Errorf("logging.max_size must be >= 0"))
	}

	return errs
}

func oneOf(name, value string, valid []string) error {
	for _, candidate := range valid {
		if value == candidate {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %q (must be one of: %s)", name, value, strings.Join(valid, ", "))
}
