package tools

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/harun/threadagent/pkg/toolexecutor"
)

const (
	DefaultGeocodingURL = "https://geocoding-api.open-meteo.com/v1/search"
	DefaultForecastURL  = "https://api.open-meteo.com/v1/forecast"
	DefaultHTTPTimeout  = 10 * time.Second
)

// Options configures built-in tool registration.
type Options struct {
	GeocodingURL string
	ForecastURL  string
	HTTPClient   *http.Client
}

func (o Options) withDefaults() Options {
	if o.GeocodingURL == "" {
		o.GeocodingURL = DefaultGeocodingURL
	}
	if o.ForecastURL == "" {
		o.ForecastURL = DefaultForecastURL
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return o
}

// RegisterTools registers the calculator and weather tools.
func RegisterTools(executor *toolexecutor.ToolExecutor, opts Options) error {
	if executor == nil {
		return errors.New("tool executor is required")
	}

	opts = opts.withDefaults()
	tools := []toolexecutor.ToolDefinition{
		calculatorTool(),
		weatherTool(opts),
	}

	for _, tool := range tools {
		if err := executor.RegisterTool(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}
