package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/harun/threadagent/pkg/toolexecutor"
	"github.com/rs/zerolog/log"
)

const currentFields = "temperature_2m,relative_humidity_2m,apparent_temperature,precipitation,wind_speed_10m,wind_direction_10m"

// Measurement is a value with its unit
type Measurement struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// Wind groups wind speed and direction
type Wind struct {
	Speed     Measurement `json:"speed"`
	Direction Measurement `json:"direction"`
}

// CurrentWeather is the current conditions block of a WeatherReport
type CurrentWeather struct {
	Temperature   Measurement `json:"temperature"`
	Humidity      Measurement `json:"humidity"`
	FeelsLike     Measurement `json:"feelsLike"`
	Precipitation Measurement `json:"precipitation"`
	Wind          Wind        `json:"wind"`
}

// WeatherReport is the output of the get_weather tool
type WeatherReport struct {
	Location string         `json:"location"`
	Current  CurrentWeather `json:"current"`
}

type geocodingResponse struct {
	Results []struct {
		Name      string  `json:"name"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Timezone  string  `json:"timezone"`
	} `json:"results"`
}

type forecastResponse struct {
	Current struct {
		Temperature   float64 `json:"temperature_2m"`
		Humidity      float64 `json:"relative_humidity_2m"`
		FeelsLike     float64 `json:"apparent_temperature"`
		Precipitation float64 `json:"precipitation"`
		WindSpeed     float64 `json:"wind_speed_10m"`
		WindDirection float64 `json:"wind_direction_10m"`
	} `json:"current"`
	CurrentUnits struct {
		Temperature   string `json:"temperature_2m"`
		Humidity      string `json:"relative_humidity_2m"`
		FeelsLike     string `json:"apparent_temperature"`
		Precipitation string `json:"precipitation"`
		WindSpeed     string `json:"wind_speed_10m"`
		WindDirection string `json:"wind_direction_10m"`
	} `json:"current_units"`
}

// WeatherClient fetches current conditions from Open-Meteo
type WeatherClient struct {
	geocodingURL string
	forecastURL  string
	httpClient   *http.Client
}

// NewWeatherClient creates a client using opts, filling in defaults
func NewWeatherClient(opts Options) *WeatherClient {
	opts = opts.withDefaults()
	return &WeatherClient{
		geocodingURL: opts.GeocodingURL,
		forecastURL:  opts.ForecastURL,
		httpClient:   opts.HTTPClient,
	}
}

func weatherTool(opts Options) toolexecutor.ToolDefinition {
	client := NewWeatherClient(opts)
	return toolexecutor.ToolDefinition{
		Name:        "get_weather",
		Description: "Get current weather information for a specific location",
		Parameters: []toolexecutor.ToolParameter{
			{
				Name:        "location",
				Type:        "string",
				Description: "The name of the city or place to get weather for",
				Required:    true,
			},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			location, _ := params["location"].(string)
			return client.Current(ctx, location)
		},
	}
}

// Current geocodes location and returns its current weather
func (c *WeatherClient) Current(ctx context.Context, location string) (*WeatherReport, error) {
	report, err := c.current(ctx, location)
	if err != nil {
		log.Debug().Str("location", location).Err(err).Msg("Weather lookup failed")
		return nil, fmt.Errorf("Failed to fetch weather data: %w", err)
	}
	return report, nil
}

func (c *WeatherClient) current(ctx context.Context, location string) (*WeatherReport, error) {
	geoQuery := url.Values{}
	geoQuery.Set("name", location)
	geoQuery.Set("count", "1")
	geoQuery.Set("language", "en")
	geoQuery.Set("format", "json")

	var geo geocodingResponse
	if err := c.getJSON(ctx, c.geocodingURL, geoQuery, &geo); err != nil {
		return nil, err
	}
	if len(geo.Results) == 0 {
		return nil, fmt.Errorf("Location '%s' not found", location)
	}
	place := geo.Results[0]

	fcQuery := url.Values{}
	fcQuery.Set("latitude", strconv.FormatFloat(place.Latitude, 'f', -1, 64))
	fcQuery.Set("longitude", strconv.FormatFloat(place.Longitude, 'f', -1, 64))
	fcQuery.Set("current", currentFields)
	if place.Timezone != "" {
		fcQuery.Set("timezone", place.Timezone)
	}

	var fc forecastResponse
	if err := c.getJSON(ctx, c.forecastURL, fcQuery, &fc); err != nil {
		return nil, err
	}

	cur, units := fc.Current, fc.CurrentUnits
	return &WeatherReport{
		Location: location,
		Current: CurrentWeather{
			Temperature:   Measurement{Value: cur.Temperature, Unit: units.Temperature},
			Humidity:      Measurement{Value: cur.Humidity, Unit: units.Humidity},
			FeelsLike:     Measurement{Value: cur.FeelsLike, Unit: units.FeelsLike},
			Precipitation: Measurement{Value: cur.Precipitation, Unit: units.Precipitation},
			Wind: Wind{
				Speed:     Measurement{Value: cur.WindSpeed, Unit: units.WindSpeed},
				Direction: Measurement{Value: cur.WindDirection, Unit: units.WindDirection},
			},
		},
	}, nil
}

func (c *WeatherClient) getJSON(ctx context.Context, endpoint string, query url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
