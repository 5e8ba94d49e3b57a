// Package weather implements the weather capability on top of the OpenMeteo
// public API. Forecasts are fetched on demand; there is nothing worth caching
// across calls.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tom-assistant/tom/internal/modules"
	"github.com/tom-assistant/tom/internal/observability"
)

const defaultBaseURL = "https://api.open-meteo.com/v1/forecast"

// Module is the weather capability.
type Module struct {
	baseURL string
	client  *http.Client
	logger  *observability.Logger
}

// New creates the weather module. baseURL overrides the OpenMeteo endpoint,
// empty means the public API.
func New(baseURL string, client *http.Client, logger *observability.Logger) *Module {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Module{baseURL: baseURL, client: client, logger: logger}
}

func init() {
	modules.Register("weather", func(env modules.Env) (modules.Module, error) {
		return New("", nil, env.Logger), nil
	})
}

func (m *Module) Name() string     { return "weather" }
func (m *Module) Complexity() int  { return modules.ComplexityLow }
func (m *Module) IsPersonal() bool { return false }

func (m *Module) Describe() string {
	return "Current weather and daily forecast for a given position."
}

func (m *Module) SystemContext() string {
	return "Temperatures are in degrees Celsius and wind speeds in km/h."
}

type forecastArgs struct {
	Latitude  float64 `json:"latitude" jsonschema:"description=Latitude of the position"`
	Longitude float64 `json:"longitude" jsonschema:"description=Longitude of the position"`
	Days      int     `json:"days,omitempty" jsonschema:"description=Number of forecast days between 1 and 7. Defaults to 3"`
}

func (m *Module) Tools() []modules.ToolSpec {
	return []modules.ToolSpec{
		{
			Name:        "weather_get_forecast",
			Description: "Return the current weather and the daily forecast for a position",
			Parameters:  modules.SchemaFor[forecastArgs](),
			Strict:      true,
		},
	}
}

func (m *Module) Invoke(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	if tool != "weather_get_forecast" {
		return nil, fmt.Errorf("unknown tool %q", tool)
	}
	return m.getForecast(ctx, args)
}

// openMeteoResponse mirrors the subset of the OpenMeteo payload we forward.
type openMeteoResponse struct {
	CurrentWeather struct {
		Temperature float64 `json:"temperature"`
		WindSpeed   float64 `json:"windspeed"`
		WeatherCode int     `json:"weathercode"`
	} `json:"current_weather"`
	Daily struct {
		Time             []string  `json:"time"`
		TemperatureMax   []float64 `json:"temperature_2m_max"`
		TemperatureMin   []float64 `json:"temperature_2m_min"`
		PrecipitationSum []float64 `json:"precipitation_sum"`
	} `json:"daily"`
}

func (m *Module) getForecast(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in forecastArgs
	if err := modules.DecodeArgs(args, &in); err != nil {
		return modules.ErrorResult(err.Error()), nil
	}
	if in.Latitude < -90 || in.Latitude > 90 || in.Longitude < -180 || in.Longitude > 180 {
		return modules.ErrorResult("latitude/longitude out of range"), nil
	}
	days := in.Days
	if days <= 0 {
		days = 3
	}
	if days > 7 {
		days = 7
	}

	query := url.Values{}
	query.Set("latitude", fmt.Sprintf("%.4f", in.Latitude))
	query.Set("longitude", fmt.Sprintf("%.4f", in.Longitude))
	query.Set("current_weather", "true")
	query.Set("daily", "temperature_2m_max,temperature_2m_min,precipitation_sum")
	query.Set("forecast_days", fmt.Sprintf("%d", days))
	query.Set("timezone", "auto")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return modules.ErrorResult("weather service unreachable: " + err.Error()), nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return modules.ErrorResult(fmt.Sprintf("weather service returned status %d", resp.StatusCode)), nil
	}

	var payload openMeteoResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode forecast: %w", err)
	}

	type day struct {
		Date             string  `json:"date"`
		TemperatureMax   float64 `json:"temperature_max"`
		TemperatureMin   float64 `json:"temperature_min"`
		PrecipitationSum float64 `json:"precipitation_sum"`
	}
	daily := make([]day, 0, len(payload.Daily.Time))
	for i, date := range payload.Daily.Time {
		d := day{Date: date}
		if i < len(payload.Daily.TemperatureMax) {
			d.TemperatureMax = payload.Daily.TemperatureMax[i]
		}
		if i < len(payload.Daily.TemperatureMin) {
			d.TemperatureMin = payload.Daily.TemperatureMin[i]
		}
		if i < len(payload.Daily.PrecipitationSum) {
			d.PrecipitationSum = payload.Daily.PrecipitationSum[i]
		}
		daily = append(daily, d)
	}

	return modules.Marshal(map[string]any{
		"current": map[string]any{
			"temperature":  payload.CurrentWeather.Temperature,
			"wind_speed":   payload.CurrentWeather.WindSpeed,
			"weather_code": payload.CurrentWeather.WeatherCode,
		},
		"daily": daily,
	}), nil
}
