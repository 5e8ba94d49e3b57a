package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tom-assistant/tom/internal/observability"
)

const forecastJSON = `{
	"current_weather": {"temperature": 4.5, "windspeed": 18.0, "weathercode": 3},
	"daily": {
		"time": ["2025-01-20", "2025-01-21"],
		"temperature_2m_max": [6.1, 7.0],
		"temperature_2m_min": [1.2, 0.4],
		"precipitation_sum": [0.0, 2.3]
	}
}`

func testModule(t *testing.T, handler http.HandlerFunc) *Module {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	logger := observability.NewLogger(observability.LogConfig{Level: "ERROR", Output: io.Discard})
	return New(server.URL, server.Client(), logger)
}

func invoke(t *testing.T, m *Module, args string) map[string]any {
	t.Helper()
	content, err := m.Invoke(context.Background(), "weather_get_forecast", json.RawMessage(args))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(content, &out); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	return out
}

func TestForecastRoundTrip(t *testing.T) {
	var gotQuery string
	m := testModule(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		fmt.Fprint(w, forecastJSON)
	})

	out := invoke(t, m, `{"latitude":48.8566,"longitude":2.3522,"days":2}`)
	current := out["current"].(map[string]any)
	if current["temperature"].(float64) != 4.5 {
		t.Errorf("current = %v", current)
	}
	daily := out["daily"].([]any)
	if len(daily) != 2 || daily[1].(map[string]any)["precipitation_sum"].(float64) != 2.3 {
		t.Errorf("daily = %v", daily)
	}
	for _, want := range []string{"latitude=48.8566", "forecast_days=2", "current_weather=true"} {
		if !containsParam(gotQuery, want) {
			t.Errorf("query %q missing %q", gotQuery, want)
		}
	}
}

func TestForecastValidation(t *testing.T) {
	m := testModule(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, forecastJSON)
	})

	out := invoke(t, m, `{"latitude":123.0,"longitude":2.0}`)
	if out["status"] != "error" {
		t.Errorf("out-of-range latitude should fail, got %v", out)
	}
}

func TestUpstreamErrorIsToolError(t *testing.T) {
	m := testModule(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	out := invoke(t, m, `{"latitude":48.8,"longitude":2.3}`)
	if out["status"] != "error" {
		t.Errorf("upstream failure should be a tool error, got %v", out)
	}
}

func containsParam(query, param string) bool {
	for _, part := range strings.Split(query, "&") {
		if part == param {
			return true
		}
	}
	return false
}
