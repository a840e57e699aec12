package airquality

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/aqi-forecast/internal/metrics"
)

// DefaultBaseURL is the public Open-Meteo air-quality API.
const DefaultBaseURL = "https://air-quality-api.open-meteo.com/v1"

// HourlyVariables are the series requested from the API.
var HourlyVariables = []string{
	"european_aqi",
	"pm10",
	"pm2_5",
	"ozone",
	"nitrogen_dioxide",
	"sulphur_dioxide",
	"carbon_monoxide",
}

// Hourly is the "hourly" block of an air-quality response. Values may be null.
type Hourly struct {
	Time            []string   `json:"time"`
	EuropeanAQI     []*float64 `json:"european_aqi"`
	PM10            []*float64 `json:"pm10"`
	PM25            []*float64 `json:"pm2_5"`
	Ozone           []*float64 `json:"ozone"`
	NitrogenDioxide []*float64 `json:"nitrogen_dioxide"`
	SulphurDioxide  []*float64 `json:"sulphur_dioxide"`
	CarbonMonoxide  []*float64 `json:"carbon_monoxide"`
}

// Response is the subset of the API payload we use.
type Response struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timezone  string  `json:"timezone"`
	Hourly    Hourly  `json:"hourly"`
}

// Client fetches hourly air-quality observations from Open-Meteo.
type Client struct {
	baseURL string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithBackoff overrides the retry schedule.
func WithBackoff(b BackoffConfig) Option {
	return func(c *Client) { c.httpCfg.Backoff = b }
}

// NewClient creates a Client for baseURL (without the /air-quality suffix).
// An empty baseURL uses DefaultBaseURL.
func NewClient(client *http.Client, baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "open-meteo-air-quality",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
	})

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpCfg: HTTPClientConfig{
			Client: client,
			Backoff: BackoffConfig{
				MaxRetries:      3,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     5 * time.Second,
			},
		},
		circuit: cb,
		logger:  slog.Default().With("component", "airquality"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchHourly returns hourly observations for the inclusive date window [start, end].
func (c *Client) FetchHourly(ctx context.Context, lat, lon float64, start, end time.Time) (Hourly, error) {
	if end.Before(start) {
		return Hourly{}, fmt.Errorf("end date %s before start date %s", end.Format(time.DateOnly), start.Format(time.DateOnly))
	}

	buildRequest := func(ctx context.Context) (*http.Request, error) {
		values := url.Values{}
		values.Set("latitude", fmt.Sprintf("%f", lat))
		values.Set("longitude", fmt.Sprintf("%f", lon))
		values.Set("hourly", strings.Join(HourlyVariables, ","))
		values.Set("timezone", "auto")
		values.Set("start_date", start.Format(time.DateOnly))
		values.Set("end_date", end.Format(time.DateOnly))

		u := fmt.Sprintf("%s/air-quality?%s", c.baseURL, values.Encode())
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	}

	resp, err := doRequestWithResilience(ctx, c.httpCfg, c.circuit, buildRequest)
	if err != nil {
		metrics.FetchFailures.Inc()
		return Hourly{}, err
	}
	defer resp.Body.Close()

	var payload Response
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		metrics.FetchFailures.Inc()
		return Hourly{}, fmt.Errorf("decoding air-quality response: %w", err)
	}

	c.logger.Info("fetched air quality",
		"start", start.Format(time.DateOnly),
		"end", end.Format(time.DateOnly),
		"hours", len(payload.Hourly.Time),
		"timezone", payload.Timezone)
	return payload.Hourly, nil
}
