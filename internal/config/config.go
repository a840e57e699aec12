package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/i474232898/aqi-forecast/internal/airquality"
)

// MissingError reports a required setting that is not set.
type MissingError struct {
	Key string
}

func (e *MissingError) Error() string {
	return "missing required config: " + e.Key
}

type AppConfig struct {
	// Feature store connection.
	Project string `validate:"required"`
	Driver  string `validate:"oneof=sqlite postgres memory"`
	DSN     string

	// AirQualityBaseURL is always an absolute http(s) URL after Load.
	AirQualityBaseURL string `validate:"required,url"`
	HTTPTimeout       time.Duration

	// Location and window for ingestion.
	Latitude   float64 `validate:"gte=-90,lte=90"`
	Longitude  float64 `validate:"gte=-180,lte=180"`
	IngestDays int     `validate:"gte=2"`

	// Reliable write settings.
	WriteMaxAttempts       int `validate:"gte=1"`
	MaterializationPoll    time.Duration
	MaterializationTimeout time.Duration

	ArtifactDir string `validate:"required"`
	RedisURL    string

	Port       string
	DailyRunAt string `validate:"required"`
	Env        string
}

var validate = validator.New()

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("INFO: No .env file found or error loading it: %v", err)
	}
	cfg := &AppConfig{}

	cfg.Project = strings.TrimSpace(os.Getenv("FEATURESTORE_PROJECT"))
	if cfg.Project == "" {
		return nil, &MissingError{Key: "FEATURESTORE_PROJECT"}
	}
	cfg.Driver = strings.ToLower(getenvDefault("FEATURESTORE_DRIVER", "sqlite"))
	cfg.DSN = strings.TrimSpace(os.Getenv("FEATURESTORE_DSN"))
	if cfg.DSN == "" && cfg.Driver != "memory" {
		return nil, &MissingError{Key: "FEATURESTORE_DSN"}
	}

	base := os.Getenv("AIR_QUALITY_BASE_URL")
	if base == "" {
		base = os.Getenv("WEATHER_API_BASE_URL")
	}
	cfg.AirQualityBaseURL = ResolveBaseURL(base)

	var err error
	if cfg.HTTPTimeout, err = getenvDuration("HTTP_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.Latitude, err = getenvFloat("AQI_LATITUDE", 24.8607); err != nil {
		return nil, err
	}
	if cfg.Longitude, err = getenvFloat("AQI_LONGITUDE", 67.0011); err != nil {
		return nil, err
	}
	cfg.IngestDays = getenvInt("INGEST_DAYS", 3)
	cfg.WriteMaxAttempts = getenvInt("WRITE_MAX_ATTEMPTS", 5)

	if cfg.MaterializationPoll, err = getenvDuration("MATERIALIZATION_POLL", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaterializationTimeout, err = getenvDuration("MATERIALIZATION_TIMEOUT", 15*time.Minute); err != nil {
		return nil, err
	}

	cfg.ArtifactDir = getenvDefault("ARTIFACT_DIR", "artifacts")
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.Port = getenvDefault("PORT", "8080")
	cfg.DailyRunAt = getenvDefault("DAILY_RUN_AT", "06:00")
	cfg.Env = getenvDefault("ENV", "development")

	if _, err := time.Parse("15:04", cfg.DailyRunAt); err != nil {
		return nil, fmt.Errorf("invalid DAILY_RUN_AT %q: want HH:MM", cfg.DailyRunAt)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ResolveBaseURL returns raw when it is an absolute http(s) URL and the
// Open-Meteo air-quality endpoint otherwise.
func ResolveBaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return airquality.DefaultBaseURL
	}
	return strings.TrimRight(raw, "/")
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
