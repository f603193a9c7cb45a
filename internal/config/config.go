package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/crrw-etl/internal/domain"
	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/joho/godotenv"
	str2duration "github.com/xhit/go-str2duration/v2"
)

// Default data source locations.
const (
	DefaultUSAFactsCasesURL  = "https://usafactsstatic.blob.core.windows.net/public/data/covid-19/covid_confirmed_usafacts.csv"
	DefaultUSAFactsDeathsURL = "https://usafactsstatic.blob.core.windows.net/public/data/covid-19/covid_deaths_usafacts.csv"
	DefaultJHUCasesURL       = "https://raw.githubusercontent.com/CSSEGISandData/COVID-19/master/csse_covid_19_data/csse_covid_19_time_series/time_series_covid19_confirmed_global.csv"
	DefaultJHUDeathsURL      = "https://raw.githubusercontent.com/CSSEGISandData/COVID-19/master/csse_covid_19_data/csse_covid_19_time_series/time_series_covid19_deaths_global.csv"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Watcher and fetching.
	PollInterval time.Duration
	FetchTimeout time.Duration
	FetchRetries int
	Levels       []domain.Level

	// Data sources. Values may be URLs or local file paths.
	USAFactsCasesURL  string
	USAFactsDeathsURL string
	JHUCasesURL       string
	JHUDeathsURL      string
	ReferenceDir      string

	StorePath string

	KafkaEnabled bool
	KafkaBrokers []string
	KafkaTopic   string

	// Trend chart axis.
	TrendScaleFactor float64
	TrendRateUnit    float64
}

// Load reads configuration from environment variables, applying defaults where
// unset. A .env file (or the file named by ENV_FILE) is read first when present;
// variables already set in the environment win.
func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}
	pollInterval, err := parseDuration("POLL_INTERVAL", "3m")
	if err != nil {
		return nil, err
	}
	fetchTimeout, err := parseDuration("FETCH_TIMEOUT", "60s")
	if err != nil {
		return nil, err
	}

	fetchRetries, err := parsePositiveInt("FETCH_RETRIES", 3)
	if err != nil {
		return nil, err
	}

	levels, err := parseLevels(sharedcfg.EnvOrDefault("LEVELS", "county,state,usa,world"))
	if err != nil {
		return nil, err
	}

	scaleFactor, err := parsePositiveFloat("TREND_SCALE_FACTOR", domain.DefaultScaleFactor)
	if err != nil {
		return nil, err
	}
	rateUnit, err := parsePositiveFloat("TREND_RATE_UNIT", domain.DefaultRateUnit)
	if err != nil {
		return nil, err
	}

	kafkaEnabled := false
	if v := os.Getenv("KAFKA_ENABLED"); v != "" {
		kafkaEnabled = v == "true"
	}

	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		PollInterval: pollInterval,
		FetchTimeout: fetchTimeout,
		FetchRetries: fetchRetries,
		Levels:       levels,

		USAFactsCasesURL:  sharedcfg.EnvOrDefault("USAFACTS_CASES_URL", DefaultUSAFactsCasesURL),
		USAFactsDeathsURL: sharedcfg.EnvOrDefault("USAFACTS_DEATHS_URL", DefaultUSAFactsDeathsURL),
		JHUCasesURL:       sharedcfg.EnvOrDefault("JHU_CASES_URL", DefaultJHUCasesURL),
		JHUDeathsURL:      sharedcfg.EnvOrDefault("JHU_DEATHS_URL", DefaultJHUDeathsURL),
		ReferenceDir:      sharedcfg.EnvOrDefault("REFERENCE_DIR", "data/raw"),

		StorePath: sharedcfg.EnvOrDefault("STORE_PATH", ":memory:"),

		KafkaEnabled: kafkaEnabled,
		KafkaBrokers: sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:   sharedcfg.EnvOrDefault("KAFKA_TOPIC", "crrw-region-history"),

		TrendScaleFactor: scaleFactor,
		TrendRateUnit:    rateUnit,
	}

	if cfg.KafkaEnabled && len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED is true")
	}
	if cfg.KafkaEnabled && cfg.KafkaTopic == "" {
		return nil, errors.New("KAFKA_TOPIC is required when KAFKA_ENABLED is true")
	}

	return cfg, nil
}

// HasLevel reports whether the pipeline is configured to produce level.
func (c *Config) HasLevel(level domain.Level) bool {
	for _, l := range c.Levels {
		if l == level {
			return true
		}
	}
	return false
}

func loadEnvFile() error {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		path = ".env"
		if _, err := os.Stat(path); err != nil {
			return nil
		}
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// parseDuration accepts Go durations plus day and week units ("1d", "2w").
func parseDuration(key, fallback string) (time.Duration, error) {
	d, err := str2duration.ParseDuration(sharedcfg.EnvOrDefault(key, fallback))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parsePositiveInt(key string, fallback int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return n, nil
}

func parsePositiveFloat(key string, fallback float64) (float64, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || !(v > 0) {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return v, nil
}

func parseLevels(s string) ([]domain.Level, error) {
	var levels []domain.Level
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		l, err := domain.ParseLevel(part)
		if err != nil {
			return nil, fmt.Errorf("invalid LEVELS: %w", err)
		}
		levels = append(levels, l)
	}
	if len(levels) == 0 {
		return nil, errors.New("LEVELS is required")
	}
	return levels, nil
}
