package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Config struct {
	ListenAddr string
	LogLevel   string

	// BaseURL is the public base the placard QR codes point at.
	BaseURL string
	// ControllerURL is the display controller's API base.
	ControllerURL string
	// DataPath holds the sqlite database and the colors.json palette file.
	DataPath string

	// AuthTimeoutSecs is the rotation interval for the advertised auth code.
	AuthTimeoutSecs int

	CORSOrigins []string

	// OpenTelemetry export (opt-in).
	OTelEnabled  bool
	OTelEndpoint string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr:      getEnv("FT_LISTEN_ADDR", ":8000"),
		LogLevel:        getEnv("FT_LOG_LEVEL", "info"),
		BaseURL:         getEnv("FT_BASE_URL", "http://localhost:3000"),
		ControllerURL:   getEnv("FT_CONTROLLER_URL", "http://localhost:8000"),
		DataPath:        getEnv("FT_API_DATA_PATH", defaultDataPath()),
		AuthTimeoutSecs: getEnvInt("FT_AUTH_TIMEOUT", 15*60),
		CORSOrigins:     getEnvStringSlice("FT_CORS_ORIGINS", nil),
		OTelEnabled:     getEnvBool("FT_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("FT_OTEL_ENDPOINT", "localhost:4318"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.AuthTimeoutSecs <= 0 {
		return fmt.Errorf("FT_AUTH_TIMEOUT must be > 0, got %d", c.AuthTimeoutSecs)
	}
	if c.BaseURL == "" {
		return fmt.Errorf("FT_BASE_URL must not be empty")
	}
	if c.ControllerURL == "" {
		return fmt.Errorf("FT_CONTROLLER_URL must not be empty")
	}
	if c.DataPath == "" {
		return fmt.Errorf("FT_API_DATA_PATH must not be empty")
	}
	return nil
}

// defaultDataPath follows the XDG data home convention.
func defaultDataPath() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "footron")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "footron-data")
	}
	return filepath.Join(home, ".local", "share", "footron")
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
