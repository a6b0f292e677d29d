package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config lists the tunable parameters for the RentWatch server.
type Config struct {
	HTTPPort      int
	DatabasePath  string
	WatchDir      string
	ColumnMapPath string
	MQTTBroker    string
	MQTTTopic     string
	AdminPassword string
	ImportOnStart bool
	LogLevel      string
}

const (
	defaultHTTPPort     = 8080
	defaultDatabasePath = "data/rentwatch.db"
	defaultWatchDir     = "upload"
	defaultMQTTTopic    = "rentwatch/imports"
	defaultLogLevel     = "info"
)

// Load derives configuration values from environment variables, falling back
// to defaults. A .env file in the working directory is honored when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPPort:     defaultHTTPPort,
		DatabasePath: defaultDatabasePath,
		WatchDir:     defaultWatchDir,
		MQTTTopic:    defaultMQTTTopic,
		LogLevel:     defaultLogLevel,
	}

	if v := os.Getenv("RENTWATCH_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid RENTWATCH_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("RENTWATCH_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv("RENTWATCH_WATCH_DIR"); v != "" {
		cfg.WatchDir = v
	}

	if v := os.Getenv("RENTWATCH_COLUMN_MAP"); v != "" {
		cfg.ColumnMapPath = v
	}

	if v := os.Getenv("RENTWATCH_MQTT_BROKER"); v != "" {
		cfg.MQTTBroker = v
	}

	if v := os.Getenv("RENTWATCH_MQTT_TOPIC"); v != "" {
		cfg.MQTTTopic = v
	}

	if v := os.Getenv("RENTWATCH_ADMIN_PASSWORD"); v != "" {
		cfg.AdminPassword = v
	}

	if v := os.Getenv("RENTWATCH_IMPORT_ON_START"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid RENTWATCH_IMPORT_ON_START: %w", err)
		}
		cfg.ImportOnStart = enabled
	}

	if v := os.Getenv("RENTWATCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}
