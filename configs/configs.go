package configs

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port     string `mapstructure:"port"`
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
}

type APIConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	CDNURL     string        `mapstructure:"cdn_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries uint64        `mapstructure:"max_retries"`
}

type ProviderConfig struct {
	Kind string `mapstructure:"kind"` // "http" or "postgres"
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	Burst          int           `mapstructure:"burst"`
}

type FeaturesConfig struct {
	EnableLogging    bool `mapstructure:"enable_logging"`
	AllowCrossOrigin bool `mapstructure:"allow_cross_origin"`
	AutoValidate     bool `mapstructure:"auto_validate"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	API       APIConfig       `mapstructure:"api"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Database  DatabaseConfig  `mapstructure:"database"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Features  FeaturesConfig  `mapstructure:"features"`
}

var defaults = map[string]any{
	"server.port":                 "8080",
	"server.env":                  "dev",
	"server.log_level":            "info",
	"api.base_url":                "http://localhost:3000/api/auction",
	"api.cdn_url":                 "http://localhost:3000/content/auction",
	"api.timeout":                 "10s",
	"api.max_retries":             2,
	"provider.kind":               "http",
	"database.host":               "localhost",
	"database.port":               "5432",
	"database.user":               "",
	"database.password":           "",
	"database.name":               "auction",
	"database.sslmode":            "disable",
	"websocket.ping_interval":     "30s",
	"websocket.max_message_size":  4096,
	"websocket.rate_per_second":   5,
	"websocket.burst":             10,
	"features.enable_logging":     true,
	"features.allow_cross_origin": false,
	"features.auto_validate":      false,
}

// LoadConfig reads config.yaml from dir, after loading dir/.env into the
// environment. Environment variables override file values: SERVER_PORT
// overrides server.port. Values may reference variables as ${NAME}.
func LoadConfig(dir string) (*Config, error) {
	// Load .env file
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil {
		log.Info("No .env file found")
	}

	v := viper.New()
	v.SetConfigName("config") // Name of the config file (without extension)
	v.SetConfigType("yaml")   // Config file type
	v.AddConfigPath(dir)      // Path to look for the config file
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv() // Automatically map environment variables

	// Allow dots in environment variables to map to nested keys
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read the config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		log.Info("No config file found, using defaults")
	}

	substituteEnvVarsInConfig(v)

	// Unmarshal the config into a struct
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Helper function to manually replace environment variables in config file values
func substituteEnvVarsInConfig(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		value, ok := v.Get(key).(string)
		if !ok || !strings.Contains(value, "${") {
			continue
		}
		v.Set(key, os.Expand(value, os.Getenv))
	}
}
