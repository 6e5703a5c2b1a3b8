package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	WhatsApp  WhatsAppConfig  `mapstructure:"whatsapp"`
	Session   SessionConfig   `mapstructure:"session"`
	Takeover  TakeoverConfig  `mapstructure:"takeover"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Import    ImportConfig    `mapstructure:"import"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

type OpenAIConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

// WhatsAppConfig configures the protocol adapter. StoreDir holds the
// per-tenant device databases and QR artifacts.
type WhatsAppConfig struct {
	StoreDir string `mapstructure:"store_dir"`
	LogLevel string `mapstructure:"log_level"`
}

// SessionConfig bounds the QR exchange wait.
type SessionConfig struct {
	QRWaitAttempts int           `mapstructure:"qr_wait_attempts"`
	QRWaitInterval time.Duration `mapstructure:"qr_wait_interval"`
}

// TakeoverConfig tunes human-takeover suppression of automated replies.
type TakeoverConfig struct {
	HumanWindow      time.Duration `mapstructure:"human_window"`
	ConsecutiveHuman int           `mapstructure:"consecutive_human"`
	RecentLimit      int           `mapstructure:"recent_limit"`
}

type RateLimitConfig struct {
	StatusMinInterval time.Duration `mapstructure:"status_min_interval"`
	StaleAge          time.Duration `mapstructure:"stale_age"`
	SweepProbability  float64       `mapstructure:"sweep_probability"`
}

type ImportConfig struct {
	MessageLimit    int           `mapstructure:"message_limit"`
	EmptyRetryDelay time.Duration `mapstructure:"empty_retry_delay"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	dbName := strings.TrimPrefix(u.Path, "/")

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   dbName,
		SSLMode:  "disable",
	}, nil
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", false)
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.max_tokens", 300)
	v.SetDefault("openai.temperature", 0.7)
	v.SetDefault("whatsapp.store_dir", "./sessions")
	v.SetDefault("whatsapp.log_level", "INFO")
	v.SetDefault("session.qr_wait_attempts", 10)
	v.SetDefault("session.qr_wait_interval", 500*time.Millisecond)
	v.SetDefault("takeover.human_window", 5*time.Minute)
	v.SetDefault("takeover.consecutive_human", 2)
	v.SetDefault("takeover.recent_limit", 10)
	v.SetDefault("ratelimit.status_min_interval", 3*time.Second)
	v.SetDefault("ratelimit.stale_age", time.Hour)
	v.SetDefault("ratelimit.sweep_probability", 0.1)
	v.SetDefault("import.message_limit", 100)
	v.SetDefault("import.empty_retry_delay", 5*time.Second)

	// Enable environment variable support
	v.AutomaticEnv()

	// Read the config file
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %v", err)
		}
		config.Database = dbConfig
	}

	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}

	return &config, nil
}
