package config

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Defaults applied when the corresponding variable is unset.
const (
	DefaultAddr        = ":1997"
	DefaultHistoryPath = "messages.json"
	DefaultLogFormat   = "text"
	DefaultLogLevel    = "info"
)

// Config holds all configuration for the relay.
type Config struct {
	// Addr is the TCP address the relay listens on (CHAT_ADDR).
	Addr string `validate:"required,listenaddr"`
	// HistoryPath is the persisted transcript (CHAT_HISTORY_PATH).
	HistoryPath string `validate:"required"`
	// StatusAddr enables the HTTP status surface when set (CHAT_STATUS_ADDR).
	StatusAddr string `validate:"omitempty,listenaddr"`
	// IdleTimeout, when positive, bounds how long a session may wait for a
	// line from its client (CHAT_IDLE_TIMEOUT). Zero disables it.
	IdleTimeout time.Duration `validate:"gte=0"`
	LogFormat   string        `validate:"oneof=text json"`
	LogLevel    string        `validate:"oneof=debug info warn warning error"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// host:port where host may be empty and port may be 0 (ephemeral).
	_ = v.RegisterValidation("listenaddr", func(fl validator.FieldLevel) bool {
		_, port, err := net.SplitHostPort(fl.Field().String())
		if err != nil {
			return false
		}
		n, err := strconv.Atoi(port)
		return err == nil && n >= 0 && n <= 65535
	})
	return v
}

// New loads a .env file if one exists and then reads configuration from the
// environment.
func New() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// slog is not configured yet; the standard logger is fine this early.
		log.Println("No .env file found, relying on environment variables")
	}
	return Load()
}

// Load reads configuration from environment variables only.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:        getEnv("CHAT_ADDR", DefaultAddr),
		HistoryPath: getEnv("CHAT_HISTORY_PATH", DefaultHistoryPath),
		StatusAddr:  os.Getenv("CHAT_STATUS_ADDR"),
		LogFormat:   getEnv("LOG_FORMAT", DefaultLogFormat),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
	}

	if raw := os.Getenv("CHAT_IDLE_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("CHAT_IDLE_TIMEOUT: %w", err)
		}
		cfg.IdleTimeout = d
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field against its constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("invalid configuration: %s failed %q", verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
