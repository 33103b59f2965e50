// Package config reads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPPort       string        `env:"HTTP_PORT" env-default:"8080"`
	DatabaseURL    string        `env:"DATABASE_URL"`
	JWTSecret      string        `env:"JWT_SECRET"`
	JWTExpiresIn   time.Duration `env:"JWT_EXPIRES_IN" env-default:"24h"`
	LogLevel       string        `env:"LOG_LEVEL" env-default:"info"`
	LogoutScope    string        `env:"LOGOUT_SCOPE" env-default:"all"`
	DeviceIDHeader string        `env:"DEVICE_ID_HEADER" env-default:"X-Device-ID"`

	AdminEmail    string `env:"ADMIN_EMAIL" env-default:"admin@trustgate.local"`
	AdminPassword string `env:"ADMIN_PASSWORD"`
	AdminDeviceID string `env:"ADMIN_DEVICE_ID" env-default:"admin-console"`

	SMTP SMTP
}

type SMTP struct {
	Host     string `env:"SMTP_HOST"`
	Port     int    `env:"SMTP_PORT" env-default:"587"`
	TLS      bool   `env:"SMTP_TLS" env-default:"true"`
	Username string `env:"SMTP_USERNAME"`
	Password string `env:"SMTP_PASSWORD"`
	From     string `env:"SMTP_FROM" env-default:"noreply@trustgate.local"`
}

func (s SMTP) Enabled() bool { return s.Host != "" }

// Load reads envFile when it exists and then the process environment.
// Variables already set in the environment win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("read env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.DatabaseURL == "":
		return errors.New("DATABASE_URL is empty")
	case len(c.JWTSecret) < 32:
		return errors.New("JWT_SECRET must be at least 32 bytes")
	case c.JWTExpiresIn <= 0:
		return errors.New("JWT_EXPIRES_IN must be positive")
	case c.DeviceIDHeader == "":
		return errors.New("DEVICE_ID_HEADER is empty")
	}
	return nil
}
