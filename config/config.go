package config

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the process configuration read from the environment.
type Config struct {
	Port     int    `env:"SHELFCHECK_PORT" envDefault:"8080"`
	LogLevel string `env:"SHELFCHECK_LOG_LEVEL" envDefault:"info"`

	DBDriver     string `env:"SHELFCHECK_DB_DRIVER" envDefault:"sqlite3"`
	DBPath       string `env:"SHELFCHECK_DB_PATH" envDefault:"library.db"`
	DBHost       string `env:"DB_HOST"`
	DBPort       int    `env:"DB_PORT" envDefault:"5432"`
	DBName       string `env:"DB_NAME" envDefault:"appdb"`
	DBSSLMode    string `env:"DB_SSLMODE" envDefault:"require"`
	DBSecretFile string `env:"DB_SECRET_FILE"`

	JWTSecret string        `env:"SHELFCHECK_JWT_SECRET"`
	TokenTTL  time.Duration `env:"SHELFCHECK_TOKEN_TTL" envDefault:"24h"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses Config and checks driver specific requirements.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite3":
		if c.DBPath == "" {
			return fmt.Errorf("config: SHELFCHECK_DB_PATH is required for sqlite3")
		}
	case "pgx":
		if c.DBHost == "" {
			return fmt.Errorf("config: DB_HOST is required for pgx")
		}
	default:
		return fmt.Errorf("config: unsupported SHELFCHECK_DB_DRIVER %q", c.DBDriver)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("config: SHELFCHECK_TOKEN_TTL must be positive")
	}
	return nil
}

// PostgresDSN builds a pgx connection URL from the configured host and the
// given credentials.
func (c Config) PostgresDSN(user, password string) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, password),
		Host:   c.DBHost + ":" + strconv.Itoa(c.DBPort),
		Path:   "/" + c.DBName,
	}
	q := url.Values{}
	q.Set("sslmode", c.DBSSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// Addr is the HTTP listen address.
func (c Config) Addr() string { return ":" + strconv.Itoa(c.Port) }
