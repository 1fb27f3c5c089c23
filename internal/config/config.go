package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port       string
	DBAdapter  string
	SQLiteFile string
	LogLevel   string

	// Token engine settings
	Issuer           string
	Audience         string
	JwtSecret        string
	KeyDir           string
	SigningKeyFile   string
	FallbackKeyFiles []string
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration

	// Refresh token registry; empty means the primary store is used
	RedisAddr     string
	RedisPassword string

	StoreTimeout       time.Duration
	AllowedOrigins     []string
	RateLimitPerMinute int

	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %s", key, v)
	}
	return d, nil
}

func getenvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	// If DSN is provided directly, use it
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	// Build DSN from individual components
	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}

	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable" // Default to disable for local development
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)

	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}

	return dsn, nil
}

func New() (*Config, error) {
	c := &Config{
		Port:       getenv("PORT", "8080"),
		DBAdapter:  getenv("DB_ADAPTER", "postgres"), // Default to postgres
		SQLiteFile: getenv("SQLITE_FILE", "./data/identity.db"),
		LogLevel:   getenv("LOG_LEVEL", "info"),

		Issuer:           getenv("TOKEN_ISSUER", "https://localhost:5001/"),
		Audience:         getenv("TOKEN_AUDIENCE", "identity-api"),
		JwtSecret:        getenv("JWT_SECRET", ""),
		KeyDir:           getenv("KEY_DIR", ""),
		SigningKeyFile:   getenv("SIGNING_KEY_FILE", ""),
		FallbackKeyFiles: getenvList("FALLBACK_KEY_FILES"),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),

		AllowedOrigins: getenvList("ALLOWED_ORIGINS"),

		// PostgreSQL settings
		PostgresDSN:      getenv("POSTGRES_DSN", ""),
		PostgresHost:     getenv("POSTGRES_HOST", getenv("DB_HOST", "localhost")),
		PostgresPort:     getenv("POSTGRES_PORT", getenv("DB_PORT", "5432")),
		PostgresUser:     getenv("POSTGRES_USER", getenv("DB_USER", "identity")),
		PostgresPassword: getenv("POSTGRES_PASSWORD", getenv("DB_PASSWORD", "identitypass")),
		PostgresDB:       getenv("POSTGRES_DB", getenv("DB_NAME", "identity")),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", getenv("DB_SSLMODE", "disable")),
	}

	var err error
	if c.AccessTokenTTL, err = getenvDuration("ACCESS_TOKEN_TTL", time.Hour); err != nil {
		return nil, err
	}
	if c.RefreshTokenTTL, err = getenvDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour); err != nil {
		return nil, err
	}
	if c.StoreTimeout, err = getenvDuration("STORE_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}

	if c.RateLimitPerMinute, err = strconv.Atoi(getenv("RATE_LIMIT_PER_MINUTE", "120")); err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE: %w", err)
	}

	// Validate PostgreSQL configuration if using postgres
	if c.DBAdapter == "postgres" {
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	}

	if c.DBAdapter == "sqlite" {
		// ensure sqlite file path is not empty
		if c.SQLiteFile == "" {
			return nil, errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	}

	// A signing key source is mandatory in production; development falls
	// back to an ephemeral keypair.
	env := strings.ToLower(getenv("ENV", getenv("NODE_ENV", "")))
	if env == "production" || env == "prod" {
		if c.JwtSecret == "" && c.SigningKeyFile == "" {
			return nil, errors.New("JWT_SECRET or SIGNING_KEY_FILE must be set in production")
		}
	}

	// normalize port
	if _, err := strconv.Atoi(c.Port); err != nil {
		return nil, fmt.Errorf("invalid PORT: %s", c.Port)
	}

	return c, nil
}
