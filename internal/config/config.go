package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
)

const (
	BackendREST     = "rest"
	BackendPostgres = "postgres"
)

type Config struct {
	// Hosted project
	SupabaseURL     string
	SupabaseAnonKey string
	JWTSecret       string // optional, enables local verification of access tokens

	// Data provider
	DataBackend string
	DatabaseURL string

	// Session persistence
	SessionFile       string
	SessionPassphrase string
	AutoRefresh       bool

	// Local web UI
	Port         int
	Host         string
	CookieSecret string

	// Credential submissions (sign-in / sign-up) per second
	AuthRateLimit float64
	AuthRateBurst int

	RequestTimeout time.Duration

	LogLevel  string
	LogFormat string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		SupabaseURL:       strings.TrimRight(getEnv("SUPABASE_URL", ""), "/"),
		SupabaseAnonKey:   getEnv("SUPABASE_ANON_KEY", ""),
		JWTSecret:         getEnv("SUPABASE_JWT_SECRET", ""),
		DataBackend:       getEnv("DATA_BACKEND", BackendREST),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		SessionFile:       getEnv("SESSION_FILE", ""),
		SessionPassphrase: getEnv("SESSION_PASSPHRASE", ""),
		AutoRefresh:       getEnvBool("AUTO_REFRESH", true),
		Port:              getEnvInt("PORT", 5173),
		Host:              getEnv("HOST", "127.0.0.1"),
		CookieSecret:      getEnv("COOKIE_SECRET", ""),
		AuthRateLimit:     getEnvFloat("AUTH_RATE_LIMIT", 5),
		AuthRateBurst:     getEnvInt("AUTH_RATE_BURST", 10),
		RequestTimeout:    time.Duration(getEnvInt("REQUEST_TIMEOUT_SECONDS", 10)) * time.Second,
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "text"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.SupabaseURL == "" {
		return fmt.Errorf("SUPABASE_URL is required")
	}
	u, err := url.Parse(c.SupabaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("SUPABASE_URL must be an absolute http(s) URL")
	}

	if c.SupabaseAnonKey == "" {
		return fmt.Errorf("SUPABASE_ANON_KEY is required")
	}
	role, err := APIKeyRole(c.SupabaseAnonKey)
	if err != nil {
		return fmt.Errorf("SUPABASE_ANON_KEY: %w", err)
	}
	if role == "service_role" {
		return fmt.Errorf("SUPABASE_ANON_KEY must not be a service_role key")
	}

	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return fmt.Errorf("SUPABASE_JWT_SECRET must be at least 32 characters")
	}

	switch c.DataBackend {
	case BackendREST:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DATA_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("DATA_BACKEND must be %q or %q, got %q", BackendREST, BackendPostgres, c.DataBackend)
	}

	// Session file and passphrase: both or neither
	if c.SessionFile != "" && c.SessionPassphrase == "" {
		return fmt.Errorf("SESSION_PASSPHRASE is required when SESSION_FILE is set")
	}
	if c.SessionPassphrase != "" && len(c.SessionPassphrase) < 12 {
		return fmt.Errorf("SESSION_PASSPHRASE must be at least 12 characters")
	}

	if c.AuthRateLimit <= 0 || c.AuthRateBurst < 1 {
		return fmt.Errorf("AUTH_RATE_LIMIT and AUTH_RATE_BURST must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT_SECONDS must be positive")
	}
	return nil
}

// Addr is the listen address of the local web UI.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// APIKeyRole decodes a project API key without verifying it and returns its
// role claim. The signature is checked by the hosted service, not here.
func APIKeyRole(key string) (string, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(key, claims); err != nil {
		return "", fmt.Errorf("invalid API key format")
	}
	role, _ := claims["role"].(string)
	if role == "" {
		return "", fmt.Errorf("API key missing role claim")
	}
	return role, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "true" || v == "1"
}
