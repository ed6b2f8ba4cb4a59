package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var ErrMisconfigured = errors.New("config invalid")

type Config struct {
	App       AppConfig
	Server    ServerConfig
	Postgres  PostgresConfig
	Redis     RedisConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Sweep     SweepConfig
	Log       LogConfig
	OTEL      OTELConfig
}

type AppConfig struct {
	Name    string
	Env     string
	Version string
}

type ServerConfig struct {
	Port            string
	CORSOrigins     []string
	TrustedProxies  []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type PostgresConfig struct {
	DatabaseURL  string
	Host         string
	Port         string
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxConns     int32
	MinConns     int32
	QueryTimeout time.Duration
}

type RedisConfig struct {
	Enabled      bool
	Addr         string
	Password     string
	DB           int
	Prefix       string
	PoolSize     int
	DialTimeout  time.Duration
	OpTimeout    time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type AuthConfig struct {
	JWTSecret        string
	JWTRefreshSecret string
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	Issuer           string
	KeyID            string
	PublicKey        string
	BcryptCost       int
}

type RateLimitConfig struct {
	Window      time.Duration
	MaxRequests int
}

type SweepConfig struct {
	Interval time.Duration
}

type LogConfig struct {
	Level  string
	Pretty bool
}

type OTELConfig struct {
	Enabled     bool
	Endpoint    string
	SampleRatio float64
}

// Load reads an optional .env file (or the given files) into the process
// environment and then resolves every setting from the environment with
// defaults matching the original service.
func Load(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("%w: load env file: %v", ErrMisconfigured, err)
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	cfg := Config{
		App: AppConfig{
			Name:    v.GetString("APP_NAME"),
			Env:     v.GetString("APP_ENV"),
			Version: v.GetString("APP_VERSION"),
		},
		Server: ServerConfig{
			Port:            v.GetString("PORT"),
			CORSOrigins:     splitList(v.GetString("CORS_ORIGINS")),
			TrustedProxies:  splitList(v.GetString("TRUSTED_PROXIES")),
			ReadTimeout:     v.GetDuration("HTTP_READ_TIMEOUT"),
			WriteTimeout:    v.GetDuration("HTTP_WRITE_TIMEOUT"),
			ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),
		},
		Postgres: PostgresConfig{
			DatabaseURL:  v.GetString("DATABASE_URL"),
			Host:         v.GetString("PGHOST"),
			Port:         v.GetString("PGPORT"),
			User:         v.GetString("PGUSER"),
			Password:     v.GetString("PGPASSWORD"),
			Database:     v.GetString("PGDATABASE"),
			SSLMode:      v.GetString("PGSSLMODE"),
			MaxConns:     v.GetInt32("DB_MAX_CONNS"),
			MinConns:     v.GetInt32("DB_MIN_CONNS"),
			QueryTimeout: v.GetDuration("DB_QUERY_TIMEOUT"),
		},
		Redis: RedisConfig{
			Enabled:      v.GetBool("REDIS_ENABLED"),
			Addr:         fmt.Sprintf("%s:%s", v.GetString("REDIS_HOST"), v.GetString("REDIS_PORT")),
			Password:     v.GetString("REDIS_PASSWORD"),
			DB:           v.GetInt("REDIS_DB"),
			Prefix:       v.GetString("REDIS_PREFIX"),
			PoolSize:     v.GetInt("REDIS_POOL_SIZE"),
			DialTimeout:  v.GetDuration("REDIS_DIAL_TIMEOUT"),
			OpTimeout:    v.GetDuration("REDIS_OP_TIMEOUT"),
			ReadTimeout:  v.GetDuration("REDIS_READ_TIMEOUT"),
			WriteTimeout: v.GetDuration("REDIS_WRITE_TIMEOUT"),
		},
		Auth: AuthConfig{
			JWTSecret:        v.GetString("JWT_SECRET"),
			JWTRefreshSecret: v.GetString("JWT_REFRESH_SECRET"),
			AccessTTL:        time.Duration(v.GetInt64("JWT_EXPIRATION")) * time.Second,
			RefreshTTL:       time.Duration(v.GetInt64("JWT_REFRESH_EXPIRATION")) * time.Second,
			Issuer:           v.GetString("JWT_ISSUER"),
			KeyID:            v.GetString("JWT_KEY_ID"),
			PublicKey:        v.GetString("JWT_PUBLIC_KEY"),
			BcryptCost:       v.GetInt("BCRYPT_COST"),
		},
		RateLimit: RateLimitConfig{
			Window:      time.Duration(v.GetInt64("RATE_LIMIT_WINDOW_MS")) * time.Millisecond,
			MaxRequests: v.GetInt("RATE_LIMIT_MAX_REQUESTS"),
		},
		Sweep: SweepConfig{
			Interval: v.GetDuration("SWEEP_INTERVAL"),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Pretty: v.GetBool("LOG_PRETTY"),
		},
		OTEL: OTELConfig{
			Enabled:     v.GetBool("OTEL_ENABLED"),
			Endpoint:    v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
			SampleRatio: v.GetFloat64("OTEL_SAMPLE_RATIO"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_NAME", "auth-service")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_VERSION", "dev")

	v.SetDefault("PORT", "3001")
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")
	v.SetDefault("TRUSTED_PROXIES", "")
	v.SetDefault("HTTP_READ_TIMEOUT", "10s")
	v.SetDefault("HTTP_WRITE_TIMEOUT", "10s")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")

	v.SetDefault("PGHOST", "localhost")
	v.SetDefault("PGPORT", "5432")
	v.SetDefault("PGSSLMODE", "disable")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("DB_QUERY_TIMEOUT", "3s")

	v.SetDefault("REDIS_ENABLED", true)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_PREFIX", "auth:")
	v.SetDefault("REDIS_POOL_SIZE", 10)
	v.SetDefault("REDIS_DIAL_TIMEOUT", "2s")
	v.SetDefault("REDIS_OP_TIMEOUT", "500ms")
	v.SetDefault("REDIS_READ_TIMEOUT", "500ms")
	v.SetDefault("REDIS_WRITE_TIMEOUT", "500ms")

	v.SetDefault("JWT_EXPIRATION", 900)
	v.SetDefault("JWT_REFRESH_EXPIRATION", 604800)
	v.SetDefault("JWT_ISSUER", "auth-service")
	v.SetDefault("JWT_KEY_ID", "auth-service-1")
	v.SetDefault("JWT_PUBLIC_KEY", "public-key-placeholder")
	v.SetDefault("BCRYPT_COST", 12)

	v.SetDefault("RATE_LIMIT_WINDOW_MS", 600000)
	v.SetDefault("RATE_LIMIT_MAX_REQUESTS", 5)

	v.SetDefault("SWEEP_INTERVAL", "1h")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)

	v.SetDefault("OTEL_ENABLED", false)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("OTEL_SAMPLE_RATIO", 1.0)
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("%w: JWT_SECRET is required", ErrMisconfigured)
	}
	if strings.TrimSpace(c.Auth.JWTRefreshSecret) == "" {
		return fmt.Errorf("%w: JWT_REFRESH_SECRET is required", ErrMisconfigured)
	}
	if c.Auth.JWTSecret == c.Auth.JWTRefreshSecret {
		return fmt.Errorf("%w: JWT_SECRET and JWT_REFRESH_SECRET must differ", ErrMisconfigured)
	}
	if c.Auth.AccessTTL <= 0 {
		return fmt.Errorf("%w: invalid JWT_EXPIRATION", ErrMisconfigured)
	}
	if c.Auth.RefreshTTL <= 0 {
		return fmt.Errorf("%w: invalid JWT_REFRESH_EXPIRATION", ErrMisconfigured)
	}
	if c.RateLimit.Window <= 0 || c.RateLimit.MaxRequests <= 0 {
		return fmt.Errorf("%w: invalid RATE_LIMIT_WINDOW_MS/RATE_LIMIT_MAX_REQUESTS", ErrMisconfigured)
	}
	if c.Sweep.Interval <= 0 {
		return fmt.Errorf("%w: invalid SWEEP_INTERVAL", ErrMisconfigured)
	}
	for _, proxy := range c.Server.TrustedProxies {
		if !validProxy(proxy) {
			return fmt.Errorf("%w: invalid TRUSTED_PROXIES entry %q", ErrMisconfigured, proxy)
		}
	}
	return nil
}

func validProxy(value string) bool {
	if strings.Contains(value, "/") {
		_, _, err := net.ParseCIDR(value)
		return err == nil
	}
	return net.ParseIP(value) != nil
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
