package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	TOTP         TOTPConfig         `mapstructure:"totp"`
	Verification VerificationConfig `mapstructure:"verification"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	Security     SecurityConfig     `mapstructure:"security"`
	Notification NotificationConfig `mapstructure:"notification"`
	Registration RegistrationConfig `mapstructure:"registration"`
	Identity     IdentityConfig     `mapstructure:"identity"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	CORS         CORSConfig         `mapstructure:"cors"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	HTTPS           bool          `mapstructure:"https"`
}

type DatabaseConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	Name             string        `mapstructure:"name"`
	User             string        `mapstructure:"user"`
	Password         string        `mapstructure:"password"`
	MaxOpenConns     int           `mapstructure:"max_open_conns"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `mapstructure:"conn_max_lifetime"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
	SSLMode          string        `mapstructure:"ssl_mode"`
	SSLRootCert      string        `mapstructure:"ssl_root_cert"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
	PoolSize int    `mapstructure:"pool_size"`
}

type TOTPConfig struct {
	Issuer        string `mapstructure:"issuer"`
	EncryptionKey string `mapstructure:"encryption_key"`
}

// VerificationConfig controls the one-time codes sent over email and SMS.
type VerificationConfig struct {
	CodeTTL        time.Duration `mapstructure:"code_ttl"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	ResendCooldown time.Duration `mapstructure:"resend_cooldown"`
}

type RateLimitConfig struct {
	RegistrationsPerDay int     `mapstructure:"registrations_per_day"`
	EmailOTPPerHour     int     `mapstructure:"email_otp_per_hour"`
	SMSOTPPerHour       int     `mapstructure:"sms_otp_per_hour"`
	LoginPerHour        int     `mapstructure:"login_per_hour"`
	RequestsPerSecond   float64 `mapstructure:"requests_per_second"`
	Burst               int     `mapstructure:"burst"`
}

type SecurityConfig struct {
	JWTSecret        string        `mapstructure:"jwt_secret"`
	AccessTokenTTL   time.Duration `mapstructure:"access_token_ttl"`
	LockoutThreshold int           `mapstructure:"lockout_threshold"`
	LockoutDuration  time.Duration `mapstructure:"lockout_duration"`
}

// NotificationConfig selects how verification codes leave the service.
// Driver "log" writes them to the logger, "amqp" publishes delivery requests.
type NotificationConfig struct {
	Driver   string `mapstructure:"driver"`
	AMQPURL  string `mapstructure:"amqp_url"`
	Exchange string `mapstructure:"exchange"`
}

type RegistrationConfig struct {
	RequirePhone bool `mapstructure:"require_phone"`
}

// IdentityConfig is used by clients of the identity service.
type IdentityConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RetryAttempts     int           `mapstructure:"retry_attempts"`
	RetryInitialDelay time.Duration `mapstructure:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`
	BreakerThreshold  int           `mapstructure:"breaker_threshold"`
	BreakerReset      time.Duration `mapstructure:"breaker_reset"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
	MaxAge         int      `mapstructure:"max_age"`
}

// New returns a viper instance with the config search paths, env bindings and
// defaults applied. Callers may bind flags onto it before calling Decode.
func New() *viper.Viper {
	// .env is optional and only used for local development
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/portfolio-risk/")

	v.AutomaticEnv()
	v.SetEnvPrefix("PRA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	_ = v.BindEnv("database.password", "DB_PASSWORD")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("totp.encryption_key", "TOTP_ENCRYPTION_KEY")
	_ = v.BindEnv("security.jwt_secret", "JWT_SECRET")
	_ = v.BindEnv("notification.amqp_url", "AMQP_URL")
	_ = v.BindEnv("identity.base_url", "IDENTITY_BASE_URL")

	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "portfolio_risk")
	v.SetDefault("database.user", "portfolio")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.statement_timeout", 10*time.Second)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)

	v.SetDefault("totp.issuer", "PortfolioRisk")

	v.SetDefault("verification.code_ttl", 5*time.Minute)
	v.SetDefault("verification.max_attempts", 3)
	v.SetDefault("verification.resend_cooldown", 60*time.Second)

	v.SetDefault("rate_limit.registrations_per_day", 5)
	v.SetDefault("rate_limit.email_otp_per_hour", 6)
	v.SetDefault("rate_limit.sms_otp_per_hour", 3)
	v.SetDefault("rate_limit.login_per_hour", 10)
	v.SetDefault("rate_limit.requests_per_second", 5.0)
	v.SetDefault("rate_limit.burst", 20)

	v.SetDefault("security.access_token_ttl", 30*time.Minute)
	v.SetDefault("security.lockout_threshold", 5)
	v.SetDefault("security.lockout_duration", 15*time.Minute)

	v.SetDefault("notification.driver", "log")
	v.SetDefault("notification.exchange", "notifications")

	v.SetDefault("registration.require_phone", true)

	v.SetDefault("identity.base_url", "http://localhost:8000/api/v1/auth")
	v.SetDefault("identity.timeout", 10*time.Second)
	v.SetDefault("identity.retry_attempts", 3)
	v.SetDefault("identity.retry_initial_delay", 200*time.Millisecond)
	v.SetDefault("identity.retry_max_delay", 2*time.Second)
	v.SetDefault("identity.breaker_threshold", 5)
	v.SetDefault("identity.breaker_reset", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	return v
}

// Decode reads the optional config file and unmarshals everything into Config.
func Decode(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.TOTP.Issuer == "" {
		cfg.TOTP.Issuer = "PortfolioRisk"
	}

	return &cfg, nil
}

// Load builds the identity service configuration and checks the secrets it
// cannot start without.
func Load() (*Config, error) {
	cfg, err := Decode(New())
	if err != nil {
		return nil, err
	}

	// Load from env if not in config
	if cfg.Database.Password == "" {
		cfg.Database.Password = os.Getenv("DB_PASSWORD")
	}
	if cfg.Redis.Password == "" {
		cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	}
	if cfg.TOTP.EncryptionKey == "" {
		cfg.TOTP.EncryptionKey = os.Getenv("TOTP_ENCRYPTION_KEY")
	}
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = os.Getenv("JWT_SECRET")
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD environment variable is required")
	}
	if cfg.TOTP.EncryptionKey == "" {
		return nil, fmt.Errorf("TOTP_ENCRYPTION_KEY environment variable is required")
	}
	if len(cfg.TOTP.EncryptionKey) != 32 {
		return nil, fmt.Errorf("TOTP_ENCRYPTION_KEY must be 32 bytes, got %d", len(cfg.TOTP.EncryptionKey))
	}
	if cfg.Security.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if cfg.Notification.Driver == "amqp" && cfg.Notification.AMQPURL == "" {
		return nil, fmt.Errorf("AMQP_URL is required when notification.driver is amqp")
	}

	return cfg, nil
}

// DSN returns PostgreSQL connection string
func (c *DatabaseConfig) DSN() string {
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
	if c.SSLRootCert != "" {
		dsn += "&sslrootcert=" + c.SSLRootCert
	}
	return dsn
}

// Addr returns host:port for the redis client.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
