package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port string
		Env  string
	}

	Database DatabaseConfig

	RateLimit struct {
		MaxCreationsPerWindow int
		MaxAccessesPerWindow  int
		AccessWindow          time.Duration
		RetentionInterval     time.Duration
		IPRequestsPerMinute   int
		IPBurst               int
	}

	Auth struct {
		JWTSecret string
		Issuer    string
		Audience  string
		TokenTTL  time.Duration
	}

	Redis struct {
		Addr     string
		Password string
		DB       int
	}
}

type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver   string
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// URL renders the connection string understood by both lib/pq and
// golang-migrate.
func (d DatabaseConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     d.Host + ":" + d.Port,
		Path:     "/" + d.Name,
		RawQuery: url.Values{"sslmode": []string{d.SSLMode}}.Encode(),
	}
	return u.String()
}

func GetDefaultConfig() *Config {
	config := &Config{}

	config.Server.Port = "8080"
	config.Server.Env = "development"

	config.Database.Driver = "postgres"
	config.Database.Port = "5432"
	config.Database.SSLMode = "require"

	config.RateLimit.MaxCreationsPerWindow = 5
	config.RateLimit.MaxAccessesPerWindow = 10
	config.RateLimit.AccessWindow = time.Minute
	config.RateLimit.RetentionInterval = 5 * time.Minute
	config.RateLimit.IPRequestsPerMinute = 20
	config.RateLimit.IPBurst = 10

	config.Auth.TokenTTL = time.Hour

	return config
}

// Load reads .env (when present) and the process environment on top of
// GetDefaultConfig, then validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	def := GetDefaultConfig()
	v.SetDefault("PORT", def.Server.Port)
	v.SetDefault("GO_ENV", def.Server.Env)
	v.SetDefault("DB_DRIVER", def.Database.Driver)
	v.SetDefault("DATABASE_PORT", def.Database.Port)
	v.SetDefault("DATABASE_SSLMODE", def.Database.SSLMode)
	v.SetDefault("MAX_CREATIONS_PER_WINDOW", def.RateLimit.MaxCreationsPerWindow)
	v.SetDefault("MAX_ACCESSES_PER_WINDOW", def.RateLimit.MaxAccessesPerWindow)
	v.SetDefault("ACCESS_WINDOW_DURATION", def.RateLimit.AccessWindow)
	v.SetDefault("RETENTION_INTERVAL", def.RateLimit.RetentionInterval)
	v.SetDefault("IP_REQUESTS_PER_MINUTE", def.RateLimit.IPRequestsPerMinute)
	v.SetDefault("IP_BURST", def.RateLimit.IPBurst)
	v.SetDefault("JWT_TOKEN_TTL", def.Auth.TokenTTL)
	v.SetDefault("REDIS_DB", 0)

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	config := GetDefaultConfig()

	config.Server.Port = v.GetString("PORT")
	config.Server.Env = v.GetString("GO_ENV")

	config.Database.Driver = v.GetString("DB_DRIVER")
	config.Database.Host = v.GetString("DATABASE_HOST")
	config.Database.Port = v.GetString("DATABASE_PORT")
	config.Database.User = v.GetString("DATABASE_USER")
	config.Database.Password = v.GetString("DATABASE_PASSWORD")
	config.Database.Name = v.GetString("DATABASE_NAME")
	config.Database.SSLMode = v.GetString("DATABASE_SSLMODE")

	config.RateLimit.MaxCreationsPerWindow = v.GetInt("MAX_CREATIONS_PER_WINDOW")
	config.RateLimit.MaxAccessesPerWindow = v.GetInt("MAX_ACCESSES_PER_WINDOW")
	config.RateLimit.AccessWindow = v.GetDuration("ACCESS_WINDOW_DURATION")
	config.RateLimit.RetentionInterval = v.GetDuration("RETENTION_INTERVAL")
	config.RateLimit.IPRequestsPerMinute = v.GetInt("IP_REQUESTS_PER_MINUTE")
	config.RateLimit.IPBurst = v.GetInt("IP_BURST")

	config.Auth.JWTSecret = v.GetString("JWT_SECRET")
	config.Auth.Issuer = v.GetString("JWT_ISSUER")
	config.Auth.Audience = v.GetString("JWT_AUDIENCE")
	config.Auth.TokenTTL = v.GetDuration("JWT_TOKEN_TTL")

	config.Redis.Addr = v.GetString("REDIS_ADDR")
	config.Redis.Password = v.GetString("REDIS_PASSWORD")
	config.Redis.DB = v.GetInt("REDIS_DB")

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects settings the limiter and identity provider cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.RateLimit.MaxCreationsPerWindow <= 0 {
		errs = append(errs, errors.New("MAX_CREATIONS_PER_WINDOW must be positive"))
	}
	if c.RateLimit.MaxAccessesPerWindow <= 0 {
		errs = append(errs, errors.New("MAX_ACCESSES_PER_WINDOW must be positive"))
	}
	if c.RateLimit.AccessWindow <= 0 {
		errs = append(errs, errors.New("ACCESS_WINDOW_DURATION must be positive"))
	}
	if len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 32 characters"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("JWT_TOKEN_TTL must be positive"))
	}
	switch c.Database.Driver {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver))
	}

	return errors.Join(errs...)
}
