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
	Env      string         `mapstructure:"env"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Loan     LoanConfig     `mapstructure:"loan"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
	Events   EventsConfig   `mapstructure:"events"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Retry    RetryConfig    `mapstructure:"retry"`
}

type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "memory". The memory driver is for kiosk demos
	// and tests; it keeps nothing across restarts.
	Driver   string `mapstructure:"driver"`
	Source   string `mapstructure:"source"`
	MaxConns int32  `mapstructure:"max_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

type LoanConfig struct {
	Period       time.Duration `mapstructure:"period"`
	DailyLateFee string        `mapstructure:"daily_late_fee"`
}

type SweeperConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
	OnStart  bool          `mapstructure:"on_start"`
}

type EventsConfig struct {
	// Driver is "inline", "nats" or "kafka".
	Driver       string   `mapstructure:"driver"`
	NATSURL      string   `mapstructure:"nats_url"`
	Subject      string   `mapstructure:"subject"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaGroup   string   `mapstructure:"kafka_group"`
}

type NotifyConfig struct {
	GatewayURL string        `mapstructure:"gateway_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.source", "")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.migrate", true)
	v.SetDefault("loan.period", 24*time.Hour)
	v.SetDefault("loan.daily_late_fee", "5")
	v.SetDefault("sweeper.interval", 24*time.Hour)
	v.SetDefault("sweeper.timeout", 5*time.Minute)
	v.SetDefault("sweeper.on_start", true)
	v.SetDefault("events.driver", "inline")
	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.kafka_brokers", []string{})
	v.SetDefault("events.subject", "library.borrow.events")
	v.SetDefault("events.kafka_group", "libraryops-notifier")
	v.SetDefault("notify.gateway_url", "")
	v.SetDefault("notify.timeout", 5*time.Second)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("retry.max_attempts", 6)
	v.SetDefault("retry.base_delay", 10*time.Millisecond)
}

// Load reads config.<ENVIRONMENT>.yaml when present and lets environment
// variables override it (server.port <- SERVER_PORT, and so on). A .env file
// in the working directory is loaded first.
func Load() (*Config, error) {
	_ = godotenv.Load()

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	v := viper.New()
	setDefaults(v)
	v.Set("env", env)

	v.SetConfigName(fmt.Sprintf("config.%s", env))
	v.SetConfigType("yaml")
	v.AddConfigPath("/configs")
	v.AddConfigPath("./configs")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// DB_SOURCE predates the nested keys; keep honouring it.
	_ = v.BindEnv("database.source", "DATABASE_SOURCE", "DB_SOURCE")
	_ = v.BindEnv("auth.jwt_secret", "AUTH_JWT_SECRET", "JWT_SECRET")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.Source == "" {
			return fmt.Errorf("DB_SOURCE environment variable is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	switch c.Events.Driver {
	case "inline":
	case "nats":
		if c.Events.NATSURL == "" {
			return fmt.Errorf("events.nats_url is required for the nats driver")
		}
	case "kafka":
		if len(c.Events.KafkaBrokers) == 0 {
			return fmt.Errorf("events.kafka_brokers is required for the kafka driver")
		}
	default:
		return fmt.Errorf("unknown events driver %q", c.Events.Driver)
	}

	if c.Loan.Period <= 0 {
		return fmt.Errorf("loan.period must be positive")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	return nil
}
