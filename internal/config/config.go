// Package config loads process configuration from an optional .env file
// and INVIGILATOR_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "INVIGILATOR"

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

type CaptureConfig struct {
	Interval         time.Duration `mapstructure:"interval" validate:"gt=0"`
	LivenessInterval time.Duration `mapstructure:"liveness_interval" validate:"gt=0"`
	UploadTimeout    time.Duration `mapstructure:"upload_timeout" validate:"gt=0"`
	TargetWidth      int           `mapstructure:"target_width" validate:"gt=0,lte=7680"`
}

type SessionsConfig struct {
	MaxPerQuiz     int           `mapstructure:"max_per_quiz" validate:"gt=0"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout" validate:"gt=0"`
	DefaultSource  string        `mapstructure:"default_source" validate:"oneof=chrome desktop"`
	Retention      time.Duration `mapstructure:"retention" validate:"gt=0"`
}

// CollectorConfig points the upload client at the web service.
type CollectorConfig struct {
	URL     string        `mapstructure:"url" validate:"required,url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

type BrowserConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Image        string `mapstructure:"image" validate:"required_if=Enabled true"`
	Host         string `mapstructure:"host"`
	StartURL     string `mapstructure:"start_url" validate:"omitempty,url"`
	WindowWidth  int    `mapstructure:"window_width" validate:"gt=0"`
	WindowHeight int    `mapstructure:"window_height" validate:"gt=0"`
	PullImage    bool   `mapstructure:"pull_image"`
}

type DesktopConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Display int  `mapstructure:"display" validate:"gte=0"`
}

type RateLimitConfig struct {
	PerHour int `mapstructure:"per_hour" validate:"gt=0"`
	Burst   int `mapstructure:"burst" validate:"gt=0"`
}

type NotifyConfig struct {
	Recent int `mapstructure:"recent" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// ReceiverConfig configures the reference collector service.
type ReceiverConfig struct {
	Addr       string `mapstructure:"addr" validate:"required"`
	Token      string `mapstructure:"token" validate:"required"`
	StorageDir string `mapstructure:"storage_dir" validate:"required"`
}

type PostgresConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port" validate:"gt=0"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DB       string `mapstructure:"db"`
	Schema   string `mapstructure:"schema"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url" validate:"required_if=Enabled true"`
	Exchange string `mapstructure:"exchange"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Collector CollectorConfig `mapstructure:"collector"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Desktop   DesktopConfig   `mapstructure:"desktop"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Log       LogConfig       `mapstructure:"log"`
	Receiver  ReceiverConfig  `mapstructure:"receiver"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	RabbitMQ  RabbitMQConfig  `mapstructure:"rabbitmq"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("capture.interval", 30*time.Second)
	v.SetDefault("capture.liveness_interval", time.Second)
	v.SetDefault("capture.upload_timeout", 20*time.Second)
	v.SetDefault("capture.target_width", 1280)

	v.SetDefault("sessions.max_per_quiz", 500)
	v.SetDefault("sessions.default_timeout", 3*time.Hour)
	v.SetDefault("sessions.default_source", "chrome")
	v.SetDefault("sessions.retention", 15*time.Minute)

	v.SetDefault("collector.url", "http://localhost:8090")
	v.SetDefault("collector.token", "")
	v.SetDefault("collector.timeout", 30*time.Second)

	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.image", "browserless/chrome:latest")
	v.SetDefault("browser.host", "localhost")
	v.SetDefault("browser.start_url", "")
	v.SetDefault("browser.window_width", 1920)
	v.SetDefault("browser.window_height", 1080)
	v.SetDefault("browser.pull_image", true)

	v.SetDefault("desktop.enabled", false)
	v.SetDefault("desktop.display", 0)

	v.SetDefault("ratelimit.per_hour", 1000)
	v.SetDefault("ratelimit.burst", 200)

	v.SetDefault("notify.recent", 32)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("receiver.addr", ":8090")
	v.SetDefault("receiver.token", "")
	v.SetDefault("receiver.storage_dir", "./data/screenshots")

	v.SetDefault("postgres.enabled", false)
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.db", "invigilator")
	v.SetDefault("postgres.schema", "public")
	v.SetDefault("postgres.sslmode", "disable")

	v.SetDefault("rabbitmq.enabled", false)
	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.exchange", "invigilator")
}

// Load reads envFile if it exists, then the environment. An empty envFile
// means ".env".
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	// load .env if it exists (ignore if it does not)
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("config.godotenv(%s): %w", envFile, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config.os.Stat(%s): %w", envFile, err)
	}

	v := viper.New()
	v.SetTypeByDefaultValue(true)
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config.unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks every section. The receiver token is only required by
// the collector service, which calls ValidateReceiver.
func (c *Config) Validate() error {
	if err := validate.StructExcept(c, "Receiver"); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !c.Browser.Enabled && !c.Desktop.Enabled {
		return errors.New("invalid configuration: at least one of browser or desktop capture must be enabled")
	}
	if c.Sessions.DefaultSource == "chrome" && !c.Browser.Enabled ||
		c.Sessions.DefaultSource == "desktop" && !c.Desktop.Enabled {
		return fmt.Errorf("invalid configuration: default source %q is not enabled", c.Sessions.DefaultSource)
	}
	return nil
}

// ValidateReceiver checks the collector service settings.
func (c *Config) ValidateReceiver() error {
	if err := validate.Struct(c.Receiver); err != nil {
		return fmt.Errorf("invalid receiver configuration: %w", err)
	}
	return nil
}
