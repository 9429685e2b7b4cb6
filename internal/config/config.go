// Package config loads the client configuration from defaults, an optional
// file and GPSCLIENT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
	"github.com/spf13/viper"

	"nuha.dev/gpsclient/internal/protocol"
)

const EnvPrefix = "GPSCLIENT"

// store drivers
const (
	DriverBolt     = "bolt"
	DriverSqlite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// connectivity modes
const (
	ConnectivityProbe  = "probe"
	ConnectivityStatic = "static"
)

type Config struct {
	BufferEnabled  bool     `mapstructure:"buffer_enabled"`
	ServerEndpoint string   `mapstructure:"server_endpoint" validate:"required"`
	RetryDelayMs   int      `mapstructure:"retry_delay_ms" validate:"gt=0"`
	TimeoutMs      int      `mapstructure:"timeout_ms" validate:"gt=0"`
	DeviceID       string   `mapstructure:"device_id"`
	AlarmTag       string   `mapstructure:"alarm_tag" validate:"required"`
	Protocol       Protocol `mapstructure:"protocol"`

	Store        StoreConfig        `mapstructure:"store"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Api          ApiConfig          `mapstructure:"api"`
	Nats         NatsConfig         `mapstructure:"nats"`
	Event        EventConfig        `mapstructure:"event"`
	Log          LogConfig          `mapstructure:"log"`
}

type Protocol struct {
	Fields []string `mapstructure:"fields" validate:"dive,oneof=speed bearing altitude accuracy batt charge"`
}

type StoreConfig struct {
	Driver        string `mapstructure:"driver" validate:"oneof=bolt sqlite postgres memory"`
	Path          string `mapstructure:"path"`
	URL           string `mapstructure:"url"`
	Table         string `mapstructure:"table" validate:"required"`
	OpenTimeoutMs int    `mapstructure:"open_timeout_ms" validate:"gte=0"`
}

type ConnectivityConfig struct {
	Mode            string `mapstructure:"mode" validate:"oneof=probe static"`
	ProbeIntervalMs int    `mapstructure:"probe_interval_ms" validate:"gt=0"`
	ProbeTimeoutMs  int    `mapstructure:"probe_timeout_ms" validate:"gt=0"`
}

type ApiConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

type NatsConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	Name          string `mapstructure:"name"`
	SampleSubject string `mapstructure:"sample_subject"`
	EventPrefix   string `mapstructure:"event_prefix"`
}

type EventConfig struct {
	Node uint64 `mapstructure:"node"`
}

type LogConfig struct {
	Level   string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Console bool   `mapstructure:"console"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("buffer_enabled", true)
	v.SetDefault("server_endpoint", "http://localhost:5055")
	v.SetDefault("retry_delay_ms", 30000)
	v.SetDefault("timeout_ms", 10000)
	v.SetDefault("device_id", "")
	v.SetDefault("alarm_tag", "SOS")
	v.SetDefault("protocol.fields", []string{})

	v.SetDefault("store.driver", DriverBolt)
	v.SetDefault("store.path", "gpsclient.db")
	v.SetDefault("store.url", "")
	v.SetDefault("store.table", "positions")
	v.SetDefault("store.open_timeout_ms", 1000)

	v.SetDefault("connectivity.mode", ConnectivityProbe)
	v.SetDefault("connectivity.probe_interval_ms", 10000)
	v.SetDefault("connectivity.probe_timeout_ms", 3000)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen_addr", "localhost:3333")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.name", "gpsclient")
	v.SetDefault("nats.sample_subject", "")
	v.SetDefault("nats.event_prefix", "gpsclient.events")

	v.SetDefault("event.node", 1)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", false)
}

// NewViper returns a viper instance with every key defaulted and bound to
// its GPSCLIENT_ environment variable (store.path -> GPSCLIENT_STORE_PATH).
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file when given and returns the validated configuration.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := protocol.ParseEndpoint(c.ServerEndpoint); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Store.Driver {
	case DriverBolt, DriverSqlite:
		if c.Store.Path == "" {
			return errors.New("invalid config: store.path is required for the " + c.Store.Driver + " driver")
		}
	case DriverPostgres:
		if c.Store.URL == "" {
			return errors.New("invalid config: store.url is required for the postgres driver")
		}
	}
	if c.Nats.Enabled && c.Nats.URL == "" {
		return errors.New("invalid config: nats.url is required when nats is enabled")
	}
	return nil
}

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c *ConnectivityConfig) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalMs) * time.Millisecond
}

func (c *ConnectivityConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMs) * time.Millisecond
}

func (c *StoreConfig) OpenTimeout() time.Duration {
	return time.Duration(c.OpenTimeoutMs) * time.Millisecond
}

// SetupLogging configures log.DefaultLogger. Loggers created afterwards
// inherit the level and writer.
func SetupLogging(c *LogConfig) {
	log.DefaultLogger.Level = log.ParseLevel(c.Level)
	if c.Console {
		log.DefaultLogger.Writer = &log.ConsoleWriter{ColorOutput: true, Writer: os.Stderr}
	} else {
		log.DefaultLogger.Writer = &log.IOWriter{Writer: os.Stderr}
	}
}
