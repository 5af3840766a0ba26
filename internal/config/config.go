package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"fastbook/internal/exchange"
	"fastbook/internal/factory"
	"fastbook/internal/grid"
	"fastbook/internal/sequencer"
	"fastbook/internal/types"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. FASTBOOK_LOG_LEVEL
const EnvPrefix = "FASTBOOK"

// Config holds all application configuration
type Config struct {
	Feeds  []FeedConfig `mapstructure:"feeds"`
	Book   BookConfig   `mapstructure:"book"`
	Queue  QueueConfig  `mapstructure:"queue"`
	Server ServerConfig `mapstructure:"server"`
	Kafka  KafkaConfig  `mapstructure:"kafka"`
	Log    LogConfig    `mapstructure:"log"`
	App    AppConfig    `mapstructure:"app"`
}

// FeedConfig holds feed-specific configuration
type FeedConfig struct {
	Name      exchange.FeedName `mapstructure:"name"`
	Symbols   []string          `mapstructure:"symbols"`
	Precision string            `mapstructure:"precision"` // "P0".."P4" or a digit count
	Frequency string            `mapstructure:"frequency"`
	Depth     int               `mapstructure:"depth"`
	URL       string            `mapstructure:"url"`
	RESTURL   string            `mapstructure:"rest_url"`
}

// BookConfig holds ladder layout settings shared by every book
type BookConfig struct {
	HeadroomTicks        int  `mapstructure:"headroom_ticks"`
	MaxLevels            int  `mapstructure:"max_levels"`
	RecomputeTickOnDelta bool `mapstructure:"recompute_tick_on_delta"`
}

// QueueConfig holds per-symbol queue settings
type QueueConfig struct {
	Capacity int    `mapstructure:"capacity"` // 0 is unbounded
	Overflow string `mapstructure:"overflow"` // block, drop_newest
}

// ServerConfig holds websocket/HTTP server settings
type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	PushInterval time.Duration `mapstructure:"push_interval"`
	Depth        int           `mapstructure:"depth"`
}

// KafkaConfig holds the book update publisher settings
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"` // debug, info, warn, error
	Pretty bool   `mapstructure:"pretty"`
}

// AppConfig holds general application configuration
type AppConfig struct {
	DefaultTickLevel types.TickLevel `mapstructure:"default_tick_level"`
	NotifyTimeout    time.Duration   `mapstructure:"notify_timeout"`
	ResyncTimeout    time.Duration   `mapstructure:"resync_timeout"`
	StatsInterval    time.Duration   `mapstructure:"stats_interval"`
	ShutdownTimeout  time.Duration   `mapstructure:"shutdown_timeout"`
}

// Default returns the default configuration for tBTCUSD on Bitfinex
func Default() Config {
	return Config{
		Feeds: []FeedConfig{
			{
				Name:      exchange.Bitfinex,
				Symbols:   []string{"tBTCUSD"},
				Precision: "P0",
				Frequency: "F0",
				Depth:     25,
			},
		},
		Book: BookConfig{
			HeadroomTicks: 200,
			MaxLevels:     1 << 20,
		},
		Queue: QueueConfig{
			Overflow: "block",
		},
		Server: ServerConfig{
			Addr:         ":8086",
			PushInterval: 200 * time.Millisecond,
			Depth:        20,
		},
		Kafka: KafkaConfig{
			Topic: "book.updates",
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
		App: AppConfig{
			DefaultTickLevel: types.Tick1,
			NotifyTimeout:    250 * time.Millisecond,
			ResyncTimeout:    15 * time.Second,
			StatsInterval:    10 * time.Second,
			ShutdownTimeout:  5 * time.Second,
		},
	}
}

// NewCustom creates a configuration for custom Bitfinex symbols
func NewCustom(symbols ...string) Config {
	cfg := Default()
	cfg.Feeds[0].Symbols = symbols
	return cfg
}

// NewMultiFeed creates a configuration with multiple feeds
func NewMultiFeed(feeds []FeedConfig) Config {
	cfg := Default()
	cfg.Feeds = feeds
	return cfg
}

// Load reads path (YAML) over the defaults and applies FASTBOOK_* environment
// overrides. An empty path loads defaults and environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("feeds", d.Feeds)
	v.SetDefault("book.headroom_ticks", d.Book.HeadroomTicks)
	v.SetDefault("book.max_levels", d.Book.MaxLevels)
	v.SetDefault("book.recompute_tick_on_delta", d.Book.RecomputeTickOnDelta)
	v.SetDefault("queue.capacity", d.Queue.Capacity)
	v.SetDefault("queue.overflow", d.Queue.Overflow)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.push_interval", d.Server.PushInterval)
	v.SetDefault("server.depth", d.Server.Depth)
	v.SetDefault("kafka.enabled", d.Kafka.Enabled)
	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.topic", d.Kafka.Topic)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.pretty", d.Log.Pretty)
	v.SetDefault("app.default_tick_level", int(d.App.DefaultTickLevel))
	v.SetDefault("app.notify_timeout", d.App.NotifyTimeout)
	v.SetDefault("app.resync_timeout", d.App.ResyncTimeout)
	v.SetDefault("app.stats_interval", d.App.StatsInterval)
	v.SetDefault("app.shutdown_timeout", d.App.ShutdownTimeout)
}

// Validate reports every invalid setting
func (c Config) Validate() error {
	var errs []error
	if len(c.Feeds) == 0 {
		errs = append(errs, errors.New("no feeds configured"))
	}
	for i, f := range c.Feeds {
		if !factory.ValidateFeedName(string(f.Name)) {
			errs = append(errs, fmt.Errorf("feeds[%d]: unknown feed %q", i, f.Name))
		}
		if len(f.Symbols) == 0 {
			errs = append(errs, fmt.Errorf("feeds[%d]: no symbols", i))
		}
		if _, err := grid.ParsePrecision(f.Precision); err != nil {
			errs = append(errs, fmt.Errorf("feeds[%d]: %w", i, err))
		}
	}
	if c.Book.MaxLevels < 0 {
		errs = append(errs, fmt.Errorf("book.max_levels %d must not be negative", c.Book.MaxLevels))
	}
	if c.Queue.Capacity < 0 {
		errs = append(errs, fmt.Errorf("queue.capacity %d must not be negative", c.Queue.Capacity))
	}
	if _, err := sequencer.ParseOverflow(c.Queue.Overflow); err != nil {
		errs = append(errs, fmt.Errorf("queue.overflow: %w", err))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is empty"))
	}
	if !types.IsValidTickLevel(c.App.DefaultTickLevel) {
		errs = append(errs, fmt.Errorf("app.default_tick_level %d is not supported", c.App.DefaultTickLevel))
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		errs = append(errs, errors.New("kafka enabled without brokers or topic"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// SymbolPrecision maps every configured symbol to its significant digits
func (c Config) SymbolPrecision() (map[string]int, error) {
	out := make(map[string]int)
	for _, f := range c.Feeds {
		p, err := grid.ParsePrecision(f.Precision)
		if err != nil {
			return nil, err
		}
		for _, s := range f.Symbols {
			if f.Name == exchange.Binance {
				s = strings.ToUpper(s)
			}
			out[s] = p
		}
	}
	return out, nil
}

// SetTickLevel updates the default tick level
func (c *Config) SetTickLevel(tick types.TickLevel) {
	c.App.DefaultTickLevel = tick
}

// SetPushInterval updates the websocket push interval
func (c *Config) SetPushInterval(interval time.Duration) {
	c.Server.PushInterval = interval
}
