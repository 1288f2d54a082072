// Package config loads sessiond settings from defaults, an optional YAML
// file and SESSIOND_ environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "SESSIOND"

type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Session  SessionConfig  `mapstructure:"session"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Import   ImportConfig   `mapstructure:"import"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	HTTP     HTTPConfig     `mapstructure:"http"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DatabaseConfig struct {
	Dialect string `mapstructure:"dialect"`
	DSN     string `mapstructure:"dsn"`
}

// AuthConfig selects the whatsmeow device store. sqlite keeps one file per
// account under Dir; postgres keeps one schema per account at DSN.
type AuthConfig struct {
	Dialect string `mapstructure:"dialect"`
	Dir     string `mapstructure:"dir"`
	DSN     string `mapstructure:"dsn"`
}

type SessionConfig struct {
	ReconnectDelay  time.Duration `mapstructure:"reconnect_delay"`
	MaxQRRetries    int           `mapstructure:"max_qr_retries"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	LabelResyncWait time.Duration `mapstructure:"label_resync_wait"`
}

type CacheConfig struct {
	MessageTTL      time.Duration `mapstructure:"message_ttl"`
	MessageCapacity int           `mapstructure:"message_capacity"`
}

type ImportConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	Cooldown        time.Duration `mapstructure:"cooldown"`
	TrustFinalBatch bool          `mapstructure:"trust_final_batch"`
	Kafka           KafkaConfig   `mapstructure:"kafka"`
}

// KafkaConfig enables the Kafka import job when Brokers is set.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type NotifyConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// RedisConfig enables Redis pub/sub notifications when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// TelegramConfig enables Telegram alerts when Token is set.
type TelegramConfig struct {
	Token  string `mapstructure:"token"`
	ChatID string `mapstructure:"chat_id"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load reads configuration. A .env file in the working directory is loaded
// into the environment first when present. path may be empty.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config file error: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	cfg.Import.Kafka.Brokers = splitList(cfg.Import.Kafka.Brokers)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("database.dialect", "sqlite")
	v.SetDefault("database.dsn", "sessiond.db")

	v.SetDefault("auth.dialect", "sqlite")
	v.SetDefault("auth.dir", "./sessions")
	v.SetDefault("auth.dsn", "")

	v.SetDefault("session.reconnect_delay", 2*time.Second)
	v.SetDefault("session.max_qr_retries", 3)
	v.SetDefault("session.connect_timeout", 25*time.Second)
	v.SetDefault("session.label_resync_wait", 5*time.Second)

	v.SetDefault("cache.message_ttl", 60*time.Second)
	v.SetDefault("cache.message_capacity", 1000)

	v.SetDefault("import.poll_interval", 45*time.Second)
	v.SetDefault("import.cooldown", 45*time.Second)
	v.SetDefault("import.trust_final_batch", false)
	v.SetDefault("import.kafka.brokers", []string{})
	v.SetDefault("import.kafka.topic", "whatsapp.history.import")

	v.SetDefault("notify.redis.addr", "")
	v.SetDefault("notify.redis.password", "")
	v.SetDefault("notify.redis.db", 0)
	v.SetDefault("notify.telegram.token", "")
	v.SetDefault("notify.telegram.chat_id", "")

	v.SetDefault("proxy.url", "")
	setProxyDefaults(v.SetDefault)
	v.SetDefault("http.addr", ":8080")
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	return validation.Errors{
		"log": validation.ValidateStruct(&c.Log,
			validation.Field(&c.Log.Level, validation.Required, validation.In("trace", "debug", "info", "warn", "warning", "error")),
			validation.Field(&c.Log.Format, validation.Required, validation.In("text", "json")),
		),
		"database": validation.ValidateStruct(&c.Database,
			validation.Field(&c.Database.Dialect, validation.Required, validation.In("sqlite", "postgres")),
			validation.Field(&c.Database.DSN, validation.Required),
		),
		"auth": validation.ValidateStruct(&c.Auth,
			validation.Field(&c.Auth.Dialect, validation.Required, validation.In("sqlite", "postgres")),
			validation.Field(&c.Auth.Dir, validation.When(c.Auth.Dialect == "sqlite", validation.Required)),
			validation.Field(&c.Auth.DSN, validation.When(c.Auth.Dialect == "postgres", validation.Required)),
		),
		"session": validation.ValidateStruct(&c.Session,
			validation.Field(&c.Session.ReconnectDelay, validation.Min(time.Duration(0))),
			validation.Field(&c.Session.MaxQRRetries, validation.Required, validation.Min(1)),
			validation.Field(&c.Session.ConnectTimeout, validation.Required, validation.Min(time.Second)),
			validation.Field(&c.Session.LabelResyncWait, validation.Min(time.Duration(0))),
		),
		"cache": validation.ValidateStruct(&c.Cache,
			validation.Field(&c.Cache.MessageTTL, validation.Required, validation.Min(time.Second)),
			validation.Field(&c.Cache.MessageCapacity, validation.Required, validation.Min(1)),
		),
		"import": validation.ValidateStruct(&c.Import,
			validation.Field(&c.Import.PollInterval, validation.Required, validation.Min(time.Second)),
			validation.Field(&c.Import.Cooldown, validation.Required, validation.Min(time.Second)),
		),
		"import.kafka": validation.ValidateStruct(&c.Import.Kafka,
			validation.Field(&c.Import.Kafka.Topic, validation.When(len(c.Import.Kafka.Brokers) > 0, validation.Required)),
			validation.Field(&c.Import.Kafka.Brokers, validation.Each(is.DialString)),
		),
		"notify.redis": validation.ValidateStruct(&c.Notify.Redis,
			validation.Field(&c.Notify.Redis.Addr, is.DialString),
			validation.Field(&c.Notify.Redis.DB, validation.Min(0)),
		),
		"notify.telegram": validation.ValidateStruct(&c.Notify.Telegram,
			validation.Field(&c.Notify.Telegram.ChatID, validation.When(c.Notify.Telegram.Token != "", validation.Required)),
		),
		"proxy": c.Proxy.Validate(),
		"http": validation.ValidateStruct(&c.HTTP,
			validation.Field(&c.HTTP.Addr, validation.Required),
		),
	}.Filter()
}

// splitList accepts both a YAML list and a comma separated env value.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
