package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	Admin          AdminConfig
	JWT            JWTConfig
	Chat           ChatConfig
	Bot            BotConfig
	Redis          RedisConfig
	GeoIP          GeoIPConfig
	Log            LogConfig
}

// AdminConfig is the fixed credential pair the login gate checks against.
type AdminConfig struct {
	Username string
	Password string
}

type JWTConfig struct {
	Secret string
	TTL    time.Duration
}

type ChatConfig struct {
	Capacity      int
	MaxMessageLen int
}

// BotConfig bounds the synthetic-activity scheduler intervals.
type BotConfig struct {
	FirstDelay  time.Duration
	MinInterval time.Duration
	MaxInterval time.Duration
}

// RedisConfig configures the optional presence mirror. An empty Addr
// disables it entirely.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// GeoIPConfig points at an optional MaxMind database for viewer country
// lookups. Without one, every viewer resolves to "Unknown".
type GeoIPConfig struct {
	Database string
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// Load reads config.yaml (if present) and RELAY_* environment variables.
// Environment variables win over file values.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("RELAY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No config file; env vars and defaults apply.
	}

	cfg := &Config{
		Port:           v.GetString("port"),
		Environment:    v.GetString("environment"),
		AllowedOrigins: splitOrigins(v.GetString("allowed_origins")),
		Admin: AdminConfig{
			Username: v.GetString("admin.username"),
			Password: v.GetString("admin.password"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
			TTL:    v.GetDuration("jwt.ttl"),
		},
		Chat: ChatConfig{
			Capacity:      v.GetInt("chat.capacity"),
			MaxMessageLen: v.GetInt("chat.max_message_len"),
		},
		Bot: BotConfig{
			FirstDelay:  v.GetDuration("bot.first_delay"),
			MinInterval: v.GetDuration("bot.min_interval"),
			MaxInterval: v.GetDuration("bot.max_interval"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		GeoIP: GeoIPConfig{
			Database: v.GetString("geoip.database"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Pretty: v.GetBool("log.pretty"),
		},
	}

	if cfg.Bot.MinInterval > cfg.Bot.MaxInterval {
		return nil, fmt.Errorf("bot.min_interval %v exceeds bot.max_interval %v",
			cfg.Bot.MinInterval, cfg.Bot.MaxInterval)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("environment", "development")
	v.SetDefault("allowed_origins", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("admin.username", "admin")
	v.SetDefault("admin.password", "12345")
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.ttl", 24*time.Hour)
	v.SetDefault("chat.capacity", 100)
	v.SetDefault("chat.max_message_len", 500)
	v.SetDefault("bot.first_delay", 2*time.Second)
	v.SetDefault("bot.min_interval", 3*time.Second)
	v.SetDefault("bot.max_interval", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

func splitOrigins(s string) []string {
	parts := strings.Split(s, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}
