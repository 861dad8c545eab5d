package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. NEWSRELAY_TELEGRAM_TOKEN.
const EnvPrefix = "NEWSRELAY"

// Config represents the complete relay configuration
type Config struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Gemini   GeminiConfig   `mapstructure:"gemini"`
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// TelegramConfig controls the bot transport
type TelegramConfig struct {
	// Token is the Bot API token
	Token string `mapstructure:"token"`
	// TargetChannel receives approved posts: "@channel" or a numeric chat id
	TargetChannel string `mapstructure:"target_channel"`
	// AdminIDs are the moderators allowed to use the bot
	AdminIDs []int64 `mapstructure:"-"`
}

// GeminiConfig controls the rewrite service
type GeminiConfig struct {
	APIKey string `mapstructure:"api_key"`
	// Models are tried in order; rate-limited or missing models fall through
	Models []string `mapstructure:"models"`
	// HouseRules is prepended to every rewrite prompt
	HouseRules string `mapstructure:"house_rules"`
}

// DatabaseConfig selects the storage backend
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "postgres"
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	URL    string `mapstructure:"url"`
}

// ServerConfig controls the admin HTTP API
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	// Token, when set, is required as a bearer token on /api routes
	Token string `mapstructure:"token"`
}

// NotifyConfig controls the background notifier
type NotifyConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// LoggingConfig controls log output
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// Format is "text" (default) or "json"
	Format string `mapstructure:"format"`
}

// SetDefaults registers default values on the global viper instance.
func SetDefaults() {
	setDefaults(viper.GetViper())
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gemini.models", []string{"gemini-2.5-flash", "gemini-2.5-flash-lite"})
	v.SetDefault("gemini.house_rules", "Apply the moderator's comment to the text. Leave everything else unchanged.")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "newsrelay.db")
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", "127.0.0.1:8080")
	v.SetDefault("server.token", "")
	v.SetDefault("notify.interval", 30*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// bindEnv wires the prefixed variables plus the names the bot has always read.
func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("telegram.token", EnvPrefix+"_TELEGRAM_TOKEN", "TELEGRAM_BOT_TOKEN")
	_ = v.BindEnv("telegram.target_channel", EnvPrefix+"_TELEGRAM_TARGET_CHANNEL", "TARGET_CHANNEL_ID")
	_ = v.BindEnv("telegram.admin_ids", EnvPrefix+"_TELEGRAM_ADMIN_IDS", "ADMIN_CHAT_ID")
	_ = v.BindEnv("gemini.api_key", EnvPrefix+"_GEMINI_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("database.url", EnvPrefix+"_DATABASE_URL", "DATABASE_URL")
}

// Init prepares the global viper instance: defaults, .env, environment and
// the config file (explicit path, or newsrelay.yaml in the working directory).
// A missing config file is not an error.
func Init(cfgFile string) error {
	// .env is optional; variables already set in the environment win.
	_ = godotenv.Load()

	v := viper.GetViper()
	setDefaults(v)
	bindEnv(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("newsrelay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// Get returns the current configuration from the global viper instance.
func Get() (*Config, error) {
	return load(viper.GetViper())
}

func load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	ids, err := parseIDs(v.Get("telegram.admin_ids"))
	if err != nil {
		return nil, fmt.Errorf("telegram.admin_ids: %w", err)
	}
	cfg.Telegram.AdminIDs = ids
	return &cfg, nil
}

// parseIDs accepts a YAML list or a comma/space separated string.
func parseIDs(raw any) ([]int64, error) {
	var parts []any
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		for _, f := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' }) {
			parts = append(parts, f)
		}
	case []any:
		parts = v
	default:
		ints, err := cast.ToInt64SliceE(v)
		if err != nil {
			return nil, err
		}
		return ints, nil
	}
	var ids []int64
	for _, p := range parts {
		id, err := cast.ToInt64E(p)
		if err != nil {
			return nil, fmt.Errorf("invalid id %v: %w", p, err)
		}
		if id != 0 {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
