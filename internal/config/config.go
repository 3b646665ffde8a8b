package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Default values for configuration keys
const (
	DefaultDataDir       = "/var/lib/apkforge"
	DefaultWebPort       = 4680
	DefaultQueueWorkers  = 2
	DefaultQueueCapacity = 32
	DefaultApktool       = "apktool"
	DefaultSigner        = "uber-apk-signer"
	DefaultUserHourly    = 5
)

// Config holds the runtime configuration for the service
type Config struct {
	// BotToken is the Telegram bot API token
	BotToken string
	// BaseURL is the source URL for the base APK
	BaseURL string
	// BasePath is the local path of the base APK
	BasePath string
	// DataDir is the working/data directory
	DataDir string
	// WebPort is the status API port
	WebPort uint16
	// QueueWorkers is the number of concurrent build workers
	QueueWorkers int
	// QueueCapacity is the maximum number of queued jobs
	QueueCapacity int
	// ApktoolPath is the apktool executable name or path
	ApktoolPath string
	// SignerPath is the uber-apk-signer executable name or path
	SignerPath string
	// UserHourlyLimit is the per-user build limit per hour
	UserHourlyLimit int
	// RedisAddr is the optional Redis address for the rate limiter
	RedisAddr string
}

// Load reads configuration from defaults, an optional config file and
// environment variables. Environment variables always win, matching the
// container deployment where everything arrives through the environment.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("data.dir", DefaultDataDir)
	v.SetDefault("web.port", DefaultWebPort)
	v.SetDefault("queue.workers", DefaultQueueWorkers)
	v.SetDefault("queue.capacity", DefaultQueueCapacity)
	v.SetDefault("tools.apktool", DefaultApktool)
	v.SetDefault("tools.signer", DefaultSigner)
	v.SetDefault("limits.per_user_per_hour", DefaultUserHourly)

	// The bot token and base APK URL keep their historical env names.
	if err := v.BindEnv("bot.token", "BOT_TOKEN"); err != nil {
		return nil, fmt.Errorf("failed to bind bot token env: %w", err)
	}
	if err := v.BindEnv("base.url", "APK_URL"); err != nil {
		return nil, fmt.Errorf("failed to bind base url env: %w", err)
	}
	if err := v.BindEnv("data.dir", "APKFORGE_DATA_DIR"); err != nil {
		return nil, fmt.Errorf("failed to bind data dir env: %w", err)
	}

	v.SetEnvPrefix("APKFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		BotToken:        v.GetString("bot.token"),
		BaseURL:         v.GetString("base.url"),
		BasePath:        v.GetString("base.path"),
		DataDir:         v.GetString("data.dir"),
		WebPort:         uint16(v.GetUint("web.port")),
		QueueWorkers:    v.GetInt("queue.workers"),
		QueueCapacity:   v.GetInt("queue.capacity"),
		ApktoolPath:     v.GetString("tools.apktool"),
		SignerPath:      v.GetString("tools.signer"),
		UserHourlyLimit: v.GetInt("limits.per_user_per_hour"),
		RedisAddr:       v.GetString("redis.addr"),
	}

	if cfg.BasePath == "" {
		cfg.BasePath = filepath.Join(cfg.DataDir, "magnet.apk")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for values the service cannot run with
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("bot token is not set (BOT_TOKEN)")
	}
	if c.QueueWorkers <= 0 {
		return fmt.Errorf("queue workers must be positive, got %d", c.QueueWorkers)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue capacity must be positive, got %d", c.QueueCapacity)
	}
	if c.UserHourlyLimit < 0 {
		return fmt.Errorf("per-user hourly limit must not be negative, got %d", c.UserHourlyLimit)
	}
	return nil
}
