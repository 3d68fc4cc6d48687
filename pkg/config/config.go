package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config carries every adapter setting, grouped by category. Categories may
// be omitted from the file entirely; individual keys default when omitted.
type Config struct {
	Adapter     AdapterConfig     `yaml:"adapter"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	Caching     CachingConfig     `yaml:"caching"`
	Logging     LoggingConfig     `yaml:"logging"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	EventBus    EventBusConfig    `yaml:"eventbus"`
}

type AdapterConfig struct {
	AdapterType             string `yaml:"adapter_type" env:"CHATBRIDGE_ADAPTER_TYPE"`
	AdapterName             string `yaml:"adapter_name" env:"CHATBRIDGE_ADAPTER_NAME"`
	AdapterID               string `yaml:"adapter_id" env:"CHATBRIDGE_ADAPTER_ID"`
	BotToken                string `yaml:"bot_token" env:"CHATBRIDGE_BOT_TOKEN"`
	MaxMessageLength        int    `yaml:"max_message_length" env:"CHATBRIDGE_MAX_MESSAGE_LENGTH"`
	MaxHistoryLimit         int    `yaml:"max_history_limit" env:"CHATBRIDGE_MAX_HISTORY_LIMIT"`
	MaxPaginationIterations int    `yaml:"max_pagination_iterations" env:"CHATBRIDGE_MAX_PAGINATION_ITERATIONS"`
	ConnectionCheckInterval int    `yaml:"connection_check_interval" env:"CHATBRIDGE_CONNECTION_CHECK_INTERVAL"` // seconds
	MaxReconnectAttempts    int    `yaml:"max_reconnect_attempts" env:"CHATBRIDGE_MAX_RECONNECT_ATTEMPTS"`
	RetryDelay              int    `yaml:"retry_delay" env:"CHATBRIDGE_RETRY_DELAY"` // seconds
	EmojiMappings           string `yaml:"emoji_mappings" env:"CHATBRIDGE_EMOJI_MAPPINGS"`
	FilterBotReactions      bool   `yaml:"filter_bot_reactions" env:"CHATBRIDGE_FILTER_BOT_REACTIONS"`
}

type AttachmentsConfig struct {
	StorageDir           string `yaml:"storage_dir" env:"CHATBRIDGE_ATTACHMENTS_STORAGE_DIR"`
	MaxFileSizeMB        int    `yaml:"max_file_size_mb" env:"CHATBRIDGE_ATTACHMENTS_MAX_FILE_SIZE_MB"`
	MaxAgeDays           int    `yaml:"max_age_days" env:"CHATBRIDGE_ATTACHMENTS_MAX_AGE_DAYS"`
	MaxTotalAttachments  int    `yaml:"max_total_attachments" env:"CHATBRIDGE_ATTACHMENTS_MAX_TOTAL"`
	CleanupIntervalHours int    `yaml:"cleanup_interval_hours" env:"CHATBRIDGE_ATTACHMENTS_CLEANUP_INTERVAL_HOURS"`
	// CleanupSchedule, when set, is a cron expression that overrides
	// cleanup_interval_hours.
	CleanupSchedule string `yaml:"cleanup_schedule" env:"CHATBRIDGE_ATTACHMENTS_CLEANUP_SCHEDULE"`
}

type CachingConfig struct {
	MaxMessagesPerConversation int  `yaml:"max_messages_per_conversation" env:"CHATBRIDGE_CACHING_MAX_MESSAGES_PER_CONVERSATION"`
	MaxTotalMessages           int  `yaml:"max_total_messages" env:"CHATBRIDGE_CACHING_MAX_TOTAL_MESSAGES"`
	MaxAgeHours                int  `yaml:"max_age_hours" env:"CHATBRIDGE_CACHING_MAX_AGE_HOURS"`
	MaintenanceInterval        int  `yaml:"cache_maintenance_interval" env:"CHATBRIDGE_CACHING_MAINTENANCE_INTERVAL"` // seconds
	CacheFetchedHistory        bool `yaml:"cache_fetched_history" env:"CHATBRIDGE_CACHING_CACHE_FETCHED_HISTORY"`
	MaxUsers                   int  `yaml:"max_users" env:"CHATBRIDGE_CACHING_MAX_USERS"`
	UserTTLHours               int  `yaml:"user_ttl_hours" env:"CHATBRIDGE_CACHING_USER_TTL_HOURS"`
}

type LoggingConfig struct {
	Level string `yaml:"level" env:"CHATBRIDGE_LOG_LEVEL"`
	File  string `yaml:"file" env:"CHATBRIDGE_LOG_FILE"`
}

type RateLimitConfig struct {
	GlobalRPM          int `yaml:"global_rpm" env:"CHATBRIDGE_RATE_LIMIT_GLOBAL_RPM"`
	PerConversationRPM int `yaml:"per_conversation_rpm" env:"CHATBRIDGE_RATE_LIMIT_PER_CONVERSATION_RPM"`
	MessageRPM         int `yaml:"message_rpm" env:"CHATBRIDGE_RATE_LIMIT_MESSAGE_RPM"`
}

type EventBusConfig struct {
	Host string `yaml:"host" env:"CHATBRIDGE_EVENTBUS_HOST"`
	Port int    `yaml:"port" env:"CHATBRIDGE_EVENTBUS_PORT"`
	// QueueSize bounds the inbound request queue.
	QueueSize int `yaml:"queue_size" env:"CHATBRIDGE_EVENTBUS_QUEUE_SIZE"`
}

func DefaultConfig() *Config {
	return &Config{
		Adapter: AdapterConfig{
			AdapterType:             "discord",
			AdapterName:             "chatbridge",
			MaxMessageLength:        1999,
			MaxHistoryLimit:         100,
			MaxPaginationIterations: 5,
			ConnectionCheckInterval: 60,
			MaxReconnectAttempts:    5,
			RetryDelay:              5,
			FilterBotReactions:      true,
		},
		Attachments: AttachmentsConfig{
			StorageDir:           "attachments",
			MaxFileSizeMB:        8,
			MaxAgeDays:           30,
			MaxTotalAttachments:  1000,
			CleanupIntervalHours: 24,
		},
		Caching: CachingConfig{
			MaxMessagesPerConversation: 100,
			MaxTotalMessages:           10000,
			MaxAgeHours:                24,
			MaintenanceInterval:        300,
			CacheFetchedHistory:        true,
			MaxUsers:                   5000,
			UserTTLHours:               72,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		RateLimit: RateLimitConfig{
			GlobalRPM:          50,
			PerConversationRPM: 10,
			MessageRPM:         30,
		},
		EventBus: EventBusConfig{
			Host:      "127.0.0.1",
			Port:      8081,
			QueueSize: 1000,
		},
	}
}

// LoadConfig reads the YAML file at path, overlays it on the defaults, then
// overlays environment variables on top of both.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	return cfg, cfg.Validate()
}

// Validate rejects configurations the adapter cannot start with.
func (c *Config) Validate() error {
	if c.Adapter.AdapterType == "" {
		return fmt.Errorf("adapter.adapter_type is required")
	}
	if c.Adapter.MaxMessageLength <= 0 {
		return fmt.Errorf("adapter.max_message_length must be positive")
	}
	if c.RateLimit.GlobalRPM <= 0 || c.RateLimit.PerConversationRPM <= 0 || c.RateLimit.MessageRPM <= 0 {
		return fmt.Errorf("rate_limit values must be positive")
	}
	if c.Attachments.MaxFileSizeMB <= 0 {
		return fmt.Errorf("attachments.max_file_size_mb must be positive")
	}
	if c.EventBus.Port <= 0 || c.EventBus.Port > 65535 {
		return fmt.Errorf("eventbus.port out of range: %d", c.EventBus.Port)
	}
	return nil
}

// StorageDirAbs resolves the attachment storage directory to an absolute path.
func (c *Config) StorageDirAbs() string {
	dir := c.Attachments.StorageDir
	if filepath.IsAbs(dir) {
		return dir
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return dir
	}
	return abs
}

// MaxFileSizeBytes returns the attachment size gate in bytes.
func (c *Config) MaxFileSizeBytes() int64 {
	return int64(c.Attachments.MaxFileSizeMB) * 1024 * 1024
}
