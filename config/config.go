package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	ShipSync ShipSyncConfig `yaml:"shipsync"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                           string `yaml:"host"`
	Port                           int    `yaml:"port"`
	ShipmentStatusUpdatedTopicName string `yaml:"shipment_status_updated_topic_name"`
	// Optional backfill path: raw notification bodies replayed into the inbox.
	NotificationReplayTopicName string `yaml:"notification_replay_topic_name"`
	NotificationReplayGroupID   string `yaml:"notification_replay_group_id"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type ShipSyncConfig struct {
	HTTPAddr       string `yaml:"http_addr"`
	WorkerHTTPAddr string `yaml:"worker_http_addr"`

	// Basic auth secrets Sendcloud sends on the webhook endpoints.
	NotificationUsername string `yaml:"notification_username"`
	NotificationPassword string `yaml:"notification_password"`

	// Sendcloud panel API, used for order export and the connect handshake.
	PanelBaseURL         string `yaml:"panel_base_url"`
	PanelConnectURL      string `yaml:"panel_connect_url"`
	PublicBaseURL        string `yaml:"public_base_url"`
	ShopName             string `yaml:"shop_name"`
	ExportTimeoutSeconds int    `yaml:"export_timeout_seconds"`
	// "mock" routes the export transport to the local mock client.
	ExportTransportMode string `yaml:"export_transport_mode"`

	ConnectionCacheTTLSeconds int `yaml:"connection_cache_ttl_seconds"`
	WebhookRateLimitPerMinute int `yaml:"webhook_rate_limit_per_minute"`

	// Worker job loop.
	JobIntervalSeconds       int  `yaml:"job_interval_seconds"`
	NotificationsJobDisabled bool `yaml:"notifications_job_disabled"`
	OrderExportJobDisabled   bool `yaml:"order_export_job_disabled"`

	// Site preferences mirrored from the commerce platform.
	ImportShippingMethods bool     `yaml:"import_shipping_methods"`
	LogAPIOrderNotes      bool     `yaml:"log_api_order_notes"`
	AllowedCurrencies     []string `yaml:"allowed_currencies"`

	// Order export tuning.
	ExportBatchSize   int `yaml:"export_batch_size"`
	OrderAgeDaysLimit int `yaml:"order_age_days_limit"`
	MaxFailedAttempts int `yaml:"max_failed_attempts"`

	// Circuit breaker for the export transport.
	BreakerConsecutiveFailures int `yaml:"breaker_consecutive_failures"`
	BreakerOpenSeconds         int `yaml:"breaker_open_seconds"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
