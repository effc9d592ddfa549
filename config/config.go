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
	DockBox  DockBoxConfig  `yaml:"dockbox"`
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
	Host                   string `yaml:"host"`
	Port                   int    `yaml:"port"`
	DockUpdatedTopicName   string `yaml:"dock_updated_topic_name"`
	ScanRequestedTopicName string `yaml:"scan_requested_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DockBoxConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	TCPAddr            string `yaml:"tcp_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	DockCount         int `yaml:"dock_count"`
	DefaultTruckLimit int `yaml:"default_truck_limit"`
	AuditCap          int `yaml:"audit_cap"`

	// Тайминги жизненного цикла; в исходной системе они гуляли между
	// вариантами, поэтому все наружу.
	LimitCooldownSeconds  int    `yaml:"limit_cooldown_seconds"`
	DocumentToShipSeconds int    `yaml:"document_to_ship_seconds"`
	ShipResetSeconds      int    `yaml:"ship_reset_seconds"`
	ResetTargetStatus     string `yaml:"reset_target_status"`

	SnapshotIntervalSeconds int `yaml:"snapshot_interval_seconds"`
	BoardCacheTTLSeconds    int `yaml:"board_cache_ttl_seconds"`

	TCPRateLimitPerMinute int `yaml:"tcp_rate_limit_per_minute"`
	TCPDefaultDock        int `yaml:"tcp_default_dock"`
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
