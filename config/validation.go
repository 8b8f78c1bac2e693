package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

func (c *AppConfig) Validate() error {
	if _, err := url.Parse(c.API.BaseURL); err != nil || c.API.BaseURL == "" {
		return fmt.Errorf("invalid api.baseURL %q", c.API.BaseURL)
	}
	if c.API.Timeout <= 0 {
		return errors.New("api.timeout must be positive")
	}

	if c.Realtime.URL == "" {
		return errors.New("realtime.url must be set")
	}
	if c.Realtime.ConnectTimeout <= 0 {
		return errors.New("realtime.connectTimeout must be positive")
	}
	if c.Realtime.MaxReconnectAttempts < 0 {
		return errors.New("realtime.maxReconnectAttempts must not be negative")
	}
	if c.Realtime.ReconnectBaseDelay <= 0 {
		return errors.New("realtime.reconnectBaseDelay must be positive")
	}
	if c.Realtime.HeartbeatInterval <= 0 || c.Realtime.SweepInterval <= 0 {
		return errors.New("realtime heartbeat and sweep intervals must be positive")
	}
	if c.Realtime.HeartbeatInterval >= c.Realtime.HeartbeatActivityWindow {
		return errors.New("heartbeat interval should be less than the heartbeat activity window")
	}
	if c.Realtime.IdleTimeout <= c.Realtime.HeartbeatActivityWindow {
		return errors.New("idle timeout should be greater than the heartbeat activity window")
	}
	if c.Realtime.SendAttempts < 1 {
		return errors.New("realtime.sendAttempts must be at least 1")
	}
	if c.Realtime.MaxContentLength < 1 {
		return errors.New("realtime.maxContentLength must be positive")
	}
	if c.Realtime.PollInterval <= 0 {
		return errors.New("realtime.pollInterval must be positive")
	}

	if c.Session.RefreshRetries < 0 {
		return errors.New("session.refreshRetries must not be negative")
	}

	if c.Sync.CacheLimit < 1 {
		return errors.New("sync.cacheLimit must be positive")
	}
	if c.Sync.EvictBatch < 1 || c.Sync.EvictBatch > c.Sync.CacheLimit {
		return errors.New("sync.evictBatch must be between 1 and sync.cacheLimit")
	}

	if c.Presence.TypingTimeout <= 0 {
		return errors.New("presence.typingTimeout must be positive")
	}

	switch strings.ToLower(c.Storage.Type) {
	case "memory":
	case "redis":
		if c.Redis.Address == "" {
			return errors.New("redis address must be specified for redis storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s. Must be 'memory' or 'redis'", c.Storage.Type)
	}

	switch strings.ToLower(c.Broker.Type) {
	case "none", "memory":
	case "redis":
		if c.Redis.Address == "" {
			return errors.New("redis address must be specified for redis broker")
		}
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return errors.New("kafka brokers must be specified for kafka broker")
		}
		if c.Broker.Kafka.GroupID == "" {
			return errors.New("kafka groupID must be specified for kafka broker")
		}
	default:
		return fmt.Errorf("invalid broker type: %s. Must be 'none', 'memory', 'redis' or 'kafka'", c.Broker.Type)
	}
	if c.Broker.Type != "none" && c.Broker.Topic == "" {
		return errors.New("broker.topic must be set when a broker is enabled")
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.New("invalid metrics port")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwtSecret must be set")
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL < c.Auth.AccessTTL {
		return errors.New("auth.accessTTL must be positive and no longer than auth.refreshTTL")
	}

	return nil
}

func bindEnvVars(v *viper.Viper) {
	// API
	v.BindEnv("api.baseURL", "CHATSYNC_API_BASE_URL")
	v.BindEnv("api.prefix", "CHATSYNC_API_PREFIX")
	v.BindEnv("api.timeout", "CHATSYNC_API_TIMEOUT")

	// Realtime
	v.BindEnv("realtime.url", "CHATSYNC_REALTIME_URL")
	v.BindEnv("realtime.tokenQueryParam", "CHATSYNC_REALTIME_TOKEN_PARAM")
	v.BindEnv("realtime.connectTimeout", "CHATSYNC_CONNECT_TIMEOUT")
	v.BindEnv("realtime.maxReconnectAttempts", "CHATSYNC_MAX_RECONNECT_ATTEMPTS")
	v.BindEnv("realtime.heartbeatInterval", "CHATSYNC_HEARTBEAT_INTERVAL")
	v.BindEnv("realtime.idleTimeout", "CHATSYNC_IDLE_TIMEOUT")
	v.BindEnv("realtime.pollInterval", "CHATSYNC_POLL_INTERVAL")

	// Storage
	v.BindEnv("storage.type", "CHATSYNC_STORAGE_TYPE")
	v.BindEnv("storage.namespace", "CHATSYNC_STORAGE_NAMESPACE")

	// Redis
	v.BindEnv("redis.address", "CHATSYNC_REDIS_ADDRESS")
	v.BindEnv("redis.password", "CHATSYNC_REDIS_PASSWORD")

	// Broker
	v.BindEnv("broker.type", "CHATSYNC_BROKER_TYPE")
	v.BindEnv("broker.topic", "CHATSYNC_BROKER_TOPIC")
	v.BindEnv("broker.kafka.brokers", "CHATSYNC_KAFKA_BROKERS")
	v.BindEnv("broker.kafka.groupID", "CHATSYNC_KAFKA_GROUPID")

	// Metrics
	v.BindEnv("metrics.enabled", "CHATSYNC_METRICS_ENABLED")
	v.BindEnv("metrics.port", "CHATSYNC_METRICS_PORT")

	// Log
	v.BindEnv("log.level", "CHATSYNC_LOG_LEVEL")
	v.BindEnv("log.format", "CHATSYNC_LOG_FORMAT")

	// Development backend
	v.BindEnv("server.port", "CHATSYNC_SERVER_PORT")
	v.BindEnv("auth.jwtSecret", "CHATSYNC_JWT_SECRET")
	v.BindEnv("auth.revocationListKey", "CHATSYNC_REVOCATION_LIST_KEY")
}
