package config

import (
	"time"

	"github.com/spf13/viper"
)

func setDefaults(v *viper.Viper) {
	// API
	v.SetDefault("api.baseURL", "http://localhost:8080")
	v.SetDefault("api.prefix", "/api/v1")
	v.SetDefault("api.timeout", 30*time.Second)

	// Realtime
	v.SetDefault("realtime.url", "ws://localhost:8080/ws")
	v.SetDefault("realtime.tokenQueryParam", "token")
	v.SetDefault("realtime.connectTimeout", 10*time.Second)
	v.SetDefault("realtime.writeTimeout", 10*time.Second)
	v.SetDefault("realtime.messageSizeLimit", 64*1024)
	v.SetDefault("realtime.maxReconnectAttempts", 5)
	v.SetDefault("realtime.reconnectBaseDelay", 2*time.Second)
	v.SetDefault("realtime.reconnectMaxDelay", 30*time.Second)
	v.SetDefault("realtime.heartbeatInterval", 30*time.Second)
	v.SetDefault("realtime.heartbeatActivityWindow", 60*time.Second)
	v.SetDefault("realtime.sweepInterval", 60*time.Second)
	v.SetDefault("realtime.idleTimeout", 5*time.Minute)
	v.SetDefault("realtime.sendAttempts", 3)
	v.SetDefault("realtime.sendBaseDelay", 500*time.Millisecond)
	v.SetDefault("realtime.maxContentLength", 5000)
	v.SetDefault("realtime.pollInterval", 10*time.Second)
	v.SetDefault("realtime.pollLimit", 50)

	// Session
	v.SetDefault("session.refreshBefore", 14*time.Minute)
	v.SetDefault("session.expirySkew", 30*time.Second)
	v.SetDefault("session.refreshRetries", 2)
	v.SetDefault("session.refreshRetryBase", 2*time.Second)

	// Sync
	v.SetDefault("sync.cacheLimit", 1000)
	v.SetDefault("sync.evictBatch", 200)

	// Presence
	v.SetDefault("presence.typingTimeout", 3*time.Second)

	// Storage
	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.namespace", "default")
	v.SetDefault("storage.ttl", time.Duration(0))

	// Redis
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.poolSize", 10)
	v.SetDefault("redis.poolTimeout", 5)

	// Broker
	v.SetDefault("broker.type", "none")
	v.SetDefault("broker.topic", "chatsync.events")
	v.SetDefault("broker.kafka.groupID", "chatsync")

	// Metrics
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	// Development backend
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.jwtSecret", "chatsync-dev-secret")
	v.SetDefault("auth.revocationListKey", "chatsync:revoked")
	v.SetDefault("auth.accessTTL", time.Hour)
	v.SetDefault("auth.refreshTTL", 7*24*time.Hour)
	v.SetDefault("auth.scopes", []string{"join:*"})
}
