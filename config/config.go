package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "CHATSYNC"

type AppConfig struct {
	API      APIConfig
	Realtime RealtimeConfig
	Session  SessionConfig
	Sync     SyncConfig
	Presence PresenceConfig
	Storage  StorageConfig
	Redis    RedisConfig
	Broker   BrokerConfig
	Metrics  MetricsConfig
	Log      LogConfig
	Server   ServerConfig
	Auth     AuthConfig
}

type APIConfig struct {
	BaseURL string
	Prefix  string
	Timeout time.Duration
}

type RealtimeConfig struct {
	URL                     string
	TokenQueryParam         string
	ConnectTimeout          time.Duration
	WriteTimeout            time.Duration
	MessageSizeLimit        int64
	MaxReconnectAttempts    int
	ReconnectBaseDelay      time.Duration
	ReconnectMaxDelay       time.Duration
	HeartbeatInterval       time.Duration
	HeartbeatActivityWindow time.Duration
	SweepInterval           time.Duration
	IdleTimeout             time.Duration
	SendAttempts            int
	SendBaseDelay           time.Duration
	MaxContentLength        int
	PollInterval            time.Duration
	PollLimit               int
}

type SessionConfig struct {
	RefreshBefore    time.Duration
	ExpirySkew       time.Duration
	RefreshRetries   int
	RefreshRetryBase time.Duration
}

type SyncConfig struct {
	CacheLimit int
	EvictBatch int
}

type PresenceConfig struct {
	TypingTimeout time.Duration
}

type StorageConfig struct {
	Type      string // "memory" or "redis"
	Namespace string
	TTL       time.Duration
}

type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	PoolSize    int
	PoolTimeout int // Seconds
}

type BrokerConfig struct {
	Type  string // "none", "memory", "redis" or "kafka"
	Topic string
	Kafka KafkaConfig
}

type KafkaConfig struct {
	Brokers []string
	GroupID string
}

type MetricsConfig struct {
	Enabled bool
	Port    int
	Path    string
}

type LogConfig struct {
	Level  string
	Format string
}

// ServerConfig and AuthConfig configure the development backend in
// backend.
type ServerConfig struct {
	Port int
}

type AuthConfig struct {
	JWTSecret         string
	RevocationListKey string
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	Scopes            []string // Granted to every issued token
}

var (
	instance *AppConfig
	once     sync.Once
)

// Initialize loads the process-wide configuration for env exactly once.
func Initialize(env string) error {
	var initErr error
	once.Do(func() {
		instance, initErr = Load(env)
	})
	return initErr
}

func Get() *AppConfig {
	return instance
}

// Load reads config.<env>.yaml from ./configs or the working directory,
// overlays CHATSYNC_* environment variables and validates the result. A
// missing file is not an error; defaults and the environment still apply.
func Load(env string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName(fmt.Sprintf("config.%s", env))
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config file error: %w", err)
		}
	}

	return decode(v)
}

// Default returns the built-in defaults without reading files or the
// environment.
func Default() *AppConfig {
	v := viper.New()
	setDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		// Defaults are static; failing here is a programming error.
		panic(err)
	}
	return cfg
}

func decode(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}
