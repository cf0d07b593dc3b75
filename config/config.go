package config

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config is the single structured document the service boots from.
// Every subsystem receives its slice at construction time.
type Config struct {
	// ServerID identifies this front-end instance in the presence
	// registry. Generated per process when left empty.
	ServerID string `mapstructure:"server_id"`

	HTTP     HTTP     `mapstructure:"http"`
	Cache    Cache    `mapstructure:"cache"`
	Dynamo   Dynamo   `mapstructure:"dynamo"`
	Presence Presence `mapstructure:"presence"`
	Persist  Persist  `mapstructure:"persist"`
	Push     Push     `mapstructure:"push"`
}

type HTTP struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type Cache struct {
	Addrs []string `mapstructure:"addrs"`

	// Bounded retry on transient command failures; logical replies
	// (nil, wrong type) are never retried.
	Retries        int           `mapstructure:"retries"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`

	// Circuit breaker trip point: the breaker opens when the failure
	// ratio over the observation interval reaches this value.
	BreakerFailureRatio float64       `mapstructure:"breaker_failure_ratio"`
	BreakerMinRequests  uint32        `mapstructure:"breaker_min_requests"`
	BreakerOpenDuration time.Duration `mapstructure:"breaker_open_duration"`
}

type Dynamo struct {
	Region    string        `mapstructure:"region"`
	Table     string        `mapstructure:"table"`
	GuidIndex string        `mapstructure:"guid_index"`
	Retention time.Duration `mapstructure:"retention"`
}

type Presence struct {
	TTL             time.Duration `mapstructure:"ttl"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

type Persist struct {
	Delay           time.Duration `mapstructure:"delay"`
	Interval        time.Duration `mapstructure:"interval"`
	LeaseTTL        time.Duration `mapstructure:"lease_ttl"`
	Shards          int           `mapstructure:"shards"`
	MaxQueuesPerRun int           `mapstructure:"max_queues_per_run"`
	PageSize        int           `mapstructure:"page_size"`
}

type Push struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	Batch          int           `mapstructure:"batch"`
	Parallelism    int           `mapstructure:"parallelism"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	MaxAttempts    int           `mapstructure:"max_attempts"`

	APN APN `mapstructure:"apn"`
	FCM FCM `mapstructure:"fcm"`
}

type APN struct {
	Enabled    bool   `mapstructure:"enabled"`
	KeyFile    string `mapstructure:"key_file"`
	KeyID      string `mapstructure:"key_id"`
	TeamID     string `mapstructure:"team_id"`
	Topic      string `mapstructure:"topic"`
	Production bool   `mapstructure:"production"`
}

type FCM struct {
	Enabled   bool   `mapstructure:"enabled"`
	ServerKey string `mapstructure:"server_key"`
}

// LoadConfig reads the YAML document at path (optional) merged with
// MDS_* environment overrides and compiled defaults.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("MDS")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.ServerID == "" {
		cfg.ServerID = uuid.NewString()
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 15*time.Second)

	v.SetDefault("cache.addrs", []string{"localhost:6379"})
	v.SetDefault("cache.retries", 3)
	v.SetDefault("cache.command_timeout", 3*time.Second)
	v.SetDefault("cache.breaker_failure_ratio", 0.5)
	v.SetDefault("cache.breaker_min_requests", 10)
	v.SetDefault("cache.breaker_open_duration", 10*time.Second)

	v.SetDefault("dynamo.region", "us-east-1")
	v.SetDefault("dynamo.table", "Messages")
	v.SetDefault("dynamo.guid_index", "Message_UUID_Index")
	v.SetDefault("dynamo.retention", 7*24*time.Hour)

	v.SetDefault("presence.ttl", 11*time.Minute)
	v.SetDefault("presence.refresh_interval", 5*time.Minute)

	v.SetDefault("persist.delay", 10*time.Minute)
	v.SetDefault("persist.interval", 100*time.Millisecond)
	v.SetDefault("persist.lease_ttl", 30*time.Second)
	v.SetDefault("persist.shards", 256)
	v.SetDefault("persist.max_queues_per_run", 100)
	v.SetDefault("persist.page_size", 100)

	v.SetDefault("push.poll_interval", 200*time.Millisecond)
	v.SetDefault("push.batch", 100)
	v.SetDefault("push.parallelism", 16)
	v.SetDefault("push.initial_backoff", 10*time.Second)
	v.SetDefault("push.max_backoff", 15*time.Minute)
	v.SetDefault("push.max_attempts", 8)
}
