package config

import (
	"time"
)

type Config struct {
	StateStorage StateStorage    `mapstructure:"state_storage"`
	Sync         SyncConfig      `mapstructure:"sync"`
	Scheduler    SchedulerConfig `mapstructure:"scheduler"`
	Server       ServerConfig    `mapstructure:"server"`
	Logging      LoggingConfig   `mapstructure:"logging"`
}

type StateStorage struct {
	Type     string `mapstructure:"type"` // "mysql" or "memory"
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

type SyncConfig struct {
	ServerEndpoint            string  `mapstructure:"server_endpoint"`
	ServerToken               string  `mapstructure:"server_token"`
	MaxRetries                int     `mapstructure:"max_retries"`
	RetryBaseDelay            string  `mapstructure:"retry_base_delay"`
	RetryMultiplier           float64 `mapstructure:"retry_multiplier"`
	RetryMaxDelay             string  `mapstructure:"retry_max_delay"`
	AutoResolveConflicts      bool    `mapstructure:"auto_resolve_conflicts"`
	DefaultResolutionStrategy string  `mapstructure:"default_resolution_strategy"`
	EntryTTL                  string  `mapstructure:"entry_ttl"`
}

func (s SyncConfig) GetRetryBaseDelay() time.Duration {
	d, err := time.ParseDuration(s.RetryBaseDelay)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}

func (s SyncConfig) GetRetryMaxDelay() time.Duration {
	d, err := time.ParseDuration(s.RetryMaxDelay)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}

// GetEntryTTL returns the default time-to-live applied to queue entries
// that carry no explicit expiry. Zero means entries never expire.
func (s SyncConfig) GetEntryTTL() time.Duration {
	d, _ := time.ParseDuration(s.EntryTTL)
	return d
}

type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
