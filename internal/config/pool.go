package config

import "time"

// PoolConfig holds relay pool settings.
type PoolConfig struct {
	// Relays is the initial relay set; more can be added at runtime.
	Relays []string `mapstructure:"RELAYS" json:"relays" validate:"omitempty,dive,relay_url"`

	Reconnect           bool          `mapstructure:"RECONNECT"              json:"reconnect"`
	RetryInterval       time.Duration `mapstructure:"RETRY_INTERVAL"         json:"retry_interval"         validate:"required,timeout_duration"`
	AdjustRetryInterval bool          `mapstructure:"ADJUST_RETRY_INTERVAL"  json:"adjust_retry_interval"`

	// QueueWhileConnecting buffers this many outbound frames per relay
	// while its connection is re-established. Zero fails sends instead.
	QueueWhileConnecting int `mapstructure:"QUEUE_WHILE_CONNECTING" json:"queue_while_connecting" validate:"min=0,max=4096"`

	// WriteRateLimit caps outbound frames per second per relay. Zero
	// disables the limiter.
	WriteRateLimit float64 `mapstructure:"WRITE_RATE_LIMIT" json:"write_rate_limit" validate:"min=0,max=10000"`
	WriteRateBurst int     `mapstructure:"WRITE_RATE_BURST" json:"write_rate_burst" validate:"min=0,max=1000"`

	PingInterval time.Duration `mapstructure:"PING_INTERVAL" json:"ping_interval" validate:"required,reasonable_duration"`

	DedupCacheSize     int `mapstructure:"DEDUP_CACHE_SIZE"    json:"dedup_cache_size"    validate:"required,min=1024,max=10000000"`
	NotificationBuffer int `mapstructure:"NOTIFICATION_BUFFER" json:"notification_buffer" validate:"required,min=16,max=65536"`

	// SecretKey is a 64-character hex key used to answer NIP-42
	// challenges and sign published events. Optional.
	SecretKey string `mapstructure:"SECRET_KEY" json:"-" validate:"omitempty,seckey"`
}
