package config

import "time"

// SyncConfig holds reconciliation session settings.
type SyncConfig struct {
	// Direction is "down", "up" or "both".
	Direction string `mapstructure:"DIRECTION" json:"direction" validate:"required,oneof=down up both"`

	RoundTimeout time.Duration `mapstructure:"ROUND_TIMEOUT" json:"round_timeout" validate:"required,timeout_duration"`

	// MaxRounds caps the message exchanges of one session.
	MaxRounds int `mapstructure:"MAX_ROUNDS" json:"max_rounds" validate:"required,min=1,max=1024"`

	// Buckets is the per-round range subdivision factor.
	Buckets int `mapstructure:"BUCKETS" json:"buckets" validate:"required,min=2,max=256"`

	// FrameSizeLimit caps one reconciliation message in bytes.
	FrameSizeLimit int `mapstructure:"FRAME_SIZE_LIMIT" json:"frame_size_limit" validate:"required,min=4096,max=1048576"`
}
