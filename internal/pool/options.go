package pool

import (
	"context"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"

	"github.com/Shugur-Network/pool/internal/negentropy"
)

// RelayOptions tunes one relay connection.
type RelayOptions struct {
	// Reconnect enables automatic reconnection with backoff after a
	// transport failure.
	Reconnect bool

	// RetryInterval is the base backoff delay. Values below
	// MinRetryInterval are raised to it.
	RetryInterval time.Duration

	// AdjustRetryInterval grows the delay exponentially (with jitter, up
	// to MaxRetryInterval) across consecutive failures. When false the
	// base interval is used for every attempt.
	AdjustRetryInterval bool

	// QueueWhileConnecting buffers up to this many outbound frames while
	// the connection is being (re)established instead of failing sends
	// with ErrNotConnected. Zero disables queuing.
	QueueWhileConnecting int

	// WriteRateLimit caps outbound frames per second. Zero disables the
	// limiter. Bursts up to WriteRateBurst are allowed.
	WriteRateLimit float64
	WriteRateBurst int

	// PingInterval is the keepalive ping period.
	PingInterval time.Duration
}

// Default connection tuning.
const (
	DefaultRetryInterval = 2 * time.Second
	MinRetryInterval     = 1 * time.Second
	MaxRetryInterval     = 60 * time.Second
	DefaultPingInterval  = 30 * time.Second

	defaultSendBuffer = 64
	closeGracePeriod  = 2 * time.Second
	writeDeadline     = 10 * time.Second
)

// DefaultRelayOptions returns the tuning applied when none is supplied.
func DefaultRelayOptions() RelayOptions {
	return RelayOptions{
		Reconnect:           true,
		RetryInterval:       DefaultRetryInterval,
		AdjustRetryInterval: true,
		PingInterval:        DefaultPingInterval,
	}
}

// SubscribeOptions tunes one subscription.
type SubscribeOptions struct {
	// CloseOnEOSE retires the subscription once every member relay has
	// signaled end-of-stored-events.
	CloseOnEOSE bool
}

// SyncDirection selects what to do with a reconciliation diff.
type SyncDirection int

const (
	// SyncDown fetches the events the relay has and we lack.
	SyncDown SyncDirection = iota
	// SyncUp publishes the events we have and the relay lacks.
	SyncUp
	// SyncBoth does both.
	SyncBoth
)

func (d SyncDirection) String() string {
	switch d {
	case SyncDown:
		return "down"
	case SyncUp:
		return "up"
	case SyncBoth:
		return "both"
	default:
		return "unknown"
	}
}

// SyncItem is one element of the caller's local id set for a filter.
type SyncItem struct {
	ID        string
	CreatedAt nostr.Timestamp
}

// EventSource resolves full events by id, used by upward sync to publish the
// relay's missing events.
type EventSource interface {
	EventByID(ctx context.Context, id string) (*nostr.Event, error)
}

// SyncOptions tunes one reconciliation session.
type SyncOptions struct {
	// Direction selects upload, download or both. Ignored when DryRun.
	Direction SyncDirection

	// DryRun computes the diff without fetching or publishing anything.
	DryRun bool

	// Source resolves local events by id. Required for SyncUp/SyncBoth
	// unless DryRun.
	Source EventSource

	// RoundTimeout bounds each negotiation round trip.
	RoundTimeout time.Duration

	// MaxRounds caps recursion depth against adversarial or buggy peers.
	MaxRounds int

	// Buckets is the per-round subdivision factor.
	Buckets int

	// FrameSizeLimit caps one reconciliation message in bytes.
	FrameSizeLimit int

	// Progress, when non-nil, is invoked synchronously after every
	// completed round with a snapshot of the session so far.
	Progress func(SyncProgress)
}

// SyncProgress is a point-in-time snapshot of a running reconciliation
// session, delivered through SyncOptions.Progress.
type SyncProgress struct {
	Relay string

	// Rounds completed so far.
	Rounds int

	// Have and Need are the diff sizes accumulated so far. They only
	// grow as the session narrows ranges.
	Have int
	Need int
}

// DefaultSyncOptions returns the reconciliation tuning applied when none is
// supplied.
func DefaultSyncOptions() SyncOptions {
	return SyncOptions{
		Direction:      SyncDown,
		RoundTimeout:   30 * time.Second,
		MaxRounds:      32,
		Buckets:        negentropy.DefaultBuckets,
		FrameSizeLimit: negentropy.DefaultFrameSizeLimit,
	}
}

// PublishStatus is the terminal outcome of publishing one event to one relay.
type PublishStatus int

const (
	// PublishAccepted means the relay replied OK=true.
	PublishAccepted PublishStatus = iota
	// PublishRejected means the relay replied OK=false.
	PublishRejected
	// PublishFailed means no terminal relay reply was obtained.
	PublishFailed
)

func (s PublishStatus) String() string {
	switch s {
	case PublishAccepted:
		return "accepted"
	case PublishRejected:
		return "rejected"
	case PublishFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PublishResult is the per-relay outcome of a Publish call. Outcomes are
// never aggregated: relays accept and reject independently.
type PublishResult struct {
	Relay  string
	Status PublishStatus
	Reason string // relay-supplied, for PublishRejected
	Err    error  // transport or timeout, for PublishFailed
}
