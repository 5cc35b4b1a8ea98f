package pool

import (
	"fmt"
)

// Common error values for the pool.
var (
	// Connection errors
	ErrNotConnected     = fmt.Errorf("relay not connected")
	ErrConnectionClosed = fmt.Errorf("connection closed")
	ErrSendQueueFull    = fmt.Errorf("outbound queue full")
	ErrTerminated       = fmt.Errorf("connection terminated")

	// Pool errors
	ErrPoolShutdown  = fmt.Errorf("pool is shut down")
	ErrRelayNotFound = fmt.Errorf("relay not found in pool")
	ErrNoRelays      = fmt.Errorf("no target relays")

	// Auth errors
	ErrNoSigner     = fmt.Errorf("no signer configured")
	ErrAuthRejected = fmt.Errorf("auth event rejected by relay")

	// Subscription errors
	ErrSubscriptionNotFound = fmt.Errorf("subscription not found")

	// Reconciliation errors
	ErrSyncUnsupported = fmt.Errorf("sync: negentropy not supported by relay")
	ErrSyncProtocol    = fmt.Errorf("sync: malformed reconciliation message")
	ErrSyncTimeout     = fmt.Errorf("sync: round deadline exceeded")
	ErrSyncRounds      = fmt.Errorf("sync: round limit exceeded")
	ErrNoEventSource   = fmt.Errorf("sync: upward direction requires an event source")
)

// AuthError carries the relay-supplied rejection reason for a failed NIP-42
// handshake. The connection itself stays usable.
type AuthError struct {
	Relay  string
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth rejected by %s: %s", e.Relay, e.Reason)
}

func (e *AuthError) Unwrap() error { return ErrAuthRejected }

// SyncError carries the relay-supplied NEG-ERR reason that aborted a
// reconciliation session.
type SyncError struct {
	Relay  string
	Reason string
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync aborted by %s: %s", e.Relay, e.Reason)
}

func (e *SyncError) Unwrap() error { return ErrSyncProtocol }
