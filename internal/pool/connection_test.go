package pool

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newIdleConnection(t *testing.T, opts RelayOptions) (*RelayConnection, chan connEvent) {
	t.Helper()
	events := make(chan connEvent, 64)
	c := newRelayConnection("ws://127.0.0.1:1", opts, nil, events, clock.New(), zap.NewNop())
	return c, events
}

func TestConnectionStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "authenticating", StateAuthenticating.String())
	assert.Equal(t, "terminated", StateTerminated.String())
	assert.Equal(t, "unknown", ConnectionState(99).String())
}

func TestSendRejectedWhileDisconnected(t *testing.T) {
	c, _ := newIdleConnection(t, RelayOptions{})
	assert.ErrorIs(t, c.Send([]byte(`["CLOSE","x"]`)), ErrNotConnected)
}

func TestSendQueuesWhileConnecting(t *testing.T) {
	c, _ := newIdleConnection(t, RelayOptions{QueueWhileConnecting: 4})
	assert.NoError(t, c.Send([]byte(`["CLOSE","x"]`)))
}

func TestSendFailsWhenQueueFull(t *testing.T) {
	c, _ := newIdleConnection(t, RelayOptions{QueueWhileConnecting: 2})

	var err error
	for i := 0; i < defaultSendBuffer+1; i++ {
		if err = c.Send([]byte(`["CLOSE","x"]`)); err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, ErrSendQueueFull)
}

func TestTerminateIsAbsorbing(t *testing.T) {
	c, _ := newIdleConnection(t, RelayOptions{})
	c.Start()
	c.Terminate()

	assert.Equal(t, StateTerminated, c.State())
	assert.ErrorIs(t, c.Send([]byte(`["CLOSE","x"]`)), ErrTerminated)

	// State transitions no longer leave Terminated.
	c.setState(StateConnected)
	assert.Equal(t, StateTerminated, c.State())
}

func TestConnectionRetriesUnreachableRelay(t *testing.T) {
	c, events := newIdleConnection(t, RelayOptions{
		Reconnect:     true,
		RetryInterval: MinRetryInterval,
	})
	c.Start()
	defer c.Terminate()
	c.Connect()

	require.Eventually(t, func() bool {
		return c.Stats().Attempts >= 1
	}, 5*time.Second, 10*time.Millisecond)

	sawConnecting := false
	deadline := time.After(5 * time.Second)
	for !sawConnecting {
		select {
		case ev := <-events:
			if st, ok := ev.(stateEvent); ok && st.state == StateConnecting {
				sawConnecting = true
			}
		case <-deadline:
			t.Fatal("no connecting transition observed")
		}
	}
	assert.NotEqual(t, StateConnected, c.State())
}

func TestDefaultRelayOptions(t *testing.T) {
	opts := DefaultRelayOptions()
	assert.True(t, opts.Reconnect)
	assert.True(t, opts.AdjustRetryInterval)
	assert.Equal(t, DefaultRetryInterval, opts.RetryInterval)
	assert.Equal(t, DefaultPingInterval, opts.PingInterval)
}

func TestSyncDirectionString(t *testing.T) {
	assert.Equal(t, "down", SyncDown.String())
	assert.Equal(t, "up", SyncUp.String())
	assert.Equal(t, "both", SyncBoth.String())
}

func TestPublishStatusString(t *testing.T) {
	assert.Equal(t, "accepted", PublishAccepted.String())
	assert.Equal(t, "rejected", PublishRejected.String())
	assert.Equal(t, "failed", PublishFailed.String())
}
