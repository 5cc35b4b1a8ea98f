package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Shugur-Network/pool/internal/metrics"
)

// ConnectionState is one position in a relay connection's lifecycle.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateTerminated
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// connEvent is the closed set of signals a connection sends up to the pool.
// Connections never touch pool tables directly.
type connEvent interface {
	connEventKind() string
}

// frameEvent carries one parsed relay frame.
type frameEvent struct {
	relay string
	msg   RelayMessage
}

// stateEvent reports a state transition.
type stateEvent struct {
	relay string
	state ConnectionState
}

// authEvent reports the terminal outcome of a NIP-42 handshake.
type authEvent struct {
	relay  string
	ok     bool
	reason string
}

func (frameEvent) connEventKind() string { return "frame" }
func (stateEvent) connEventKind() string { return "state" }
func (authEvent) connEventKind() string  { return "auth" }

// ConnectionStats is a snapshot of one connection's counters.
type ConnectionStats struct {
	State        ConnectionState
	Attempts     int64
	Successes    int64
	BytesSent    int64
	BytesRecv    int64
	NextRetry    time.Duration
	LastActivity time.Time
}

// RelayConnection owns one relay's WebSocket transport and protocol state
// machine. It is created and removed only by the pool's connection table.
type RelayConnection struct {
	url  string
	opts RelayOptions
	log  *zap.Logger
	clk  clock.Clock

	dialer *websocket.Dialer
	events chan<- connEvent
	auth   *authHandler

	state     atomic.Int32
	reconnect atomic.Bool

	sendCh chan []byte
	wake   chan struct{}

	limiter *rate.Limiter
	retry   *backoff

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu            sync.Mutex // guards ws and pendingAuthID
	ws            *websocket.Conn
	pendingAuthID string

	attempts     atomic.Int64
	successes    atomic.Int64
	bytesSent    atomic.Int64
	bytesRecv    atomic.Int64
	lastActivity atomic.Int64 // unix nanos
}

func newRelayConnection(url string, opts RelayOptions, signer Signer, events chan<- connEvent, clk clock.Clock, log *zap.Logger) *RelayConnection {
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	sendBuffer := defaultSendBuffer
	if opts.QueueWhileConnecting > sendBuffer {
		sendBuffer = opts.QueueWhileConnecting
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &RelayConnection{
		url:    url,
		opts:   opts,
		log:    log.With(zap.String("relay", url)),
		clk:    clk,
		dialer: websocket.DefaultDialer,
		events: events,
		auth:   newAuthHandler(url, signer),
		sendCh: make(chan []byte, sendBuffer),
		wake:   make(chan struct{}, 1),
		retry:  newBackoff(opts.RetryInterval, opts.AdjustRetryInterval),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if opts.WriteRateLimit > 0 {
		burst := opts.WriteRateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.WriteRateLimit), burst)
	}
	c.state.Store(int32(StateDisconnected))
	c.reconnect.Store(opts.Reconnect)
	return c
}

// Start launches the connection's run loop.
func (c *RelayConnection) Start() {
	go c.run()
}

// State returns the current lifecycle state.
func (c *RelayConnection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Stats snapshots the connection counters.
func (c *RelayConnection) Stats() ConnectionStats {
	return ConnectionStats{
		State:        c.State(),
		Attempts:     c.attempts.Load(),
		Successes:    c.successes.Load(),
		BytesSent:    c.bytesSent.Load(),
		BytesRecv:    c.bytesRecv.Load(),
		NextRetry:    c.retry.delay(),
		LastActivity: time.Unix(0, c.lastActivity.Load()),
	}
}

// Connect enables reconnection and nudges the run loop to dial immediately.
func (c *RelayConnection) Connect() {
	c.reconnect.Store(true)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Disconnect closes the current session gracefully and suspends
// reconnection until Connect is called again.
func (c *RelayConnection) Disconnect() {
	c.reconnect.Store(false)
	c.closeSession("client disconnect")
}

// Terminate permanently shuts the connection down. Terminated is absorbing:
// the pool discards the handle afterwards.
func (c *RelayConnection) Terminate() {
	c.cancel()
	c.setState(StateTerminated)
	c.closeSession("relay removed")
	<-c.done
}

// Send enqueues an outbound frame. It fails with ErrNotConnected unless the
// connection is connected, or is connecting with a queue-while-connecting
// policy configured.
func (c *RelayConnection) Send(frame []byte) error {
	switch c.State() {
	case StateConnected, StateAuthenticating:
	case StateConnecting:
		if c.opts.QueueWhileConnecting <= 0 {
			return ErrNotConnected
		}
	case StateTerminated:
		return ErrTerminated
	default:
		if c.opts.QueueWhileConnecting <= 0 {
			return ErrNotConnected
		}
	}

	select {
	case c.sendCh <- frame:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (c *RelayConnection) setState(next ConnectionState) {
	prev := ConnectionState(c.state.Swap(int32(next)))
	if prev == next {
		return
	}
	if prev == StateTerminated {
		// absorbing: nothing leaves Terminated
		c.state.Store(int32(StateTerminated))
		return
	}
	metrics.RelayStateTransitions.WithLabelValues(next.String()).Inc()
	c.emit(stateEvent{relay: c.url, state: next})
}

func (c *RelayConnection) emit(ev connEvent) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

// run drives the connect / serve / backoff cycle until Terminate.
func (c *RelayConnection) run() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		if !c.reconnect.Load() {
			select {
			case <-c.wake:
				continue
			case <-c.ctx.Done():
				return
			}
		}

		c.setState(StateConnecting)
		c.attempts.Add(1)
		metrics.ConnectionAttempts.Inc()

		ws, err := c.dial()
		if err != nil {
			c.log.Debug("dial failed", zap.Error(err))
			c.setState(StateDisconnected)
			metrics.ConnectionFailures.Inc()

			delay := c.retry.next()
			select {
			case <-c.clk.After(delay):
			case <-c.wake:
			case <-c.ctx.Done():
				return
			}
			continue
		}

		c.successes.Add(1)
		c.retry.reset()
		metrics.IncrementActiveConnections()
		c.setState(StateConnected)

		c.serve(ws)

		metrics.DecrementActiveConnections()
		if c.State() != StateTerminated {
			c.setState(StateDisconnected)
		}
	}
}

func (c *RelayConnection) dial() (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()

	ws, _, err := c.dialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(1 << 22) // 4MB, generous for relay frames
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	return ws, nil
}

// serve runs the write pump and read loop for one established session. It
// returns when the transport fails, a malformed frame forces a reset, or the
// connection is closed.
func (c *RelayConnection) serve(ws *websocket.Conn) {
	sessionCtx, cancelSession := context.WithCancel(c.ctx)
	defer cancelSession()

	c.touch()
	ws.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(sessionCtx, ws)
	}()

	c.readLoop(ws)

	cancelSession()
	_ = ws.Close()
	wg.Wait()

	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	c.pendingAuthID = ""
	c.mu.Unlock()
}

func (c *RelayConnection) writePump(ctx context.Context, ws *websocket.Conn) {
	ping := time.NewTicker(c.opts.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case frame := <-c.sendCh:
			if c.limiter != nil {
				if err := c.limiter.Wait(ctx); err != nil {
					return
				}
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				_ = ws.Close()
				return
			}
			c.bytesSent.Add(int64(len(frame)))
			metrics.MessagesSent.Inc()

		case <-ping.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := ws.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(5*time.Second)); err != nil {
				c.log.Debug("ping failed", zap.Error(err))
				_ = ws.Close()
				return
			}
		}
	}
}

func (c *RelayConnection) readLoop(ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("relay closed connection")
			} else {
				c.log.Debug("read error", zap.Error(err))
			}
			return
		}
		c.touch()
		c.bytesRecv.Add(int64(len(raw)))

		msg, err := parseRelayMessage(raw)
		if err != nil {
			// Malformed frames reset the connection but never
			// terminate it.
			c.log.Warn("malformed frame, resetting connection", zap.Error(err))
			metrics.MalformedFrames.Inc()
			return
		}
		metrics.MessagesReceived.WithLabelValues(msg.messageKind()).Inc()

		if c.handleLocally(msg) {
			continue
		}
		c.emit(frameEvent{relay: c.url, msg: msg})
	}
}

// handleLocally intercepts frames that belong to the connection's own state
// machine: AUTH challenges and the OK acknowledging our auth event.
func (c *RelayConnection) handleLocally(msg RelayMessage) bool {
	switch m := msg.(type) {
	case AuthChallengeMessage:
		c.startAuth(m.Challenge)
		return true

	case OKMessage:
		c.mu.Lock()
		pending := c.pendingAuthID
		if pending != "" && m.EventID == pending {
			c.pendingAuthID = ""
			c.mu.Unlock()
			c.finishAuth(m.Accepted, m.Reason)
			return true
		}
		c.mu.Unlock()
		return false

	default:
		return false
	}
}

func (c *RelayConnection) startAuth(challenge string) {
	if c.auth.signer == nil {
		c.log.Debug("AUTH challenge ignored: no signer configured")
		return
	}

	authCtx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()

	evt, err := c.auth.buildAuthEvent(authCtx, challenge)
	if err != nil {
		c.log.Warn("auth event construction failed", zap.Error(err))
		c.emit(authEvent{relay: c.url, ok: false, reason: err.Error()})
		return
	}
	frame, err := authFrame(evt)
	if err != nil {
		c.emit(authEvent{relay: c.url, ok: false, reason: err.Error()})
		return
	}

	c.mu.Lock()
	c.pendingAuthID = evt.ID
	c.mu.Unlock()

	c.setState(StateAuthenticating)
	if err := c.Send(frame); err != nil {
		c.mu.Lock()
		c.pendingAuthID = ""
		c.mu.Unlock()
		c.setState(StateConnected)
		c.emit(authEvent{relay: c.url, ok: false, reason: err.Error()})
	}
}

func (c *RelayConnection) finishAuth(accepted bool, reason string) {
	// Rejection leaves the connection usable for whatever the relay
	// permits unauthenticated.
	c.setState(StateConnected)
	c.emit(authEvent{relay: c.url, ok: accepted, reason: reason})
}

// closeSession attempts a polite close frame within a bounded grace period,
// then tears the socket down.
func (c *RelayConnection) closeSession(reason string) {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()
	if ws == nil {
		return
	}

	deadline := time.Now().Add(closeGracePeriod)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = ws.Close()
}

func (c *RelayConnection) touch() {
	c.lastActivity.Store(c.clk.Now().UnixNano())
}
