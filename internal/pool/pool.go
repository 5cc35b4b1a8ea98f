package pool

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/Shugur-Network/pool/internal/metrics"
	"github.com/Shugur-Network/pool/internal/negentropy"
)

const (
	// defaultEventBuffer sizes the shared channel connections emit into.
	defaultEventBuffer = 256

	// defaultDedupCapacity bounds the duplicate-suppression LRU.
	defaultDedupCapacity = 65536

	// fetchBatchSize caps the number of ids packed into one REQ filter when
	// downloading a reconciliation diff.
	fetchBatchSize = 200
)

// Options tunes a Pool.
type Options struct {
	// Signer answers NIP-42 challenges. Optional: without one, relays that
	// demand auth simply reject protected operations.
	Signer Signer

	// DedupCapacity bounds the duplicate-suppression cache.
	DedupCapacity int

	// NotificationBuffer is the per-consumer notification queue depth.
	NotificationBuffer int

	// Clock substitutes the wall clock, for tests.
	Clock clock.Clock

	Logger *zap.Logger
}

// Pool multiplexes subscriptions, publishes and reconciliation sessions over
// a dynamic set of relay connections. All relay traffic funnels through one
// control loop, so registry and dedup state have a single writer.
type Pool struct {
	log    *zap.Logger
	clk    clock.Clock
	signer Signer

	events chan connEvent

	mu    sync.RWMutex
	conns map[string]*RelayConnection

	registry *SubscriptionRegistry
	dedup    *Deduplicator
	notifier *notifier

	waitersMu    sync.Mutex
	okWaiters    map[waiterKey][]chan OKMessage
	countWaiters map[waiterKey]chan CountMessage
	negWaiters   map[waiterKey]chan RelayMessage

	collMu     sync.Mutex
	collectors map[string]*eventCollector

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	closed   atomic.Bool
}

// waiterKey addresses a pending reply from one relay. The id is an event id
// for OK frames and a subscription id otherwise.
type waiterKey struct {
	relay string
	id    string
}

// New builds a Pool and starts its control loop.
func New(opts Options) (*Pool, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	capacity := opts.DedupCapacity
	if capacity <= 0 {
		capacity = defaultDedupCapacity
	}
	dedup, err := NewDeduplicator(capacity)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		log:          log.Named("pool"),
		clk:          clk,
		signer:       opts.Signer,
		events:       make(chan connEvent, defaultEventBuffer),
		conns:        make(map[string]*RelayConnection),
		dedup:        dedup,
		notifier:     newNotifier(opts.NotificationBuffer),
		okWaiters:    make(map[waiterKey][]chan OKMessage),
		countWaiters: make(map[waiterKey]chan CountMessage),
		negWaiters:   make(map[waiterKey]chan RelayMessage),
		collectors:   make(map[string]*eventCollector),
		ctx:          ctx,
		cancel:       cancel,
		loopDone:     make(chan struct{}),
	}
	p.registry = newSubscriptionRegistry(p, p.log)

	go p.loop()
	return p, nil
}

// AddRelay joins a relay to the pool and starts connecting to it. Adding a
// relay that is already present is a no-op.
func (p *Pool) AddRelay(rawURL string, opts RelayOptions) error {
	if p.closed.Load() {
		return ErrPoolShutdown
	}
	url, err := NormalizeRelayURL(rawURL)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if _, ok := p.conns[url]; ok {
		p.mu.Unlock()
		return nil
	}
	conn := newRelayConnection(url, opts, p.signer, p.events, p.clk, p.log)
	p.conns[url] = conn
	p.mu.Unlock()

	conn.Start()
	conn.Connect()
	return nil
}

// RemoveRelay terminates a relay's connection and drops it from every
// subscription. No CLOSE frames are sent: the transport is going away.
func (p *Pool) RemoveRelay(rawURL string) error {
	url, err := NormalizeRelayURL(rawURL)
	if err != nil {
		return err
	}

	p.mu.Lock()
	conn, ok := p.conns[url]
	if !ok {
		p.mu.Unlock()
		return ErrRelayNotFound
	}
	delete(p.conns, url)
	p.mu.Unlock()

	for _, subID := range p.registry.DropRelay(url) {
		p.finishSubscription(subID)
	}
	conn.Terminate()
	p.notifier.publish(RelayStatusNotification{Relay: url, Status: StateTerminated})
	return nil
}

// ConnectRelay resumes reconnection for a relay previously suspended with
// DisconnectRelay.
func (p *Pool) ConnectRelay(rawURL string) error {
	conn, err := p.lookup(rawURL)
	if err != nil {
		return err
	}
	conn.Connect()
	return nil
}

// DisconnectRelay closes a relay's session and suspends reconnection. The
// relay stays in the pool and keeps its subscription memberships.
func (p *Pool) DisconnectRelay(rawURL string) error {
	conn, err := p.lookup(rawURL)
	if err != nil {
		return err
	}
	conn.Disconnect()
	return nil
}

// Relays lists the pool's current relay URLs.
func (p *Pool) Relays() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	urls := make([]string, 0, len(p.conns))
	for url := range p.conns {
		urls = append(urls, url)
	}
	return urls
}

// RelayStatus reports one relay's connection state.
func (p *Pool) RelayStatus(rawURL string) (ConnectionState, error) {
	conn, err := p.lookup(rawURL)
	if err != nil {
		return StateDisconnected, err
	}
	return conn.State(), nil
}

// RelayStats snapshots one relay's transport counters.
func (p *Pool) RelayStats(rawURL string) (ConnectionStats, error) {
	conn, err := p.lookup(rawURL)
	if err != nil {
		return ConnectionStats{}, err
	}
	return conn.Stats(), nil
}

func (p *Pool) lookup(rawURL string) (*RelayConnection, error) {
	url, err := NormalizeRelayURL(rawURL)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	conn, ok := p.conns[url]
	p.mu.RUnlock()
	if !ok {
		return nil, ErrRelayNotFound
	}
	return conn, nil
}

// sendFrame satisfies the registry's frameSender.
func (p *Pool) sendFrame(relayURL string, frame []byte) error {
	p.mu.RLock()
	conn, ok := p.conns[relayURL]
	p.mu.RUnlock()
	if !ok {
		return ErrRelayNotFound
	}
	return conn.Send(frame)
}

// resolveTargets normalizes the caller's relay list and verifies membership.
// A nil or empty list targets every relay in the pool.
func (p *Pool) resolveTargets(relays []string) ([]string, error) {
	if len(relays) == 0 {
		targets := p.Relays()
		if len(targets) == 0 {
			return nil, ErrNoRelays
		}
		return targets, nil
	}
	targets := make([]string, 0, len(relays))
	seen := make(map[string]struct{}, len(relays))
	for _, raw := range relays {
		url, err := NormalizeRelayURL(raw)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[url]; dup {
			continue
		}
		seen[url] = struct{}{}
		p.mu.RLock()
		_, ok := p.conns[url]
		p.mu.RUnlock()
		if !ok {
			return nil, ErrRelayNotFound
		}
		targets = append(targets, url)
	}
	return targets, nil
}

// Subscribe opens a standing query on the target relays (all pool relays
// when relays is empty) and returns its id. Matching events surface as
// EventNotification values on Notifications subscribers.
func (p *Pool) Subscribe(filters []nostr.Filter, relays []string, opts SubscribeOptions) (string, error) {
	if p.closed.Load() {
		return "", ErrPoolShutdown
	}
	targets, err := p.resolveTargets(relays)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := p.registry.Subscribe(id, filters, targets, opts); err != nil {
		return "", err
	}
	metrics.ActiveSubscriptions.Inc()
	return id, nil
}

// Unsubscribe retires a subscription, sending CLOSE to every member relay.
// Unknown ids are a no-op.
func (p *Pool) Unsubscribe(id string) {
	if p.registry.Unsubscribe(id) {
		metrics.ActiveSubscriptions.Dec()
	}
}

// AddRelayToSubscription joins an existing pool relay to a subscription and
// issues the REQ to it.
func (p *Pool) AddRelayToSubscription(subID, rawURL string) error {
	url, err := NormalizeRelayURL(rawURL)
	if err != nil {
		return err
	}
	p.mu.RLock()
	_, ok := p.conns[url]
	p.mu.RUnlock()
	if !ok {
		return ErrRelayNotFound
	}
	return p.registry.AddRelay(subID, url)
}

// RemoveRelayFromSubscription drops a relay from a subscription and sends
// CLOSE to it. Events already delivered are not retracted.
func (p *Pool) RemoveRelayFromSubscription(subID, rawURL string) error {
	url, err := NormalizeRelayURL(rawURL)
	if err != nil {
		return err
	}
	retired, err := p.registry.RemoveRelay(subID, url)
	if err != nil {
		return err
	}
	if retired {
		p.finishSubscription(subID)
	}
	return nil
}

// SubscriptionStatus reports a subscription's lifecycle state.
func (p *Pool) SubscriptionStatus(id string) (SubscriptionStatus, bool) {
	return p.registry.Status(id)
}

// Notifications registers a new consumer for pool-level notifications. The
// consumer must drain its channel or accept MissedNotification gaps.
func (p *Pool) Notifications() *Subscriber {
	return p.notifier.subscribe()
}

// Publish sends the event to every target relay and waits for each relay's
// terminal OK. Results are per relay and never aggregated: one relay
// accepting says nothing about another.
func (p *Pool) Publish(ctx context.Context, evt *nostr.Event, relays []string) (map[string]PublishResult, error) {
	if p.closed.Load() {
		return nil, ErrPoolShutdown
	}
	targets, err := p.resolveTargets(relays)
	if err != nil {
		return nil, err
	}
	frame, err := eventFrame(evt)
	if err != nil {
		return nil, err
	}

	results := make(map[string]PublishResult, len(targets))
	var wg sync.WaitGroup
	var resMu sync.Mutex
	for _, relay := range targets {
		wg.Add(1)
		go func(relay string) {
			defer wg.Done()
			res := p.publishOne(ctx, relay, frame, evt.ID)
			metrics.PublishOutcomes.WithLabelValues(res.Status.String()).Inc()
			resMu.Lock()
			results[relay] = res
			resMu.Unlock()
		}(relay)
	}
	wg.Wait()
	return results, nil
}

func (p *Pool) publishOne(ctx context.Context, relay string, frame []byte, eventID string) PublishResult {
	// Waiters for one (relay, event id) pair form a list: concurrent
	// publishes of the same event must each see the relay's OK.
	ch := make(chan OKMessage, 1)
	key := waiterKey{relay: relay, id: eventID}
	p.waitersMu.Lock()
	p.okWaiters[key] = append(p.okWaiters[key], ch)
	p.waitersMu.Unlock()
	defer func() {
		p.waitersMu.Lock()
		waiters := p.okWaiters[key]
		for i, w := range waiters {
			if w == ch {
				p.okWaiters[key] = append(waiters[:i], waiters[i+1:]...)
				break
			}
		}
		if len(p.okWaiters[key]) == 0 {
			delete(p.okWaiters, key)
		}
		p.waitersMu.Unlock()
	}()

	if err := p.sendFrame(relay, frame); err != nil {
		return PublishResult{Relay: relay, Status: PublishFailed, Err: err}
	}

	select {
	case ok := <-ch:
		if ok.Accepted {
			return PublishResult{Relay: relay, Status: PublishAccepted, Reason: ok.Reason}
		}
		return PublishResult{Relay: relay, Status: PublishRejected, Reason: ok.Reason}
	case <-ctx.Done():
		return PublishResult{Relay: relay, Status: PublishFailed, Err: ctx.Err()}
	case <-p.ctx.Done():
		return PublishResult{Relay: relay, Status: PublishFailed, Err: ErrPoolShutdown}
	}
}

// Count asks one relay for the number of events matching the filter
// (NIP-45).
func (p *Pool) Count(ctx context.Context, filter nostr.Filter, rawURL string) (int64, error) {
	url, err := NormalizeRelayURL(rawURL)
	if err != nil {
		return 0, err
	}
	subID := uuid.NewString()
	frame, err := countFrame(subID, filter)
	if err != nil {
		return 0, err
	}

	ch := make(chan CountMessage, 1)
	key := waiterKey{relay: url, id: subID}
	p.waitersMu.Lock()
	p.countWaiters[key] = ch
	p.waitersMu.Unlock()
	defer func() {
		p.waitersMu.Lock()
		delete(p.countWaiters, key)
		p.waitersMu.Unlock()
	}()

	if err := p.sendFrame(url, frame); err != nil {
		return 0, err
	}
	select {
	case msg := <-ch:
		return msg.Count, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-p.ctx.Done():
		return 0, ErrPoolShutdown
	}
}

// FetchEvents runs a one-shot query: it subscribes with auto-close, collects
// events until every target relay signals EOSE, and returns the de-duplicated
// set. A canceled context returns what was collected so far along with the
// context error.
func (p *Pool) FetchEvents(ctx context.Context, filters []nostr.Filter, relays []string) ([]*nostr.Event, error) {
	if p.closed.Load() {
		return nil, ErrPoolShutdown
	}
	targets, err := p.resolveTargets(relays)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	col := newEventCollector()
	p.collMu.Lock()
	p.collectors[id] = col
	p.collMu.Unlock()
	defer func() {
		p.collMu.Lock()
		delete(p.collectors, id)
		p.collMu.Unlock()
	}()

	if err := p.registry.Subscribe(id, filters, targets, SubscribeOptions{CloseOnEOSE: true}); err != nil {
		return nil, err
	}
	metrics.ActiveSubscriptions.Inc()
	defer p.Unsubscribe(id)

	select {
	case <-col.done:
		return col.snapshot(), nil
	case <-ctx.Done():
		return col.snapshot(), ctx.Err()
	case <-p.ctx.Done():
		return col.snapshot(), ErrPoolShutdown
	}
}

// eventCollector accumulates the results of a one-shot fetch. Events are
// de-duplicated per collector rather than through the pool-wide cache, so a
// fetch always sees its full result set.
type eventCollector struct {
	mu     sync.Mutex
	seen   map[string]struct{}
	events []*nostr.Event
	done   chan struct{}
	once   sync.Once
}

func newEventCollector() *eventCollector {
	return &eventCollector{
		seen: make(map[string]struct{}),
		done: make(chan struct{}),
	}
}

func (c *eventCollector) add(evt *nostr.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.seen[evt.ID]; dup {
		return
	}
	c.seen[evt.ID] = struct{}{}
	c.events = append(c.events, evt)
}

func (c *eventCollector) finish() {
	c.once.Do(func() { close(c.done) })
}

func (c *eventCollector) snapshot() []*nostr.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*nostr.Event, len(c.events))
	copy(out, c.events)
	return out
}

// loop is the pool's control loop: the single consumer of connection events
// and the single writer of registry, dedup and notification state.
func (p *Pool) loop() {
	defer close(p.loopDone)
	for {
		select {
		case <-p.ctx.Done():
			return
		case ev := <-p.events:
			switch e := ev.(type) {
			case frameEvent:
				p.handleFrame(e.relay, e.msg)
			case stateEvent:
				p.notifier.publish(RelayStatusNotification{Relay: e.relay, Status: e.state})
				if e.state == StateConnected {
					p.registry.ResubscribeRelay(e.relay)
				}
			case authEvent:
				if e.ok {
					p.notifier.publish(AuthenticatedNotification{Relay: e.relay})
				} else {
					p.notifier.publish(AuthFailedNotification{Relay: e.relay, Reason: e.reason})
				}
			}
		}
	}
}

func (p *Pool) handleFrame(relay string, msg RelayMessage) {
	switch m := msg.(type) {
	case EventMessage:
		p.handleEvent(relay, m)

	case EOSEMessage:
		_, retired := p.registry.OnEOSE(relay, m.SubscriptionID)
		if retired {
			p.finishSubscription(m.SubscriptionID)
		}

	case ClosedMessage:
		_, retired := p.registry.OnClosed(relay, m.SubscriptionID, m.Reason)
		if retired {
			p.finishSubscription(m.SubscriptionID)
		}

	case NoticeMessage:
		p.log.Debug("relay notice", zap.String("relay", relay), zap.String("message", m.Message))
		p.notifier.publish(NoticeNotification{Relay: relay, Message: m.Message})

	case OKMessage:
		p.waitersMu.Lock()
		waiters := append([]chan OKMessage(nil), p.okWaiters[waiterKey{relay: relay, id: m.EventID}]...)
		p.waitersMu.Unlock()
		for _, ch := range waiters {
			select {
			case ch <- m:
			default:
			}
		}

	case CountMessage:
		p.waitersMu.Lock()
		ch, ok := p.countWaiters[waiterKey{relay: relay, id: m.SubscriptionID}]
		p.waitersMu.Unlock()
		if ok {
			select {
			case ch <- m:
			default:
			}
		}

	case NegMsgMessage:
		p.routeNeg(relay, m.SubscriptionID, m)

	case NegErrMessage:
		p.routeNeg(relay, m.SubscriptionID, m)

	case AuthChallengeMessage:
		// handled inside the connection; nothing to do here
	}
}

func (p *Pool) handleEvent(relay string, m EventMessage) {
	if m.Event == nil {
		return
	}
	if col := p.collector(m.SubscriptionID); col != nil {
		if p.registry.OnEvent(relay, m.SubscriptionID) {
			col.add(m.Event)
		}
		return
	}
	if !p.registry.OnEvent(relay, m.SubscriptionID) {
		p.log.Debug("event for unknown subscription dropped",
			zap.String("relay", relay),
			zap.String("sub_id", m.SubscriptionID))
		return
	}
	if p.dedup.Seen(m.Event.ID) {
		metrics.DuplicateEvents.Inc()
		return
	}
	metrics.IncrementEventsForwarded()
	p.notifier.publish(EventNotification{
		Relay:          relay,
		SubscriptionID: m.SubscriptionID,
		Event:          m.Event,
	})
}

func (p *Pool) collector(subID string) *eventCollector {
	p.collMu.Lock()
	defer p.collMu.Unlock()
	return p.collectors[subID]
}

// finishSubscription releases the bookkeeping of a retired subscription:
// the active gauge and any fetch collector parked on it.
func (p *Pool) finishSubscription(subID string) {
	metrics.ActiveSubscriptions.Dec()
	if col := p.collector(subID); col != nil {
		col.finish()
	}
}

func (p *Pool) routeNeg(relay, subID string, msg RelayMessage) {
	p.waitersMu.Lock()
	ch, ok := p.negWaiters[waiterKey{relay: relay, id: subID}]
	p.waitersMu.Unlock()
	if ok {
		select {
		case ch <- msg:
		default:
		}
	}
}

// SyncResult is the outcome of one reconciliation session.
type SyncResult struct {
	Relay string

	// Have lists ids present locally but missing on the relay.
	Have []string
	// Need lists ids present on the relay but missing locally.
	Need []string

	// Rounds is the number of message exchanges the session took.
	Rounds int

	// Fetched holds the downloaded events for SyncDown/SyncBoth sessions.
	Fetched []*nostr.Event
	// Published counts events the relay accepted for SyncUp/SyncBoth
	// sessions.
	Published int
}

// Sync reconciles the caller's local id set against one relay using NIP-77
// negentropy, then settles the diff per the requested direction: downloading
// missing events, publishing the relay's missing ones, or neither when
// DryRun is set.
func (p *Pool) Sync(ctx context.Context, rawURL string, filter nostr.Filter, items []SyncItem, opts SyncOptions) (*SyncResult, error) {
	if p.closed.Load() {
		return nil, ErrPoolShutdown
	}
	url, err := NormalizeRelayURL(rawURL)
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	_, ok := p.conns[url]
	p.mu.RUnlock()
	if !ok {
		return nil, ErrRelayNotFound
	}
	if !opts.DryRun && opts.Direction != SyncDown && opts.Source == nil {
		return nil, ErrNoEventSource
	}
	opts = applySyncDefaults(opts)

	vector := negentropy.NewVector()
	for _, item := range items {
		if err := vector.Insert(item.CreatedAt, item.ID); err != nil {
			return nil, err
		}
	}
	if err := vector.Seal(); err != nil {
		return nil, err
	}
	neg, err := negentropy.New(vector, opts.FrameSizeLimit, opts.Buckets)
	if err != nil {
		return nil, err
	}
	initial, err := neg.Initiate()
	if err != nil {
		return nil, err
	}

	result, err := p.runSyncSession(ctx, url, filter, neg, initial, opts)
	if err != nil {
		return nil, err
	}
	metrics.SyncRounds.Observe(float64(result.Rounds))
	metrics.SyncDiffSize.WithLabelValues("have").Observe(float64(len(result.Have)))
	metrics.SyncDiffSize.WithLabelValues("need").Observe(float64(len(result.Need)))

	if opts.DryRun {
		return result, nil
	}
	if (opts.Direction == SyncDown || opts.Direction == SyncBoth) && len(result.Need) > 0 {
		fetched, err := p.fetchByIDs(ctx, url, result.Need)
		if err != nil {
			return result, err
		}
		result.Fetched = fetched
	}
	if (opts.Direction == SyncUp || opts.Direction == SyncBoth) && len(result.Have) > 0 {
		published, err := p.publishByIDs(ctx, url, result.Have, opts.Source)
		if err != nil {
			return result, err
		}
		result.Published = published
	}
	return result, nil
}

// applySyncDefaults fills unset tuning fields from DefaultSyncOptions. A
// zero FrameSizeLimit in particular must not reach the reconciler, where it
// would disable frame splitting instead of applying the default cap.
func applySyncDefaults(opts SyncOptions) SyncOptions {
	def := DefaultSyncOptions()
	if opts.RoundTimeout <= 0 {
		opts.RoundTimeout = def.RoundTimeout
	}
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = def.MaxRounds
	}
	if opts.Buckets <= 0 {
		opts.Buckets = def.Buckets
	}
	if opts.FrameSizeLimit <= 0 {
		opts.FrameSizeLimit = def.FrameSizeLimit
	}
	return opts
}

// runSyncSession drives the NEG-OPEN/NEG-MSG exchange until the reconciler
// converges or a guard trips. A relay that never answers the opening message
// within the round window is reported as not speaking the protocol.
func (p *Pool) runSyncSession(ctx context.Context, url string, filter nostr.Filter, neg *negentropy.Negentropy, initial []byte, opts SyncOptions) (*SyncResult, error) {
	subID := uuid.NewString()
	ch := make(chan RelayMessage, 4)
	key := waiterKey{relay: url, id: subID}
	p.waitersMu.Lock()
	p.negWaiters[key] = ch
	p.waitersMu.Unlock()
	defer func() {
		p.waitersMu.Lock()
		delete(p.negWaiters, key)
		p.waitersMu.Unlock()
		if frame, err := negCloseFrame(subID); err == nil {
			_ = p.sendFrame(url, frame)
		}
	}()

	open, err := negOpenFrame(subID, filter, hex.EncodeToString(initial))
	if err != nil {
		return nil, err
	}
	if err := p.sendFrame(url, open); err != nil {
		return nil, err
	}

	rounds := 0
	for {
		if rounds >= opts.MaxRounds {
			metrics.SyncSessions.WithLabelValues("round_limit").Inc()
			return nil, ErrSyncRounds
		}
		timer := p.clk.Timer(opts.RoundTimeout)
		var msg RelayMessage
		select {
		case msg = <-ch:
			timer.Stop()
		case <-timer.C:
			if rounds == 0 {
				// No reply to NEG-OPEN within the window: treat the
				// relay as not speaking the protocol.
				metrics.SyncSessions.WithLabelValues("unsupported").Inc()
				return nil, ErrSyncUnsupported
			}
			metrics.SyncSessions.WithLabelValues("timeout").Inc()
			return nil, ErrSyncTimeout
		case <-ctx.Done():
			timer.Stop()
			metrics.SyncSessions.WithLabelValues("timeout").Inc()
			return nil, ctx.Err()
		case <-p.ctx.Done():
			timer.Stop()
			return nil, ErrPoolShutdown
		}
		rounds++

		switch m := msg.(type) {
		case NegErrMessage:
			metrics.SyncSessions.WithLabelValues("unsupported").Inc()
			if strings.Contains(m.Reason, "unsupported") || strings.Contains(m.Reason, "blocked") {
				return nil, ErrSyncUnsupported
			}
			return nil, &SyncError{Relay: url, Reason: m.Reason}
		case NegMsgMessage:
			payload, err := hex.DecodeString(m.Payload)
			if err != nil {
				metrics.SyncSessions.WithLabelValues("protocol_error").Inc()
				return nil, ErrSyncProtocol
			}
			out, err := neg.Reconcile(payload)
			if err != nil {
				metrics.SyncSessions.WithLabelValues("protocol_error").Inc()
				return nil, err
			}
			if opts.Progress != nil {
				opts.Progress(SyncProgress{
					Relay:  url,
					Rounds: rounds,
					Have:   len(neg.HaveIDs()),
					Need:   len(neg.NeedIDs()),
				})
			}
			if out == nil {
				metrics.SyncSessions.WithLabelValues("complete").Inc()
				return &SyncResult{
					Relay:  url,
					Have:   neg.HaveIDs(),
					Need:   neg.NeedIDs(),
					Rounds: rounds,
				}, nil
			}
			frame, err := negMsgFrame(subID, hex.EncodeToString(out))
			if err != nil {
				return nil, err
			}
			if err := p.sendFrame(url, frame); err != nil {
				return nil, err
			}
		}
	}
}

// fetchByIDs downloads the given event ids from one relay in bounded-size
// batches.
func (p *Pool) fetchByIDs(ctx context.Context, url string, ids []string) ([]*nostr.Event, error) {
	var fetched []*nostr.Event
	for start := 0; start < len(ids); start += fetchBatchSize {
		end := start + fetchBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch, err := p.FetchEvents(ctx, []nostr.Filter{{IDs: ids[start:end]}}, []string{url})
		fetched = append(fetched, batch...)
		if err != nil {
			return fetched, err
		}
	}
	return fetched, nil
}

// publishByIDs resolves local events through the source and publishes them to
// one relay, counting the acceptances. Ids the source cannot resolve are
// skipped: the local set may have moved since the caller snapshotted it.
func (p *Pool) publishByIDs(ctx context.Context, url string, ids []string, source EventSource) (int, error) {
	published := 0
	for _, id := range ids {
		evt, err := source.EventByID(ctx, id)
		if err != nil || evt == nil {
			p.log.Debug("sync source could not resolve event",
				zap.String("id", id), zap.Error(err))
			continue
		}
		results, err := p.Publish(ctx, evt, []string{url})
		if err != nil {
			return published, err
		}
		if res, ok := results[url]; ok && res.Status == PublishAccepted {
			published++
		}
		if ctx.Err() != nil {
			return published, ctx.Err()
		}
	}
	return published, nil
}

// Shutdown terminates every connection, stops the control loop and closes
// all notification subscribers. It is idempotent.
func (p *Pool) Shutdown() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}

	p.mu.Lock()
	conns := make([]*RelayConnection, 0, len(p.conns))
	for _, conn := range p.conns {
		conns = append(conns, conn)
	}
	p.conns = make(map[string]*RelayConnection)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c *RelayConnection) {
			defer wg.Done()
			c.Terminate()
		}(conn)
	}
	wg.Wait()

	// Release any fetches still waiting on EOSE.
	p.collMu.Lock()
	for _, col := range p.collectors {
		col.finish()
	}
	p.collMu.Unlock()

	p.cancel()
	<-p.loopDone
	p.notifier.closeAll()
	p.log.Info("pool shut down")
}
