package pool

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shugur-Network/pool/internal/negentropy"
)

// fakeRelay is an in-process scriptable relay: it answers REQ from a stored
// event set, acknowledges EVENT per a configurable policy and speaks enough
// NIP-42/45/77 for the pool's handshakes.
type fakeRelay struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	stored []*nostr.Event

	acceptEvent func(evt *nostr.Event) (bool, string)
	countValue  int64
	challenge   string // sent right after the upgrade when non-empty
	negReject   string // answer NEG-OPEN with NEG-ERR when non-empty
	reqReject   string // answer REQ with CLOSED when non-empty
	negItems    []SyncItem
	muteOK      bool // swallow EVENT frames without acknowledging
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	f := &fakeRelay{
		t:           t,
		acceptEvent: func(*nostr.Event) (bool, string) { return true, "" },
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeRelay) store(events ...*nostr.Event) {
	f.mu.Lock()
	f.stored = append(f.stored, events...)
	f.mu.Unlock()
}

func (f *fakeRelay) storedSnapshot() []*nostr.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*nostr.Event(nil), f.stored...)
}

func (f *fakeRelay) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	send := func(parts ...interface{}) {
		frame, err := json.Marshal(parts)
		if err != nil {
			return
		}
		_ = ws.WriteMessage(websocket.TextMessage, frame)
	}

	if f.challenge != "" {
		send("AUTH", f.challenge)
	}

	negSessions := make(map[string]*negentropy.Negentropy)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err != nil || len(arr) == 0 {
			send("NOTICE", "invalid: malformed frame")
			continue
		}
		var label string
		if err := json.Unmarshal(arr[0], &label); err != nil {
			continue
		}

		switch label {
		case "EVENT":
			var evt nostr.Event
			if err := json.Unmarshal(arr[1], &evt); err != nil || f.muteOK {
				continue
			}
			accepted, reason := f.acceptEvent(&evt)
			if accepted {
				f.store(&evt)
			}
			send("OK", evt.ID, accepted, reason)

		case "AUTH":
			var evt nostr.Event
			if err := json.Unmarshal(arr[1], &evt); err != nil {
				continue
			}
			send("OK", evt.ID, true, "")

		case "REQ":
			var subID string
			if err := json.Unmarshal(arr[1], &subID); err != nil {
				continue
			}
			if f.reqReject != "" {
				send("CLOSED", subID, f.reqReject)
				continue
			}
			var filters []nostr.Filter
			for _, rawFilter := range arr[2:] {
				var flt nostr.Filter
				if err := json.Unmarshal(rawFilter, &flt); err == nil {
					filters = append(filters, flt)
				}
			}
			for _, evt := range f.storedSnapshot() {
				for _, flt := range filters {
					if flt.Matches(evt) {
						send("EVENT", subID, evt)
						break
					}
				}
			}
			send("EOSE", subID)

		case "COUNT":
			var subID string
			if err := json.Unmarshal(arr[1], &subID); err != nil {
				continue
			}
			send("COUNT", subID, map[string]int64{"count": f.countValue})

		case "NEG-OPEN":
			var subID, initial string
			if err := json.Unmarshal(arr[1], &subID); err != nil {
				continue
			}
			if err := json.Unmarshal(arr[3], &initial); err != nil {
				continue
			}
			if f.negReject != "" {
				send("NEG-ERR", subID, f.negReject)
				continue
			}
			neg, err := f.newNegSession()
			if err != nil {
				send("NEG-ERR", subID, "error: "+err.Error())
				continue
			}
			negSessions[subID] = neg
			f.negReply(send, subID, neg, initial)

		case "NEG-MSG":
			var subID, payload string
			if err := json.Unmarshal(arr[1], &subID); err != nil {
				continue
			}
			if err := json.Unmarshal(arr[2], &payload); err != nil {
				continue
			}
			neg, ok := negSessions[subID]
			if !ok {
				send("NEG-ERR", subID, "closed: unknown session")
				continue
			}
			f.negReply(send, subID, neg, payload)

		case "NEG-CLOSE":
			var subID string
			if err := json.Unmarshal(arr[1], &subID); err == nil {
				delete(negSessions, subID)
			}

		case "CLOSE":
			// standing queries have no server-side state here
		}
	}
}

func (f *fakeRelay) newNegSession() (*negentropy.Negentropy, error) {
	vector := negentropy.NewVector()
	for _, item := range f.negItems {
		if err := vector.Insert(item.CreatedAt, item.ID); err != nil {
			return nil, err
		}
	}
	if err := vector.Seal(); err != nil {
		return nil, err
	}
	return negentropy.New(vector, negentropy.DefaultFrameSizeLimit, 0)
}

func (f *fakeRelay) negReply(send func(...interface{}), subID string, neg *negentropy.Negentropy, payloadHex string) {
	payload, err := hex.DecodeString(payloadHex)
	if err != nil {
		send("NEG-ERR", subID, "error: bad hex")
		return
	}
	out, err := neg.Reconcile(payload)
	if err != nil {
		send("NEG-ERR", subID, "error: "+err.Error())
		return
	}
	send("NEG-MSG", subID, hex.EncodeToString(out))
}

func newTestPool(t *testing.T, opts Options) *Pool {
	t.Helper()
	p, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(p.Shutdown)
	return p
}

func addAndConnect(t *testing.T, p *Pool, relay *fakeRelay) string {
	t.Helper()
	require.NoError(t, p.AddRelay(relay.url(), DefaultRelayOptions()))
	url, err := NormalizeRelayURL(relay.url())
	require.NoError(t, err)
	waitConnected(t, p, url)
	return url
}

func waitConnected(t *testing.T, p *Pool, url string) {
	t.Helper()
	require.Eventually(t, func() bool {
		state, err := p.RelayStatus(url)
		return err == nil && state == StateConnected
	}, 5*time.Second, 10*time.Millisecond, "relay %s never connected", url)
}

func signedTestEvent(t *testing.T, content string) *nostr.Event {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	evt := &nostr.Event{
		Kind:      nostr.KindTextNote,
		Content:   content,
		CreatedAt: nostr.Now(),
	}
	require.NoError(t, evt.Sign(sk))
	return evt
}

// syntheticEvent fabricates an event with a fixed id, for tests where
// signature validity is irrelevant.
func syntheticEvent(n int, ts nostr.Timestamp) *nostr.Event {
	return &nostr.Event{
		ID:        fmt.Sprintf("%064x", n+1),
		Kind:      nostr.KindTextNote,
		Content:   fmt.Sprintf("event %d", n),
		CreatedAt: ts,
	}
}

func TestPoolAddRelayIsIdempotent(t *testing.T) {
	relay := newFakeRelay(t)
	p := newTestPool(t, Options{})

	require.NoError(t, p.AddRelay(relay.url(), DefaultRelayOptions()))
	require.NoError(t, p.AddRelay(relay.url(), DefaultRelayOptions()))
	assert.Len(t, p.Relays(), 1)
}

func TestPoolRemoveRelay(t *testing.T) {
	relay := newFakeRelay(t)
	p := newTestPool(t, Options{})
	url := addAndConnect(t, p, relay)

	require.NoError(t, p.RemoveRelay(url))
	assert.Empty(t, p.Relays())
	assert.ErrorIs(t, p.RemoveRelay(url), ErrRelayNotFound)

	_, err := p.RelayStatus(url)
	assert.ErrorIs(t, err, ErrRelayNotFound)
}

func TestPoolDisconnectAndReconnect(t *testing.T) {
	relay := newFakeRelay(t)
	p := newTestPool(t, Options{})
	url := addAndConnect(t, p, relay)

	require.NoError(t, p.DisconnectRelay(url))
	require.Eventually(t, func() bool {
		state, err := p.RelayStatus(url)
		return err == nil && state == StateDisconnected
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, p.ConnectRelay(url))
	waitConnected(t, p, url)
}

func TestPoolPublishFanOut(t *testing.T) {
	accepting := newFakeRelay(t)
	rejecting := newFakeRelay(t)
	rejecting.acceptEvent = func(*nostr.Event) (bool, string) {
		return false, "blocked: no thanks"
	}

	p := newTestPool(t, Options{})
	acceptURL := addAndConnect(t, p, accepting)
	rejectURL := addAndConnect(t, p, rejecting)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results, err := p.Publish(ctx, signedTestEvent(t, "hello"), nil)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, PublishAccepted, results[acceptURL].Status)
	assert.Equal(t, PublishRejected, results[rejectURL].Status)
	assert.Equal(t, "blocked: no thanks", results[rejectURL].Reason)
}

func TestPoolPublishTimesOutWithoutOK(t *testing.T) {
	relay := newFakeRelay(t)
	relay.muteOK = true

	p := newTestPool(t, Options{})
	url := addAndConnect(t, p, relay)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	results, err := p.Publish(ctx, signedTestEvent(t, "void"), nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, PublishFailed, results[url].Status)
	assert.ErrorIs(t, results[url].Err, context.DeadlineExceeded)
}

func TestPoolConcurrentPublishesOfSameEventEachGetOK(t *testing.T) {
	relay := newFakeRelay(t)
	p := newTestPool(t, Options{})
	url := addAndConnect(t, p, relay)

	evt := signedTestEvent(t, "same event twice")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	results := make([]map[string]PublishResult, 2)
	errs := make([]error, 2)
	for i := range results {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = p.Publish(ctx, evt, nil)
		}()
	}
	wg.Wait()

	// Both publishes wait on the same (relay, id) key; neither may
	// starve the other of the relay's verdict.
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, PublishAccepted, results[i][url].Status, "publish %d", i)
	}
}

func TestPoolPublishToUnknownRelay(t *testing.T) {
	p := newTestPool(t, Options{})
	ctx := context.Background()
	_, err := p.Publish(ctx, signedTestEvent(t, "x"), []string{"wss://nowhere.example.com"})
	assert.ErrorIs(t, err, ErrRelayNotFound)

	_, err = p.Publish(ctx, signedTestEvent(t, "x"), nil)
	assert.ErrorIs(t, err, ErrNoRelays)
}

func TestPoolFetchEventsUntilEOSE(t *testing.T) {
	relay := newFakeRelay(t)
	for i := 0; i < 3; i++ {
		relay.store(syntheticEvent(i, nostr.Timestamp(1000+i)))
	}

	p := newTestPool(t, Options{})
	addAndConnect(t, p, relay)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := p.FetchEvents(ctx, []nostr.Filter{{Kinds: []int{nostr.KindTextNote}}}, nil)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestPoolFetchDeduplicatesAcrossRelays(t *testing.T) {
	shared := syntheticEvent(7, 1700)
	a := newFakeRelay(t)
	b := newFakeRelay(t)
	a.store(shared, syntheticEvent(1, 1701))
	b.store(shared, syntheticEvent(2, 1702))

	p := newTestPool(t, Options{})
	addAndConnect(t, p, a)
	addAndConnect(t, p, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := p.FetchEvents(ctx, []nostr.Filter{{Kinds: []int{nostr.KindTextNote}}}, nil)
	require.NoError(t, err)

	// The shared event arrives from both relays but surfaces once.
	assert.Len(t, events, 3)
	seen := map[string]int{}
	for _, evt := range events {
		seen[evt.ID]++
	}
	assert.Equal(t, 1, seen[shared.ID])
}

func TestPoolFetchCompletesWhenRelayClosesSubscription(t *testing.T) {
	relay := newFakeRelay(t)
	relay.reqReject = "auth-required: queries are gated"

	p := newTestPool(t, Options{})
	addAndConnect(t, p, relay)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The only member answers REQ with CLOSED instead of EOSE. The
	// fetch must finish empty right away, not sit on the deadline.
	start := time.Now()
	events, err := p.FetchEvents(ctx, []nostr.Filter{{Kinds: []int{nostr.KindTextNote}}}, nil)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestPoolFetchCompletesWhenLastPendingRelayCloses(t *testing.T) {
	answering := newFakeRelay(t)
	answering.store(syntheticEvent(0, 1000))
	closing := newFakeRelay(t)
	closing.reqReject = "blocked: not serving queries"

	p := newTestPool(t, Options{})
	addAndConnect(t, p, answering)
	addAndConnect(t, p, closing)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	events, err := p.FetchEvents(ctx, []nostr.Filter{{Kinds: []int{nostr.KindTextNote}}}, nil)
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestPoolSubscribeStreamsNotifications(t *testing.T) {
	relay := newFakeRelay(t)
	relay.store(syntheticEvent(0, 1000), syntheticEvent(1, 1001))

	p := newTestPool(t, Options{})
	sub := p.Notifications()
	defer sub.Close()
	addAndConnect(t, p, relay)

	id, err := p.Subscribe([]nostr.Filter{{Kinds: []int{nostr.KindTextNote}}}, nil, SubscribeOptions{})
	require.NoError(t, err)

	got := map[string]bool{}
	deadline := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case note := <-sub.C():
			if evt, ok := note.(EventNotification); ok {
				assert.Equal(t, id, evt.SubscriptionID)
				got[evt.Event.ID] = true
			}
		case <-deadline:
			t.Fatalf("received %d of 2 events", len(got))
		}
	}

	status, ok := p.SubscriptionStatus(id)
	require.True(t, ok)
	assert.Equal(t, SubscriptionActive, status)

	p.Unsubscribe(id)
	_, ok = p.SubscriptionStatus(id)
	assert.False(t, ok)
}

func TestPoolSubscribeDeduplicatesAcrossRelays(t *testing.T) {
	shared := syntheticEvent(7, 1700)
	a := newFakeRelay(t)
	b := newFakeRelay(t)
	a.store(shared)
	b.store(shared)

	p := newTestPool(t, Options{})
	sub := p.Notifications()
	defer sub.Close()
	urlA := addAndConnect(t, p, a)
	urlB := addAndConnect(t, p, b)

	_, err := p.Subscribe([]nostr.Filter{{Kinds: []int{nostr.KindTextNote}}}, nil, SubscribeOptions{})
	require.NoError(t, err)

	// A COUNT round trip sequences behind the REQ on each connection, so
	// once both relays have answered, every stored event has already
	// passed through the control loop.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = p.Count(ctx, nostr.Filter{}, urlA)
	require.NoError(t, err)
	_, err = p.Count(ctx, nostr.Filter{}, urlB)
	require.NoError(t, err)

	got := 0
	for {
		select {
		case note := <-sub.C():
			if evt, ok := note.(EventNotification); ok && evt.Event.ID == shared.ID {
				got++
			}
		default:
			assert.Equal(t, 1, got, "shared event must surface exactly once")
			return
		}
	}
}

func TestPoolCount(t *testing.T) {
	relay := newFakeRelay(t)
	relay.countValue = 42

	p := newTestPool(t, Options{})
	url := addAndConnect(t, p, relay)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	count, err := p.Count(ctx, nostr.Filter{Kinds: []int{1}}, url)
	require.NoError(t, err)
	assert.Equal(t, int64(42), count)
}

func TestPoolAuthenticatesOnChallenge(t *testing.T) {
	relay := newFakeRelay(t)
	relay.challenge = "challenge-abc"

	signer, err := NewKeySigner(nostr.GeneratePrivateKey())
	require.NoError(t, err)

	p := newTestPool(t, Options{Signer: signer})
	sub := p.Notifications()
	defer sub.Close()
	url := addAndConnect(t, p, relay)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case note := <-sub.C():
			if auth, ok := note.(AuthenticatedNotification); ok {
				assert.Equal(t, url, auth.Relay)
				return
			}
		case <-deadline:
			t.Fatal("authentication never reported")
		}
	}
}

func TestPoolSyncDryRunComputesDiff(t *testing.T) {
	relay := newFakeRelay(t)

	var local []SyncItem
	for i := 0; i < 10; i++ {
		item := SyncItem{ID: fmt.Sprintf("%064x", i+1), CreatedAt: nostr.Timestamp(1000 + i)}
		relay.negItems = append(relay.negItems, item)
		if i != 4 {
			local = append(local, item)
		}
	}
	// One id only we hold.
	local = append(local, SyncItem{ID: fmt.Sprintf("%064x", 99), CreatedAt: 2000})

	p := newTestPool(t, Options{})
	url := addAndConnect(t, p, relay)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := p.Sync(ctx, url, nostr.Filter{}, local, SyncOptions{DryRun: true})
	require.NoError(t, err)

	require.Len(t, res.Need, 1)
	assert.Equal(t, fmt.Sprintf("%064x", 5), res.Need[0])
	require.Len(t, res.Have, 1)
	assert.Equal(t, fmt.Sprintf("%064x", 99), res.Have[0])
	assert.Greater(t, res.Rounds, 0)
	assert.Empty(t, res.Fetched)
	assert.Zero(t, res.Published)
}

func TestApplySyncDefaultsFillsZeroTuning(t *testing.T) {
	def := DefaultSyncOptions()

	got := applySyncDefaults(SyncOptions{DryRun: true})
	assert.Equal(t, def.RoundTimeout, got.RoundTimeout)
	assert.Equal(t, def.MaxRounds, got.MaxRounds)
	assert.Equal(t, def.Buckets, got.Buckets)
	assert.Equal(t, def.FrameSizeLimit, got.FrameSizeLimit)
	assert.True(t, got.DryRun)

	custom := SyncOptions{RoundTimeout: time.Second, MaxRounds: 3, Buckets: 8, FrameSizeLimit: 8192}
	got = applySyncDefaults(custom)
	assert.Equal(t, custom.RoundTimeout, got.RoundTimeout)
	assert.Equal(t, custom.MaxRounds, got.MaxRounds)
	assert.Equal(t, custom.Buckets, got.Buckets)
	assert.Equal(t, custom.FrameSizeLimit, got.FrameSizeLimit)
}

func TestPoolSyncReportsProgress(t *testing.T) {
	relay := newFakeRelay(t)
	for i := 0; i < 10; i++ {
		relay.negItems = append(relay.negItems, SyncItem{
			ID:        fmt.Sprintf("%064x", i+1),
			CreatedAt: nostr.Timestamp(1000 + i),
		})
	}

	p := newTestPool(t, Options{})
	url := addAndConnect(t, p, relay)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var snapshots []SyncProgress
	res, err := p.Sync(ctx, url, nostr.Filter{}, nil, SyncOptions{
		DryRun:   true,
		Progress: func(pr SyncProgress) { snapshots = append(snapshots, pr) },
	})
	require.NoError(t, err)

	require.NotEmpty(t, snapshots)
	last := snapshots[len(snapshots)-1]
	assert.Equal(t, url, last.Relay)
	assert.Equal(t, res.Rounds, last.Rounds)
	assert.Equal(t, len(res.Need), last.Need)
	assert.Equal(t, len(res.Have), last.Have)
	for i := 1; i < len(snapshots); i++ {
		assert.Greater(t, snapshots[i].Rounds, snapshots[i-1].Rounds)
	}
}

func TestPoolSyncDownFetchesMissingEvents(t *testing.T) {
	relay := newFakeRelay(t)
	for i := 0; i < 5; i++ {
		evt := syntheticEvent(i, nostr.Timestamp(1000+i))
		relay.store(evt)
		relay.negItems = append(relay.negItems, SyncItem{ID: evt.ID, CreatedAt: evt.CreatedAt})
	}

	p := newTestPool(t, Options{})
	url := addAndConnect(t, p, relay)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := p.Sync(ctx, url, nostr.Filter{}, nil, SyncOptions{Direction: SyncDown})
	require.NoError(t, err)

	assert.Len(t, res.Need, 5)
	assert.Len(t, res.Fetched, 5)
	assert.Empty(t, res.Have)
}

func TestPoolSyncUpPublishesLocalEvents(t *testing.T) {
	relay := newFakeRelay(t)

	source := newMemorySource()
	var local []SyncItem
	for i := 0; i < 3; i++ {
		evt := syntheticEvent(i, nostr.Timestamp(1000+i))
		source.add(evt)
		local = append(local, SyncItem{ID: evt.ID, CreatedAt: evt.CreatedAt})
	}

	p := newTestPool(t, Options{})
	url := addAndConnect(t, p, relay)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := p.Sync(ctx, url, nostr.Filter{}, local, SyncOptions{
		Direction: SyncUp,
		Source:    source,
	})
	require.NoError(t, err)

	assert.Len(t, res.Have, 3)
	assert.Equal(t, 3, res.Published)
	assert.Len(t, relay.storedSnapshot(), 3)
}

func TestPoolSyncUpRequiresSource(t *testing.T) {
	relay := newFakeRelay(t)
	p := newTestPool(t, Options{})
	url := addAndConnect(t, p, relay)

	_, err := p.Sync(context.Background(), url, nostr.Filter{}, nil, SyncOptions{Direction: SyncUp})
	assert.ErrorIs(t, err, ErrNoEventSource)
}

func TestPoolSyncUnsupportedRelay(t *testing.T) {
	relay := newFakeRelay(t)
	relay.negReject = "blocked: unsupported protocol"

	p := newTestPool(t, Options{})
	url := addAndConnect(t, p, relay)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := p.Sync(ctx, url, nostr.Filter{}, nil, SyncOptions{DryRun: true})
	assert.ErrorIs(t, err, ErrSyncUnsupported)
}

func TestPoolSyncRelayErrorWrapsProtocolError(t *testing.T) {
	relay := newFakeRelay(t)
	relay.negReject = "error: storage on fire"

	p := newTestPool(t, Options{})
	url := addAndConnect(t, p, relay)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := p.Sync(ctx, url, nostr.Filter{}, nil, SyncOptions{DryRun: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSyncProtocol)

	var syncErr *SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, "error: storage on fire", syncErr.Reason)
}

func TestPoolSyncUnknownRelay(t *testing.T) {
	p := newTestPool(t, Options{})
	_, err := p.Sync(context.Background(), "wss://nowhere.example.com", nostr.Filter{}, nil, SyncOptions{DryRun: true})
	assert.ErrorIs(t, err, ErrRelayNotFound)
}

func TestPoolShutdownRejectsFurtherWork(t *testing.T) {
	relay := newFakeRelay(t)
	p := newTestPool(t, Options{})
	addAndConnect(t, p, relay)

	p.Shutdown()
	p.Shutdown() // idempotent

	assert.ErrorIs(t, p.AddRelay(relay.url(), DefaultRelayOptions()), ErrPoolShutdown)
	_, err := p.Subscribe([]nostr.Filter{{}}, nil, SubscribeOptions{})
	assert.ErrorIs(t, err, ErrPoolShutdown)
	_, err = p.Publish(context.Background(), signedTestEvent(t, "x"), nil)
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestPoolShutdownClosesNotificationStream(t *testing.T) {
	p := newTestPool(t, Options{})
	sub := p.Notifications()
	p.Shutdown()

	select {
	case _, ok := <-sub.C():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("notification channel not closed")
	}
}

// memorySource is an EventSource backed by a map, for sync-up tests.
type memorySource struct {
	mu     sync.Mutex
	events map[string]*nostr.Event
}

func newMemorySource() *memorySource {
	return &memorySource{events: make(map[string]*nostr.Event)}
}

func (s *memorySource) add(evt *nostr.Event) {
	s.mu.Lock()
	s.events[evt.ID] = evt
	s.mu.Unlock()
}

func (s *memorySource) EventByID(_ context.Context, id string) (*nostr.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evt, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("event %s not found", id)
	}
	return evt, nil
}
