package pool

import (
	"sync"

	nostr "github.com/nbd-wtf/go-nostr"
)

// Notification is the closed set of events the pool surfaces to consumers.
type Notification interface {
	notificationKind() string
}

// EventNotification delivers one deduplicated event from one relay.
type EventNotification struct {
	Relay          string
	SubscriptionID string
	Event          *nostr.Event
}

// RelayStatusNotification reports a connection state transition.
type RelayStatusNotification struct {
	Relay  string
	Status ConnectionState
}

// AuthenticatedNotification reports a successful NIP-42 handshake.
type AuthenticatedNotification struct {
	Relay string
}

// AuthFailedNotification reports a rejected NIP-42 handshake. The connection
// stays usable for whatever the relay permits unauthenticated.
type AuthFailedNotification struct {
	Relay  string
	Reason string
}

// NoticeNotification relays a human-readable NOTICE frame.
type NoticeNotification struct {
	Relay   string
	Message string
}

// MissedNotification reports how many notifications were dropped for this
// consumer because its buffer overflowed.
type MissedNotification struct {
	Count uint64
}

func (EventNotification) notificationKind() string         { return "event" }
func (RelayStatusNotification) notificationKind() string   { return "relay_status" }
func (AuthenticatedNotification) notificationKind() string { return "authenticated" }
func (AuthFailedNotification) notificationKind() string    { return "auth_failed" }
func (NoticeNotification) notificationKind() string        { return "notice" }
func (MissedNotification) notificationKind() string        { return "missed" }

// Subscriber is one independent consumer of the pool's notification stream.
// Each subscriber owns a bounded buffer; when it overflows the oldest
// entries are dropped and surfaced later as a single MissedNotification, so
// a slow consumer never stalls the pool or its peers.
type Subscriber struct {
	mu     sync.Mutex
	queue  []Notification
	missed uint64
	wake   chan struct{}
	out    chan Notification
	done   chan struct{}
	limit  int
	once   sync.Once
}

// C is the consumer-facing channel. It is closed when the subscriber is
// closed or the pool shuts down.
func (s *Subscriber) C() <-chan Notification { return s.out }

// Close detaches the subscriber from the pool.
func (s *Subscriber) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscriber) push(n Notification) {
	s.mu.Lock()
	if len(s.queue) >= s.limit {
		s.queue = s.queue[1:]
		s.missed++
	}
	s.queue = append(s.queue, n)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves queued notifications to the consumer channel, emitting a
// MissedNotification ahead of newer entries whenever drops happened.
func (s *Subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var next Notification
		if s.missed > 0 {
			next = MissedNotification{Count: s.missed}
			s.missed = 0
		} else if len(s.queue) > 0 {
			next = s.queue[0]
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}

// notifier fans notifications out to every live subscriber.
type notifier struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscriber
	nextID uint64
	limit  int
}

func newNotifier(bufferSize int) *notifier {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &notifier{
		subs:  make(map[uint64]*Subscriber),
		limit: bufferSize,
	}
}

func (n *notifier) subscribe() *Subscriber {
	s := &Subscriber{
		wake:  make(chan struct{}, 1),
		out:   make(chan Notification),
		done:  make(chan struct{}),
		limit: n.limit,
	}

	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = s
	n.mu.Unlock()

	go func() {
		s.pump()
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}()
	return s
}

func (n *notifier) publish(note Notification) {
	n.mu.Lock()
	subs := make([]*Subscriber, 0, len(n.subs))
	for _, s := range n.subs {
		subs = append(subs, s)
	}
	n.mu.Unlock()

	for _, s := range subs {
		s.push(note)
	}
}

func (n *notifier) closeAll() {
	n.mu.Lock()
	subs := make([]*Subscriber, 0, len(n.subs))
	for _, s := range n.subs {
		subs = append(subs, s)
	}
	n.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}
