package pool

import (
	"sync"

	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// SubscriptionStatus tracks the lifecycle of a standing query.
type SubscriptionStatus int

const (
	// SubscriptionPending means the subscription exists but no REQ has
	// reached a relay yet.
	SubscriptionPending SubscriptionStatus = iota
	// SubscriptionActive means at least one member relay holds the REQ.
	SubscriptionActive
	// SubscriptionClosed means the subscription was retired.
	SubscriptionClosed
)

// frameSender delivers an outbound frame to one relay's connection. The pool
// implements it; tests substitute a recorder.
type frameSender interface {
	sendFrame(relayURL string, frame []byte) error
}

type subscription struct {
	id          string
	filters     []nostr.Filter
	relays      map[string]struct{} // member set
	eose        map[string]struct{} // members that signaled EOSE
	closeOnEOSE bool
	status      SubscriptionStatus
}

// SubscriptionRegistry tracks standing queries and their relay memberships
// and multiplexes inbound EVENT/EOSE/CLOSED traffic back to them.
type SubscriptionRegistry struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	sender frameSender
	log    *zap.Logger
}

func newSubscriptionRegistry(sender frameSender, log *zap.Logger) *SubscriptionRegistry {
	return &SubscriptionRegistry{
		subs:   make(map[string]*subscription),
		sender: sender,
		log:    log,
	}
}

// Subscribe records the membership under the caller-allocated id and issues
// a REQ to every target relay. Relays that fail the send stay members: the
// REQ is re-issued when their connection recovers.
func (r *SubscriptionRegistry) Subscribe(id string, filters []nostr.Filter, relays []string, opts SubscribeOptions) error {
	if len(relays) == 0 {
		return ErrNoRelays
	}
	frame, err := reqFrameFor(filters)
	if err != nil {
		return err
	}

	sub := &subscription{
		id:          id,
		filters:     filters,
		relays:      make(map[string]struct{}, len(relays)),
		eose:        make(map[string]struct{}),
		closeOnEOSE: opts.CloseOnEOSE,
		status:      SubscriptionPending,
	}
	for _, relay := range relays {
		sub.relays[relay] = struct{}{}
	}

	r.mu.Lock()
	r.subs[sub.id] = sub
	r.mu.Unlock()

	for _, relay := range relays {
		if err := r.sender.sendFrame(relay, frame(sub.id)); err != nil {
			r.log.Debug("REQ not delivered, will retry on reconnect",
				zap.String("sub_id", sub.id),
				zap.String("relay", relay),
				zap.Error(err))
			continue
		}
		r.setActive(sub.id)
	}
	return nil
}

// reqFrameFor pre-marshals the filters once; only the sub id varies per
// relay re-issue.
func reqFrameFor(filters []nostr.Filter) (func(subID string) []byte, error) {
	// Probe for marshal errors eagerly so Subscribe can fail fast.
	if _, err := reqFrame("probe", filters); err != nil {
		return nil, err
	}
	return func(subID string) []byte {
		frame, _ := reqFrame(subID, filters)
		return frame
	}, nil
}

func (r *SubscriptionRegistry) setActive(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[id]; ok && sub.status == SubscriptionPending {
		sub.status = SubscriptionActive
	}
}

// Unsubscribe issues CLOSE to every member and retires the subscription.
// Unknown ids are a no-op: races with auto-close are expected. The return
// value reports whether the subscription existed.
func (r *SubscriptionRegistry) Unsubscribe(id string) bool {
	r.mu.Lock()
	sub, ok := r.subs[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.subs, id)
	sub.status = SubscriptionClosed
	members := memberList(sub)
	r.mu.Unlock()

	r.sendCloseAll(id, members)
	return true
}

func (r *SubscriptionRegistry) sendCloseAll(id string, members []string) {
	frame, err := closeFrame(id)
	if err != nil {
		return
	}
	for _, relay := range members {
		if err := r.sender.sendFrame(relay, frame); err != nil {
			r.log.Debug("CLOSE not delivered",
				zap.String("sub_id", id),
				zap.String("relay", relay),
				zap.Error(err))
		}
	}
}

// OnEvent validates that the reporting relay is a recorded member. Only then
// is the event forwarded.
func (r *SubscriptionRegistry) OnEvent(relay, subID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[subID]
	if !ok {
		return false
	}
	_, member := sub.relays[relay]
	return member
}

// OnEOSE records the relay's end-of-stored-events signal. When every member
// has signaled and the auto-close flag is set, the subscription is retired
// and the retirement is reported to the caller.
func (r *SubscriptionRegistry) OnEOSE(relay, subID string) (member, retired bool) {
	r.mu.Lock()
	sub, ok := r.subs[subID]
	if !ok {
		r.mu.Unlock()
		return false, false
	}
	if _, member = sub.relays[relay]; !member {
		r.mu.Unlock()
		return false, false
	}
	sub.eose[relay] = struct{}{}

	if drained(sub) {
		members := r.retireLocked(sub)
		r.mu.Unlock()
		r.sendCloseAll(subID, members)
		return true, true
	}
	r.mu.Unlock()
	return true, false
}

// drained reports whether an auto-close subscription has nothing left to
// wait for: every remaining member has signaled EOSE, which includes the
// member set emptying out entirely.
func drained(sub *subscription) bool {
	return sub.closeOnEOSE && len(sub.eose) >= len(sub.relays)
}

// retireLocked removes the subscription from the registry and returns the
// members still owed a CLOSE. Caller holds r.mu.
func (r *SubscriptionRegistry) retireLocked(sub *subscription) []string {
	delete(r.subs, sub.id)
	sub.status = SubscriptionClosed
	return memberList(sub)
}

// OnClosed records that a relay unilaterally closed the subscription. The
// relay is dropped from the member set; the subscription itself survives on
// its remaining members unless the drop completes an auto-close that was
// only waiting on this relay's EOSE.
func (r *SubscriptionRegistry) OnClosed(relay, subID, reason string) (member, retired bool) {
	r.mu.Lock()
	sub, ok := r.subs[subID]
	if !ok {
		r.mu.Unlock()
		return false, false
	}
	if _, member = sub.relays[relay]; !member {
		r.mu.Unlock()
		return false, false
	}
	delete(sub.relays, relay)
	delete(sub.eose, relay)
	r.log.Debug("relay closed subscription",
		zap.String("sub_id", subID),
		zap.String("relay", relay),
		zap.String("reason", reason))
	if drained(sub) {
		members := r.retireLocked(sub)
		r.mu.Unlock()
		r.sendCloseAll(subID, members)
		return true, true
	}
	r.mu.Unlock()
	return true, false
}

// AddRelay joins a relay to an active subscription and issues the REQ to it.
func (r *SubscriptionRegistry) AddRelay(subID, relay string) error {
	r.mu.Lock()
	sub, ok := r.subs[subID]
	if !ok {
		r.mu.Unlock()
		return ErrSubscriptionNotFound
	}
	if _, member := sub.relays[relay]; member {
		r.mu.Unlock()
		return nil
	}
	sub.relays[relay] = struct{}{}
	filters := sub.filters
	r.mu.Unlock()

	frame, err := reqFrame(subID, filters)
	if err != nil {
		return err
	}
	return r.sender.sendFrame(relay, frame)
}

// RemoveRelay drops a relay from a subscription and issues CLOSE to it.
// Events already delivered from that relay are not retracted. The first
// return value reports whether the removal retired an auto-close
// subscription that was only waiting on this relay.
func (r *SubscriptionRegistry) RemoveRelay(subID, relay string) (retired bool, err error) {
	r.mu.Lock()
	sub, ok := r.subs[subID]
	if !ok {
		r.mu.Unlock()
		return false, ErrSubscriptionNotFound
	}
	if _, member := sub.relays[relay]; !member {
		r.mu.Unlock()
		return false, nil
	}
	delete(sub.relays, relay)
	delete(sub.eose, relay)
	targets := []string{relay}
	if drained(sub) {
		targets = append(targets, r.retireLocked(sub)...)
		retired = true
	}
	r.mu.Unlock()

	r.sendCloseAll(subID, targets)
	return retired, nil
}

// ResubscribeRelay re-issues the REQ of every subscription the relay is a
// member of, called when its connection recovers.
func (r *SubscriptionRegistry) ResubscribeRelay(relay string) {
	r.mu.RLock()
	type pending struct {
		id      string
		filters []nostr.Filter
	}
	var work []pending
	for id, sub := range r.subs {
		if _, member := sub.relays[relay]; member {
			work = append(work, pending{id: id, filters: sub.filters})
		}
	}
	r.mu.RUnlock()

	for _, p := range work {
		frame, err := reqFrame(p.id, p.filters)
		if err != nil {
			continue
		}
		if err := r.sender.sendFrame(relay, frame); err == nil {
			r.setActive(p.id)
		}
	}
}

// DropRelay removes a relay from every subscription without issuing CLOSE
// to it, used when the relay leaves the pool entirely. Auto-close
// subscriptions left with nothing to wait for are retired and their ids
// returned, so the pool can release anything parked on them.
func (r *SubscriptionRegistry) DropRelay(relay string) (retired []string) {
	type retirement struct {
		id      string
		members []string
	}
	var done []retirement

	r.mu.Lock()
	for id, sub := range r.subs {
		if _, member := sub.relays[relay]; !member {
			continue
		}
		delete(sub.relays, relay)
		delete(sub.eose, relay)
		if drained(sub) {
			done = append(done, retirement{id: id, members: r.retireLocked(sub)})
			retired = append(retired, id)
		}
	}
	r.mu.Unlock()

	for _, ret := range done {
		r.sendCloseAll(ret.id, ret.members)
	}
	return retired
}

// Status reports a subscription's lifecycle state.
func (r *SubscriptionRegistry) Status(id string) (SubscriptionStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	if !ok {
		return SubscriptionClosed, false
	}
	return sub.status, true
}

// Members returns a copy of a subscription's member relay set.
func (r *SubscriptionRegistry) Members(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil
	}
	return memberList(sub)
}

func memberList(sub *subscription) []string {
	members := make([]string, 0, len(sub.relays))
	for relay := range sub.relays {
		members = append(members, relay)
	}
	return members
}
