// Package negentropy implements the NIP-77 set-reconciliation protocol: a
// recursive fingerprint/id-list exchange that computes the symmetric
// difference of two (created_at, id) ordered sets with sublinear transfer.
package negentropy

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrProtocol marks a malformed or out-of-spec message from the peer.
	ErrProtocol = errors.New("negentropy protocol error")
	// ErrNotSealed is returned when a session is built over unsealed storage.
	ErrNotSealed = errors.New("negentropy storage not sealed")
)

const (
	// DefaultBuckets is the per-round subdivision factor of a mismatching
	// range. Ranges holding fewer than 2x this many items are sent as
	// explicit id lists instead.
	DefaultBuckets = 16

	// DefaultFrameSizeLimit caps a single message; overflow is coalesced
	// into one trailing fingerprint range and deferred to the next round.
	DefaultFrameSizeLimit = 60_000

	// frameSizeSlack keeps room for the deferred trailing range when the
	// limit is close.
	frameSizeSlack = 200
)

// Negentropy is one reconciliation session over a sealed Vector. A session
// is single-use and not safe for concurrent use; discard it when the
// exchange ends or aborts.
type Negentropy struct {
	storage        *Vector
	frameSizeLimit int
	buckets        int
	isInitiator    bool

	// per-message delta-encoding state
	lastTimestampIn  uint64
	lastTimestampOut uint64

	haveIDs []string
	needIDs []string
}

// New builds a session over sealed storage. frameSizeLimit <= 0 disables
// frame splitting; buckets <= 0 selects DefaultBuckets.
func New(storage *Vector, frameSizeLimit, buckets int) (*Negentropy, error) {
	if !storage.sealed {
		return nil, ErrNotSealed
	}
	if buckets <= 0 {
		buckets = DefaultBuckets
	}
	if frameSizeLimit > 0 && frameSizeLimit < 4096 {
		return nil, fmt.Errorf("frame size limit too small: %d", frameSizeLimit)
	}
	return &Negentropy{
		storage:        storage,
		frameSizeLimit: frameSizeLimit,
		buckets:        buckets,
	}, nil
}

// Initiate opens the session on the client side: one range spanning the
// whole set, represented by its fingerprint.
func (n *Negentropy) Initiate() ([]byte, error) {
	if n.isInitiator {
		return nil, fmt.Errorf("session already initiated")
	}
	n.isInitiator = true
	n.lastTimestampOut = 0

	out := []byte{protocolVersion}
	out = n.splitRange(out, 0, n.storage.Size(), infiniteBound())
	return out, nil
}

// Reconcile consumes one message from the peer and produces the reply. On
// the initiating side a nil reply means the session is complete and HaveIDs
// and NeedIDs hold the full diff.
func (n *Negentropy) Reconcile(query []byte) ([]byte, error) {
	n.lastTimestampIn = 0
	n.lastTimestampOut = 0

	r := newReader(query)
	version, err := r.readByte()
	if err != nil {
		return nil, err
	}
	if version != protocolVersion {
		return nil, fmt.Errorf("%w: unsupported version 0x%02x", ErrProtocol, version)
	}

	fullOutput := []byte{protocolVersion}
	prevIndex := 0
	prevBound := Bound{}
	skipping := false

	for r.remaining() > 0 {
		var o []byte

		// A skipped stretch is flushed lazily, directly before the
		// next range that carries content.
		flushSkip := func() {
			if skipping {
				skipping = false
				o = n.appendBound(o, prevBound)
				o = appendVarint(o, modeSkip)
			}
		}

		currBound, err := n.readBound(r)
		if err != nil {
			return nil, err
		}
		mode, err := r.readVarint()
		if err != nil {
			return nil, err
		}

		lower := prevIndex
		upper := n.storage.findLowerBound(prevIndex, n.storage.Size(), currBound)

		switch mode {
		case modeSkip:
			skipping = true

		case modeFingerprint:
			theirFP, err := r.readBytes(FingerprintSize)
			if err != nil {
				return nil, err
			}
			ourFP := n.storage.fingerprint(lower, upper)
			if bytes.Equal(theirFP, ourFP[:]) {
				skipping = true
			} else {
				flushSkip()
				o = n.splitRange(o, lower, upper, currBound)
			}

		case modeIDList:
			count, err := r.readVarint()
			if err != nil {
				return nil, err
			}
			theirs := make(map[[IDSize]byte]struct{}, count)
			for i := uint64(0); i < count; i++ {
				raw, err := r.readBytes(IDSize)
				if err != nil {
					return nil, err
				}
				var id [IDSize]byte
				copy(id[:], raw)
				theirs[id] = struct{}{}
			}

			if n.isInitiator {
				skipping = true
				for i := lower; i < upper; i++ {
					id := n.storage.items[i].ID
					if _, ok := theirs[id]; ok {
						delete(theirs, id)
					} else {
						n.haveIDs = append(n.haveIDs, hex.EncodeToString(id[:]))
					}
				}
				for id := range theirs {
					n.needIDs = append(n.needIDs, hex.EncodeToString(id[:]))
				}
			} else {
				flushSkip()
				o = n.appendBound(o, currBound)
				o = appendVarint(o, modeIDList)
				o = appendVarint(o, uint64(upper-lower))
				for i := lower; i < upper; i++ {
					o = append(o, n.storage.items[i].ID[:]...)
				}
			}

		default:
			return nil, fmt.Errorf("%w: unexpected range mode %d", ErrProtocol, mode)
		}

		if n.frameSizeLimit > 0 && len(fullOutput)+len(o) > n.frameSizeLimit-frameSizeSlack {
			// Frame full: the current range was not delivered, so
			// everything from its start onward is folded into a
			// single fingerprint range the peer revisits next round.
			remaining := n.storage.fingerprint(lower, n.storage.Size())
			fullOutput = n.appendBound(fullOutput, infiniteBound())
			fullOutput = appendVarint(fullOutput, modeFingerprint)
			fullOutput = append(fullOutput, remaining[:]...)
			return fullOutput, nil
		}

		fullOutput = append(fullOutput, o...)
		prevIndex = upper
		prevBound = currBound
	}

	if n.isInitiator && len(fullOutput) == 1 {
		return nil, nil // every range resolved, diff is complete
	}
	return fullOutput, nil
}

// HaveIDs returns the ids held locally that the peer lacks. Valid once
// Reconcile has returned nil on the initiating side.
func (n *Negentropy) HaveIDs() []string { return n.haveIDs }

// NeedIDs returns the ids held by the peer that are missing locally.
func (n *Negentropy) NeedIDs() []string { return n.needIDs }

// splitRange encodes the items of [lower, upper) ending at upperBound: small
// ranges become explicit id lists, larger ones are cut into fingerprinted
// sub-buckets the peer can recurse into.
func (n *Negentropy) splitRange(out []byte, lower, upper int, upperBound Bound) []byte {
	numElems := upper - lower

	if numElems < n.buckets*2 {
		out = n.appendBound(out, upperBound)
		out = appendVarint(out, modeIDList)
		out = appendVarint(out, uint64(numElems))
		for i := lower; i < upper; i++ {
			out = append(out, n.storage.items[i].ID[:]...)
		}
		return out
	}

	itemsPerBucket := numElems / n.buckets
	bucketsWithExtra := numElems % n.buckets
	curr := lower

	for i := 0; i < n.buckets; i++ {
		bucketSize := itemsPerBucket
		if i < bucketsWithExtra {
			bucketSize++
		}
		fp := n.storage.fingerprint(curr, curr+bucketSize)
		curr += bucketSize

		var nextBound Bound
		if curr == upper {
			nextBound = upperBound
		} else {
			nextBound = minimalBound(n.storage.items[curr-1], n.storage.items[curr])
		}

		out = n.appendBound(out, nextBound)
		out = appendVarint(out, modeFingerprint)
		out = append(out, fp[:]...)
	}
	return out
}

func (n *Negentropy) appendBound(out []byte, b Bound) []byte {
	out = n.appendTimestamp(out, b.Timestamp)
	out = appendVarint(out, uint64(len(b.IDPrefix)))
	return append(out, b.IDPrefix...)
}

func (n *Negentropy) readBound(r *reader) (Bound, error) {
	t, err := n.readTimestamp(r)
	if err != nil {
		return Bound{}, err
	}
	plen, err := r.readVarint()
	if err != nil {
		return Bound{}, err
	}
	if plen > IDSize {
		return Bound{}, fmt.Errorf("%w: bound prefix longer than id", ErrProtocol)
	}
	prefix, err := r.readBytes(int(plen))
	if err != nil {
		return Bound{}, err
	}
	b := Bound{Timestamp: t}
	if plen > 0 {
		b.IDPrefix = append([]byte(nil), prefix...)
	}
	return b, nil
}

// Timestamps are delta-encoded within a message; the encoded value 0 is
// reserved for infinity and real values are shifted up by one.
func (n *Negentropy) appendTimestamp(out []byte, t uint64) []byte {
	if t == maxTimestamp {
		n.lastTimestampOut = maxTimestamp
		return appendVarint(out, 0)
	}
	delta := t - n.lastTimestampOut
	n.lastTimestampOut = t
	return appendVarint(out, delta+1)
}

func (n *Negentropy) readTimestamp(r *reader) (uint64, error) {
	v, err := r.readVarint()
	if err != nil {
		return 0, err
	}
	if v == 0 {
		n.lastTimestampIn = maxTimestamp
		return maxTimestamp, nil
	}
	t := v - 1 + n.lastTimestampIn
	if t < n.lastTimestampIn { // overflow clamps to infinity
		t = maxTimestamp
	}
	n.lastTimestampIn = t
	return t, nil
}
