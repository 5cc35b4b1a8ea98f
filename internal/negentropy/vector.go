package negentropy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"

	nostr "github.com/nbd-wtf/go-nostr"
)

const (
	// IDSize is the byte length of a Nostr event id.
	IDSize = 32
	// FingerprintSize is the byte length of a range fingerprint.
	FingerprintSize = 16

	// maxTimestamp is the reserved "infinity" timestamp used by the final
	// range bound of every message.
	maxTimestamp = math.MaxUint64
)

// Item is one (created_at, id) element of the ordered set being reconciled.
type Item struct {
	Timestamp uint64
	ID        [IDSize]byte
}

func itemCompare(a, b Item) int {
	if a.Timestamp != b.Timestamp {
		if a.Timestamp < b.Timestamp {
			return -1
		}
		return 1
	}
	return bytes.Compare(a.ID[:], b.ID[:])
}

// Bound delimits the upper edge of a range: a timestamp plus an id prefix.
// A zero-length prefix sorts before every id with the same timestamp.
type Bound struct {
	Timestamp uint64
	IDPrefix  []byte
}

func infiniteBound() Bound {
	return Bound{Timestamp: maxTimestamp}
}

// itemBeforeBound reports whether it sorts strictly before b.
func itemBeforeBound(it Item, b Bound) bool {
	if it.Timestamp != b.Timestamp {
		return it.Timestamp < b.Timestamp
	}
	padded := make([]byte, IDSize)
	copy(padded, b.IDPrefix)
	return bytes.Compare(it.ID[:], padded) < 0
}

// Vector is an in-memory ordered storage of items. Insert everything first,
// then Seal before handing it to a session.
type Vector struct {
	items  []Item
	sealed bool
}

func NewVector() *Vector {
	return &Vector{}
}

// Insert adds one event fingerprint. The id must be 64 hex characters.
func (v *Vector) Insert(createdAt nostr.Timestamp, id string) error {
	if v.sealed {
		return fmt.Errorf("vector already sealed")
	}
	raw, err := hex.DecodeString(id)
	if err != nil || len(raw) != IDSize {
		return fmt.Errorf("%w: invalid item id %q", ErrProtocol, id)
	}
	it := Item{Timestamp: uint64(createdAt)}
	copy(it.ID[:], raw)
	v.items = append(v.items, it)
	return nil
}

// Seal sorts the items and rejects duplicates. After Seal the vector is
// read-only.
func (v *Vector) Seal() error {
	if v.sealed {
		return fmt.Errorf("vector already sealed")
	}
	sort.Slice(v.items, func(i, j int) bool {
		return itemCompare(v.items[i], v.items[j]) < 0
	})
	for i := 1; i < len(v.items); i++ {
		if itemCompare(v.items[i-1], v.items[i]) == 0 {
			return fmt.Errorf("duplicate item in vector")
		}
	}
	v.sealed = true
	return nil
}

func (v *Vector) Size() int {
	return len(v.items)
}

// findLowerBound returns the index of the first item in [from, to) that does
// not sort before b, or to if none does.
func (v *Vector) findLowerBound(from, to int, b Bound) int {
	return from + sort.Search(to-from, func(i int) bool {
		return !itemBeforeBound(v.items[from+i], b)
	})
}

// fingerprint hashes the items in [begin, end): the ids are summed as
// little-endian 256-bit integers, the element count is appended as a varint,
// and the first 16 bytes of the SHA-256 digest are taken.
func (v *Vector) fingerprint(begin, end int) [FingerprintSize]byte {
	var acc [IDSize]byte
	for i := begin; i < end; i++ {
		var carry uint16
		for j := 0; j < IDSize; j++ {
			carry += uint16(acc[j]) + uint16(v.items[i].ID[j])
			acc[j] = byte(carry)
			carry >>= 8
		}
	}
	input := make([]byte, 0, IDSize+10)
	input = append(input, acc[:]...)
	input = appendVarint(input, uint64(end-begin))
	sum := sha256.Sum256(input)

	var fp [FingerprintSize]byte
	copy(fp[:], sum[:FingerprintSize])
	return fp
}

// minimalBound computes the shortest bound that separates prev from curr,
// keeping range encodings compact.
func minimalBound(prev, curr Item) Bound {
	if curr.Timestamp != prev.Timestamp {
		return Bound{Timestamp: curr.Timestamp}
	}
	shared := 0
	for shared < IDSize && prev.ID[shared] == curr.ID[shared] {
		shared++
	}
	prefix := make([]byte, shared+1)
	copy(prefix, curr.ID[:shared+1])
	return Bound{Timestamp: curr.Timestamp, IDPrefix: prefix}
}
