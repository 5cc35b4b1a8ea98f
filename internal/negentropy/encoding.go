package negentropy

import (
	"fmt"
)

// protocolVersion is the negentropy protocol version byte (0x60 | 1).
const protocolVersion byte = 0x61

// Range modes on the wire.
const (
	modeSkip        uint64 = 0
	modeFingerprint uint64 = 1
	modeIDList      uint64 = 2
)

// reader consumes a received message front to back.
type reader struct {
	buf []byte
	pos int
}

func newReader(b []byte) *reader {
	return &reader{buf: b}
}

func (r *reader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *reader) readByte() (byte, error) {
	if r.remaining() < 1 {
		return 0, fmt.Errorf("%w: unexpected end of message", ErrProtocol)
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) readBytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, fmt.Errorf("%w: unexpected end of message", ErrProtocol)
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

// readVarint decodes a big-endian base-128 varint: 7 bits per byte, high bit
// set on every byte except the last.
func (r *reader) readVarint() (uint64, error) {
	var n uint64
	for i := 0; ; i++ {
		if i > 9 {
			return 0, fmt.Errorf("%w: varint too long", ErrProtocol)
		}
		b, err := r.readByte()
		if err != nil {
			return 0, err
		}
		n = (n << 7) | uint64(b&0x7f)
		if b&0x80 == 0 {
			return n, nil
		}
	}
}

// appendVarint encodes n as a big-endian base-128 varint.
func appendVarint(out []byte, n uint64) []byte {
	if n == 0 {
		return append(out, 0)
	}
	var tmp [10]byte
	i := len(tmp)
	for n > 0 {
		i--
		tmp[i] = byte(n & 0x7f)
		n >>= 7
	}
	for j := i; j < len(tmp)-1; j++ {
		tmp[j] |= 0x80
	}
	return append(out, tmp[i:]...)
}
