package pgwire

import (
	"bytes"
	"encoding/binary"
)

// packetReader is a bounds-checked cursor over a received packet body.
// Every read either succeeds completely or reports a typed protocol
// error; the cursor never indexes past the buffer.
type packetReader struct {
	buf []byte
	off int
}

func newPacketReader(buf []byte) *packetReader {
	return &packetReader{buf: buf}
}

// remaining reports how many unread bytes are left.
func (r *packetReader) remaining() int { return len(r.buf) - r.off }

// uint32be reads a big-endian 32-bit value.
func (r *packetReader) uint32be() (uint32, error) {
	if r.remaining() < 4 {
		return 0, protoViolation("packet too short for 32-bit field")
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

// cstring reads a NUL-terminated string and leaves the cursor after the
// terminator.
func (r *packetReader) cstring() (string, error) {
	idx := bytes.IndexByte(r.buf[r.off:], 0)
	if idx < 0 {
		return "", protoViolation("unterminated string in packet")
	}
	s := string(r.buf[r.off : r.off+idx])
	r.off += idx + 1
	return s, nil
}

// fixedString reads an n-byte null-padded field and returns the bytes
// before the first NUL.
func (r *packetReader) fixedString(n int) (string, error) {
	if r.remaining() < n {
		return "", protoViolation("packet too short for fixed-width field")
	}
	field := r.buf[r.off : r.off+n]
	r.off += n
	if idx := bytes.IndexByte(field, 0); idx >= 0 {
		field = field[:idx]
	}
	return string(field), nil
}
