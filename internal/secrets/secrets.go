// Package secrets holds the supervisor's private random stream. Cancel
// keys and authentication salts are minted here, before any child is
// created, so the sequence advances identically regardless of spawn
// timing and children never observe the generator state.
package secrets

import (
	"math/rand"
	"sync"
	"time"
)

// Source is a lazily-seeded random stream. The seed is derived from
// timing jitter between two clock readings: the moment the supervisor
// started waiting and the moment the first connection arrived.
type Source struct {
	mu     sync.Mutex
	rng    *rand.Rand
	seed   int64
	seeded bool

	earlier time.Time
}

// New records the "earlier" clock reading. Call it once at supervisor
// startup, before the first accept.
func New() *Source {
	return &Source{earlier: time.Now()}
}

// SeedFromJitter derives the seed at the time of first receiving a
// request. The microsecond fields of the two readings are combined with
// a nibble swap and XOR; on the off chance the result is zero, it
// re-reads the clock until it isn't.
func (s *Source) SeedFromJitter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seeded {
		return
	}
	earlierUsec := int64(s.earlier.UnixMicro() & 0xffffffff)
	for s.seed == 0 {
		laterUsec := int64(time.Now().UnixMicro() & 0xffffffff)
		s.seed = earlierUsec ^
			((laterUsec << 16) | ((laterUsec >> 16) & 0xffff))
	}
	s.rng = rand.New(rand.NewSource(s.seed))
	s.seeded = true
}

// Seeded reports whether the stream has been initialized.
func (s *Source) Seeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seeded
}

// next returns the next raw value, seeding first if nobody has yet.
func (s *Source) next() int64 {
	s.mu.Lock()
	if !s.seeded {
		s.mu.Unlock()
		s.SeedFromJitter()
		s.mu.Lock()
	}
	v := s.rng.Int63()
	s.mu.Unlock()
	return v
}

// CancelKey mints the 32-bit shared secret paired with a worker pid.
func (s *Source) CancelKey() int32 {
	return int32(s.next())
}

// Salts carries the per-connection authentication salts handed to a
// worker at spawn time.
type Salts struct {
	Crypt [2]byte
	MD5   [4]byte
}

// RandomSalts draws fresh salts from the stream. The crypt salt uses the
// 62-way character alphabet; MD5 salt bytes avoid zero so the values
// stay usable as C strings on the other side of a state transfer.
func (s *Source) RandomSalts() Salts {
	var out Salts

	v := s.next()
	out.Crypt[0] = charRemap(v % 62)
	out.Crypt[1] = charRemap(v / 62)

	// Reusing part of the first value for one MD5 byte is fine: only
	// one of the two salts is ever sent to a given client.
	out.MD5[0] = byte(v%255) + 1
	out.MD5[1] = byte(s.next()%255) + 1
	out.MD5[2] = byte(s.next()%255) + 1
	out.MD5[3] = byte(s.next()%255) + 1
	return out
}

// charRemap encodes an int in range 0..61 per crypt(3) conventions.
func charRemap(ch int64) byte {
	if ch < 0 {
		ch = -ch
	}
	ch = ch % 62

	if ch < 26 {
		return byte('A' + ch)
	}
	ch -= 26
	if ch < 26 {
		return byte('a' + ch)
	}
	ch -= 26
	return byte('0' + ch)
}
