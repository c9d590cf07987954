package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeedOnceOnly(t *testing.T) {
	s := New()
	assert.False(t, s.Seeded())

	s.SeedFromJitter()
	assert.True(t, s.Seeded())
	first := s.CancelKey()

	// A second explicit seed must not restart the stream.
	s.SeedFromJitter()
	second := s.CancelKey()
	if first == second {
		// Colliding consecutive draws would mean the stream reset.
		third := s.CancelKey()
		assert.NotEqual(t, first, third, "stream appears to repeat after reseed")
	}
}

func TestLazySeedOnFirstUse(t *testing.T) {
	s := New()
	_ = s.CancelKey()
	assert.True(t, s.Seeded(), "first draw must seed the stream")
}

func TestSaltByteRanges(t *testing.T) {
	s := New()
	for i := 0; i < 200; i++ {
		salts := s.RandomSalts()
		for _, c := range salts.Crypt {
			ok := (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
			assert.True(t, ok, "crypt salt byte %q outside alphabet", c)
		}
		for _, b := range salts.MD5 {
			assert.NotZero(t, b, "MD5 salt bytes must avoid NUL")
		}
	}
}

func TestCharRemapAlphabet(t *testing.T) {
	assert.Equal(t, byte('A'), charRemap(0))
	assert.Equal(t, byte('Z'), charRemap(25))
	assert.Equal(t, byte('a'), charRemap(26))
	assert.Equal(t, byte('z'), charRemap(51))
	assert.Equal(t, byte('0'), charRemap(52))
	assert.Equal(t, byte('9'), charRemap(61))
	assert.Equal(t, byte('A'), charRemap(62))
	assert.Equal(t, charRemap(5), charRemap(-5))
}
