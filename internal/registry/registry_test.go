package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddFindRemove(t *testing.T) {
	r := New()
	assert.True(t, r.Empty())

	r.Add(100, 7)
	r.Add(200, 8)
	assert.Equal(t, 2, r.Count())

	key, ok := r.Find(100)
	assert.True(t, ok)
	assert.Equal(t, int32(7), key)

	_, ok = r.Find(300)
	assert.False(t, ok)

	assert.True(t, r.Remove(100))
	assert.False(t, r.Remove(100), "second remove of same pid reports not found")
	assert.Equal(t, 1, r.Count())
}

func TestPidsSnapshot(t *testing.T) {
	r := New()
	r.Add(1, 0)
	r.Add(2, 0)
	r.Add(3, 0)

	pids := r.Pids()
	assert.Len(t, pids, 3)
	assert.ElementsMatch(t, []int{1, 2, 3}, pids)
}

func TestSlotPriorityOrder(t *testing.T) {
	var s Slots
	s.Set(SlotStartup, 50)
	s.Set(SlotBgWriter, 51)
	s.Set(SlotLogger, 52)

	slot, ok := s.MatchOrdered(51)
	assert.True(t, ok)
	assert.Equal(t, SlotBgWriter, slot)

	_, ok = s.MatchOrdered(999)
	assert.False(t, ok)

	// The same pid registered in two slots must resolve to the
	// higher-priority one; reordering would mask a double registration.
	s.Set(SlotStats, 52)
	slot, ok = s.MatchOrdered(52)
	assert.True(t, ok)
	assert.Equal(t, SlotStats, slot)
}

func TestSlotLifecycle(t *testing.T) {
	var s Slots
	assert.False(t, s.Running(SlotArchiver))
	s.Set(SlotArchiver, 77)
	assert.True(t, s.Running(SlotArchiver))
	s.Clear(SlotArchiver)
	assert.False(t, s.Running(SlotArchiver))
	assert.Equal(t, 0, s.Get(SlotArchiver))
}
