package ring

import (
	"testing"

	bxcan "github.com/samsamfire/gobxcan"
	"github.com/stretchr/testify/assert"
)

func entry(id uint32) Entry {
	return Entry{Frame: bxcan.NewFrame(id)}
}

func TestPushPopOrder(t *testing.T) {
	r := New(3)
	assert.Equal(t, 3, r.Cap())
	assert.Equal(t, 0, r.Len())

	assert.True(t, r.Push(entry(1)))
	assert.True(t, r.Push(entry(2)))
	assert.True(t, r.Push(entry(3)))
	assert.True(t, r.Full())
	assert.False(t, r.Push(entry(4)))

	for want := uint32(1); want <= 3; want++ {
		e, ok := r.Pop()
		assert.True(t, ok)
		assert.Equal(t, want, e.Frame.ID)
	}
	_, ok := r.Pop()
	assert.False(t, ok)
}

func TestPushEvictDropsOldest(t *testing.T) {
	r := New(3)
	for id := uint32(1); id <= 3; id++ {
		r.Push(entry(id))
	}
	dropped, evicted := r.PushEvict(entry(4))
	assert.True(t, evicted)
	assert.Equal(t, uint32(1), dropped.Frame.ID)
	assert.Equal(t, 3, r.Len())

	// Survivors come out in arrival order
	for want := uint32(2); want <= 4; want++ {
		e, _ := r.Pop()
		assert.Equal(t, want, e.Frame.ID)
	}
}

func TestPushEvictWithRoom(t *testing.T) {
	r := New(3)
	_, evicted := r.PushEvict(entry(1))
	assert.False(t, evicted)
	assert.Equal(t, 1, r.Len())
}

func TestPeek(t *testing.T) {
	r := New(2)
	_, ok := r.Peek()
	assert.False(t, ok)

	r.Push(entry(7))
	e, ok := r.Peek()
	assert.True(t, ok)
	assert.Equal(t, uint32(7), e.Frame.ID)
	assert.Equal(t, 1, r.Len())
}

func TestWrapAround(t *testing.T) {
	r := New(2)
	for i := uint32(0); i < 10; i++ {
		assert.True(t, r.Push(entry(i)))
		e, ok := r.Pop()
		assert.True(t, ok)
		assert.Equal(t, i, e.Frame.ID)
	}
}

func TestReset(t *testing.T) {
	r := New(2)
	r.Push(entry(1))
	r.Reset()
	assert.Equal(t, 0, r.Len())
	_, ok := r.Pop()
	assert.False(t, ok)
}
