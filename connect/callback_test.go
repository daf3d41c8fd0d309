package connect

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func() int]()
	assert.Equal(t, callbacks.Len(), 0)

	id1 := callbacks.Add(func() int { return 1 })
	id2 := callbacks.Add(func() int { return 2 })
	callbacks.Add(func() int { return 3 })
	assert.NotEqual(t, id1, id2)

	values := func() []int {
		out := []int{}
		for _, callback := range callbacks.Get() {
			out = append(out, callback())
		}
		return out
	}
	assert.Equal(t, values(), []int{1, 2, 3})

	// a snapshot is not changed by later updates
	snapshot := callbacks.Get()
	callbacks.Remove(id2)
	assert.Equal(t, len(snapshot), 3)
	assert.Equal(t, values(), []int{1, 3})

	// not present
	callbacks.Remove(id2)
	assert.Equal(t, callbacks.Len(), 2)

	callbacks.Remove(id1)
	assert.Equal(t, values(), []int{3})
}
