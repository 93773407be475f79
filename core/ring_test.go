package core

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingKeepsNewestFirst(t *testing.T) {
	r := NewRing[int](3)
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 3, r.Cap())

	r.Push(1)
	r.Push(2)
	assert.Equal(t, []int{2, 1}, r.Items())

	r.Push(3)
	r.Push(4) // evicts 1
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{4, 3, 2}, r.Items())

	r.Push(5)
	r.Push(6)
	assert.Equal(t, []int{6, 5, 4}, r.Items())
}

func TestRingReportsEvictions(t *testing.T) {
	r := NewRing[int](2)

	_, full := r.Push(1)
	assert.False(t, full)
	_, full = r.Push(2)
	assert.False(t, full)

	evicted, full := r.Push(3)
	assert.True(t, full)
	assert.Equal(t, 1, evicted)

	evicted, full = r.Push(4)
	assert.True(t, full)
	assert.Equal(t, 2, evicted)
}

func TestRingMinimumCapacity(t *testing.T) {
	r := NewRing[string](0)
	r.Push("a")
	r.Push("b")
	assert.Equal(t, []string{"b"}, r.Items())
}

func TestRingConcurrentPush(t *testing.T) {
	r := NewRing[string](64)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Push(fmt.Sprintf("%d-%d", n, j))
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 64, r.Len())
	assert.Len(t, r.Items(), 64)
}
