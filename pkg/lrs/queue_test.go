package lrs

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := NewQueue[int]()
	q.Push(1)
	q.Push(2)
	q.Push(3)

	for want := 1; want <= 3; want++ {
		got, ok := q.Pop()
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestQueuePushFront(t *testing.T) {
	q := NewQueue[string]()
	q.Push("b")
	q.PushFront("a")

	got, _ := q.Pop()
	assert.Equal(t, "a", got)
}

func TestQueueLenAndDrain(t *testing.T) {
	q := NewQueue[int]()
	assert.Equal(t, 0, q.Len())
	q.Push(10)
	q.Push(20)
	assert.Equal(t, 2, q.Len())

	items := q.Drain()
	assert.Equal(t, []int{10, 20}, items)
	assert.Equal(t, 0, q.Len())
}

func TestQueueConcurrentPushPop(t *testing.T) {
	q := NewQueue[int]()
	const n = 100

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			q.Push(i)
		}
	}()
	popped := 0
	go func() {
		defer wg.Done()
		for popped < n {
			if _, ok := q.Pop(); ok {
				popped++
			}
		}
	}()
	wg.Wait()
	assert.Equal(t, n, popped)
	assert.Equal(t, 0, q.Len())
}
