package client

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOrderedExecutorSameKeyFIFO(t *testing.T) {
	var e = newOrderedExecutor(4, 8)
	defer e.close()

	var mu sync.Mutex
	var order []int
	var done = make(chan struct{})

	for i := 1; i <= 5; i++ {
		var i = i
		require.True(t, e.submitOrdered(42, func() {
			mu.Lock()
			order = append(order, i)
			if len(order) == 5 {
				close(done)
			}
			mu.Unlock()
		}))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ordered tasks")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1, 2, 3, 4, 5}, order)
}

func TestOrderedExecutorDifferentKeysConcurrent(t *testing.T) {
	var e = newOrderedExecutor(4, 8)
	defer e.close()

	var wg sync.WaitGroup
	wg.Add(4)
	for k := uint64(0); k < 4; k++ {
		var k = k
		require.True(t, e.submitOrdered(k, func() {
			defer wg.Done()
		}))
	}

	var finished = make(chan struct{})
	go func() { wg.Wait(); close(finished) }()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tasks across distinct keys")
	}
}

func TestOrderedExecutorRecoversPanic(t *testing.T) {
	var e = newOrderedExecutor(2, 4)
	defer e.close()

	var ran = make(chan struct{})
	require.True(t, e.submitOrdered(1, func() { panic("boom") }))
	require.True(t, e.submitOrdered(1, func() { close(ran) }))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("worker did not recover from panic and continue processing its queue")
	}
}
