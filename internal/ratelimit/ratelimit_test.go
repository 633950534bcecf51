package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_TryAcquire_BurstThenDeny(t *testing.T) {
	l := New(3, time.Minute)

	assert.True(t, l.TryAcquire("client-a"))
	assert.True(t, l.TryAcquire("client-a"))
	assert.True(t, l.TryAcquire("client-a"))
	assert.False(t, l.TryAcquire("client-a"))
}

func TestLimiter_TryAcquire_KeysIndependent(t *testing.T) {
	l := New(1, time.Minute)

	assert.True(t, l.TryAcquire("client-a"))
	assert.False(t, l.TryAcquire("client-a"))
	assert.True(t, l.TryAcquire("client-b"))
}

func TestLimiter_Clear_ResetsState(t *testing.T) {
	l := New(1, time.Minute)

	assert.True(t, l.TryAcquire("client-a"))
	assert.False(t, l.TryAcquire("client-a"))

	l.Clear()
	assert.True(t, l.TryAcquire("client-a"))
}

func TestLimiter_TryAcquire_Concurrent(t *testing.T) {
	l := New(50, time.Minute)

	var wg sync.WaitGroup
	granted := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			granted <- l.TryAcquire("shared")
		}()
	}
	wg.Wait()
	close(granted)

	count := 0
	for ok := range granted {
		if ok {
			count++
		}
	}
	assert.Equal(t, 50, count)
}
