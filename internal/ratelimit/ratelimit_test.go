// ABOUTME: Tests for the keyed sliding-window limiter
// ABOUTME: Covers admission, denial with retry-after, reset, and eviction

package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheck_AllowsUpToRate(t *testing.T) {
	l := New(3, time.Minute)
	defer l.Close()

	for i := range 3 {
		d := l.Check("agent-1")
		require.True(t, d.Allowed, "request %d should be admitted", i+1)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d := l.Check("agent-1")
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)
}

func TestCheck_KeysAreIndependent(t *testing.T) {
	l := New(1, time.Minute)
	defer l.Close()

	assert.True(t, l.Check("a").Allowed)
	assert.False(t, l.Check("a").Allowed)
	assert.True(t, l.Check("b").Allowed)
}

func TestCheck_WindowResets(t *testing.T) {
	l := New(1, time.Minute)
	defer l.Close()

	current := time.Now()
	l.now = func() time.Time { return current }

	require.True(t, l.Check("a").Allowed)
	require.False(t, l.Check("a").Allowed)

	current = current.Add(61 * time.Second)
	assert.True(t, l.Check("a").Allowed, "window should reset after it elapses")
}

func TestRunCleanup_EvictsExpiredWindows(t *testing.T) {
	l := New(1, time.Minute)
	defer l.Close()

	current := time.Now()
	l.now = func() time.Time { return current }

	l.Check("a")
	l.Check("b")

	current = current.Add(2 * time.Minute)
	l.runCleanup()

	l.mu.Lock()
	remaining := len(l.windows)
	l.mu.Unlock()
	assert.Zero(t, remaining)
}

func TestCheck_Concurrent(t *testing.T) {
	l := New(100, time.Minute)
	defer l.Close()

	var wg sync.WaitGroup
	allowed := make(chan bool, 200)

	for range 200 {
		wg.Go(func() {
			allowed <- l.Check("shared").Allowed
		})
	}
	wg.Wait()
	close(allowed)

	count := 0
	for ok := range allowed {
		if ok {
			count++
		}
	}
	// Exactly the rate is admitted regardless of interleaving.
	assert.Equal(t, 100, count)
}
