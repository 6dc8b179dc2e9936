package capacity

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControllerBoundedKey(t *testing.T) {
	t.Parallel()

	c := New(map[string]int{"browser": 2})
	require.True(t, c.HasCapacity("browser"))

	c.Increment("browser")
	c.Increment("browser")
	require.False(t, c.HasCapacity("browser"))
	n, bounded := c.Available("browser")
	require.True(t, bounded)
	require.Zero(t, n)

	c.Decrement("browser")
	n, _ = c.Available("browser")
	require.Equal(t, 1, n)
}

func TestControllerUnboundedKey(t *testing.T) {
	t.Parallel()

	c := New[string](nil)
	for i := 0; i < 100; i++ {
		c.Increment("http")
	}
	require.True(t, c.HasCapacity("http"))
	n, bounded := c.Available("http")
	require.False(t, bounded)
	require.Equal(t, -1, n)
	require.Equal(t, 25, c.Reserve("http", 25))
	require.Equal(t, 125, c.Current("http"))
}

func TestControllerDecrementSaturatesAtZero(t *testing.T) {
	t.Parallel()

	c := New(map[string]int{"k": 1})
	c.Decrement("k")
	c.Decrement("k")
	require.Zero(t, c.Current("k"))
	require.Equal(t, 1, c.Reserve("k", 5))
	c.Release("k", 10)
	require.Zero(t, c.Current("k"))
}

func TestControllerReserveIsPartial(t *testing.T) {
	t.Parallel()

	c := New(map[string]int{"k": 3})
	require.Equal(t, 2, c.Reserve("k", 2))
	require.Equal(t, 1, c.Reserve("k", 2))
	require.Zero(t, c.Reserve("k", 2))
	require.Zero(t, c.Reserve("k", 0))
	c.Release("k", 1)
	require.Equal(t, 1, c.Reserve("k", 4))
}

func TestControllerConcurrentReserveNeverExceedsLimit(t *testing.T) {
	t.Parallel()

	const limit = 4
	c := New(map[string]int{"k": limit})
	var (
		wg       sync.WaitGroup
		inFlight atomic.Int64
		peak     atomic.Int64
	)
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				got := c.Reserve("k", 1)
				if got == 0 {
					continue
				}
				now := inFlight.Add(1)
				for {
					old := peak.Load()
					if now <= old || peak.CompareAndSwap(old, now) {
						break
					}
				}
				inFlight.Add(-1)
				c.Release("k", got)
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(limit))
	assert.Zero(t, c.Current("k"))
}

func TestControllerStructKeys(t *testing.T) {
	t.Parallel()

	type key struct{ kind, value string }
	c := New(map[key]int{{"type", "browser"}: 1})
	require.Equal(t, 1, c.Reserve(key{"type", "browser"}, 3))
	require.Equal(t, 3, c.Reserve(key{"name", "browser"}, 3))
}
