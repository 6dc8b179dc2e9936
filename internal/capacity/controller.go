// Package capacity tracks in-flight work per admission key against optional
// concurrency limits.
package capacity

import "sync"

// Controller counts in-flight tasks per key. Keys without a limit are
// unbounded. All methods are safe for concurrent use.
type Controller[K comparable] struct {
	mu      sync.Mutex
	limits  map[K]int
	current map[K]int
}

// New creates a Controller with the given limits.
func New[K comparable](limits map[K]int) *Controller[K] {
	copied := make(map[K]int, len(limits))
	for k, v := range limits {
		copied[k] = v
	}
	return &Controller[K]{
		limits:  copied,
		current: make(map[K]int),
	}
}

// HasCapacity reports whether one more task of key may start.
func (c *Controller[K]) HasCapacity(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.availableLocked(key) != 0
}

// Increment counts one more in-flight task, even past the limit.
func (c *Controller[K]) Increment(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current[key]++
}

// Decrement counts one task as finished. It never goes below zero.
func (c *Controller[K]) Decrement(key K) {
	c.Release(key, 1)
}

// Available returns the number of free slots. bounded is false for unlimited
// keys, in which case n is -1.
func (c *Controller[K]) Available(key K) (n int, bounded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.limits[key]; !ok {
		return -1, false
	}
	return c.availableLocked(key), true
}

// Reserve atomically takes up to want slots and returns how many it took.
// Unbounded keys grant the full request.
func (c *Controller[K]) Reserve(key K, want int) int {
	if want <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := want
	if avail := c.availableLocked(key); avail >= 0 && avail < n {
		n = avail
	}
	c.current[key] += n
	return n
}

// Release gives back n slots, saturating at zero.
func (c *Controller[K]) Release(key K, n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.current[key] - n
	if cur <= 0 {
		delete(c.current, key)
		return
	}
	c.current[key] = cur
}

// Current returns the in-flight count for key.
func (c *Controller[K]) Current(key K) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current[key]
}

// availableLocked returns free slots, or -1 when key is unbounded.
func (c *Controller[K]) availableLocked(key K) int {
	limit, ok := c.limits[key]
	if !ok {
		return -1
	}
	free := limit - c.current[key]
	if free < 0 {
		return 0
	}
	return free
}
