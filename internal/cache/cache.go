// Package cache memoizes dequantized tensors.
package cache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/NatanFreeman/bart-rs/internal/device"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bart_tensor_cache_hits_total",
		Help: "Dequantized tensors served from the cache",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bart_tensor_cache_misses_total",
		Help: "Dequantized tensors that had to be decoded",
	})
)

// TensorCache defines a generic interface for caching device tensors.
type TensorCache interface {
	// Get retrieves a tensor from the cache.
	Get(key string) (device.Tensor, bool)
	// Put stores a tensor in the cache.
	Put(key string, t device.Tensor)
	// GetOrLoad returns the cached tensor or stores the result of load.
	// Concurrent callers for the same key share one load.
	GetOrLoad(key string, load func() (device.Tensor, error)) (device.Tensor, error)
	// Size returns the number of items in the cache.
	Size() int
}

// MapCache is an unbounded in-memory TensorCache. Tensors are immutable,
// so entries are shared rather than copied.
type MapCache struct {
	data  map[string]device.Tensor
	mu    sync.RWMutex
	group singleflight.Group
}

func NewMapCache() *MapCache {
	return &MapCache{
		data: make(map[string]device.Tensor),
	}
}

func (c *MapCache) Get(key string) (device.Tensor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.data[key]
	return t, ok
}

func (c *MapCache) Put(key string, t device.Tensor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = t
}

func (c *MapCache) GetOrLoad(key string, load func() (device.Tensor, error)) (device.Tensor, error) {
	if t, ok := c.Get(key); ok {
		cacheHits.Inc()
		return t, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if t, ok := c.Get(key); ok {
			return t, nil
		}
		cacheMisses.Inc()
		t, err := load()
		if err != nil {
			return nil, err
		}
		c.Put(key, t)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(device.Tensor), nil
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
