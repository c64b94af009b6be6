package store

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// IdempotencyWindow remembers the result of externally callable mutating
// operations keyed by caller-supplied idempotency key. A repeated call with
// the same key inside the window returns the original result instead of
// re-executing.
type IdempotencyWindow struct {
	cache *gocache.Cache

	// inflight guards against two concurrent first calls with the same key:
	// the second waits for the first to finish and then reads the cache.
	mu       sync.Mutex
	inflight map[string]chan struct{}
}

// NewIdempotencyWindow creates a window with the given retention. Expired
// entries are swept at twice the window interval.
func NewIdempotencyWindow(window time.Duration) *IdempotencyWindow {
	return &IdempotencyWindow{
		cache:    gocache.New(window, 2*window),
		inflight: make(map[string]chan struct{}),
	}
}

type idempotentResult struct {
	value any
	err   error
}

// Do executes fn once per key within the window. Callers with an empty key
// bypass the window entirely.
func (w *IdempotencyWindow) Do(key string, fn func() (any, error)) (any, error) {
	if key == "" {
		return fn()
	}

	for {
		if cached, ok := w.cache.Get(key); ok {
			res := cached.(idempotentResult)
			return res.value, res.err
		}

		w.mu.Lock()
		if ch, ok := w.inflight[key]; ok {
			w.mu.Unlock()
			<-ch
			continue // first caller finished; read its cached result
		}
		ch := make(chan struct{})
		w.inflight[key] = ch
		w.mu.Unlock()

		value, err := fn()
		w.cache.SetDefault(key, idempotentResult{value: value, err: err})

		w.mu.Lock()
		delete(w.inflight, key)
		close(ch)
		w.mu.Unlock()

		return value, err
	}
}
