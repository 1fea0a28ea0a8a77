package interceptor

import "sync"

// Attributes is one session's key/value bag. It is owned by a single
// connection; the mutex covers pipelined frames on that connection.
type Attributes struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewAttributes returns an empty bag.
func NewAttributes() *Attributes {
	return &Attributes{values: make(map[string]any)}
}

// Get returns the value stored under key.
func (a *Attributes) Get(key string) (any, bool) {
	if a == nil {
		return nil, false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	value, ok := a.values[key]
	return value, ok
}

// Set stores value under key, replacing any earlier value.
func (a *Attributes) Set(key string, value any) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.values == nil {
		a.values = make(map[string]any)
	}
	a.values[key] = value
}
