package store

import "sync"

// Registry keeps push callbacks keyed by subject or device ID. The zero
// value is ready to use.
type Registry[T any] struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]func(T)
}

// Add registers fn under key and returns its release func.
func (r *Registry[T]) Add(key string, fn func(T)) Unsubscribe {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.subs == nil {
		r.subs = make(map[string]map[int]func(T))
	}
	r.next++
	id := r.next
	if r.subs[key] == nil {
		r.subs[key] = make(map[int]func(T))
	}
	r.subs[key][id] = fn

	return once(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs[key], id)
		if len(r.subs[key]) == 0 {
			delete(r.subs, key)
		}
	})
}

// Publish calls every callback registered under key. Callbacks run on the
// caller's goroutine without the registry lock held.
func (r *Registry[T]) Publish(key string, v T) int {
	r.mu.Lock()
	handlers := make([]func(T), 0, len(r.subs[key]))
	for _, fn := range r.subs[key] {
		handlers = append(handlers, fn)
	}
	r.mu.Unlock()

	for _, fn := range handlers {
		fn(v)
	}
	return len(handlers)
}

// Len returns the number of callbacks registered under key.
func (r *Registry[T]) Len(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[key])
}

// Keys returns every key with at least one callback.
func (r *Registry[T]) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.subs))
	for k := range r.subs {
		keys = append(keys, k)
	}
	return keys
}
