package gpt2

import (
	"sort"
	"sync"
)

// AttentionHook receives one layer's attention probabilities laid out as
// [head][query][key]. It is called synchronously, once per layer, in layer
// order. Every registered hook receives the same slices, so hooks must not
// modify them. Retaining them after the call is fine.
type AttentionHook func(layer int, weights [][][]float32)

type hookRegistry struct {
	mu     sync.Mutex
	nextID uint64
	hooks  map[uint64]AttentionHook
}

// add registers hook and returns a function that unregisters it. The
// returned function may be called any number of times.
func (r *hookRegistry) add(hook AttentionHook) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hooks == nil {
		r.hooks = make(map[uint64]AttentionHook)
	}
	r.nextID++
	id := r.nextID
	r.hooks[id] = hook
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.hooks, id)
			r.mu.Unlock()
		})
	}
}

func (r *hookRegistry) snapshot() []AttentionHook {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.hooks) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(r.hooks))
	for id := range r.hooks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]AttentionHook, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.hooks[id])
	}
	return out
}

func (r *hookRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hooks)
}
