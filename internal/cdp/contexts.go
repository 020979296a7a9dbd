package cdp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
)

// ContextRegistry maintains the live set of execution contexts for one
// session, updated synchronously as transport events arrive. Events are
// applied in receipt order; unrelated event types never reach the registry.
type ContextRegistry struct {
	mu       sync.RWMutex
	contexts map[runtime.ExecutionContextID]ExecutionContext

	unregister []func()
}

func NewContextRegistry() *ContextRegistry {
	return &ContextRegistry{contexts: make(map[runtime.ExecutionContextID]ExecutionContext)}
}

// Attach subscribes the registry to the transport's context lifecycle events.
func (r *ContextRegistry) Attach(t *Transport) {
	r.unregister = []func(){
		t.OnEvent("Runtime.executionContextCreated", r.onCreated),
		t.OnEvent("Runtime.executionContextDestroyed", r.onDestroyed),
		t.OnEvent("Runtime.executionContextsCleared", r.onCleared),
	}
}

// Detach unsubscribes from the transport and clears the set.
func (r *ContextRegistry) Detach() {
	for _, fn := range r.unregister {
		fn()
	}
	r.unregister = nil
	r.mu.Lock()
	r.contexts = make(map[runtime.ExecutionContextID]ExecutionContext)
	r.mu.Unlock()
}

// onCreated is idempotent: a duplicate id is not re-added.
func (r *ContextRegistry) onCreated(params json.RawMessage) {
	var evt runtime.EventExecutionContextCreated
	if err := json.Unmarshal(params, &evt); err != nil || evt.Context == nil || evt.Context.ID == 0 {
		return
	}
	desc := evt.Context
	r.mu.Lock()
	if _, exists := r.contexts[desc.ID]; !exists {
		r.contexts[desc.ID] = ExecutionContext{
			ID:     desc.ID,
			Name:   desc.Name,
			Origin: desc.Origin,
		}
	}
	r.mu.Unlock()
	slog.Debug("execution context created", "id", desc.ID, "name", desc.Name)
}

// onDestroyed removes exactly the matching id.
func (r *ContextRegistry) onDestroyed(params json.RawMessage) {
	var evt runtime.EventExecutionContextDestroyed
	if err := json.Unmarshal(params, &evt); err != nil {
		return
	}
	r.mu.Lock()
	delete(r.contexts, evt.ExecutionContextID)
	r.mu.Unlock()
	slog.Debug("execution context destroyed", "id", evt.ExecutionContextID)
}

// onCleared empties the set unconditionally.
func (r *ContextRegistry) onCleared(json.RawMessage) {
	r.mu.Lock()
	r.contexts = make(map[runtime.ExecutionContextID]ExecutionContext)
	r.mu.Unlock()
	slog.Debug("execution contexts cleared")
}

// Snapshot returns the current set as a copy sorted by id; callers never
// observe a view that mutates under them.
func (r *ContextRegistry) Snapshot() []ExecutionContext {
	r.mu.RLock()
	out := make([]ExecutionContext, 0, len(r.contexts))
	for _, c := range r.contexts {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *ContextRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contexts)
}

// WaitReady polls until the set is non-empty, up to attempts short intervals.
// A session that never reports a context within the window is still usable,
// only degraded: WaitReady then returns false with a nil error.
func (r *ContextRegistry) WaitReady(ctx context.Context, attempts int, interval time.Duration) (bool, error) {
	for i := 0; i < attempts; i++ {
		if r.Count() > 0 {
			return true, nil
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	return r.Count() > 0, nil
}
