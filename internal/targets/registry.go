package targets

import "sync"

// Registry maps browser target IDs to the numeric tab IDs operators use.
// IDs start at 1, grow monotonically and are never handed out twice.
type Registry struct {
	mu       sync.RWMutex
	next     int
	byTarget map[string]int
	byTab    map[int]string
}

func NewRegistry() *Registry {
	return &Registry{
		byTarget: make(map[string]int),
		byTab:    make(map[int]string),
	}
}

// Assign returns the tab ID for targetID, allocating one on first sight.
func (r *Registry) Assign(targetID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byTarget[targetID]; ok {
		return id
	}
	r.next++
	r.byTarget[targetID] = r.next
	r.byTab[r.next] = targetID
	return r.next
}

func (r *Registry) TargetID(tabID int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byTab[tabID]
	return id, ok
}

func (r *Registry) TabID(targetID string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byTarget[targetID]
	return id, ok
}

func (r *Registry) Remove(targetID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byTarget[targetID]; ok {
		delete(r.byTab, id)
		delete(r.byTarget, targetID)
	}
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTarget)
}
