package conn

import "sync"

const DefaultDebugCapacity = 100

// Ring keeps the most recent raw frames, newest first.
type Ring struct {
	mu     sync.RWMutex
	frames []string
	limit  int
}

func NewRing(limit int) *Ring {
	if limit <= 0 {
		limit = DefaultDebugCapacity
	}
	return &Ring{limit: limit}
}

func (r *Ring) Append(frame string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, "")
	copy(r.frames[1:], r.frames)
	r.frames[0] = frame
	if len(r.frames) > r.limit {
		r.frames = r.frames[:r.limit]
	}
}

func (r *Ring) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.frames))
	copy(out, r.frames)
	return out
}

func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.frames)
}

func (r *Ring) Clear() {
	r.mu.Lock()
	r.frames = nil
	r.mu.Unlock()
}
