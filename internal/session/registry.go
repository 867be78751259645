package session

import (
	"sync"

	"github.com/bryanchriswhite/PlateStreamer/internal/detect"
)

// Registry accumulates distinct detections, keyed by exact text, for the
// life of one session. The first sighting of a text wins.
type Registry struct {
	mu      sync.RWMutex
	entries []detect.Detection
	seen    map[string]struct{}
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{seen: make(map[string]struct{})}
}

// Merge appends every detection whose text has not been seen and returns
// the ones that were added, in input order.
func (r *Registry) Merge(dets []detect.Detection) []detect.Detection {
	r.mu.Lock()
	defer r.mu.Unlock()

	var added []detect.Detection
	for _, d := range dets {
		if _, ok := r.seen[d.Text]; ok {
			continue
		}
		r.seen[d.Text] = struct{}{}
		r.entries = append(r.entries, d)
		added = append(added, d)
	}
	return added
}

// List returns the entries in order of first sighting
func (r *Registry) List() []detect.Detection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]detect.Detection, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of distinct entries
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Reset empties the registry
func (r *Registry) Reset() {
	r.mu.Lock()
	r.entries = nil
	r.seen = make(map[string]struct{})
	r.mu.Unlock()
}
