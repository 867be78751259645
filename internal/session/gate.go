package session

import (
	"sync"
	"time"

	"github.com/bryanchriswhite/PlateStreamer/internal/config"
)

// Gate decides which frames are handed to the recognition capability.
// A frame is eligible when its count is a multiple of FrameSkip and at least
// MinProcessIntervalSeconds have passed since the last processed frame.
// Skipped frames are never caught up.
type Gate struct {
	mu   sync.Mutex
	last time.Time
}

// ShouldProcess reports whether frame number frameCount is eligible at now
func (g *Gate) ShouldProcess(frameCount uint64, now time.Time, cfg config.Runtime) bool {
	skip := cfg.FrameSkip
	if skip < 1 {
		skip = 1
	}
	if frameCount%uint64(skip) != 0 {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.last.IsZero() {
		return true
	}
	interval := time.Duration(cfg.MinProcessIntervalSeconds * float64(time.Second))
	return now.Sub(g.last) >= interval
}

// MarkProcessed records now as the last processing time
func (g *Gate) MarkProcessed(now time.Time) {
	g.mu.Lock()
	g.last = now
	g.mu.Unlock()
}

// LastProcessed returns the last processing time, zero if none
func (g *Gate) LastProcessed() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// Reset forgets the last processing time
func (g *Gate) Reset() {
	g.mu.Lock()
	g.last = time.Time{}
	g.mu.Unlock()
}
