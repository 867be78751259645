package session

import (
	"image"
	"sync"

	"github.com/bryanchriswhite/PlateStreamer/internal/logger"
	"github.com/corona10/goimagehash"
)

// SimilarityFilter skips recognition on frames that are perceptually close to
// the last frame that was recognised.
type SimilarityFilter struct {
	maxDistance int

	mu       sync.Mutex
	lastHash *goimagehash.ImageHash
}

// NewSimilarityFilter creates a filter treating frames within maxDistance
// (pHash Hamming distance) as the same scene.
func NewSimilarityFilter(maxDistance int) *SimilarityFilter {
	return &SimilarityFilter{maxDistance: maxDistance}
}

// Similar reports whether img matches the last recognised frame. When it
// does not, img becomes the new reference.
func (s *SimilarityFilter) Similar(img image.Image) bool {
	hash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastHash == nil {
		s.lastHash = hash
		return false
	}

	dist, err := s.lastHash.Distance(hash)
	if err != nil {
		s.lastHash = hash
		return false
	}

	if dist <= s.maxDistance {
		logger.WithComponent("session").Debug().Int("distance", dist).Msg("Skipping recognition on similar frame")
		return true
	}

	s.lastHash = hash
	return false
}

// Reset forgets the reference frame
func (s *SimilarityFilter) Reset() {
	s.mu.Lock()
	s.lastHash = nil
	s.mu.Unlock()
}
