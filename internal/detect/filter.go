package detect

import "github.com/bryanchriswhite/PlateStreamer/internal/config"

// Filter truncates candidates to MaxDetectionsPerFrame in capability order,
// then drops those below ConfidenceThreshold and those without text.
func Filter(candidates []Detection, cfg config.Runtime) []Detection {
	limit := cfg.MaxDetectionsPerFrame
	if limit < 0 {
		limit = 0
	}
	if len(candidates) < limit {
		limit = len(candidates)
	}

	kept := make([]Detection, 0, limit)
	for _, d := range candidates[:limit] {
		if d.Confidence < cfg.ConfidenceThreshold {
			continue
		}
		if d.Text == "" {
			continue
		}
		kept = append(kept, d)
	}
	return kept
}
