package insights

import (
	"sort"

	"github.com/gosight/bugscout/internal/config"
)

// DeadClickDetector detects clicks that produce no navigation or DOM mutation
type DeadClickDetector struct {
	observationWindowMs int64
}

// NewDeadClickDetector creates a new dead click detector
func NewDeadClickDetector(cfg config.DeadClickConfig) *DeadClickDetector {
	return &DeadClickDetector{
		observationWindowMs: cfg.ObservationWindowMs,
	}
}

// Detect returns one detection per click, in history order, that has no
// response event strictly after it and within the observation window.
// Repeats on the same element are left for the issue upsert to coalesce.
func (d *DeadClickDetector) Detect(events []Event) []Detection {
	var responses []int64
	for _, e := range events {
		if IsNavigation(e.Type) || IsMutation(e.Type) {
			responses = append(responses, e.Timestamp)
		}
	}
	sort.Slice(responses, func(i, j int) bool { return responses[i] < responses[j] })

	var detections []Detection
	for _, e := range events {
		if !IsClick(e.Type) {
			continue
		}
		if d.hasResponse(responses, e.Timestamp) {
			continue
		}
		detections = append(detections, Detection{
			Type:       IssueDeadClick,
			Element:    e.Selector(),
			Severity:   SeverityLow,
			ClickCount: 1,
		})
	}
	return detections
}

// hasResponse reports whether some response r satisfies click < r <= click+window.
func (d *DeadClickDetector) hasResponse(responses []int64, click int64) bool {
	i := sort.Search(len(responses), func(i int) bool { return responses[i] > click })
	return i < len(responses) && responses[i]-click <= d.observationWindowMs
}
