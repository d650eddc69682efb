package insights

import (
	"sort"

	"github.com/gosight/bugscout/internal/config"
)

// RageClickDetector detects bursts of clicks on the same element indicating user frustration
type RageClickDetector struct {
	minClicks    int
	timeWindowMs int64
	mediumClicks int
	highClicks   int
}

// NewRageClickDetector creates a new rage click detector
func NewRageClickDetector(cfg config.RageClickConfig) *RageClickDetector {
	if cfg.MinClicks < 1 {
		cfg.MinClicks = 1
	}
	return &RageClickDetector{
		minClicks:    cfg.MinClicks,
		timeWindowMs: cfg.TimeWindowMs,
		mediumClicks: cfg.MediumClicks,
		highClicks:   cfg.HighClicks,
	}
}

// Detect scans the full event history and returns at most one detection
// per element. An element qualifies when any run of minClicks consecutive
// clicks on it spans no more than the time window.
func (d *RageClickDetector) Detect(events []Event) []Detection {
	bySelector := make(map[string][]int64)
	for _, e := range events {
		if !IsClick(e.Type) {
			continue
		}
		sel := e.Selector()
		bySelector[sel] = append(bySelector[sel], e.Timestamp)
	}

	selectors := make([]string, 0, len(bySelector))
	for sel := range bySelector {
		selectors = append(selectors, sel)
	}
	sort.Strings(selectors)

	var detections []Detection
	for _, sel := range selectors {
		clicks := bySelector[sel]
		if len(clicks) < d.minClicks {
			continue
		}
		sort.Slice(clicks, func(i, j int) bool { return clicks[i] < clicks[j] })

		for i := 0; i+d.minClicks-1 < len(clicks); i++ {
			if clicks[i+d.minClicks-1]-clicks[i] <= d.timeWindowMs {
				detections = append(detections, Detection{
					Type:       IssueRageClick,
					Element:    sel,
					Severity:   d.severity(len(clicks)),
					ClickCount: len(clicks),
				})
				break
			}
		}
	}
	return detections
}

// severity grades by the total number of clicks on the element, not just
// the ones inside the qualifying window.
func (d *RageClickDetector) severity(clickCount int) string {
	switch {
	case clickCount >= d.highClicks:
		return SeverityHigh
	case clickCount >= d.mediumClicks:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
