package insights

import (
	"time"
)

// Issue types
const (
	IssueRageClick = "rage_click"
	IssueDeadClick = "dead_click"
)

// Severities
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// UnknownElement groups clicks that carry no selector.
const UnknownElement = "unknown"

// Event is a captured user action as sent by the browser SDK.
type Event struct {
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Selector returns meta.selector, or UnknownElement when it is missing or empty.
func (e Event) Selector() string {
	if s, ok := e.Meta["selector"].(string); ok && s != "" {
		return s
	}
	return UnknownElement
}

// MetaString returns a string field from meta, or "".
func (e Event) MetaString(key string) string {
	s, _ := e.Meta[key].(string)
	return s
}

// IsClick reports whether t is a click or tap.
func IsClick(t string) bool {
	return t == "click" || t == "tap"
}

// IsPageView reports whether t counts as a page view.
func IsPageView(t string) bool {
	return t == "page_view" || t == "pageview"
}

// IsNavigation reports whether t is a navigation-like response.
func IsNavigation(t string) bool {
	switch t {
	case "navigation", "page_view", "pageview", "route_change":
		return true
	}
	return false
}

// IsMutation reports whether t is a DOM mutation response.
func IsMutation(t string) bool {
	return t == "mutation" || t == "dom_change"
}

// Detection is one issue pattern found in a session's history.
type Detection struct {
	Type     string
	Element  string
	Severity string
	// ClickCount is the number of clicks on Element considered by the detector.
	ClickCount int
}

// Insight represents a recorded detection
type Insight struct {
	Type       string
	ProjectID  int64
	SessionID  string
	Element    string
	Severity   string
	ClickCount int
	DetectedAt time.Time
}
