package insights

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosight/bugscout/internal/config"
	"github.com/gosight/bugscout/internal/metrics"
	"github.com/gosight/bugscout/internal/storage"
)

// IssueStore records detections.
type IssueStore interface {
	UpsertIssue(ctx context.Context, u storage.IssueUpsert) error
}

// AlertPublisher forwards recorded insights downstream.
type AlertPublisher interface {
	PublishInsight(ctx context.Context, insight *Insight) error
}

// Processor coordinates all insight detectors
type Processor struct {
	rageClick *RageClickDetector
	deadClick *DeadClickDetector

	store  IssueStore
	alerts AlertPublisher
	now    func() time.Time
}

// NewProcessor creates a new insight processor
func NewProcessor(store IssueStore, cfg config.InsightsConfig) *Processor {
	return NewProcessorWithAlerts(store, cfg, nil)
}

// NewProcessorWithAlerts creates a new insight processor that also publishes every recorded insight
func NewProcessorWithAlerts(store IssueStore, cfg config.InsightsConfig, alerts AlertPublisher) *Processor {
	p := &Processor{
		store:  store,
		alerts: alerts,
		now:    time.Now,
	}

	// Initialize detectors based on config
	if cfg.RageClick.Enabled {
		p.rageClick = NewRageClickDetector(cfg.RageClick)
	}
	if cfg.DeadClick.Enabled {
		p.deadClick = NewDeadClickDetector(cfg.DeadClick)
	}

	return p
}

// SetClock overrides the clock used for first/last seen timestamps.
func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
}

// Run detects issues over a session's full history and upserts each
// detection, rage clicks first. The first store error aborts the pass.
func (p *Processor) Run(ctx context.Context, projectID int64, sessionID string, history []Event) ([]Detection, error) {
	var detections []Detection
	if p.rageClick != nil {
		detections = append(detections, p.rageClick.Detect(history)...)
	}
	if p.deadClick != nil {
		detections = append(detections, p.deadClick.Detect(history)...)
	}

	for _, d := range detections {
		insight := &Insight{
			Type:       d.Type,
			ProjectID:  projectID,
			SessionID:  sessionID,
			Element:    d.Element,
			Severity:   d.Severity,
			ClickCount: d.ClickCount,
			DetectedAt: p.now(),
		}

		err := p.store.UpsertIssue(ctx, storage.IssueUpsert{
			ProjectID:       projectID,
			SessionID:       sessionID,
			IssueType:       d.Type,
			Element:         d.Element,
			Severity:        d.Severity,
			ReplaceSeverity: d.Type == IssueRageClick,
			SeenAt:          insight.DetectedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("upsert %s issue for %q: %w", d.Type, d.Element, err)
		}
		metrics.IssuesDetected.WithLabelValues(d.Type).Inc()

		log.Debug().
			Str("type", d.Type).
			Str("session_id", sessionID).
			Str("element", d.Element).
			Str("severity", d.Severity).
			Msg("Insight detected")

		p.publishAlert(ctx, insight)
	}

	return detections, nil
}

// publishAlert is best effort; a failed publish never fails the ingest.
func (p *Processor) publishAlert(ctx context.Context, insight *Insight) {
	if p.alerts == nil {
		return
	}
	if err := p.alerts.PublishInsight(ctx, insight); err != nil {
		log.Error().Err(err).Str("type", insight.Type).Msg("Failed to publish alert")
	}
}
