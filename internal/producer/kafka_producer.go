package producer

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/gosight/bugscout/internal/config"
	"github.com/gosight/bugscout/internal/insights"
)

// messageWriter is the subset of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes detected issues to the alerts topic.
type KafkaProducer struct {
	writer messageWriter
}

// AlertMessage is the JSON body of one alert.
type AlertMessage struct {
	Type       string    `json:"type"`
	ProjectID  int64     `json:"project_id"`
	SessionID  string    `json:"session_id"`
	Element    string    `json:"element"`
	Severity   string    `json:"severity"`
	ClickCount int       `json:"click_count"`
	DetectedAt time.Time `json:"detected_at"`
}

func NewKafkaProducer(cfg config.KafkaConfig) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	topic := cfg.Topics["alerts"]
	if topic == "" {
		return nil, errors.New("kafka: alerts topic not configured")
	}

	return &KafkaProducer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchSize:    100,
			BatchTimeout: time.Millisecond * 100,
			Async:        true,
		},
	}, nil
}

// PublishInsight sends one alert keyed by project so a project's alerts
// stay ordered within a partition.
func (p *KafkaProducer) PublishInsight(ctx context.Context, insight *insights.Insight) error {
	data, err := json.Marshal(AlertMessage{
		Type:       insight.Type,
		ProjectID:  insight.ProjectID,
		SessionID:  insight.SessionID,
		Element:    insight.Element,
		Severity:   insight.Severity,
		ClickCount: insight.ClickCount,
		DetectedAt: insight.DetectedAt,
	})
	if err != nil {
		return err
	}

	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(insight.ProjectID, 10)),
		Value: data,
	})
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}
