package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/gosight/bugscout/internal/config"
	"github.com/gosight/bugscout/internal/ingest"
)

// Ingester runs the ingestion pipeline for one batch.
type Ingester interface {
	Ingest(ctx context.Context, apiKey string, p *ingest.Payload, client ingest.ClientInfo) (ingest.Result, error)
}

// messageReader is the subset of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Message headers carrying client details for device enrichment.
const (
	HeaderUserAgent = "user-agent"
	HeaderClientIP  = "client-ip"
)

// KafkaConsumer feeds ingest batches published by edge collectors into
// the same pipeline as the HTTP endpoint.
type KafkaConsumer struct {
	reader   messageReader
	ingester Ingester
	topic    string
	group    string
}

// NewKafkaConsumer creates a new Kafka consumer
func NewKafkaConsumer(cfg config.KafkaConfig, ingester Ingester) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	topic := cfg.Topics["ingest"]
	if topic == "" {
		topic = "bugscout.ingest"
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          topic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       1e3,  // 1KB
		MaxBytes:       10e6, // 10MB
		CommitInterval: 1000,
		StartOffset:    kafka.LastOffset,
	})

	return &KafkaConsumer{
		reader:   reader,
		ingester: ingester,
		topic:    topic,
		group:    cfg.ConsumerGroup,
	}, nil
}

// Start consumes until ctx is cancelled or the reader is closed.
func (c *KafkaConsumer) Start(ctx context.Context) {
	log.Info().
		Str("topic", c.topic).
		Str("group", c.group).
		Msg("Starting Kafka consumer")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				log.Info().Msg("Kafka consumer stopped")
				return
			}
			log.Error().Err(err).Msg("Failed to fetch message")
			continue
		}

		c.handleMessage(ctx, msg)

		// Commit even failed batches so one bad message cannot stall the partition
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			log.Error().Err(err).Msg("Failed to commit message")
		}
	}
}

func (c *KafkaConsumer) handleMessage(ctx context.Context, msg kafka.Message) {
	var p ingest.Payload
	if err := json.Unmarshal(msg.Value, &p); err != nil {
		log.Error().
			Err(err).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("Failed to parse message")
		return
	}

	client := ingest.ClientInfo{}
	for _, h := range msg.Headers {
		switch h.Key {
		case HeaderUserAgent:
			client.UserAgent = string(h.Value)
		case HeaderClientIP:
			client.IP = string(h.Value)
		}
	}

	res, err := c.ingester.Ingest(ctx, p.APIKey, &p, client)
	if err != nil {
		log.Error().
			Err(err).
			Str("session_id", p.SessionID).
			Int64("offset", msg.Offset).
			Msg("Failed to ingest message")
		return
	}

	log.Debug().
		Str("session_id", p.SessionID).
		Int("saved", res.EventsSaved).
		Msg("Ingested message")
}

// Close closes the consumer
func (c *KafkaConsumer) Close() error {
	log.Info().Msg("Closing Kafka consumer")
	return c.reader.Close()
}
