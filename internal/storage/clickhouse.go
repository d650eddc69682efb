package storage

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/gosight/bugscout/internal/config"
)

// ClickHouse is the append-only analytics archive for stored events.
type ClickHouse struct {
	conn driver.Conn
}

// ArchiveRow represents a row in the ClickHouse events table
type ArchiveRow struct {
	EventID    string
	ProjectID  int64
	SessionID  string
	UserID     string
	EventType  string
	Selector   string
	URL        string
	Timestamp  time.Time
	ReceivedAt time.Time
	Browser    string
	OS         string
	DeviceType string
	Country    string
	Payload    string
}

func NewClickHouse(cfg config.ClickHouseConfig) (*ClickHouse, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
	})
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	return &ClickHouse{conn: conn}, nil
}

// archiveDDL keeps one row per event id after merges, so resent batches
// do not inflate analytics.
const archiveDDL = `
CREATE TABLE IF NOT EXISTS events (
	event_id String,
	project_id Int64,
	session_id String,
	user_id String,
	event_type LowCardinality(String),
	selector String,
	url String,
	timestamp DateTime64(3),
	received_at DateTime64(3),
	browser LowCardinality(String),
	os LowCardinality(String),
	device_type LowCardinality(String),
	country LowCardinality(String),
	payload String
) ENGINE = ReplacingMergeTree(received_at)
PARTITION BY toYYYYMM(timestamp)
ORDER BY (project_id, session_id, event_id)`

// Migrate creates the archive table if needed.
func (c *ClickHouse) Migrate(ctx context.Context) error {
	return c.conn.Exec(ctx, archiveDDL)
}

// InsertEvents appends archive rows in one batch.
func (c *ClickHouse) InsertEvents(ctx context.Context, rows []ArchiveRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO events (
			event_id, project_id, session_id, user_id, event_type, selector, url,
			timestamp, received_at, browser, os, device_type, country, payload
		)
	`)
	if err != nil {
		return err
	}

	for _, r := range rows {
		err := batch.Append(
			r.EventID, r.ProjectID, r.SessionID, r.UserID, r.EventType, r.Selector, r.URL,
			r.Timestamp, r.ReceivedAt, r.Browser, r.OS, r.DeviceType, r.Country, r.Payload,
		)
		if err != nil {
			return err
		}
	}

	return batch.Send()
}

func (c *ClickHouse) Close() error {
	return c.conn.Close()
}
