// Package archive buffers stored events and writes them to the analytics
// archive in batches.
package archive

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosight/bugscout/internal/config"
	"github.com/gosight/bugscout/internal/metrics"
	"github.com/gosight/bugscout/internal/storage"
)

// Writer persists archive rows.
type Writer interface {
	InsertEvents(ctx context.Context, rows []storage.ArchiveRow) error
}

// Archiver flushes buffered rows when the buffer reaches the configured
// size, on every flush interval, and once more on Stop.
type Archiver struct {
	writer Writer
	cfg    config.ArchiveConfig

	mu     sync.Mutex
	buffer []storage.ArchiveRow

	flushMu  sync.Mutex
	ticker   *time.Ticker
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewArchiver starts the background flush loop.
func NewArchiver(w Writer, cfg config.ArchiveConfig) *Archiver {
	a := &Archiver{
		writer: w,
		cfg:    cfg,
		buffer: make([]storage.ArchiveRow, 0, cfg.Size),
		ticker: time.NewTicker(cfg.FlushInterval),
		done:   make(chan struct{}),
	}

	a.wg.Add(1)
	go a.flushLoop()
	return a
}

// Add buffers rows. It never blocks on the archive itself beyond a
// synchronous flush once the buffer is full.
func (a *Archiver) Add(rows ...storage.ArchiveRow) {
	if len(rows) == 0 {
		return
	}

	a.mu.Lock()
	a.buffer = append(a.buffer, rows...)
	shouldFlush := len(a.buffer) >= a.cfg.Size
	a.mu.Unlock()

	if shouldFlush {
		a.Flush()
	}
}

func (a *Archiver) flushLoop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.done:
			return
		case <-a.ticker.C:
			a.Flush()
		}
	}
}

// Flush writes everything buffered so far. Rows of a failed write are
// dropped and counted.
func (a *Archiver) Flush() {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.mu.Lock()
	if len(a.buffer) == 0 {
		a.mu.Unlock()
		return
	}
	rows := a.buffer
	a.buffer = make([]storage.ArchiveRow, 0, a.cfg.Size)
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := a.writer.InsertEvents(ctx, rows); err != nil {
		metrics.ArchiveFlushes.WithLabelValues("error").Inc()
		log.Error().Err(err).Int("count", len(rows)).Msg("Failed to archive events")
		return
	}

	metrics.ArchiveFlushes.WithLabelValues("ok").Inc()
	log.Info().
		Int("count", len(rows)).
		Dur("duration", time.Since(start)).
		Msg("Flushed events to ClickHouse")
}

// Stop stops the flush loop and performs a final flush. Later calls are no-ops.
func (a *Archiver) Stop() {
	a.stopOnce.Do(func() {
		a.ticker.Stop()
		close(a.done)
		a.wg.Wait()
		a.Flush() // Final flush
	})
}
