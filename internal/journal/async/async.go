package async

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ledgergate/ledgergate/internal/journal"
)

// Store wraps a journal.Store with asynchronous batch writes.
// Entries are queued in memory and written in batches to reduce database load.
// WARNING: Entries may be lost if the process crashes before flushing.
type Store struct {
	underlying    journal.Store
	entryChan     chan journal.Entry
	batchSize     int
	flushInterval time.Duration
	wg            sync.WaitGroup
	stopChan      chan struct{}
	logger        *log.Logger
}

// Config configures the async journal behavior.
type Config struct {
	BatchSize     int           // Maximum entries per batch (default: 100)
	FlushInterval time.Duration // Maximum time between flushes (default: 1s)
	ChannelBuffer int           // Channel buffer size (default: 10000)
	Logger        *log.Logger   // Optional logger for diagnostics
}

// New wraps an existing journal store with async batch writing.
func New(underlying journal.Store, cfg Config) *Store {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 1 * time.Second
	}
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = 10000
	}

	s := &Store{
		underlying:    underlying,
		entryChan:     make(chan journal.Entry, cfg.ChannelBuffer),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		stopChan:      make(chan struct{}),
		logger:        cfg.Logger,
	}

	s.wg.Add(1)
	go s.batchWriter()

	return s
}

// batchWriter runs in a background goroutine, batching entries and writing them periodically.
func (s *Store) batchWriter() {
	defer s.wg.Done()

	batch := make([]journal.Entry, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}

		ctx := context.Background()
		for _, entry := range batch {
			if err := s.underlying.Record(ctx, entry); err != nil {
				if s.logger != nil {
					s.logger.Printf("[async-journal] ERROR writing entry: %v", err)
				}
				// Continue processing other entries even if one fails
			}
		}

		batch = batch[:0]
	}

	for {
		select {
		case entry := <-s.entryChan:
			batch = append(batch, entry)
			if len(batch) >= s.batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-s.stopChan:
			// Drain remaining entries
			close(s.entryChan)
			for entry := range s.entryChan {
				batch = append(batch, entry)
				if len(batch) >= s.batchSize {
					flush()
				}
			}
			flush()
			return
		}
	}
}

// Record queues an entry for asynchronous writing (non-blocking).
func (s *Store) Record(ctx context.Context, entry journal.Entry) error {
	select {
	case s.entryChan <- entry:
		return nil
	default:
		// Channel full - this is a warning condition
		if s.logger != nil {
			s.logger.Printf("[async-journal] WARNING: channel full, dropping entry")
		}
		return nil
	}
}

// Summary delegates to the underlying store (blocking operation).
func (s *Store) Summary(ctx context.Context, userID string) (journal.Summary, error) {
	return s.underlying.Summary(ctx, userID)
}

// ListRecent delegates to the underlying store (blocking operation).
func (s *Store) ListRecent(ctx context.Context, userID string, limit int) ([]journal.Entry, error) {
	return s.underlying.ListRecent(ctx, userID, limit)
}

// Close flushes remaining entries and closes the underlying store.
func (s *Store) Close() error {
	close(s.stopChan)
	s.wg.Wait()
	return s.underlying.Close()
}
