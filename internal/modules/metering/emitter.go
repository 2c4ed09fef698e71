package metering

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/internal/domain"
)

// EmitterConfig holds the durability knobs of the meter emitter.
type EmitterConfig struct {
	WALPath       string
	DLQPath       string
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
}

// Emitter accepts meter events from worker adapters and guarantees their
// durability. Every event is appended to the WAL before it enters the
// in-memory buffer; the WAL is the authoritative "not yet durable in
// storage" set. Events that exhaust their retries land in the DLQ file,
// which only ever grows.
type Emitter struct {
	repo *Repository
	cfg  EmitterConfig
	log  zerolog.Logger

	mu      sync.Mutex
	buffer  []domain.MeterEvent
	retries map[string]int
	walFile *os.File
	closed  bool

	stopChan chan struct{}
	doneChan chan struct{}
}

// dlqEntry is one line of the dead-letter file.
type dlqEntry struct {
	Event  domain.MeterEvent `json:"event"`
	Reason string            `json:"reason"`
	At     time.Time         `json:"at"`
}

// NewEmitter creates the emitter and replays any WAL left over from a
// previous run before accepting new events.
func NewEmitter(repo *Repository, cfg EmitterConfig, log zerolog.Logger) (*Emitter, error) {
	e := &Emitter{
		repo:     repo,
		cfg:      cfg,
		log:      log.With().Str("component", "meter_emitter").Logger(),
		retries:  make(map[string]int),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}

	if err := e.replayWAL(); err != nil {
		return nil, err
	}

	walFile, err := os.OpenFile(cfg.WALPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}
	e.walFile = walFile

	return e, nil
}

// Start launches the periodic flush timer.
func (e *Emitter) Start() {
	go func() {
		defer close(e.doneChan)
		ticker := time.NewTicker(e.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stopChan:
				return
			case <-ticker.C:
				if err := e.Flush(); err != nil {
					e.log.Error().Err(err).Msg("Periodic meter flush failed")
				}
			}
		}
	}()
}

// Emit durably accepts one usage event. The event is WAL-appended first and
// buffered second; a buffer at batch size triggers an immediate flush.
// Calls after Close are ignored.
func (e *Emitter) Emit(event domain.MeterEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.Cost < 0 || event.Charge < 0 {
		return fmt.Errorf("cost and charge must be non-negative: %w", domain.ErrInvalidInput)
	}
	if !domain.ValidTenantID(event.Tenant) {
		return fmt.Errorf("invalid tenant id %q: %w", event.Tenant, domain.ErrInvalidInput)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.log.Warn().Str("event_id", event.ID).Msg("Emit after close ignored")
		return nil
	}

	line, err := json.Marshal(event)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := e.walFile.Write(append(line, '\n')); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to append to WAL: %w", err)
	}

	e.buffer = append(e.buffer, event)
	shouldFlush := len(e.buffer) >= e.cfg.BatchSize
	e.mu.Unlock()

	if shouldFlush {
		return e.Flush()
	}
	return nil
}

// Flush attempts to persist the buffered batch. On success the WAL is
// truncated; on failure the batch is re-buffered for the next attempt and
// events past MaxRetries are moved to the DLQ.
func (e *Emitter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushLocked()
}

func (e *Emitter) flushLocked() error {
	if len(e.buffer) == 0 {
		return nil
	}

	// Fsync boundary: the WAL must be durable before we treat the buffer
	// contents as flushable.
	if err := e.walFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}

	batch := e.buffer
	inserted, err := e.repo.InsertBatch(batch)
	if err == nil {
		e.buffer = nil
		for _, ev := range batch {
			delete(e.retries, ev.ID)
		}
		if truncErr := e.truncateWAL(); truncErr != nil {
			return truncErr
		}
		e.log.Debug().Int("batch", len(batch)).Int("inserted", inserted).Msg("Meter batch flushed")
		return nil
	}

	// Failed batch: bump per-event retry counters, dead-letter the ones
	// that exceeded the budget, keep the rest for the next attempt.
	var survivors []domain.MeterEvent
	for _, ev := range batch {
		e.retries[ev.ID]++
		if e.retries[ev.ID] > e.cfg.MaxRetries {
			if dlqErr := e.deadLetter(ev, err.Error()); dlqErr != nil {
				e.log.Error().Err(dlqErr).Str("event_id", ev.ID).Msg("Failed to dead-letter event")
				survivors = append(survivors, ev)
				continue
			}
			delete(e.retries, ev.ID)
			e.log.Warn().Str("event_id", ev.ID).Str("reason", err.Error()).Msg("Meter event dead-lettered")
		} else {
			survivors = append(survivors, ev)
		}
	}
	e.buffer = survivors

	// Keep the WAL aligned with the retry set so a crash mid-retry still
	// replays exactly the undurable events.
	if rewriteErr := e.rewriteWAL(survivors); rewriteErr != nil {
		e.log.Error().Err(rewriteErr).Msg("Failed to rewrite WAL after flush failure")
	}

	return fmt.Errorf("meter batch insert failed: %w", err)
}

// Close flushes pending events and stops accepting new ones.
func (e *Emitter) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	close(e.stopChan)
	<-e.doneChan

	e.mu.Lock()
	defer e.mu.Unlock()

	flushErr := e.flushLocked()
	e.closed = true
	if err := e.walFile.Close(); err != nil {
		e.log.Error().Err(err).Msg("Failed to close WAL file")
	}
	return flushErr
}

// replayWAL inserts every WAL event not already present in storage, then
// truncates the file. Runs before the emitter accepts traffic.
func (e *Emitter) replayWAL() error {
	f, err := os.Open(e.cfg.WALPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open WAL for replay: %w", err)
	}
	defer f.Close()

	var events []domain.MeterEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev domain.MeterEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			e.log.Warn().Err(err).Msg("Skipping corrupt WAL line")
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read WAL: %w", err)
	}

	if len(events) > 0 {
		// InsertBatch skips ids already durable, so double-replay is safe
		inserted, err := e.repo.InsertBatch(events)
		if err != nil {
			return fmt.Errorf("failed to replay WAL: %w", err)
		}
		e.log.Info().Int("replayed", len(events)).Int("inserted", inserted).Msg("WAL replayed")
	}

	if err := os.Truncate(e.cfg.WALPath, 0); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to truncate WAL after replay: %w", err)
	}
	return nil
}

func (e *Emitter) truncateWAL() error {
	if err := e.walFile.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate WAL: %w", err)
	}
	if _, err := e.walFile.Seek(0, 0); err != nil {
		return fmt.Errorf("failed to rewind WAL: %w", err)
	}
	return nil
}

func (e *Emitter) rewriteWAL(events []domain.MeterEvent) error {
	if err := e.truncateWAL(); err != nil {
		return err
	}
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal event for WAL rewrite: %w", err)
		}
		if _, err := e.walFile.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("failed to rewrite WAL line: %w", err)
		}
	}
	return e.walFile.Sync()
}

// deadLetter appends one terminal entry to the DLQ file.
func (e *Emitter) deadLetter(ev domain.MeterEvent, reason string) error {
	f, err := os.OpenFile(e.cfg.DLQPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open DLQ: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(dlqEntry{Event: ev, Reason: reason, At: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to marshal DLQ entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append DLQ entry: %w", err)
	}
	return nil
}

// BufferedCount returns the number of events awaiting flush.
func (e *Emitter) BufferedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buffer)
}
