package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wardenhq/warden/internal/domain"
)

// Sender delivers one notification. SMTP, webhook and console senders all
// satisfy this; delivery mechanics live outside the queue.
type Sender interface {
	Send(ctx context.Context, entry domain.NotificationQueueEntry) error
}

// Dispatcher is the worker loop that drains the queue: pull pending,
// dispatch, mark. Retry scheduling is entirely the queue's concern.
type Dispatcher struct {
	queue    *Queue
	sender   Sender
	interval time.Duration
	log      zerolog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex
}

// NewDispatcher creates a dispatcher polling at the given interval.
func NewDispatcher(queue *Queue, sender Sender, interval time.Duration, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		queue:    queue,
		sender:   sender,
		interval: interval,
		log:      log.With().Str("component", "notify_dispatcher").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start launches the dispatch loop.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		d.log.Warn().Msg("Dispatcher already started, ignoring")
		return
	}
	d.started = true

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-d.stopChan:
				return
			case <-ticker.C:
				d.DispatchOnce(context.Background())
			}
		}
	}()
	d.log.Info().Dur("interval", d.interval).Msg("Notification dispatcher started")
}

// Stop signals the loop and waits for it to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return
	}
	close(d.stopChan)
	d.wg.Wait()
	d.started = false
	d.stopChan = make(chan struct{})
	d.log.Info().Msg("Notification dispatcher stopped")
}

// DispatchOnce processes a single pending batch. Exposed for the ops
// surface and tests.
func (d *Dispatcher) DispatchOnce(ctx context.Context) int {
	pending, err := d.queue.GetPending(PendingLimit)
	if err != nil {
		d.log.Error().Err(err).Msg("Failed to fetch pending notifications")
		return 0
	}

	dispatched := 0
	for _, entry := range pending {
		if err := d.sender.Send(ctx, entry); err != nil {
			d.log.Warn().Err(err).Str("id", entry.ID).Str("email_type", entry.EmailType).Msg("Notification send failed")
			if markErr := d.queue.MarkFailed(entry.ID, err.Error()); markErr != nil {
				d.log.Error().Err(markErr).Str("id", entry.ID).Msg("Failed to mark notification failed")
			}
			continue
		}
		if err := d.queue.MarkSent(entry.ID); err != nil {
			d.log.Error().Err(err).Str("id", entry.ID).Msg("Failed to mark notification sent")
			continue
		}
		dispatched++
	}
	return dispatched
}
