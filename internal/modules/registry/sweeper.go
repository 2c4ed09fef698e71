package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper periodically checks heartbeat freshness across the fleet.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	log      zerolog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex
}

// NewSweeper creates a liveness sweeper with the given tick interval.
func NewSweeper(registry *Registry, interval time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		registry: registry,
		interval: interval,
		log:      log.With().Str("component", "liveness_sweeper").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.log.Warn().Msg("Sweeper already started, ignoring")
		return
	}
	s.started = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopChan:
				return
			case <-ticker.C:
				if flipped := s.registry.SweepStale(time.Now()); len(flipped) > 0 {
					s.log.Warn().Strs("nodes", flipped).Msg("Sweep found stale nodes")
				}
			}
		}
	}()
	s.log.Info().Dur("interval", s.interval).Msg("Liveness sweeper started")
}

// Stop signals the loop and waits for it to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	close(s.stopChan)
	s.wg.Wait()
	s.started = false
	s.stopChan = make(chan struct{})
	s.log.Info().Msg("Liveness sweeper stopped")
}
