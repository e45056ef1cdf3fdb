/*
scheduler.go - Automated key expiry scheduler

PURPOSE:
  Periodically runs the expiry sweep, transitioning active time-limited
  keys whose validity window has elapsed to the expired status.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - The sweep itself is a single conditional UPDATE per class, so a
    missed tick just means the next one expires a slightly larger set
  - Reads still see the correct lifecycle state between sweeps because
    expiry is derived from assigned_at, not from the sweep having run

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewExpiryScheduler(handler.Revocation)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunExpiry endpoint (manual sweep)
  - keys/revocation.go: ExpireDue implementation
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/keyvault/keys"
)

// ExpiryScheduler handles automated expiry of time-limited keys.
type ExpiryScheduler struct {
	Revocation    *keys.RevocationService
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewExpiryScheduler creates a new scheduler.
func NewExpiryScheduler(revocation *keys.RevocationService) *ExpiryScheduler {
	return &ExpiryScheduler{
		Revocation:    revocation,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (es *ExpiryScheduler) Start() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if !es.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}

	es.ticker = time.NewTicker(es.CheckInterval)
	es.wg.Add(1)

	go es.run()

	log.Printf("[Scheduler] Started with check interval: %v", es.CheckInterval)
}

// Stop stops the scheduler.
func (es *ExpiryScheduler) Stop() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.ticker != nil {
		es.ticker.Stop()
		close(es.stop)
		es.wg.Wait()
		log.Println("[Scheduler] Stopped")
	}
}

func (es *ExpiryScheduler) run() {
	defer es.wg.Done()

	// Run immediately on start
	es.sweep()

	for {
		select {
		case <-es.ticker.C:
			es.sweep()
		case <-es.stop:
			return
		}
	}
}

func (es *ExpiryScheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := es.Revocation.ExpireDue(ctx)
	if err != nil {
		log.Printf("[Scheduler] Expiry sweep failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[Scheduler] Expired %d keys", n)
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (es *ExpiryScheduler) RunNow() {
	es.sweep()
}
