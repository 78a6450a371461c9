package mailer

import (
	"context"
	"sync"
	"time"

	"github.com/ignite/smtp-dispatch/internal/pkg/logger"
)

const evictInterval = time.Hour

// idempotencyStore keeps fingerprints of successfully sent messages for one
// window. It is per-process only; a restart forgets everything, and the
// 24-hour default window bounds memory to roughly one day's volume.
type idempotencyStore struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]time.Time
}

func newIdempotencyStore(window time.Duration) *idempotencyStore {
	return &idempotencyStore{
		window:  window,
		entries: make(map[string]time.Time),
	}
}

// seen reports whether the fingerprint was recorded inside the window.
// A stale entry found on lookup is evicted on the spot.
func (s *idempotencyStore) seen(fp string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.entries[fp]
	if !ok {
		return false
	}
	if now.Sub(at) >= s.window {
		delete(s.entries, fp)
		return false
	}
	return true
}

// record stamps the fingerprint with the first send time. An existing entry
// keeps its original stamp.
func (s *idempotencyStore) record(fp string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[fp]; !ok {
		s.entries[fp] = now
	}
}

func (s *idempotencyStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// evictStale sweeps entries older than the window and returns the count.
func (s *idempotencyStore) evictStale(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for fp, at := range s.entries {
		if now.Sub(at) >= s.window {
			delete(s.entries, fp)
			evicted++
		}
	}
	return evicted
}

// startEvictor sweeps hourly until ctx is done. Lookup-time eviction handles
// the hot path; the sweep catches fingerprints never queried again.
func (s *idempotencyStore) startEvictor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(evictInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := s.evictStale(now); n > 0 {
					logger.Debug("evicted idempotency entries", "count", n)
				}
			}
		}
	}()
}
