// Package ratelimit enforces the two send ceilings: a global per-second
// budget and a per-recipient-domain per-minute window, plus hard cooldowns
// applied when a provider signals throttling.
package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ignite/smtp-dispatch/internal/domain"
	"github.com/ignite/smtp-dispatch/internal/pkg/backoff"
	"github.com/ignite/smtp-dispatch/internal/pkg/logger"
)

const (
	globalWindow    = time.Second
	domainWindow    = time.Minute
	domainRetention = 2 * time.Minute
	janitorInterval = time.Minute

	// DefaultCooldown is applied when a provider answers 421 or an
	// explicit rate-limit message.
	DefaultCooldown = 60 * time.Second

	defaultGlobalPerSecond = 35
)

// defaultDomainLimits holds per-minute ceilings for the major mailbox
// providers. Values are deliberately conservative; providers throttle well
// below their published limits when reputation is cold.
var defaultDomainLimits = map[string]int{
	"gmail.com":      15,
	"googlemail.com": 15,
	"outlook.com":    20,
	"hotmail.com":    20,
	"live.com":       20,
	"msn.com":        20,
	"yahoo.com":      25,
	"aol.com":        25,
	"default":        30,
}

// domainState tracks recent sends and an optional cooldown for one domain.
// Timestamps are append-only and pruned to the retention horizon; the limit
// check only counts the trailing one-minute window.
type domainState struct {
	mu            sync.Mutex
	timestamps    []time.Time
	cooldownUntil time.Time
}

func (s *domainState) prune(now time.Time) {
	cutoff := now.Add(-domainRetention)
	i := 0
	for i < len(s.timestamps) && s.timestamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		s.timestamps = append(s.timestamps[:0], s.timestamps[i:]...)
	}
}

// inWindow returns the timestamps inside the trailing one-minute window.
// The returned slice aliases s.timestamps; callers must hold s.mu.
func (s *domainState) inWindow(now time.Time) []time.Time {
	cutoff := now.Add(-domainWindow)
	i := 0
	for i < len(s.timestamps) && !s.timestamps[i].After(cutoff) {
		i++
	}
	return s.timestamps[i:]
}

// wait returns how long a caller must hold off before attempting a send to
// this domain. An active cooldown takes priority over the sliding window.
func (s *domainState) wait(limit int, now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cooldownUntil.After(now) {
		return s.cooldownUntil.Sub(now)
	}

	s.prune(now)
	window := s.inWindow(now)
	if len(window) < limit {
		return 0
	}
	return window[0].Add(domainWindow).Sub(now)
}

// Limiter is the process-wide rate limiter shared by all send workers.
type Limiter struct {
	globalLimit int
	limits      map[string]int

	globalMu         sync.Mutex
	globalTimestamps []time.Time

	domainsMu sync.RWMutex
	domains   map[string]*domainState
}

// New builds a Limiter with the built-in domain table merged with overrides.
// Override keys are lowercased; an explicit "default" entry replaces the
// built-in fallback limit.
func New(globalPerSecond int, overrides map[string]int) *Limiter {
	if globalPerSecond < 1 {
		globalPerSecond = defaultGlobalPerSecond
	}
	limits := make(map[string]int, len(defaultDomainLimits)+len(overrides))
	for d, n := range defaultDomainLimits {
		limits[d] = n
	}
	for d, n := range overrides {
		if n > 0 {
			limits[strings.ToLower(d)] = n
		}
	}
	return &Limiter{
		globalLimit: globalPerSecond,
		limits:      limits,
		domains:     make(map[string]*domainState),
	}
}

// LimitFor returns the per-minute ceiling for a domain.
func (l *Limiter) LimitFor(dom string) int {
	if n, ok := l.limits[dom]; ok {
		return n
	}
	return l.limits["default"]
}

// GlobalLimit returns the per-second ceiling.
func (l *Limiter) GlobalLimit() int {
	return l.globalLimit
}

func (l *Limiter) state(dom string) *domainState {
	l.domainsMu.RLock()
	s, ok := l.domains[dom]
	l.domainsMu.RUnlock()
	if ok {
		return s
	}

	l.domainsMu.Lock()
	defer l.domainsMu.Unlock()
	if s, ok = l.domains[dom]; ok {
		return s
	}
	s = &domainState{}
	l.domains[dom] = s
	return s
}

// globalWait prunes the one-second window and returns the required hold-off
// when the window is full.
func (l *Limiter) globalWait(now time.Time) time.Duration {
	l.globalMu.Lock()
	defer l.globalMu.Unlock()

	cutoff := now.Add(-globalWindow)
	i := 0
	for i < len(l.globalTimestamps) && !l.globalTimestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.globalTimestamps = append(l.globalTimestamps[:0], l.globalTimestamps[i:]...)
	}
	if len(l.globalTimestamps) < l.globalLimit {
		return 0
	}
	return l.globalTimestamps[0].Add(globalWindow).Sub(now)
}

// requiredWait computes the hold-off for one attempt: the maximum of the
// global and domain constraints at the given instant.
func (l *Limiter) requiredWait(recipient string, now time.Time) (string, time.Duration) {
	dom := domain.DomainOf(recipient)
	gw := l.globalWait(now)
	dw := l.state(dom).wait(l.LimitFor(dom), now)
	if dw > gw {
		return dom, dw
	}
	return dom, gw
}

// WaitUntilAllowed blocks until a send attempt to the recipient's domain is
// permissible, or until ctx is done. Callers invoke it once per attempt; the
// limiter does not re-check after waking.
func (l *Limiter) WaitUntilAllowed(ctx context.Context, recipient string) error {
	dom, d := l.requiredWait(recipient, time.Now())
	if d <= 0 {
		return ctx.Err()
	}
	logger.Debug("rate limit hold-off", "domain", dom, "wait_ms", d.Milliseconds())
	return backoff.Sleep(ctx, d)
}

// RecordSend appends the current instant to both the global and the domain
// windows. Called only after a successful SMTP submission.
func (l *Limiter) RecordSend(dom string) {
	now := time.Now()

	l.globalMu.Lock()
	l.globalTimestamps = append(l.globalTimestamps, now)
	l.globalMu.Unlock()

	s := l.state(dom)
	s.mu.Lock()
	s.timestamps = append(s.timestamps, now)
	s.mu.Unlock()
}

// SetCooldown blocks the domain until now+d, replacing any earlier value.
// A non-positive d applies DefaultCooldown.
func (l *Limiter) SetCooldown(dom string, d time.Duration) {
	if d <= 0 {
		d = DefaultCooldown
	}
	until := time.Now().Add(d)

	s := l.state(dom)
	s.mu.Lock()
	s.cooldownUntil = until
	s.mu.Unlock()

	logger.Warn("domain cooldown set", "domain", dom, "until", until.UTC().Format(time.RFC3339))
}

// ClearCooldown lifts an active cooldown for the domain.
func (l *Limiter) ClearCooldown(dom string) {
	l.domainsMu.RLock()
	s, ok := l.domains[dom]
	l.domainsMu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.cooldownUntil = time.Time{}
	s.mu.Unlock()
}

// DomainStats reports current utilization for one domain.
type DomainStats struct {
	SentLastMinute int        `json:"sent_last_minute"`
	PerMinuteLimit int        `json:"per_minute_limit"`
	CooldownUntil  *time.Time `json:"cooldown_until,omitempty"`
}

// Stats reports current utilization across the limiter.
type Stats struct {
	GlobalLastSecond int                    `json:"global_last_second"`
	GlobalLimit      int                    `json:"global_limit"`
	Domains          map[string]DomainStats `json:"domains"`
}

// Stats snapshots current utilization. Windows are pruned as a side effect.
func (l *Limiter) Stats() Stats {
	now := time.Now()
	st := Stats{
		GlobalLimit: l.globalLimit,
		Domains:     make(map[string]DomainStats),
	}

	l.globalWait(now)
	l.globalMu.Lock()
	st.GlobalLastSecond = len(l.globalTimestamps)
	l.globalMu.Unlock()

	l.domainsMu.RLock()
	defer l.domainsMu.RUnlock()
	for name, s := range l.domains {
		s.mu.Lock()
		s.prune(now)
		ds := DomainStats{
			SentLastMinute: len(s.inWindow(now)),
			PerMinuteLimit: l.LimitFor(name),
		}
		if s.cooldownUntil.After(now) {
			until := s.cooldownUntil
			ds.CooldownUntil = &until
		}
		s.mu.Unlock()
		st.Domains[name] = ds
	}
	return st
}

// StartJanitor evicts idle domain state once per minute until ctx is done.
func (l *Limiter) StartJanitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				l.evictIdle(now)
			}
		}
	}()
}

// evictIdle removes domains with no retained timestamps and no active
// cooldown. Returns the eviction count.
func (l *Limiter) evictIdle(now time.Time) int {
	l.domainsMu.Lock()
	defer l.domainsMu.Unlock()

	evicted := 0
	for name, s := range l.domains {
		s.mu.Lock()
		s.prune(now)
		idle := len(s.timestamps) == 0 && !s.cooldownUntil.After(now)
		s.mu.Unlock()
		if idle {
			delete(l.domains, name)
			evicted++
		}
	}
	if evicted > 0 {
		logger.Debug("evicted idle domain state", "count", evicted)
	}
	return evicted
}
