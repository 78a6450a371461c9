package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLimitFor verifies the built-in domain table and override merging.
func TestLimitFor(t *testing.T) {
	tests := []struct {
		domain   string
		expected int
	}{
		{"gmail.com", 15},
		{"googlemail.com", 15},
		{"outlook.com", 20},
		{"hotmail.com", 20},
		{"live.com", 20},
		{"msn.com", 20},
		{"yahoo.com", 25},
		{"aol.com", 25},
		{"company.io", 30},
		{"unknown", 30},
	}

	l := New(35, nil)
	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			assert.Equal(t, tt.expected, l.LimitFor(tt.domain))
		})
	}
}

func TestLimitOverrides(t *testing.T) {
	l := New(35, map[string]int{"GMAIL.com": 7, "comcast.net": 40, "default": 12, "bogus.org": 0})

	assert.Equal(t, 7, l.LimitFor("gmail.com"), "override replaces built-in")
	assert.Equal(t, 40, l.LimitFor("comcast.net"))
	assert.Equal(t, 12, l.LimitFor("never-seen.example"), "default entry is overridable")
	assert.Equal(t, 25, l.LimitFor("yahoo.com"), "untouched built-ins survive")
	assert.Equal(t, 12, l.LimitFor("bogus.org"), "non-positive overrides are ignored")
}

func TestNewClampsGlobalLimit(t *testing.T) {
	assert.Equal(t, 35, New(0, nil).GlobalLimit())
	assert.Equal(t, 35, New(-1, nil).GlobalLimit())
	assert.Equal(t, 20, New(20, nil).GlobalLimit())
}

// TestGlobalWait verifies the one-second window arithmetic without sleeping.
func TestGlobalWait(t *testing.T) {
	now := time.Now()

	l := New(35, nil)
	for i := 0; i < 34; i++ {
		l.globalTimestamps = append(l.globalTimestamps, now.Add(-500*time.Millisecond))
	}
	_, wait := l.requiredWait("a@company.io", now)
	assert.Equal(t, time.Duration(0), wait, "34 of 35 used leaves room")

	l.globalTimestamps = append(l.globalTimestamps, now.Add(-500*time.Millisecond))
	_, wait = l.requiredWait("a@company.io", now)
	assert.Equal(t, 500*time.Millisecond, wait, "full window waits for the oldest to age out")
}

func TestGlobalWindowPrunes(t *testing.T) {
	now := time.Now()

	l := New(35, nil)
	for i := 0; i < 35; i++ {
		l.globalTimestamps = append(l.globalTimestamps, now.Add(-2*time.Second))
	}
	_, wait := l.requiredWait("a@company.io", now)
	assert.Equal(t, time.Duration(0), wait)
	assert.Empty(t, l.globalTimestamps, "aged-out stamps are dropped")
}

// TestDomainWait verifies the one-minute window arithmetic.
func TestDomainWait(t *testing.T) {
	now := time.Now()

	l := New(35, nil)
	s := l.state("gmail.com")
	for i := 0; i < 15; i++ {
		s.timestamps = append(s.timestamps, now.Add(-30*time.Second))
	}

	_, wait := l.requiredWait("u@gmail.com", now)
	assert.Equal(t, 30*time.Second, wait)
}

func TestDomainRetentionOutlivesWindow(t *testing.T) {
	now := time.Now()

	l := New(35, nil)
	s := l.state("yahoo.com")
	s.timestamps = append(s.timestamps,
		now.Add(-130*time.Second), // beyond retention, dropped
		now.Add(-90*time.Second),  // retained but outside the check window
		now.Add(-30*time.Second),
	)

	_, wait := l.requiredWait("u@yahoo.com", now)
	assert.Equal(t, time.Duration(0), wait, "only one send inside the minute window")

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Len(t, s.timestamps, 2)
}

func TestCooldownPriority(t *testing.T) {
	now := time.Now()

	l := New(35, nil)
	s := l.state("gmail.com")
	s.cooldownUntil = now.Add(45 * time.Second)

	_, wait := l.requiredWait("u@gmail.com", now)
	assert.Equal(t, 45*time.Second, wait, "cooldown blocks even with an empty window")
}

func TestCooldownExpiredExactlyNow(t *testing.T) {
	now := time.Now()

	l := New(35, nil)
	s := l.state("gmail.com")
	s.cooldownUntil = now

	_, wait := l.requiredWait("u@gmail.com", now)
	assert.Equal(t, time.Duration(0), wait, "a cooldown ending exactly now no longer blocks")
}

func TestSetCooldownDefaultDuration(t *testing.T) {
	l := New(35, nil)
	l.SetCooldown("gmail.com", 0)

	st := l.Stats()
	ds, ok := st.Domains["gmail.com"]
	require.True(t, ok)
	require.NotNil(t, ds.CooldownUntil)
	assert.WithinDuration(t, time.Now().Add(DefaultCooldown), *ds.CooldownUntil, time.Second)
}

func TestClearCooldown(t *testing.T) {
	l := New(35, nil)
	l.SetCooldown("gmail.com", time.Hour)
	l.ClearCooldown("gmail.com")

	now := time.Now()
	_, wait := l.requiredWait("u@gmail.com", now)
	assert.Equal(t, time.Duration(0), wait)

	// Clearing a domain that was never seen is a no-op.
	l.ClearCooldown("never-seen.example")
}

// TestRecordSend verifies a success lands in both the global and the domain
// windows.
func TestRecordSend(t *testing.T) {
	l := New(35, nil)
	l.RecordSend("x.com")
	l.RecordSend("x.com")
	l.RecordSend("y.com")

	st := l.Stats()
	assert.Equal(t, 3, st.GlobalLastSecond)
	assert.Equal(t, 2, st.Domains["x.com"].SentLastMinute)
	assert.Equal(t, 1, st.Domains["y.com"].SentLastMinute)
	assert.Equal(t, 30, st.Domains["x.com"].PerMinuteLimit)
}

func TestMalformedRecipientUsesUnknownDomain(t *testing.T) {
	now := time.Now()

	l := New(35, nil)
	s := l.state("unknown")
	for i := 0; i < 30; i++ {
		s.timestamps = append(s.timestamps, now.Add(-10*time.Second))
	}

	dom, wait := l.requiredWait("not-an-address", now)
	assert.Equal(t, "unknown", dom)
	assert.Equal(t, 50*time.Second, wait, "default limit applies to the unknown bucket")
}

func TestWaitUntilAllowedImmediate(t *testing.T) {
	l := New(35, nil)

	start := time.Now()
	err := l.WaitUntilAllowed(context.Background(), "u@gmail.com")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitUntilAllowedSleepsOut(t *testing.T) {
	l := New(35, nil)
	s := l.state("gmail.com")
	s.cooldownUntil = time.Now().Add(60 * time.Millisecond)

	start := time.Now()
	err := l.WaitUntilAllowed(context.Background(), "u@gmail.com")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitUntilAllowedCancellable(t *testing.T) {
	l := New(35, nil)
	s := l.state("gmail.com")
	s.cooldownUntil = time.Now().Add(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := l.WaitUntilAllowed(ctx, "u@gmail.com")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestEvictIdle(t *testing.T) {
	now := time.Now()

	l := New(35, nil)
	l.state("idle.com")
	active := l.state("active.com")
	active.timestamps = append(active.timestamps, now.Add(-10*time.Second))
	cooling := l.state("cooling.com")
	cooling.cooldownUntil = now.Add(time.Hour)

	evicted := l.evictIdle(now)
	assert.Equal(t, 1, evicted)

	l.domainsMu.RLock()
	defer l.domainsMu.RUnlock()
	assert.NotContains(t, l.domains, "idle.com")
	assert.Contains(t, l.domains, "active.com")
	assert.Contains(t, l.domains, "cooling.com", "an active cooldown pins the state")
}

func TestConcurrentRecordSend(t *testing.T) {
	l := New(100, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.RecordSend("x.com")
		}()
	}
	wg.Wait()

	st := l.Stats()
	assert.Equal(t, 50, st.GlobalLastSecond)
	assert.Equal(t, 50, st.Domains["x.com"].SentLastMinute)
}

func BenchmarkRequiredWait(b *testing.B) {
	now := time.Now()
	l := New(35, nil)
	s := l.state("gmail.com")
	for i := 0; i < 15; i++ {
		s.timestamps = append(s.timestamps, now.Add(-30*time.Second))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.requiredWait("u@gmail.com", now)
	}
}
