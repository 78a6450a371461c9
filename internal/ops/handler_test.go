package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/smtp-dispatch/internal/domain"
	"github.com/ignite/smtp-dispatch/internal/ratelimit"
	"github.com/ignite/smtp-dispatch/internal/worker"
)

type noopSender struct{}

func (noopSender) Send(ctx context.Context, req *domain.SendRequest) domain.SendOutcome {
	return domain.Sent("id", 1)
}

type noopQueue struct{}

func (noopQueue) Ack(ctx context.Context, receiptToken string) error { return nil }
func (noopQueue) DeadLetter(ctx context.Context, body string, attrs map[string]string) error {
	return nil
}

func newHandler() *Handler {
	limiter := ratelimit.New(35, nil)
	limiter.RecordSend("gmail.com")
	return NewHandler(limiter, worker.NewPool(noopSender{}, noopQueue{}, 10))
}

func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(newHandler().Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestStats(t *testing.T) {
	h := newHandler()
	h.RecordSummary(domain.Summary{
		Processed:     42,
		StoppedReason: domain.StopQueueEmpty,
	})

	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		RateLimiter ratelimit.Stats `json:"rate_limiter"`
		Pool        worker.Totals   `json:"pool"`
		LastSummary *domain.Summary `json:"last_summary"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))

	assert.Equal(t, 35, payload.RateLimiter.GlobalLimit)
	assert.Equal(t, 1, payload.RateLimiter.Domains["gmail.com"].SentLastMinute)
	require.NotNil(t, payload.LastSummary)
	assert.Equal(t, 42, payload.LastSummary.Processed)
	assert.Equal(t, domain.StopQueueEmpty, payload.LastSummary.StoppedReason)
}

func TestStatsWithoutSummary(t *testing.T) {
	srv := httptest.NewServer(newHandler().Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
