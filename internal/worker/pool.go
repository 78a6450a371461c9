// Package worker drives delivery: the Pool fans a batch out to concurrent
// send tasks and applies the queue-side action for each outcome, and the
// Drainer runs the deadline-bounded loop that feeds it.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/smtp-dispatch/internal/domain"
	"github.com/ignite/smtp-dispatch/internal/pkg/logger"
)

// deadlineFloor is the minimum remaining budget required to start a chunk.
// Below it there is no room for a full attempt loop, so remaining messages
// are left for the queue's visibility timeout.
const deadlineFloor = 5 * time.Second

// EmailSender resolves one request to exactly one outcome.
// *mailer.Sender is the production implementation.
type EmailSender interface {
	Send(ctx context.Context, req *domain.SendRequest) domain.SendOutcome
}

// QueueActions is the queue-side surface the pool needs after a send.
type QueueActions interface {
	Ack(ctx context.Context, receiptToken string) error
	DeadLetter(ctx context.Context, body string, attrs map[string]string) error
}

// Result pairs a request with its terminal outcome.
type Result struct {
	Request *domain.SendRequest
	Outcome domain.SendOutcome
}

// Totals are process-lifetime counters exposed on the ops endpoint.
type Totals struct {
	Sent      int64 `json:"sent"`
	Skipped   int64 `json:"skipped"`
	Failed    int64 `json:"failed"`
	Permanent int64 `json:"permanent"`
}

// Pool dispatches batches with bounded concurrency.
type Pool struct {
	sender         EmailSender
	queue          QueueActions
	maxConcurrency int

	totalSent      int64
	totalSkipped   int64
	totalFailed    int64
	totalPermanent int64
}

// NewPool builds a Pool. maxConcurrency below 1 falls back to 10.
func NewPool(sender EmailSender, queue QueueActions, maxConcurrency int) *Pool {
	if maxConcurrency < 1 {
		maxConcurrency = 10
	}
	return &Pool{sender: sender, queue: queue, maxConcurrency: maxConcurrency}
}

// Dispatch processes the batch in chunks of maxConcurrency. Each chunk runs
// fully in parallel and completes before the next starts, so a stalled
// provider cannot pile up unbounded in-flight sends. A chunk entered with
// less than deadlineFloor remaining is refused: it and everything after it
// resolve to Retryable timeouts with no SMTP attempted.
func (p *Pool) Dispatch(ctx context.Context, batch []*domain.SendRequest, deadline time.Time) []Result {
	results := make([]Result, len(batch))

	for start := 0; start < len(batch); start += p.maxConcurrency {
		if time.Until(deadline) < deadlineFloor || ctx.Err() != nil {
			logger.Warn("deadline too close, refusing remaining messages",
				"remaining", len(batch)-start,
				"deadline_in_ms", time.Until(deadline).Milliseconds())
			for i := start; i < len(batch); i++ {
				results[i] = Result{Request: batch[i], Outcome: domain.RetryableTimeout()}
				atomic.AddInt64(&p.totalFailed, 1)
			}
			return results
		}

		end := start + p.maxConcurrency
		if end > len(batch) {
			end = len(batch)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = p.process(ctx, batch[i])
			}(i)
		}
		wg.Wait()
	}

	return results
}

// process runs one send and takes the queue action its outcome demands.
// Ack and dead-letter errors are logged, never propagated: the message
// redelivers and the idempotency store suppresses a double send.
func (p *Pool) process(ctx context.Context, req *domain.SendRequest) Result {
	outcome := p.sender.Send(ctx, req)

	switch outcome.Status {
	case domain.StatusSent:
		atomic.AddInt64(&p.totalSent, 1)
		p.ack(ctx, req)
	case domain.StatusSkipped:
		atomic.AddInt64(&p.totalSkipped, 1)
		p.ack(ctx, req)
	case domain.StatusPermanent:
		atomic.AddInt64(&p.totalPermanent, 1)
		if err := p.queue.DeadLetter(ctx, req.RawBody, req.RawAttributes); err != nil {
			logger.Error("dead-letter failed",
				"queue_message_id", req.QueueMessageID,
				"error", err)
		}
		p.ack(ctx, req)
	case domain.StatusRetryable:
		atomic.AddInt64(&p.totalFailed, 1)
	}

	return Result{Request: req, Outcome: outcome}
}

func (p *Pool) ack(ctx context.Context, req *domain.SendRequest) {
	if err := p.queue.Ack(ctx, req.ReceiptToken); err != nil {
		logger.Error("ack failed",
			"queue_message_id", req.QueueMessageID,
			"error", err)
	}
}

// Totals snapshots the lifetime counters.
func (p *Pool) Totals() Totals {
	return Totals{
		Sent:      atomic.LoadInt64(&p.totalSent),
		Skipped:   atomic.LoadInt64(&p.totalSkipped),
		Failed:    atomic.LoadInt64(&p.totalFailed),
		Permanent: atomic.LoadInt64(&p.totalPermanent),
	}
}
