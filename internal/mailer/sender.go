// Package mailer owns the send pipeline: idempotency, rate gating, envelope
// assembly, the classified retry loop, and cooldown triggers.
package mailer

import (
	"context"
	"math/rand"
	"time"

	"github.com/ignite/smtp-dispatch/internal/config"
	"github.com/ignite/smtp-dispatch/internal/domain"
	"github.com/ignite/smtp-dispatch/internal/pkg/backoff"
	"github.com/ignite/smtp-dispatch/internal/pkg/logger"
	"github.com/ignite/smtp-dispatch/internal/ratelimit"
)

// Transport submits one assembled message. *smtp.Pool is the production
// implementation.
type Transport interface {
	Send(ctx context.Context, from, to string, msg []byte) error
}

// Sender resolves every SendRequest to exactly one SendOutcome.
type Sender struct {
	transport    Transport
	limiter      *ratelimit.Limiter
	store        *idempotencyStore
	builder      *messageBuilder
	policy       backoff.Policy
	maxAttempts  int
	envelopeFrom string
}

// NewSender wires the pipeline. The envelope sender (MAIL FROM) is the
// configured Return-Path when present, the From address otherwise.
func NewSender(smtpCfg config.SMTPConfig, sendCfg config.SenderConfig, transport Transport, limiter *ratelimit.Limiter) *Sender {
	attempts := sendCfg.MaxAttempts
	if attempts < 1 {
		attempts = 3
	}
	envelopeFrom := smtpCfg.ReturnPath
	if envelopeFrom == "" {
		envelopeFrom = smtpCfg.From
	}
	return &Sender{
		transport:    transport,
		limiter:      limiter,
		store:        newIdempotencyStore(sendCfg.IdempotencyWindow()),
		builder:      newMessageBuilder(smtpCfg),
		policy:       backoff.New(sendCfg.InitialRetry(), sendCfg.MaxRetry()),
		maxAttempts:  attempts,
		envelopeFrom: envelopeFrom,
	}
}

// StartMaintenance runs the idempotency evictor until ctx is done.
func (s *Sender) StartMaintenance(ctx context.Context) {
	s.store.startEvictor(ctx)
}

// IdempotencyEntries reports the current fingerprint count.
func (s *Sender) IdempotencyEntries() int {
	return s.store.len()
}

// Send delivers one message. Duplicates inside the idempotency window are
// skipped without touching SMTP or the rate limiter; everything else goes
// through the gate, the pre-send jitter, and the classified attempt loop.
func (s *Sender) Send(ctx context.Context, req *domain.SendRequest) domain.SendOutcome {
	fp := req.Fingerprint()
	if s.store.seen(fp, time.Now()) {
		logger.Debug("duplicate suppressed", "recipient", req.Recipient)
		return domain.Skipped(domain.ReasonDuplicate)
	}

	if err := s.limiter.WaitUntilAllowed(ctx, req.Recipient); err != nil {
		return domain.RetryableTimeout()
	}

	dom := req.RecipientDomain()
	if err := backoff.Sleep(ctx, presendJitter(dom)); err != nil {
		return domain.RetryableTimeout()
	}

	var (
		lastErr  error
		lastCode int
	)
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		msgID, data := s.builder.build(req)

		err := s.transport.Send(ctx, s.envelopeFrom, req.Recipient, data)
		if err == nil {
			s.store.record(fp, time.Now())
			s.limiter.RecordSend(dom)
			logger.Info("message sent",
				"recipient", req.Recipient,
				"domain", dom,
				"smtp_message_id", msgID,
				"attempts", attempt)
			return domain.Sent(msgID, attempt)
		}

		class, code := classify(err)
		lastErr, lastCode = err, code

		if class == classRetryCooldown {
			s.limiter.SetCooldown(dom, ratelimit.DefaultCooldown)
		}
		if class == classPermanent {
			logger.Warn("permanent failure",
				"recipient", req.Recipient,
				"domain", dom,
				"smtp_code", code,
				"error", err)
			return domain.Permanent(err, code)
		}
		if attempt == s.maxAttempts {
			break
		}

		logger.Debug("transient failure, backing off",
			"recipient", req.Recipient,
			"attempt", attempt,
			"smtp_code", code,
			"error", err)
		if err := backoff.Sleep(ctx, s.policy.Delay(attempt)); err != nil {
			return domain.RetryableTimeout()
		}
	}

	logger.Warn("retries exhausted",
		"recipient", req.Recipient,
		"domain", dom,
		"attempts", s.maxAttempts,
		"smtp_code", lastCode,
		"error", lastErr)
	return domain.Retryable(lastErr, s.maxAttempts, lastCode)
}

// presendJitter staggers submissions so batches do not hit a provider in
// lockstep. Google endpoints get a wider spread.
func presendJitter(dom string) time.Duration {
	if dom == "gmail.com" || dom == "googlemail.com" {
		return 50*time.Millisecond + time.Duration(rand.Int63n(int64(200*time.Millisecond)))
	}
	return time.Duration(rand.Int63n(int64(100 * time.Millisecond)))
}
