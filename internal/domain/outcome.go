package domain

// Status is the terminal disposition of one SendRequest.
type Status string

const (
	StatusSent      Status = "sent"
	StatusSkipped   Status = "skipped"
	StatusRetryable Status = "retryable"
	StatusPermanent Status = "permanent"
)

// Skip / retry reasons surfaced in outcomes and logs.
const (
	ReasonDuplicate = "idempotent_duplicate"
	ReasonTimeout   = "timeout"
)

// SendOutcome is the result of exactly one SendRequest. Every request
// resolves to exactly one outcome; ShouldAck decides the queue-side action.
type SendOutcome struct {
	Status        Status `json:"status"`
	SMTPMessageID string `json:"smtp_message_id,omitempty"`
	Attempts      int    `json:"attempts,omitempty"`
	SMTPCode      int    `json:"smtp_code,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Err           error  `json:"-"`
}

// Sent builds the success outcome.
func Sent(smtpMessageID string, attempts int) SendOutcome {
	return SendOutcome{Status: StatusSent, SMTPMessageID: smtpMessageID, Attempts: attempts}
}

// Skipped builds the duplicate-suppression outcome.
func Skipped(reason string) SendOutcome {
	return SendOutcome{Status: StatusSkipped, Reason: reason}
}

// Retryable builds a transient-failure outcome. The message is left unacked
// so the queue's visibility timeout redelivers it.
func Retryable(err error, attempts, smtpCode int) SendOutcome {
	return SendOutcome{Status: StatusRetryable, Err: err, Attempts: attempts, SMTPCode: smtpCode}
}

// RetryableTimeout marks work refused because the deadline is too close.
func RetryableTimeout() SendOutcome {
	return SendOutcome{Status: StatusRetryable, Reason: ReasonTimeout}
}

// Permanent builds a hard-failure outcome; the message is dead-lettered
// and the original acked.
func Permanent(err error, smtpCode int) SendOutcome {
	return SendOutcome{Status: StatusPermanent, Err: err, SMTPCode: smtpCode}
}

// ShouldAck reports whether the original queue message must be removed.
// Retryable is the only status that leaves the message in place.
func (o SendOutcome) ShouldAck() bool {
	return o.Status == StatusSent || o.Status == StatusSkipped || o.Status == StatusPermanent
}

// IsPermanent reports whether the outcome routes to the dead-letter queue.
func (o SendOutcome) IsPermanent() bool {
	return o.Status == StatusPermanent
}

// ErrorText returns the terminal error message, or "" for clean outcomes.
func (o SendOutcome) ErrorText() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
