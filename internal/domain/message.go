package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ContentKind distinguishes HTML from plain-text message bodies.
type ContentKind string

const (
	ContentHTML ContentKind = "html"
	ContentText ContentKind = "text"
)

// fingerprintBodyPrefix is how much of the body participates in the
// idempotency fingerprint. Enough to distinguish real content changes,
// small enough to keep hashing cheap at volume.
const fingerprintBodyPrefix = 100

// SendRequest is the decoded payload of one queue message: a single email
// to be relayed over SMTP.
type SendRequest struct {
	Recipient   string                 `json:"recipient"`
	Subject     string                 `json:"subject"`
	Body        string                 `json:"body"`
	ContentKind ContentKind            `json:"content_kind"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	// Populated at fetch time by the queue adapter. RawBody and
	// RawAttributes carry the message exactly as received so a permanent
	// failure can forward the original payload to the dead-letter queue.
	ReceiptToken   string            `json:"-"`
	QueueMessageID string            `json:"queue_message_id,omitempty"`
	RawBody        string            `json:"-"`
	RawAttributes  map[string]string `json:"-"`
}

// Fingerprint returns the hex SHA-256 over recipient, subject and the first
// 100 bytes of the body, joined with ":". Used for idempotency keying only.
func (r *SendRequest) Fingerprint() string {
	body := r.Body
	if len(body) > fingerprintBodyPrefix {
		body = body[:fingerprintBodyPrefix]
	}
	h := sha256.Sum256([]byte(r.Recipient + ":" + r.Subject + ":" + body))
	return hex.EncodeToString(h[:])
}

// RecipientDomain returns the lower-cased host part of the recipient
// address, or "unknown" when the address has no usable "@" split.
func (r *SendRequest) RecipientDomain() string {
	return DomainOf(r.Recipient)
}

// DomainOf extracts the lower-cased domain from an email address.
// Malformed addresses map to "unknown" so they still flow through the
// default rate bucket instead of being dropped.
func DomainOf(address string) string {
	at := strings.LastIndex(address, "@")
	if at < 0 || at == len(address)-1 {
		return "unknown"
	}
	return strings.ToLower(address[at+1:])
}
