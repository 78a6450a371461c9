package mailer

import (
	"errors"
	"net/textproto"
	"strconv"
	"strings"
)

// sendClass partitions send failures by how the attempt loop reacts.
type sendClass int

const (
	// classRetry covers transport failures and transient SMTP replies.
	classRetry sendClass = iota
	// classRetryCooldown is a retryable failure that also blocks the
	// recipient domain: 421 or an explicit rate-limit message.
	classRetryCooldown
	// classPermanent is a hard rejection routed to the dead letter queue.
	classPermanent
)

// deferralPhrases mark replies that are throttling in disguise, whatever
// the reply code says.
var deferralPhrases = []string{
	"rate limit",
	"too many",
	"quota",
	"exceeded",
	"temporarily deferred",
}

// classify maps one send error to its class and SMTP reply code. The code is
// 0 when the failure happened below the SMTP layer.
func classify(err error) (sendClass, int) {
	code := replyCode(err)
	msg := strings.ToLower(err.Error())

	if code == 421 {
		return classRetryCooldown, code
	}
	if code >= 450 && code <= 452 {
		return classRetry, code
	}
	for _, phrase := range deferralPhrases {
		if strings.Contains(msg, phrase) {
			if strings.Contains(msg, "rate limit") {
				return classRetryCooldown, code
			}
			return classRetry, code
		}
	}
	if code == 550 || code == 551 || code == 552 {
		return classPermanent, code
	}
	// Remaining 4xx and 5xx replies, transport failures, and anything
	// unrecognized stay retryable; the queue redelivers.
	return classRetry, code
}

// replyCode extracts the SMTP reply code: a *textproto.Error carries it
// directly, otherwise a leading three-digit number in the text counts.
func replyCode(err error) int {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code
	}
	text := strings.TrimSpace(err.Error())
	if len(text) >= 3 {
		if n, convErr := strconv.Atoi(text[:3]); convErr == nil && n >= 200 && n < 600 {
			return n
		}
	}
	return 0
}
