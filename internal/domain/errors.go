package domain

import "fmt"

// ParseError marks a queue payload that cannot become a SendRequest.
// The drainer routes these to the dead-letter queue and acks the original.
type ParseError struct {
	MessageID string
	Reason    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse message %s: %s", e.MessageID, e.Reason)
}
