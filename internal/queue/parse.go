package queue

import (
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/ignite/smtp-dispatch/internal/domain"
)

// Body fields the parser consumes directly. Everything else is preserved
// into SendRequest.Metadata so producers can pass tracking context through.
var consumedFields = map[string]bool{
	"to":          true,
	"subject":     true,
	"content":     true,
	"html":        true,
	"text":        true,
	"body":        true,
	"contentType": true,
}

// Parse decodes one queue message into a SendRequest.
//
// The body is JSON. Message attributes "to" and "subject" override their
// body counterparts; body content resolves content > html > text > body.
// contentType wins when present, otherwise an "html" field implies HTML.
// A non-JSON body or a missing recipient/body yields *domain.ParseError;
// the caller routes the raw message to dead-letter and acks the original.
func (a *Adapter) Parse(msg types.Message) (*domain.SendRequest, error) {
	id := awsString(msg.MessageId)

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(awsString(msg.Body)), &fields); err != nil {
		return nil, &domain.ParseError{MessageID: id, Reason: "body is not valid JSON"}
	}

	attrs := stringAttributes(msg.MessageAttributes)

	req := &domain.SendRequest{
		ReceiptToken:   awsString(msg.ReceiptHandle),
		QueueMessageID: id,
		RawBody:        awsString(msg.Body),
		RawAttributes:  attrs,
	}

	req.Recipient = attrs["to"]
	if req.Recipient == "" {
		req.Recipient = stringField(fields, "to")
	}
	if req.Recipient == "" {
		return nil, &domain.ParseError{MessageID: id, Reason: "no recipient in attributes or body"}
	}

	req.Subject = attrs["subject"]
	if req.Subject == "" {
		req.Subject = stringField(fields, "subject")
	}

	htmlField := stringField(fields, "html")
	for _, key := range []string{"content", "html", "text", "body"} {
		if v := stringField(fields, key); v != "" {
			req.Body = v
			break
		}
	}
	if req.Body == "" {
		return nil, &domain.ParseError{MessageID: id, Reason: "no message content"}
	}

	switch stringField(fields, "contentType") {
	case "html":
		req.ContentKind = domain.ContentHTML
	case "text":
		req.ContentKind = domain.ContentText
	default:
		if htmlField != "" {
			req.ContentKind = domain.ContentHTML
		} else {
			req.ContentKind = domain.ContentText
		}
	}

	req.Metadata = make(map[string]interface{})
	for k, v := range fields {
		if !consumedFields[k] {
			req.Metadata[k] = v
		}
	}
	for k, v := range attrs {
		if k != "to" && k != "subject" {
			req.Metadata[k] = v
		}
	}
	if len(req.Metadata) == 0 {
		req.Metadata = nil
	}

	return req, nil
}

func stringField(fields map[string]interface{}, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

func stringAttributes(attrs map[string]types.MessageAttributeValue) map[string]string {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		if v.StringValue != nil {
			out[k] = *v.StringValue
		}
	}
	return out
}

func awsString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
