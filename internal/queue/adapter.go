// Package queue adapts the SQS source queue and its dead-letter sibling to
// the delivery engine: long-poll fetch, ack, dead-letter forwarding, and
// payload parsing with attribute-over-body precedence.
package queue

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQS receive hard caps. The service rejects anything beyond these, so the
// adapter clamps instead of erroring.
const (
	maxFetch       = 10
	maxWaitSeconds = 20
)

// API is the slice of the SQS client the adapter uses. *sqs.Client
// satisfies it; tests swap in a fake.
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Adapter wraps one source queue and its dead-letter destination.
type Adapter struct {
	client   API
	queueURL string
	dlqURL   string
}

// New builds an Adapter. dlqURL may be empty; DeadLetter then fails loudly
// rather than silently dropping messages.
func New(client API, queueURL, dlqURL string) *Adapter {
	return &Adapter{client: client, queueURL: queueURL, dlqURL: dlqURL}
}

// Fetch long-polls the source queue for up to max messages, requesting all
// message attributes so parsing can apply attribute precedence.
func (a *Adapter) Fetch(ctx context.Context, max, waitSeconds int) ([]types.Message, error) {
	if max < 1 || max > maxFetch {
		max = maxFetch
	}
	if waitSeconds < 0 {
		waitSeconds = 0
	}
	if waitSeconds > maxWaitSeconds {
		waitSeconds = maxWaitSeconds
	}

	out, err := a.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(a.queueURL),
		MaxNumberOfMessages:   int32(max),
		WaitTimeSeconds:       int32(waitSeconds),
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", a.queueURL, err)
	}
	return out.Messages, nil
}

// Ack removes a message from the source queue.
func (a *Adapter) Ack(ctx context.Context, receiptToken string) error {
	_, err := a.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(a.queueURL),
		ReceiptHandle: aws.String(receiptToken),
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// DeadLetter forwards the original body and attributes to the dead-letter
// queue. The caller acks the original afterwards.
func (a *Adapter) DeadLetter(ctx context.Context, body string, attrs map[string]string) error {
	if a.dlqURL == "" {
		return fmt.Errorf("dead-letter queue not configured")
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(a.dlqURL),
		MessageBody: aws.String(body),
	}
	if len(attrs) > 0 {
		input.MessageAttributes = make(map[string]types.MessageAttributeValue, len(attrs))
		for k, v := range attrs {
			input.MessageAttributes[k] = types.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(v),
			}
		}
	}

	if _, err := a.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send to dead-letter %s: %w", a.dlqURL, err)
	}
	return nil
}
