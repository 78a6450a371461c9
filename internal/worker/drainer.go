package worker

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"github.com/ignite/smtp-dispatch/internal/config"
	"github.com/ignite/smtp-dispatch/internal/domain"
	"github.com/ignite/smtp-dispatch/internal/pkg/backoff"
	"github.com/ignite/smtp-dispatch/internal/pkg/logger"
)

// Pacing constants for the drain loop.
const (
	emptyPollSleep = time.Second
	batchBreather  = 100 * time.Millisecond
	errorCoolOff   = 2 * time.Second
)

// Queue is the full adapter surface the drainer needs. *queue.Adapter is
// the production implementation.
type Queue interface {
	QueueActions
	Fetch(ctx context.Context, max, waitSeconds int) ([]types.Message, error)
	Parse(msg types.Message) (*domain.SendRequest, error)
}

// Drainer bounds one invocation of the engine by a wall-clock deadline.
// It pulls batches serially, feeds the pool, and reports a Summary.
type Drainer struct {
	id                 string
	queue              Queue
	pool               *Pool
	batchSize          int
	emptyPollThreshold int
}

// NewDrainer builds a Drainer with a uuid-suffixed instance ID for logs
// and the overlap lock.
func NewDrainer(queue Queue, pool *Pool, cfg config.DrainConfig) *Drainer {
	batch := cfg.BatchSize
	if batch < 1 || batch > 10 {
		batch = 10
	}
	threshold := cfg.EmptyPollThreshold
	if threshold < 1 {
		threshold = 3
	}
	return &Drainer{
		id:                 "drainer-" + uuid.NewString()[:8],
		queue:              queue,
		pool:               pool,
		batchSize:          batch,
		emptyPollThreshold: threshold,
	}
}

// ID returns the instance identifier.
func (d *Drainer) ID() string { return d.id }

// Drain pulls and dispatches batches until the queue stays empty for
// emptyPollThreshold consecutive polls or the deadline nears. Single-message
// failures never abort the run; fetch or dispatch errors cost a cool-off
// sleep and the loop continues.
func (d *Drainer) Drain(ctx context.Context, deadline time.Time) (domain.Summary, error) {
	started := time.Now()
	summary := domain.Summary{StoppedReason: domain.StopTimeout}
	emptyPolls := 0

	logger.Info("drain started",
		"drainer_id", d.id,
		"deadline", deadline.UTC().Format(time.RFC3339))

	for time.Until(deadline) > deadlineFloor && ctx.Err() == nil {
		if emptyPolls >= d.emptyPollThreshold {
			summary.StoppedReason = domain.StopQueueEmpty
			break
		}

		msgs, err := d.queue.Fetch(ctx, d.batchSize, pollWait(deadline))
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Error("fetch failed", "drainer_id", d.id, "error", err)
			if backoff.Sleep(ctx, errorCoolOff) != nil {
				break
			}
			continue
		}

		if len(msgs) == 0 {
			emptyPolls++
			if backoff.Sleep(ctx, emptyPollSleep) != nil {
				break
			}
			continue
		}
		emptyPolls = 0

		batch, _ := d.parseBatch(ctx, msgs, &summary)
		d.tally(d.pool.Dispatch(ctx, batch, deadline), &summary)

		if backoff.Sleep(ctx, batchBreather) != nil {
			break
		}
	}

	summary.ElapsedSeconds = time.Since(started).Seconds()
	logger.Info("drain finished",
		"drainer_id", d.id,
		"processed", summary.Processed,
		"failed", summary.Failed,
		"permanent", summary.Permanent,
		"elapsed_seconds", summary.ElapsedSeconds,
		"stopped_reason", string(summary.StoppedReason))
	return summary, nil
}

// HandleBatch is the event-driven entry: a pre-fetched batch, one dispatch,
// no polling. Outcomes are partitioned into ack and retry lists so the
// caller can report partial-batch failures upstream.
func (d *Drainer) HandleBatch(ctx context.Context, msgs []types.Message, deadline time.Time) (domain.BatchReport, error) {
	started := time.Now()
	report := domain.BatchReport{
		AckList:   []string{},
		RetryList: []string{},
	}
	report.Summary.StoppedReason = domain.StopQueueEmpty

	batch, deadLettered := d.parseBatch(ctx, msgs, &report.Summary)
	report.AckList = append(report.AckList, deadLettered...)

	results := d.pool.Dispatch(ctx, batch, deadline)
	d.tally(results, &report.Summary)
	for _, res := range results {
		if res.Outcome.ShouldAck() {
			report.AckList = append(report.AckList, res.Request.QueueMessageID)
		} else {
			report.RetryList = append(report.RetryList, res.Request.QueueMessageID)
		}
	}

	report.Summary.ElapsedSeconds = time.Since(started).Seconds()
	return report, nil
}

// parseBatch decodes fetched messages. Unparseable ones go straight to the
// dead-letter queue and are acked; they count as permanent failures. The
// second return value lists their queue message IDs.
func (d *Drainer) parseBatch(ctx context.Context, msgs []types.Message, summary *domain.Summary) ([]*domain.SendRequest, []string) {
	batch := make([]*domain.SendRequest, 0, len(msgs))
	var deadLettered []string
	for _, msg := range msgs {
		req, err := d.queue.Parse(msg)
		if err != nil {
			logger.Warn("unparseable message routed to dead-letter",
				"drainer_id", d.id,
				"queue_message_id", awsMessageID(msg),
				"error", err)
			body := ""
			if msg.Body != nil {
				body = *msg.Body
			}
			if dlErr := d.queue.DeadLetter(ctx, body, rawAttributes(msg)); dlErr != nil {
				logger.Error("dead-letter failed", "error", dlErr)
			}
			if msg.ReceiptHandle != nil {
				if ackErr := d.queue.Ack(ctx, *msg.ReceiptHandle); ackErr != nil {
					logger.Error("ack failed", "error", ackErr)
				}
			}
			summary.Permanent++
			deadLettered = append(deadLettered, awsMessageID(msg))
			continue
		}
		batch = append(batch, req)
	}
	return batch, deadLettered
}

func (d *Drainer) tally(results []Result, summary *domain.Summary) {
	for _, res := range results {
		switch res.Outcome.Status {
		case domain.StatusSent, domain.StatusSkipped:
			summary.Processed++
		case domain.StatusPermanent:
			summary.Permanent++
		case domain.StatusRetryable:
			summary.Failed++
		}
	}
}

// pollWait sizes the long poll so it cannot outlive the deadline:
// min(20, floor(remaining seconds) − 1), clamped to [0, 20].
func pollWait(deadline time.Time) int {
	wait := int(time.Until(deadline)/time.Second) - 1
	if wait > 20 {
		wait = 20
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

func awsMessageID(msg types.Message) string {
	if msg.MessageId == nil {
		return ""
	}
	return *msg.MessageId
}

func rawAttributes(msg types.Message) map[string]string {
	if len(msg.MessageAttributes) == 0 {
		return nil
	}
	out := make(map[string]string, len(msg.MessageAttributes))
	for k, v := range msg.MessageAttributes {
		if v.StringValue != nil {
			out[k] = *v.StringValue
		}
	}
	return out
}
