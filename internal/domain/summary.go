package domain

// StopReason explains why a drain run ended.
type StopReason string

const (
	StopQueueEmpty StopReason = "queue_empty"
	StopTimeout    StopReason = "timeout"
)

// Summary is the per-invocation run report. Processed counts messages that
// reached Sent or Skipped, Permanent counts dead-lettered messages, Failed
// counts retryable ones left for redelivery.
type Summary struct {
	Processed      int        `json:"processed"`
	Failed         int        `json:"failed"`
	Permanent      int        `json:"permanent"`
	ElapsedSeconds float64    `json:"elapsed_seconds"`
	StoppedReason  StopReason `json:"stopped_reason"`
}

// BatchReport is the event-driven entry's result: queue message IDs
// partitioned by required queue action, so a caller can report
// partial-batch failures upstream.
type BatchReport struct {
	AckList   []string `json:"ack_list"`
	RetryList []string `json:"retry_list"`
	Summary   Summary  `json:"summary"`
}
