package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ramiqadoumi/go-task-submit/internal/domain"
)

// TopicDLQ carries the records of tasks that ended FAILED.
const TopicDLQ = "tasks.dlq"

// DeadLetter is the JSON body published for a failed task.
type DeadLetter struct {
	Record   *domain.TaskRecord `json:"record"`
	WorkerID string             `json:"worker_id,omitempty"`
	FailedAt time.Time          `json:"failed_at"`
}

// DeadLetterPublisher forwards FAILED task records to the dead-letter topic.
type DeadLetterPublisher struct {
	producer Producer
	workerID string
	now      func() time.Time
}

// NewDeadLetterPublisher wraps p, which must be bound to TopicDLQ.
func NewDeadLetterPublisher(p Producer, workerID string) *DeadLetterPublisher {
	return &DeadLetterPublisher{
		producer: p,
		workerID: workerID,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// PublishFailed publishes rec keyed by its task ID.
func (d *DeadLetterPublisher) PublishFailed(ctx context.Context, rec *domain.TaskRecord) error {
	body, err := json.Marshal(DeadLetter{Record: rec, WorkerID: d.workerID, FailedAt: d.now()})
	if err != nil {
		return fmt.Errorf("marshal dead letter %s: %w", rec.ID, err)
	}
	return d.producer.Publish(ctx, rec.ID, body)
}

func (d *DeadLetterPublisher) Close() error { return d.producer.Close() }

// DecodeDeadLetter parses a message read from TopicDLQ.
func DecodeDeadLetter(msg Message) (*DeadLetter, error) {
	var dl DeadLetter
	if err := json.Unmarshal(msg.Value, &dl); err != nil {
		return nil, fmt.Errorf("decode dead letter at offset %d: %w", msg.Offset, err)
	}
	if dl.Record == nil {
		return nil, fmt.Errorf("decode dead letter at offset %d: missing record", msg.Offset)
	}
	return &dl, nil
}
