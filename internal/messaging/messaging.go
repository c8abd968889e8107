package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	PrepareModelQueue  = "prepare_model_queue"
	PredictionJobQueue = "prediction_job_queue"
	RetryDelay         = 5 * time.Second
	MaxConnectRetry    = 5
)

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

type PrepareModelPayload struct {
	ModelId uuid.UUID
}

type PredictionJobPayload struct {
	JobId uuid.UUID
}

type Publisher interface {
	PublishPrepareModelTask(ctx context.Context, payload PrepareModelPayload) error

	PublishPredictionJobTask(ctx context.Context, payload PredictionJobPayload) error

	Close()
}

type Receiver interface {
	Tasks() <-chan Task

	Close()
}
