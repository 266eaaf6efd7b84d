// Package notify broadcasts job lifecycle events over a Redis channel so
// dashboard instances can push progress without polling the database.
package notify

import (
	"context"

	"github.com/google/uuid"
)

// Event is one job lifecycle notification.
type Event struct {
	JobID   uuid.UUID              `json:"job_id"`
	Event   string                 `json:"event"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

type Bus interface {
	JobEvent(ctx context.Context, jobID uuid.UUID, event string, payload map[string]interface{})
	// StartForwarder subscribes and forwards incoming events until ctx ends.
	StartForwarder(ctx context.Context, onEvent func(e Event)) error
	Close() error
}

type noopBus struct{}

// NewNoopBus returns a Bus that drops everything. Used when REDIS_ADDR is
// unset.
func NewNoopBus() Bus { return noopBus{} }

func (noopBus) JobEvent(context.Context, uuid.UUID, string, map[string]interface{}) {}

func (noopBus) StartForwarder(context.Context, func(e Event)) error { return nil }

func (noopBus) Close() error { return nil }
