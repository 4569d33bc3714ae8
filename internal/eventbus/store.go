package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/sqlbench/api/internal/models"
)

// Run event types
const (
	EventRunStarted   = "started"
	EventJobStarted   = "job_started"
	EventJobFinished  = "job_finished"
	EventRateLimited  = "rate_limited"
	EventRunCompleted = "completed"
	EventRunCancelled = "cancelled"
	EventRunFailed    = "failed"
)

// RunEvent is one progress notification from a run
type RunEvent struct {
	RunID       uuid.UUID      `json:"run_id"`
	Kind        models.RunKind `json:"kind"`
	Type        string         `json:"type"`
	Endpoint    string         `json:"endpoint,omitempty"`
	CandidateID *uuid.UUID     `json:"candidate_id,omitempty"`
	RetryAt     *time.Time     `json:"retry_at,omitempty"`
	Error       string         `json:"error,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Publisher emits run events
type Publisher interface {
	Publish(ctx context.Context, ev RunEvent) error
}

// NopPublisher drops every event; used when NATS is not configured
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, RunEvent) error { return nil }

// EventLog reads back the retained events of a run
type EventLog interface {
	Read(ctx context.Context, runID uuid.UUID) ([]RunEvent, error)
}

// ErrNoJetStream is returned by Read when the bus has no retained stream
var ErrNoJetStream = errors.New("JetStream context not initialized")

// Read replays every retained event for a run in publish order
func (b *Bus) Read(ctx context.Context, runID uuid.UUID) ([]RunEvent, error) {
	if b.js == nil {
		return nil, ErrNoJetStream
	}

	subject := fmt.Sprintf("%s.%s.>", SubjectPrefix, runID)
	sub, err := b.js.SubscribeSync(subject, nats.BindStream(StreamName), nats.DeliverAll(), nats.AckNone())
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	var events []RunEvent
	for {
		if err := ctx.Err(); err != nil {
			return events, err
		}
		msg, err := sub.NextMsg(100 * time.Millisecond)
		if errors.Is(err, nats.ErrTimeout) {
			break
		}
		if err != nil {
			return events, err
		}

		var ev RunEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
