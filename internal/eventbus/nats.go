package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// StreamName is the JetStream stream holding every run event
const StreamName = "SQLBENCH_RUNS"

// SubjectPrefix roots every run event subject: sqlbench.runs.<run id>.<event type>
const SubjectPrefix = "sqlbench.runs"

// Bus publishes run events over NATS and keeps them in a JetStream stream when available
type Bus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
}

// Connect dials NATS and provisions the run-event stream. JetStream failures are
// logged and leave the bus publishing on core NATS only.
func Connect(natsURL string, logger *zap.Logger) (*Bus, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("sqlbench-api"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(3),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	bus := &Bus{nc: nc, logger: logger}

	js, err := nc.JetStream()
	if err != nil {
		logger.Warn("JetStream unavailable, run events will not be retained", zap.Error(err))
		return bus, nil
	}
	if err := ensureStream(js); err != nil {
		logger.Warn("could not provision run event stream", zap.Error(err))
		return bus, nil
	}
	bus.js = js

	logger.Info("NATS and JetStream initialized", zap.String("stream", StreamName))
	return bus, nil
}

func ensureStream(js nats.JetStreamContext) error {
	_, err := js.StreamInfo(StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{SubjectPrefix + ".>"},
		MaxAge:   7 * 24 * time.Hour,
	})
	return err
}

// Subject returns the subject an event is published on
func Subject(ev RunEvent) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, ev.RunID, ev.Type)
}

// Publish implements Publisher
func (b *Bus) Publish(ctx context.Context, ev RunEvent) error {
	if b.nc == nil || b.nc.IsClosed() {
		return nats.ErrConnectionClosed
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if b.js != nil {
		_, err = b.js.Publish(Subject(ev), payload, nats.Context(ctx))
		return err
	}
	return b.nc.Publish(Subject(ev), payload)
}

// Subscribe delivers live events for one run, or for every run when runID is empty
func (b *Bus) Subscribe(runID string, handler func(RunEvent)) (*nats.Subscription, error) {
	if b.nc == nil {
		return nil, nats.ErrConnectionClosed
	}
	subject := SubjectPrefix + ".>"
	if runID != "" {
		subject = fmt.Sprintf("%s.%s.>", SubjectPrefix, runID)
	}
	return b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var ev RunEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.logger.Debug("dropping malformed run event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		handler(ev)
	})
}

// Ping reports whether the connection is up
func (b *Bus) Ping(context.Context) error {
	if b.nc == nil || !b.nc.IsConnected() {
		return nats.ErrConnectionClosed
	}
	return nil
}

// Close drains and closes the connection
func (b *Bus) Close() {
	if b.nc != nil {
		_ = b.nc.Drain()
	}
}
