package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/medsafety/internal/platform/metrics"
)

// Domain event types.
const (
	AlertCreated        = "alert.created"
	AlertAcknowledged   = "alert.acknowledged"
	AlertDismissed      = "alert.dismissed"
	AlertExpired        = "alert.expired"
	PrescriptionCreated = "prescription.created"
	PHIAccessed         = "phi.accessed"
)

// Event is one domain event. Key selects the partition and must never be a
// patient identifier; use the aggregate ID.
type Event struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	Key        string      `json:"key"`
	OccurredAt time.Time   `json:"occurredAt"`
	Payload    interface{} `json:"payload"`
}

// New stamps an event with an ID and the current time.
func New(eventType, key string, payload interface{}) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Key:        key,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// Publisher delivers domain events to a bus.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// LogPublisher writes event metadata to the log. Used when no broker is
// configured. Payloads are not logged.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	p.logger.Info().
		Str("event_id", ev.ID).
		Str("event_type", ev.Type).
		Str("key", ev.Key).
		Msg("domain event")
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// Emitter publishes events in the background so callers never wait on the
// bus. Failures are logged and counted, never returned.
type Emitter struct {
	pub     Publisher
	logger  zerolog.Logger
	metrics *metrics.Collector
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewEmitter(pub Publisher, logger zerolog.Logger, m *metrics.Collector) *Emitter {
	return &Emitter{pub: pub, logger: logger, metrics: m, timeout: 5 * time.Second}
}

// Emit queues ev for publication. A nil Emitter discards the event.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if e == nil || e.pub == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		err := e.pub.Publish(ctx, ev)
		e.metrics.EventPublished(ev.Type, err)
		if err != nil {
			e.logger.Warn().Err(err).
				Str("event_id", ev.ID).
				Str("event_type", ev.Type).
				Msg("publish domain event failed")
		}
	}()
}

// Wait blocks until every queued event has been handed to the publisher.
func (e *Emitter) Wait() {
	if e == nil {
		return
	}
	e.wg.Wait()
}
