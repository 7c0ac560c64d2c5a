package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
)

// NewEvent wraps payload into an Event with a fresh ID.
func NewEvent(topic string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now(),
		Source:    "dashboard",
	}, nil
}

type LogPublisher struct {
	logger *log.Logger
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{
		logger: log.Default(),
	}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	event, err := NewEvent(topic, payload)
	if err != nil {
		return err
	}
	// Payloads can be whole rollups; log the envelope only
	p.logger.Printf("[STREAMING] PUBLISH %s id=%s bytes=%d", topic, event.ID, len(event.Payload))
	return nil
}

func (p *LogPublisher) Close() error {
	p.logger.Println("[STREAMING] Closed LogPublisher")
	return nil
}

// Fanout delivers every event to all wrapped publishers.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, topic string, payload interface{}) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
