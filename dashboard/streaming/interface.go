// Package streaming announces rollup changes to whoever listens: the log,
// the WebSocket hub, or both through Fanout.
package streaming

import (
	"context"
	"time"
)

// Topics published by the dashboard.
const (
	TopicRollupUpdated = "rollup.updated" // payload: rollup.UpdateEvent
	TopicRebuildSweep  = "rollup.rebuilt" // payload: scheduler.SweepResult
)

// Event is the serialized envelope of a published payload.
type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// Publisher delivers payloads by topic. Publish must not block on slow
// consumers; refreshes call it inline.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Close() error
}
