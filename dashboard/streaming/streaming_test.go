package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	topics []string
	err    error
	closed bool
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	p.topics = append(p.topics, topic)
	return p.err
}

func (p *recordingPublisher) Close() error {
	p.closed = true
	return p.err
}

func TestNewEvent(t *testing.T) {
	ev, err := NewEvent(TopicRollupUpdated, map[string]int{"classes": 3})
	require.NoError(t, err)

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, TopicRollupUpdated, ev.Topic)
	assert.False(t, ev.Timestamp.IsZero())

	var payload map[string]int
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, 3, payload["classes"])

	_, err = NewEvent(TopicRollupUpdated, make(chan int))
	assert.Error(t, err)
}

func TestFanoutDeliversToAll(t *testing.T) {
	boom := errors.New("boom")
	a := &recordingPublisher{}
	b := &recordingPublisher{err: boom}
	c := &recordingPublisher{}
	f := Fanout{a, b, c}

	err := f.Publish(context.Background(), TopicRebuildSweep, nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{TopicRebuildSweep}, a.topics)
	assert.Equal(t, []string{TopicRebuildSweep}, c.topics, "a failing publisher must not stop the rest")

	assert.ErrorIs(t, f.Close(), boom)
	assert.True(t, a.closed)
	assert.True(t, c.closed)
}

func TestFanoutEmpty(t *testing.T) {
	assert.NoError(t, Fanout{}.Publish(context.Background(), TopicRollupUpdated, nil))
	assert.NoError(t, NewLogPublisher().Publish(context.Background(), TopicRollupUpdated, struct{}{}))
}
