package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"pai-smart-chat/pkg/tasks"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureWriter struct {
	msgs []kafka.Message
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

type processorFunc func(ctx context.Context, ev tasks.UsageEvent) error

func (f processorFunc) Process(ctx context.Context, ev tasks.UsageEvent) error { return f(ctx, ev) }

func TestPublishUsage_KeyedByUser(t *testing.T) {
	w := &captureWriter{}
	p := &Producer{w: w}
	ev := tasks.UsageEvent{UserID: "u1", Channel: "deepseek", Characters: 8, OccurredAt: time.Unix(1700000000, 0).UTC()}
	require.NoError(t, p.PublishUsage(context.Background(), ev))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "u1", string(w.msgs[0].Key))
	var got tasks.UsageEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, ev, got)
}

func TestHandle(t *testing.T) {
	var seen []tasks.UsageEvent
	ok := processorFunc(func(_ context.Context, ev tasks.UsageEvent) error { seen = append(seen, ev); return nil })
	failing := processorFunc(func(context.Context, tasks.UsageEvent) error { return errors.New("redis down") })

	value, _ := json.Marshal(tasks.UsageEvent{UserID: "u1", Channel: "deepseek", Characters: 3})
	assert.True(t, handle(context.Background(), kafka.Message{Value: value}, ok))
	require.Len(t, seen, 1)
	assert.Equal(t, int64(3), seen[0].Characters)

	assert.False(t, handle(context.Background(), kafka.Message{Value: value}, failing), "retry on processing failure")
	assert.True(t, handle(context.Background(), kafka.Message{Value: []byte("{bad")}, failing), "malformed messages are committed")
}

func TestBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, brokers(" a:9092, ,b:9092 "))
	assert.Nil(t, brokers(""))
}
