package redis_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyagent/internal/adapters/redis"
)

// Requires a disposable redis: REDIS_TEST_URL=redis://localhost:6379/15
func newPublisher(t *testing.T, stream bool) *redis.Publisher {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	rdb, err := redis.Connect(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })
	return redis.NewPublisher(rdb, "test-"+uuid.NewString()[:8], stream)
}

func TestConnect_BadURL(t *testing.T) {
	_, err := redis.Connect(context.Background(), "not a url")
	require.Error(t, err)
}

func TestPublisher_Channel(t *testing.T) {
	p := redis.NewPublisher(nil, "", false)
	assert.Equal(t, "polyagent:position.closed", p.Channel("position.closed"))
}

func TestPublisher_PublishSubscribe(t *testing.T) {
	p := newPublisher(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, err := p.Subscribe(ctx, "position.closed")
	require.NoError(t, err)

	require.NoError(t, p.Publish(ctx, "position.closed", map[string]any{"id": "abc", "pnl": 1.5}))

	select {
	case raw := <-msgs:
		var got map[string]any
		require.NoError(t, json.Unmarshal(raw, &got))
		assert.Equal(t, "abc", got["id"])
		assert.InDelta(t, 1.5, got["pnl"], 1e-9)
	case <-ctx.Done():
		t.Fatal("no message received")
	}
}

func TestPublisher_StreamKeepsHistory(t *testing.T) {
	p := newPublisher(t, true)
	ctx := context.Background()

	for i := range 3 {
		require.NoError(t, p.Publish(ctx, "reeval", map[string]int{"n": i}))
	}
	recent, err := p.Recent(ctx, "reeval", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.JSONEq(t, `{"n":2}`, string(recent[0]))
	assert.JSONEq(t, `{"n":1}`, string(recent[1]))
}
