package redisbroker

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/dispatch-api/internal/broker"
)

// newIntegrationBroker connects to the Redis named by REDIS_URL, or
// skips the test when none is available.
func newIntegrationBroker(t *testing.T) *Broker {
	t.Helper()

	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping Redis integration test")
	}

	opts, err := redis.ParseURL(url)
	require.NoError(t, err)

	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not reachable at %s: %v", url, err)
	}

	require.NoError(t, rdb.FlushDB(ctx).Err())
	return New(rdb, "chat", "generation")
}

func TestWaitingScoreOrdering(t *testing.T) {
	t.Parallel()

	// Higher priority pops first (lower score); FIFO within a priority.
	assert.Less(t, waitingScore(10, 1), waitingScore(1, 1))
	assert.Less(t, waitingScore(5, 1), waitingScore(5, 2))
	assert.Less(t, waitingScore(1, 1<<30), waitingScore(0, 1))
}

func TestJobFieldsRoundTrip(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC().Truncate(time.Millisecond)
	in := &broker.Job{
		ID:      "id-1",
		Queue:   "chat",
		Payload: []byte(`{"k":"v"}`),
		Opts: broker.Options{
			Priority:    7,
			Delay:       2 * time.Second,
			MaxAttempts: 3,
			BackoffBase: 2 * time.Second,
		},
		State:      broker.StateDelayed,
		Attempts:   1,
		LastError:  "boom",
		EnqueuedAt: now,
		ReadyAt:    now.Add(2 * time.Second),
	}

	fields := jobFields(in)
	str := make(map[string]string, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			str[k] = val
		case []byte:
			str[k] = string(val)
		default:
			str[k] = fmt.Sprint(val)
		}
	}

	out := jobFromFields("id-1", str)
	assert.Equal(t, in, out)
}

func TestRedisEnqueueDequeueAck(t *testing.T) {
	b := newIntegrationBroker(t)
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	j, err := b.Enqueue(ctx, "chat", []byte(`{"message":"hi"}`), broker.Options{Priority: 5, MaxAttempts: 2, BackoffBase: time.Second})
	require.NoError(t, err)

	got, err := b.Dequeue(ctx, "chat")
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, broker.StateActive, got.State)
	assert.Equal(t, 1, got.Attempts)

	require.NoError(t, b.Ack(ctx, j.ID))

	counts, err := b.Counts(ctx, "chat")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Completed)
	assert.Zero(t, counts.Active)
}

func TestRedisRetryBackoff(t *testing.T) {
	b := newIntegrationBroker(t)
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	j, err := b.Enqueue(ctx, "chat", nil, broker.Options{MaxAttempts: 2, BackoffBase: 100 * time.Millisecond})
	require.NoError(t, err)

	got, err := b.Dequeue(ctx, "chat")
	require.NoError(t, err)

	requeued, err := b.Fail(ctx, got.ID, "flaky", true)
	require.NoError(t, err)
	assert.True(t, requeued)

	deadline, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	got, err = b.Dequeue(deadline, "chat")
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, 2, got.Attempts)
}
