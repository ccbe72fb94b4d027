// Package redisbroker implements the broker.Broker contract on Redis,
// giving queued jobs durability across process restarts. Each queue is
// a pair of sorted sets (ready and delayed) plus per-state sets, with
// job bodies in hashes.
package redisbroker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/phrazzld/dispatch-api/internal/broker"
)

const (
	keyPrefix = "dispatch:"

	// pollInterval bounds how long a Dequeue waits between ready checks.
	pollInterval = 500 * time.Millisecond

	// priorityBand spaces priorities far enough apart in the waiting
	// zset score that the FIFO sequence number never crosses bands.
	priorityBand = float64(1 << 40)
)

var _ broker.Broker = (*Broker)(nil)

// Broker is a Redis-backed implementation of broker.Broker.
type Broker struct {
	rdb    *redis.Client
	queues map[string]bool
	names  []string
}

// New creates a broker serving the given named queues over the provided
// Redis client.
func New(rdb *redis.Client, queues ...string) *Broker {
	known := make(map[string]bool, len(queues))
	for _, q := range queues {
		known[q] = true
	}
	return &Broker{rdb: rdb, queues: known, names: queues}
}

func jobKey(id string) string        { return keyPrefix + "job:" + id }
func waitingKey(q string) string     { return keyPrefix + "q:" + q + ":waiting" }
func delayedKey(q string) string     { return keyPrefix + "q:" + q + ":delayed" }
func stateSetKey(q, s string) string { return keyPrefix + "q:" + q + ":" + s }
func seqKey(q string) string         { return keyPrefix + "q:" + q + ":seq" }

// Enqueue adds a job to a named queue.
func (b *Broker) Enqueue(ctx context.Context, queue string, payload []byte, opts broker.Options) (*broker.Job, error) {
	if !b.queues[queue] {
		return nil, fmt.Errorf("%w: %q", broker.ErrUnknownQueue, queue)
	}

	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}

	now := time.Now().UTC()
	j := &broker.Job{
		ID:         uuid.New().String(),
		Queue:      queue,
		Payload:    payload,
		Opts:       opts,
		State:      broker.StateWaiting,
		EnqueuedAt: now,
		ReadyAt:    now.Add(opts.Delay),
	}
	if opts.Delay > 0 {
		j.State = broker.StateDelayed
	}

	seq, err := b.rdb.Incr(ctx, seqKey(queue)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisbroker: seq: %w", err)
	}

	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(j.ID), jobFields(j))
	if j.State == broker.StateDelayed {
		pipe.ZAdd(ctx, delayedKey(queue), redis.Z{
			Score:  float64(j.ReadyAt.UnixMilli()),
			Member: j.ID,
		})
	} else {
		pipe.ZAdd(ctx, waitingKey(queue), redis.Z{
			Score:  waitingScore(opts.Priority, seq),
			Member: j.ID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redisbroker: enqueue: %w", err)
	}

	return j, nil
}

// Dequeue polls the queue until a ready job is claimed or the context
// is done.
func (b *Broker) Dequeue(ctx context.Context, queue string) (*broker.Job, error) {
	if !b.queues[queue] {
		return nil, fmt.Errorf("%w: %q", broker.ErrUnknownQueue, queue)
	}

	for {
		if err := b.promote(ctx, queue); err != nil {
			return nil, err
		}

		popped, err := b.rdb.ZPopMin(ctx, waitingKey(queue), 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("redisbroker: pop: %w", err)
		}

		if len(popped) > 0 {
			id := popped[0].Member.(string)
			pipe := b.rdb.TxPipeline()
			pipe.HSet(ctx, jobKey(id), "state", string(broker.StateActive))
			attempts := pipe.HIncrBy(ctx, jobKey(id), "attempts", 1)
			pipe.SAdd(ctx, stateSetKey(queue, "active"), id)
			if _, err := pipe.Exec(ctx); err != nil {
				return nil, fmt.Errorf("redisbroker: claim: %w", err)
			}
			_ = attempts

			return b.GetJob(ctx, id)
		}

		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Ack marks an active job completed. Acks for jobs no longer active
// (paused or removed meanwhile) are discarded.
func (b *Broker) Ack(ctx context.Context, jobID string) error {
	j, err := b.GetJob(ctx, jobID)
	if errors.Is(err, broker.ErrJobNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if j.State != broker.StateActive {
		return nil
	}

	pipe := b.rdb.TxPipeline()
	pipe.SRem(ctx, stateSetKey(j.Queue, "active"), jobID)
	pipe.SAdd(ctx, stateSetKey(j.Queue, "completed"), jobID)
	pipe.HSet(ctx, jobKey(jobID), "state", string(broker.StateCompleted))
	_, err = pipe.Exec(ctx)
	return err
}

// Fail records a failed attempt, re-enqueueing with backoff when
// attempts remain.
func (b *Broker) Fail(ctx context.Context, jobID string, errMsg string, retryable bool) (bool, error) {
	j, err := b.GetJob(ctx, jobID)
	if errors.Is(err, broker.ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if j.State != broker.StateActive {
		return false, nil
	}

	pipe := b.rdb.TxPipeline()
	pipe.SRem(ctx, stateSetKey(j.Queue, "active"), jobID)
	pipe.HSet(ctx, jobKey(jobID), "last_error", errMsg)

	if retryable && j.Attempts < j.Opts.MaxAttempts {
		backoff := j.Opts.BackoffBase * (1 << (j.Attempts - 1))
		readyAt := time.Now().UTC().Add(backoff)
		pipe.HSet(ctx, jobKey(jobID),
			"state", string(broker.StateDelayed),
			"ready_at", readyAt.UnixMilli())
		pipe.ZAdd(ctx, delayedKey(j.Queue), redis.Z{
			Score:  float64(readyAt.UnixMilli()),
			Member: jobID,
		})
		_, err = pipe.Exec(ctx)
		return err == nil, err
	}

	pipe.HSet(ctx, jobKey(jobID), "state", string(broker.StateFailed))
	pipe.SAdd(ctx, stateSetKey(j.Queue, "failed"), jobID)
	_, err = pipe.Exec(ctx)
	return false, err
}

// GetJob loads a job hash by ID.
func (b *Broker) GetJob(ctx context.Context, jobID string) (*broker.Job, error) {
	fields, err := b.rdb.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisbroker: get: %w", err)
	}
	if len(fields) == 0 {
		return nil, broker.ErrJobNotFound
	}
	return jobFromFields(jobID, fields), nil
}

// PauseJob takes a waiting, delayed, or active job out of circulation.
func (b *Broker) PauseJob(ctx context.Context, jobID string) error {
	j, err := b.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	pipe := b.rdb.TxPipeline()
	switch j.State {
	case broker.StateWaiting:
		pipe.ZRem(ctx, waitingKey(j.Queue), jobID)
	case broker.StateDelayed:
		pipe.ZRem(ctx, delayedKey(j.Queue), jobID)
	case broker.StateActive:
		pipe.SRem(ctx, stateSetKey(j.Queue, "active"), jobID)
	case broker.StatePaused:
		return nil
	default:
		return fmt.Errorf("redisbroker: cannot pause job in state %s", j.State)
	}
	pipe.SAdd(ctx, stateSetKey(j.Queue, "paused"), jobID)
	pipe.HSet(ctx, jobKey(jobID), "state", string(broker.StatePaused))
	_, err = pipe.Exec(ctx)
	return err
}

// ResumeJob returns a paused job to the waiting state.
func (b *Broker) ResumeJob(ctx context.Context, jobID string) error {
	j, err := b.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.State != broker.StatePaused {
		return fmt.Errorf("redisbroker: cannot resume job in state %s", j.State)
	}

	seq, err := b.rdb.Incr(ctx, seqKey(j.Queue)).Result()
	if err != nil {
		return fmt.Errorf("redisbroker: seq: %w", err)
	}

	pipe := b.rdb.TxPipeline()
	pipe.SRem(ctx, stateSetKey(j.Queue, "paused"), jobID)
	pipe.ZAdd(ctx, waitingKey(j.Queue), redis.Z{
		Score:  waitingScore(j.Opts.Priority, seq),
		Member: jobID,
	})
	pipe.HSet(ctx, jobKey(jobID), "state", string(broker.StateWaiting))
	_, err = pipe.Exec(ctx)
	return err
}

// Remove deletes a job from the broker entirely.
func (b *Broker) Remove(ctx context.Context, jobID string) error {
	j, err := b.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	pipe := b.rdb.TxPipeline()
	pipe.ZRem(ctx, waitingKey(j.Queue), jobID)
	pipe.ZRem(ctx, delayedKey(j.Queue), jobID)
	for _, s := range []string{"active", "completed", "failed", "paused"} {
		pipe.SRem(ctx, stateSetKey(j.Queue, s), jobID)
	}
	pipe.Del(ctx, jobKey(jobID))
	_, err = pipe.Exec(ctx)
	return err
}

// Counts returns the queue's introspection aggregate.
func (b *Broker) Counts(ctx context.Context, queue string) (broker.Counts, error) {
	if !b.queues[queue] {
		return broker.Counts{}, fmt.Errorf("%w: %q", broker.ErrUnknownQueue, queue)
	}

	if err := b.promote(ctx, queue); err != nil {
		return broker.Counts{}, err
	}

	pipe := b.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, waitingKey(queue))
	delayed := pipe.ZCard(ctx, delayedKey(queue))
	active := pipe.SCard(ctx, stateSetKey(queue, "active"))
	completed := pipe.SCard(ctx, stateSetKey(queue, "completed"))
	failed := pipe.SCard(ctx, stateSetKey(queue, "failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return broker.Counts{}, fmt.Errorf("redisbroker: counts: %w", err)
	}

	return broker.Counts{
		Waiting:   int(waiting.Val()),
		Active:    int(active.Val()),
		Completed: int(completed.Val()),
		Failed:    int(failed.Val()),
		Delayed:   int(delayed.Val()),
	}, nil
}

// Queues returns the configured queue names.
func (b *Broker) Queues() []string {
	names := make([]string, len(b.names))
	copy(names, b.names)
	return names
}

// Close releases the underlying Redis client.
func (b *Broker) Close() error {
	return b.rdb.Close()
}

// promote moves delayed jobs whose ready time has passed onto the
// waiting zset.
func (b *Broker) promote(ctx context.Context, queue string) error {
	now := time.Now().UTC().UnixMilli()
	ready, err := b.rdb.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("redisbroker: promote: %w", err)
	}

	for _, id := range ready {
		j, err := b.GetJob(ctx, id)
		if errors.Is(err, broker.ErrJobNotFound) {
			b.rdb.ZRem(ctx, delayedKey(queue), id)
			continue
		}
		if err != nil {
			return err
		}

		seq, err := b.rdb.Incr(ctx, seqKey(queue)).Result()
		if err != nil {
			return fmt.Errorf("redisbroker: seq: %w", err)
		}

		pipe := b.rdb.TxPipeline()
		pipe.ZRem(ctx, delayedKey(queue), id)
		pipe.ZAdd(ctx, waitingKey(queue), redis.Z{
			Score:  waitingScore(j.Opts.Priority, seq),
			Member: id,
		})
		pipe.HSet(ctx, jobKey(id), "state", string(broker.StateWaiting))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("redisbroker: promote: %w", err)
		}
	}
	return nil
}

// waitingScore orders the ready zset: lower scores pop first, so higher
// priorities map to lower bands, with the sequence number preserving
// FIFO within a band.
func waitingScore(priority int, seq int64) float64 {
	return -float64(priority)*priorityBand + float64(seq)
}

func jobFields(j *broker.Job) map[string]any {
	return map[string]any{
		"queue":        j.Queue,
		"payload":      j.Payload,
		"priority":     j.Opts.Priority,
		"delay_ms":     j.Opts.Delay.Milliseconds(),
		"max_attempts": j.Opts.MaxAttempts,
		"backoff_ms":   j.Opts.BackoffBase.Milliseconds(),
		"state":        string(j.State),
		"attempts":     j.Attempts,
		"last_error":   j.LastError,
		"enqueued_at":  j.EnqueuedAt.UnixMilli(),
		"ready_at":     j.ReadyAt.UnixMilli(),
	}
}

func jobFromFields(id string, fields map[string]string) *broker.Job {
	atoi := func(s string) int {
		n, _ := strconv.Atoi(s)
		return n
	}
	ms := func(s string) time.Time {
		n, _ := strconv.ParseInt(s, 10, 64)
		return time.UnixMilli(n).UTC()
	}

	return &broker.Job{
		ID:      id,
		Queue:   fields["queue"],
		Payload: []byte(fields["payload"]),
		Opts: broker.Options{
			Priority:    atoi(fields["priority"]),
			Delay:       time.Duration(atoi(fields["delay_ms"])) * time.Millisecond,
			MaxAttempts: atoi(fields["max_attempts"]),
			BackoffBase: time.Duration(atoi(fields["backoff_ms"])) * time.Millisecond,
		},
		State:      broker.State(fields["state"]),
		Attempts:   atoi(fields["attempts"]),
		LastError:  fields["last_error"],
		EnqueuedAt: ms(fields["enqueued_at"]),
		ReadyAt:    ms(fields["ready_at"]),
	}
}
