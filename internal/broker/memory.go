package broker

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Broker = (*MemoryBroker)(nil)

// MemoryBroker is an in-process Broker implementation. It backs tests
// and single-node deployments where Redis is not configured.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	jobs   map[string]*memJob
	seq    uint64
	closed bool
	done   chan struct{}
}

type memJob struct {
	Job
	seq uint64
}

type memQueue struct {
	waiting waitingHeap
	delayed delayedHeap
	active  map[string]*memJob
	// completed and failed are retained for introspection; the
	// persisted QueueJob row is the durable record.
	completed map[string]*memJob
	failed    map[string]*memJob
	paused    map[string]*memJob
	notify    chan struct{}
}

// NewMemoryBroker creates a broker serving the given named queues.
func NewMemoryBroker(queues ...string) *MemoryBroker {
	b := &MemoryBroker{
		queues: make(map[string]*memQueue, len(queues)),
		jobs:   make(map[string]*memJob),
		done:   make(chan struct{}),
	}
	for _, name := range queues {
		b.queues[name] = &memQueue{
			active:    make(map[string]*memJob),
			completed: make(map[string]*memJob),
			failed:    make(map[string]*memJob),
			paused:    make(map[string]*memJob),
			notify:    make(chan struct{}, 1),
		}
	}
	return b
}

// Enqueue adds a job to a named queue.
func (b *MemoryBroker) Enqueue(ctx context.Context, queue string, payload []byte, opts Options) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	q, ok := b.queues[queue]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
	}

	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}

	now := time.Now().UTC()
	b.seq++
	j := &memJob{
		Job: Job{
			ID:         uuid.New().String(),
			Queue:      queue,
			Payload:    payload,
			Opts:       opts,
			EnqueuedAt: now,
			ReadyAt:    now.Add(opts.Delay),
		},
		seq: b.seq,
	}

	if opts.Delay > 0 {
		j.State = StateDelayed
		heap.Push(&q.delayed, j)
	} else {
		j.State = StateWaiting
		heap.Push(&q.waiting, j)
	}
	b.jobs[j.ID] = j

	b.wake(q)
	snapshot := j.Job
	return &snapshot, nil
}

// Dequeue blocks until a ready job is claimed or the context is done.
func (b *MemoryBroker) Dequeue(ctx context.Context, queue string) (*Job, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}

		q, ok := b.queues[queue]
		if !ok {
			b.mu.Unlock()
			return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
		}

		b.promote(q)

		if q.waiting.Len() > 0 {
			j := heap.Pop(&q.waiting).(*memJob)
			j.State = StateActive
			j.Attempts++
			q.active[j.ID] = j
			snapshot := j.Job
			b.mu.Unlock()
			return &snapshot, nil
		}

		// Sleep until the next delayed job becomes ready, or until new
		// work arrives.
		wait := time.Minute
		if q.delayed.Len() > 0 {
			if until := time.Until(q.delayed[0].ReadyAt); until < wait {
				wait = until
			}
			if wait < time.Millisecond {
				wait = time.Millisecond
			}
		}
		notify := q.notify
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-b.done:
			timer.Stop()
			return nil, ErrClosed
		case <-notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Ack marks an active job completed. Acks for paused or removed jobs
// are discarded.
func (b *MemoryBroker) Ack(ctx context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[jobID]
	if !ok {
		return nil
	}

	q := b.queues[j.Queue]
	if _, active := q.active[jobID]; !active {
		return nil
	}

	delete(q.active, jobID)
	j.State = StateCompleted
	q.completed[jobID] = j
	return nil
}

// Fail records a failed attempt, re-enqueueing with backoff when
// attempts remain.
func (b *MemoryBroker) Fail(ctx context.Context, jobID string, errMsg string, retryable bool) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[jobID]
	if !ok {
		return false, nil
	}

	q := b.queues[j.Queue]
	if _, active := q.active[jobID]; !active {
		return false, nil
	}
	delete(q.active, jobID)

	j.LastError = errMsg

	if retryable && j.Attempts < j.Opts.MaxAttempts {
		backoff := j.Opts.BackoffBase * (1 << (j.Attempts - 1))
		j.ReadyAt = time.Now().UTC().Add(backoff)
		j.State = StateDelayed
		heap.Push(&q.delayed, j)
		b.wake(q)
		return true, nil
	}

	j.State = StateFailed
	q.failed[jobID] = j
	return false, nil
}

// GetJob returns a snapshot of a job by ID.
func (b *MemoryBroker) GetJob(ctx context.Context, jobID string) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	snapshot := j.Job
	return &snapshot, nil
}

// PauseJob takes a waiting, delayed, or active job out of circulation.
func (b *MemoryBroker) PauseJob(ctx context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	q := b.queues[j.Queue]

	switch j.State {
	case StateWaiting:
		q.waiting.remove(jobID)
	case StateDelayed:
		q.delayed.remove(jobID)
	case StateActive:
		// In-flight attempt keeps running; its Ack/Fail is discarded.
		delete(q.active, jobID)
	case StatePaused:
		return nil
	default:
		return fmt.Errorf("broker: cannot pause job in state %s", j.State)
	}

	j.State = StatePaused
	q.paused[jobID] = j
	return nil
}

// ResumeJob returns a paused job to the waiting state.
func (b *MemoryBroker) ResumeJob(ctx context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if j.State != StatePaused {
		return fmt.Errorf("broker: cannot resume job in state %s", j.State)
	}

	q := b.queues[j.Queue]
	delete(q.paused, jobID)
	j.State = StateWaiting
	j.ReadyAt = time.Now().UTC()
	heap.Push(&q.waiting, j)
	b.wake(q)
	return nil
}

// Remove deletes a job from the broker entirely.
func (b *MemoryBroker) Remove(ctx context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}

	q := b.queues[j.Queue]
	switch j.State {
	case StateWaiting:
		q.waiting.remove(jobID)
	case StateDelayed:
		q.delayed.remove(jobID)
	case StateActive:
		delete(q.active, jobID)
	case StateCompleted:
		delete(q.completed, jobID)
	case StateFailed:
		delete(q.failed, jobID)
	case StatePaused:
		delete(q.paused, jobID)
	}
	delete(b.jobs, jobID)
	return nil
}

// Counts returns the queue's introspection aggregate.
func (b *MemoryBroker) Counts(ctx context.Context, queue string) (Counts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok {
		return Counts{}, fmt.Errorf("%w: %q", ErrUnknownQueue, queue)
	}

	b.promote(q)
	return Counts{
		Waiting:   q.waiting.Len(),
		Active:    len(q.active),
		Completed: len(q.completed),
		Failed:    len(q.failed),
		Delayed:   q.delayed.Len(),
	}, nil
}

// Queues returns the configured queue names.
func (b *MemoryBroker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	return names
}

// Close shuts the broker down, unblocking any waiting Dequeue calls.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

// promote moves delayed jobs whose ready time has passed onto the
// waiting heap. Caller holds the lock.
func (b *MemoryBroker) promote(q *memQueue) {
	now := time.Now().UTC()
	for q.delayed.Len() > 0 && !q.delayed[0].ReadyAt.After(now) {
		j := heap.Pop(&q.delayed).(*memJob)
		j.State = StateWaiting
		heap.Push(&q.waiting, j)
	}
}

// wake nudges one blocked Dequeue on the queue. Caller holds the lock.
func (b *MemoryBroker) wake(q *memQueue) {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// waitingHeap orders ready jobs by priority (higher first), then FIFO.
type waitingHeap []*memJob

func (h waitingHeap) Len() int { return len(h) }
func (h waitingHeap) Less(i, j int) bool {
	if h[i].Opts.Priority != h[j].Opts.Priority {
		return h[i].Opts.Priority > h[j].Opts.Priority
	}
	return h[i].seq < h[j].seq
}
func (h waitingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *waitingHeap) Push(x any)   { *h = append(*h, x.(*memJob)) }
func (h *waitingHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	*h = old[:n-1]
	return j
}

func (h *waitingHeap) remove(jobID string) {
	for i, j := range *h {
		if j.ID == jobID {
			heap.Remove(h, i)
			return
		}
	}
}

// delayedHeap orders deferred jobs by ready time.
type delayedHeap []*memJob

func (h delayedHeap) Len() int           { return len(h) }
func (h delayedHeap) Less(i, j int) bool { return h[i].ReadyAt.Before(h[j].ReadyAt) }
func (h delayedHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)        { *h = append(*h, x.(*memJob)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	*h = old[:n-1]
	return j
}

func (h *delayedHeap) remove(jobID string) {
	for i, j := range *h {
		if j.ID == jobID {
			heap.Remove(h, i)
			return
		}
	}
}
