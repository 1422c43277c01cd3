// Package outbox delivers outbound frames to the realtime server through
// per-conversation FIFO lanes, so messages within a conversation keep
// their order while a global semaphore bounds cross-conversation
// parallelism. Failed sends retry with exponential backoff.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/flowsync/internal/types"
)

// Sender hands a job's frame to the transport. Implementations return
// ErrNotConnected (or another retryable error) to trigger backoff.
type Sender func(job *Job) error

// Outbox manages per-conversation delivery lanes.
type Outbox struct {
	lanes     map[types.ConversationID]chan *Job
	semaphore *semaphore.Weighted
	sender    Sender
	retry     *RetryPolicy
	pending   atomic.Int64
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// New creates an Outbox allowing up to maxConcurrent deliveries across
// all conversation lanes. A nil retry policy falls back to the default.
func New(maxConcurrent int64, retry *RetryPolicy, log *slog.Logger) *Outbox {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	if retry == nil {
		retry = DefaultRetryPolicy()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Outbox{
		lanes:     make(map[types.ConversationID]chan *Job),
		semaphore: semaphore.NewWeighted(maxConcurrent),
		retry:     retry,
		log:       log,
	}
}

// SetSender sets the function invoked for each dequeued job.
func (o *Outbox) SetSender(fn Sender) {
	o.sender = fn
}

// Start initialises the outbox context. Must be called before Enqueue.
func (o *Outbox) Start(ctx context.Context) {
	o.ctx, o.cancel = context.WithCancel(ctx)
}

// Stop cancels the outbox context, closes all lanes, and waits for lane
// goroutines to exit. Call WaitIdle first when queued jobs should drain.
func (o *Outbox) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.mu.Lock()
	for _, lane := range o.lanes {
		close(lane)
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// Enqueue adds a job to its conversation's lane, creating the lane (and
// its goroutine) on first use. Returns an error when the lane buffer is
// full.
func (o *Outbox) Enqueue(job *Job) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	lane, exists := o.lanes[job.ConversationID]
	if !exists {
		lane = make(chan *Job, 100)
		o.lanes[job.ConversationID] = lane
		o.wg.Add(1)
		go o.processLane(lane)
	}

	select {
	case lane <- job:
		o.pending.Add(1)
		return nil
	default:
		return fmt.Errorf("outbox full for conversation %s", job.ConversationID)
	}
}

// processLane drains a single conversation lane, acquiring a semaphore
// slot before delivering synchronously. Strict FIFO within the lane.
func (o *Outbox) processLane(lane chan *Job) {
	defer o.wg.Done()
	for {
		select {
		case job, ok := <-lane:
			if !ok {
				return
			}
			if err := o.semaphore.Acquire(o.ctx, 1); err != nil {
				return
			}
			o.deliver(job)
			o.semaphore.Release(1)
			o.pending.Add(-1)
		case <-o.ctx.Done():
			return
		}
	}
}

func (o *Outbox) deliver(job *Job) {
	if o.sender == nil {
		job.Status = JobStatusFailed
		job.Error = fmt.Errorf("no sender configured")
		return
	}

	job.Status = JobStatusSending
	err := o.retry.ExecuteContext(o.ctx, func() error {
		job.Attempts++
		return o.sender(job)
	})
	if err != nil {
		job.Status = JobStatusFailed
		job.Error = err
		o.log.Error("outbound delivery failed",
			"job_id", string(job.ID),
			"conversation_id", string(job.ConversationID),
			"attempts", job.Attempts,
			"error", err)
		if job.OnFailed != nil {
			job.OnFailed(err)
		}
		return
	}

	now := time.Now()
	job.SentAt = &now
	job.Status = JobStatusDelivered
	if job.OnDelivered != nil {
		job.OnDelivered()
	}
}

// WaitIdle blocks until every enqueued job has been processed or the
// timeout expires. Returns true if the outbox drained.
func (o *Outbox) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if o.pending.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}
