// internal/outbox/outbox_test.go
package outbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/flowsync/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetry(attempts int) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  attempts,
		InitialDelay: 1 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     10 * time.Millisecond,
	}
}

func TestOutboxDelivers(t *testing.T) {
	o := New(1, fastRetry(1), testLogger())
	o.Start(context.Background())
	defer o.Stop()

	var sent atomic.Int32
	o.SetSender(func(job *Job) error {
		sent.Add(1)
		return nil
	})

	done := make(chan struct{})
	job := NewJob("conv-1", map[string]string{"type": "chat"})
	job.OnDelivered = func() { close(done) }

	if err := o.Enqueue(job); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	if sent.Load() != 1 {
		t.Errorf("expected 1 send, got %d", sent.Load())
	}
	if job.Status != JobStatusDelivered {
		t.Errorf("expected status delivered, got %s", job.Status)
	}
	if job.SentAt == nil {
		t.Error("expected SentAt to be set")
	}
}

func TestOutboxConcurrencyCap(t *testing.T) {
	o := New(2, fastRetry(1), testLogger())
	o.Start(context.Background())
	defer o.Stop()

	var running int32
	var maxSeen int32
	o.SetSender(func(job *Job) error {
		current := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if current <= old || atomic.CompareAndSwapInt32(&maxSeen, old, current) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	})

	for i := 0; i < 5; i++ {
		job := NewJob(types.ConversationID(fmt.Sprintf("conv-%d", i)), nil)
		if err := o.Enqueue(job); err != nil {
			t.Fatal(err)
		}
	}

	if !o.WaitIdle(5 * time.Second) {
		t.Fatal("outbox never drained")
	}
	if m := atomic.LoadInt32(&maxSeen); m > 2 {
		t.Errorf("expected max 2 concurrent deliveries, saw %d", m)
	}
}

func TestOutboxSameConversationOrdering(t *testing.T) {
	o := New(1, fastRetry(1), testLogger())
	o.Start(context.Background())
	defer o.Stop()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	o.SetSender(func(job *Job) error {
		mu.Lock()
		order = append(order, job.Frame.(int))
		n := len(order)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
		return nil
	})

	for i := 0; i < 3; i++ {
		if err := o.Enqueue(NewJob("same-conv", i)); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Errorf("expected order[%d] = %d, got %d", i, i, v)
		}
	}
}

func TestOutboxRetriesWhileDisconnected(t *testing.T) {
	o := New(1, fastRetry(3), testLogger())
	o.Start(context.Background())
	defer o.Stop()

	var calls atomic.Int32
	o.SetSender(func(job *Job) error {
		if calls.Add(1) < 3 {
			return ErrNotConnected
		}
		return nil
	})

	done := make(chan struct{})
	job := NewJob("conv-1", nil)
	job.OnDelivered = func() { close(done) }
	if err := o.Enqueue(job); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for retried delivery")
	}
	if job.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", job.Attempts)
	}
	if job.Status != JobStatusDelivered {
		t.Errorf("expected status delivered, got %s", job.Status)
	}
}

func TestOutboxPermanentFailure(t *testing.T) {
	o := New(1, fastRetry(3), testLogger())
	o.Start(context.Background())
	defer o.Stop()

	o.SetSender(func(job *Job) error {
		return errors.New("invalid frame")
	})

	failed := make(chan error, 1)
	job := NewJob("conv-1", nil)
	job.OnFailed = func(err error) { failed <- err }
	if err := o.Enqueue(job); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-failed:
		if err == nil {
			t.Fatal("expected a failure error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failure callback")
	}
	if job.Attempts != 1 {
		t.Errorf("expected 1 attempt for permanent error, got %d", job.Attempts)
	}
	if job.Status != JobStatusFailed {
		t.Errorf("expected status failed, got %s", job.Status)
	}
}

func TestOutboxExhaustsRetries(t *testing.T) {
	o := New(1, fastRetry(2), testLogger())
	o.Start(context.Background())
	defer o.Stop()

	failed := make(chan error, 1)
	o.SetSender(func(job *Job) error {
		return ErrNotConnected
	})

	job := NewJob("conv-1", nil)
	job.OnFailed = func(err error) { failed <- err }
	if err := o.Enqueue(job); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-failed:
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exhausted retries")
	}
	if job.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", job.Attempts)
	}
}

func TestOutboxWaitIdle(t *testing.T) {
	o := New(1, fastRetry(1), testLogger())
	o.Start(context.Background())
	defer o.Stop()

	o.SetSender(func(job *Job) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	})

	if err := o.Enqueue(NewJob("conv-1", nil)); err != nil {
		t.Fatal(err)
	}

	if o.WaitIdle(5 * time.Millisecond) {
		t.Error("expected WaitIdle to time out while a job is in flight")
	}
	if !o.WaitIdle(5 * time.Second) {
		t.Error("expected WaitIdle to succeed once drained")
	}
}

func TestOutboxNoSender(t *testing.T) {
	o := New(1, fastRetry(1), testLogger())
	o.Start(context.Background())
	defer o.Stop()

	// Enqueue without a sender; must not panic.
	if err := o.Enqueue(NewJob("conv-1", nil)); err != nil {
		t.Fatal(err)
	}
	if !o.WaitIdle(2 * time.Second) {
		t.Fatal("outbox never drained")
	}
}
