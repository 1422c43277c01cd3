// internal/outbox/job.go
package outbox

import (
	"time"

	"github.com/user/flowsync/internal/types"
)

// JobStatus represents the delivery state of an outbound frame.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusSending   JobStatus = "sending"
	JobStatusDelivered JobStatus = "delivered"
	JobStatusFailed    JobStatus = "failed"
)

// Job tracks a single outbound frame destined for the realtime server.
// After Enqueue the job belongs to its lane goroutine; callers observe
// completion through the callbacks.
type Job struct {
	ID             types.MessageID
	ConversationID types.ConversationID
	Frame          any
	Status         JobStatus
	Attempts       int
	CreatedAt      time.Time
	SentAt         *time.Time
	Error          error
	OnDelivered    func()
	OnFailed       func(err error)
}

// NewJob creates a Job in the Queued state carrying the given frame.
func NewJob(conversationID types.ConversationID, frame any) *Job {
	return &Job{
		ID:             types.NewMessageID(),
		ConversationID: conversationID,
		Frame:          frame,
		Status:         JobStatusQueued,
		CreatedAt:      time.Now(),
	}
}
