package models

import "time"

// JobEvent is published on every lifecycle transition
type JobEvent struct {
	Type      string    `json:"type"`
	JobID     string    `json:"job_id"`
	VideoID   string    `json:"video_id"`
	Status    JobStatus `json:"status"`
	Attempt   int       `json:"attempt"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Job event types, also used as routing keys
const (
	JobEventQueued    = "job.queued"
	JobEventClaimed   = "job.claimed"
	JobEventCompleted = "job.completed"
	JobEventFailed    = "job.failed"
	JobEventExhausted = "job.exhausted"
	JobEventRequeued  = "job.requeued"
	JobEventCancelled = "job.cancelled"
)

// NewJobEvent builds an event describing the job's current state
func NewJobEvent(eventType string, job *EncodingJob, at time.Time) JobEvent {
	return JobEvent{
		Type:      eventType,
		JobID:     job.ID,
		VideoID:   job.VideoID,
		Status:    job.Status,
		Attempt:   job.AttemptCount,
		WorkerID:  job.WorkerID,
		Timestamp: at,
	}
}

// WebhookEvent represents the payload sent to webhooks
type WebhookEvent struct {
	Event     string       `json:"event"`
	Timestamp time.Time    `json:"timestamp"`
	Data      *EncodingJob `json:"data"`
}
