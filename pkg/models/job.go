package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of an encoding job
type JobStatus string

// JobStatus constants
const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// AllJobStatuses lists every status in state machine order.
var AllJobStatuses = []JobStatus{
	JobStatusQueued,
	JobStatusProcessing,
	JobStatusCompleted,
	JobStatusFailed,
	JobStatusCancelled,
}

// ParseJobStatus validates a status string
func ParseJobStatus(s string) (JobStatus, error) {
	for _, st := range AllJobStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// IsTerminal reports whether no further transition is allowed from the status.
// Exhausted failures are terminal too, but that depends on the attempt counters,
// see EncodingJob.Exhausted.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusCancelled
}

// DefaultErrorCode is recorded when a worker reports a failure without a code
const DefaultErrorCode = "UNKNOWN_ERROR"

// EncodingJob represents one attempt-series of transcoding a source video
type EncodingJob struct {
	ID                string       `json:"id" db:"id"`
	VideoID           string       `json:"video_id" db:"video_id"`
	Status            JobStatus    `json:"status" db:"status"`
	Progress          int          `json:"progress" db:"progress"`
	InputFileURL      string       `json:"input_file_url" db:"input_file_url"`
	OutputManifestURL string       `json:"output_manifest_url,omitempty" db:"output_manifest_url"`
	OutputBucket      string       `json:"output_bucket,omitempty" db:"output_bucket"`
	OutputKey         string       `json:"output_key,omitempty" db:"output_key"`
	WebhookURL        string       `json:"webhook_url,omitempty" db:"webhook_url"`
	Renditions        Renditions   `json:"renditions" db:"renditions"`
	ThumbnailURLs     StringList   `json:"thumbnail_urls" db:"thumbnail_urls"`
	AttemptCount      int          `json:"attempt_count" db:"attempt_count"`
	MaxAttempts       int          `json:"max_attempts" db:"max_attempts"`
	NextRetryAt       *time.Time   `json:"next_retry_at,omitempty" db:"next_retry_at"`
	LastError         string       `json:"last_error,omitempty" db:"last_error"`
	ErrorHistory      ErrorHistory `json:"error_history" db:"error_history"`
	AlertSent         bool         `json:"alert_sent" db:"alert_sent"`
	WorkerID          string       `json:"worker_id,omitempty" db:"worker_id"`
	StartedAt         *time.Time   `json:"started_at,omitempty" db:"started_at"`
	CompletedAt       *time.Time   `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt         time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at" db:"updated_at"`
}

// Exhausted reports whether the job failed with no attempts left
func (j *EncodingJob) Exhausted() bool {
	return j.Status == JobStatusFailed && j.AttemptCount >= j.MaxAttempts
}

// RetryPending reports whether the job failed and will be retried
func (j *EncodingJob) RetryPending() bool {
	return j.Status == JobStatusFailed && j.AttemptCount < j.MaxAttempts
}

// Active reports whether the job still occupies its video: queued, processing
// or failed with attempts remaining.
func (j *EncodingJob) Active() bool {
	return j.Status == JobStatusQueued || j.Status == JobStatusProcessing || j.RetryPending()
}

// Rendition describes one output produced by a successful job
type Rendition struct {
	Name       string `json:"name"`
	Resolution string `json:"resolution,omitempty"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	Codec      string `json:"codec,omitempty"`
	Bitrate    int64  `json:"bitrate,omitempty"`
	URL        string `json:"url"`
}

// ErrorEntry is one failed attempt in a job's audit trail
type ErrorEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Attempt   int       `json:"attempt"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
}

// Renditions is stored as a JSONB array
type Renditions []Rendition

// Value implements driver.Valuer for database storage
func (r Renditions) Value() (driver.Value, error) {
	if r == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Rendition(r))
}

// Scan implements sql.Scanner for database retrieval
func (r *Renditions) Scan(value interface{}) error {
	return scanJSONArray(value, (*[]Rendition)(r))
}

// StringList is stored as a JSONB array of strings
type StringList []string

// Value implements driver.Valuer for database storage
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(s))
}

// Scan implements sql.Scanner for database retrieval
func (s *StringList) Scan(value interface{}) error {
	return scanJSONArray(value, (*[]string)(s))
}

// ErrorHistory is the append-only failure trail, stored as a JSONB array
type ErrorHistory []ErrorEntry

// Value implements driver.Valuer for database storage
func (h ErrorHistory) Value() (driver.Value, error) {
	if h == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]ErrorEntry(h))
}

// Scan implements sql.Scanner for database retrieval
func (h *ErrorHistory) Scan(value interface{}) error {
	return scanJSONArray(value, (*[]ErrorEntry)(h))
}

func scanJSONArray(value interface{}, dest interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for JSON array", value)
	}
	return json.Unmarshal(data, dest)
}

// JobStats summarises the job table for operators and alerting
type JobStats struct {
	ByStatus     map[JobStatus]int64 `json:"by_status"`
	Total        int64               `json:"total"`
	RetryPending int64               `json:"retry_pending"`
	Exhausted    int64               `json:"exhausted"`
	AlertPending int64               `json:"alert_pending"`
	Stale        int64               `json:"stale"`
}
