// Package model contains the job types shared by the API server, the worker
// and the client packages.
package model

import (
	"errors"
	"time"
)

// ErrNotFound is returned by job stores when a job does not exist for the
// requesting user.
var ErrNotFound = errors.New("job not found")

// ErrStatusRegression is returned when an update would move a job backwards
// in its lifecycle or out of a terminal status.
var ErrStatusRegression = errors.New("job status cannot move backwards")

// JobStatus describes the processing lifecycle of a transcription job.
type JobStatus string

const (
	StatusPendingUpload JobStatus = "PENDING_UPLOAD"
	StatusPending       JobStatus = "PENDING"
	StatusProcessing    JobStatus = "PROCESSING"
	StatusCompleted     JobStatus = "COMPLETED"
	StatusFailed        JobStatus = "FAILED"
)

var statusRank = map[JobStatus]int{
	StatusPendingUpload: 0,
	StatusPending:       1,
	StatusProcessing:    2,
	StatusCompleted:     3,
	StatusFailed:        3,
}

// Terminal reports whether no further server-side transitions happen.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// CanAdvanceTo reports whether moving from s to next keeps the lifecycle
// monotonic. Terminal statuses never change.
func (s JobStatus) CanAdvanceTo(next JobStatus) bool {
	from, ok := statusRank[s]
	if !ok || s.Terminal() {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// Job is one transcription request as reported by the jobs API.
type Job struct {
	UserID        string     `json:"user_id,omitempty"`
	JobID         string     `json:"job_id"`
	Filename      string     `json:"filename"`
	FileSize      int64      `json:"file_size,omitempty"`
	ContentType   string     `json:"content_type,omitempty"`
	Language      string     `json:"language"`
	Email         string     `json:"email,omitempty"`
	Status        JobStatus  `json:"status"`
	AudioKey      string     `json:"audio_key,omitempty"`
	TranscriptKey string     `json:"transcript_key,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// UploadDescriptor is the single-use authorization for a direct upload to
// object storage. Fields must be posted verbatim ahead of the file part.
type UploadDescriptor struct {
	Type      string            `json:"type"`
	URL       string            `json:"url"`
	Fields    map[string]string `json:"fields"`
	ExpiresIn int64             `json:"expires_in"`
	ObjectKey string            `json:"object_key"`
}

// UploadTypePresignedPost is the only descriptor type the server issues.
const UploadTypePresignedPost = "presigned_post"

// CreateJobRequest is the body of POST /api/jobs.
type CreateJobRequest struct {
	Filename    string `json:"filename"`
	FileSize    int64  `json:"file_size"`
	ContentType string `json:"content_type"`
	Language    string `json:"language"`
	Email       string `json:"email,omitempty"`
}

// CreateJobResponse is returned by POST /api/jobs.
type CreateJobResponse struct {
	JobID  string           `json:"job_id"`
	Status JobStatus        `json:"status"`
	Upload UploadDescriptor `json:"upload"`
}

// JobList is returned by GET /api/jobs.
type JobList struct {
	Jobs []Job `json:"jobs"`
}

// Transcript is returned by GET /api/jobs/{id}/transcript.
type Transcript struct {
	JobID      string `json:"job_id,omitempty"`
	Transcript string `json:"transcript"`
}
