package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// TranscribeTask is scheduled once per uploaded recording.
	TranscribeTask = "transcription:process"
	// NotifyTask mails the job owner once the job reaches a terminal status.
	NotifyTask = "notification:send"
)

// ErrDuplicate is returned when a task for the job is already queued or
// retained.
var ErrDuplicate = errors.New("transcription already enqueued")

// TranscribePayload tells the worker which recording to transcribe.
type TranscribePayload struct {
	UserID   string `json:"user_id"`
	JobID    string `json:"job_id"`
	AudioKey string `json:"audio_key"`
	Language string `json:"language"`
	Email    string `json:"email,omitempty"`
}

// NotifyPayload names the job whose outcome should be mailed.
type NotifyPayload struct {
	UserID string `json:"user_id"`
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Email  string `json:"email,omitempty"`
}

// Enqueuer is the part of *asynq.Client used here.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// EnqueueTranscribe schedules a transcription. The task id is the job id, so
// a repeated notification for the same upload does not run twice.
func EnqueueTranscribe(ctx context.Context, client Enqueuer, payload TranscribePayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(TranscribeTask, data)
	_, err = client.EnqueueContext(ctx, task, asynq.MaxRetry(3), asynq.TaskID(payload.JobID))
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("enqueue transcribe task: %w", err)
	}
	return nil
}

// ParsePayload decodes a task payload.
func ParsePayload(task *asynq.Task) (TranscribePayload, error) {
	var p TranscribePayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	if p.UserID == "" || p.JobID == "" || p.AudioKey == "" {
		return p, fmt.Errorf("incomplete payload for task %s", task.Type())
	}
	return p, nil
}

// EnqueueNotify schedules the outcome mail for a job. Only one mail is sent
// per job, so a conflicting task id is not an error.
func EnqueueNotify(ctx context.Context, client Enqueuer, payload NotifyPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(NotifyTask, data)
	_, err = client.EnqueueContext(ctx, task, asynq.MaxRetry(5), asynq.TaskID("notify:"+payload.JobID))
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue notify task: %w", err)
	}
	return nil
}

// ParseNotifyPayload decodes a notification task payload.
func ParseNotifyPayload(task *asynq.Task) (NotifyPayload, error) {
	var p NotifyPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	if p.UserID == "" || p.JobID == "" {
		return p, fmt.Errorf("incomplete payload for task %s", task.Type())
	}
	return p, nil
}
