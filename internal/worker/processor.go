package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/EchoScribe/internal/model"
	"github.com/dharsanguruparan/EchoScribe/internal/queue"
	"github.com/dharsanguruparan/EchoScribe/internal/transcribe"
)

// JobStore is the part of the job store the worker updates.
type JobStore interface {
	Get(ctx context.Context, userID, jobID string) (*model.Job, error)
	MarkProcessing(ctx context.Context, userID, jobID string) error
	MarkCompleted(ctx context.Context, userID, jobID, transcriptKey string) error
	MarkFailed(ctx context.Context, userID, jobID, msg string) error
}

// ObjectStore moves audio in and transcripts out.
type ObjectStore interface {
	DownloadAudio(ctx context.Context, objectKey, path string) error
	PutTranscript(ctx context.Context, objectKey, text string) error
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	jobs        JobStore
	objects     ObjectStore
	transcriber transcribe.Transcriber
	notifier    queue.Enqueuer
	logger      *log.Logger
}

// NewProcessor constructs a worker processor. notifier receives the outcome
// mail task of every finished job; nil disables mails. A nil logger means
// log.Default().
func NewProcessor(jobs JobStore, objects ObjectStore, t transcribe.Transcriber, notifier queue.Enqueuer, logger *log.Logger) *Processor {
	if logger == nil {
		logger = log.Default()
	}
	return &Processor{jobs: jobs, objects: objects, transcriber: t, notifier: notifier, logger: logger}
}

// Handler registers the transcription handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TranscribeTask, p.HandleTranscribe)
	return mux
}

// TranscriptKey is where the transcript of a job is stored.
func TranscriptKey(userID, jobID string) string {
	return fmt.Sprintf("transcripts/%s/%s/transcript.txt", userID, jobID)
}

// HandleTranscribe runs one transcription. A failure marks the job FAILED
// and is not retried; retries only happen when the failure could not be
// recorded.
func (p *Processor) HandleTranscribe(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParsePayload(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	job, err := p.jobs.Get(ctx, payload.UserID, payload.JobID)
	if errors.Is(err, model.ErrNotFound) {
		p.logger.Printf("job %s no longer exists, dropping task", payload.JobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status.Terminal() {
		return nil
	}
	if job.Status != model.StatusProcessing {
		if err := p.jobs.MarkProcessing(ctx, payload.UserID, payload.JobID); err != nil {
			return fmt.Errorf("mark processing: %w", err)
		}
	}

	key, err := p.transcribe(ctx, payload)
	if err != nil {
		p.logger.Printf("transcription failed for %s: %v", payload.JobID, err)
		if markErr := p.jobs.MarkFailed(ctx, payload.UserID, payload.JobID, err.Error()); markErr != nil {
			return fmt.Errorf("mark failed: %w", markErr)
		}
		p.notify(ctx, payload, model.StatusFailed)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if err := p.jobs.MarkCompleted(ctx, payload.UserID, payload.JobID, key); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	p.logger.Printf("job %s transcribed", payload.JobID)
	p.notify(ctx, payload, model.StatusCompleted)
	return nil
}

// notify queues the outcome mail. The job status is already recorded, so a
// queueing failure is only logged.
func (p *Processor) notify(ctx context.Context, payload queue.TranscribePayload, status model.JobStatus) {
	if p.notifier == nil {
		return
	}
	err := queue.EnqueueNotify(ctx, p.notifier, queue.NotifyPayload{
		UserID: payload.UserID,
		JobID:  payload.JobID,
		Status: string(status),
		Email:  payload.Email,
	})
	if err != nil {
		p.logger.Printf("queue notification for %s: %v", payload.JobID, err)
	}
}

func (p *Processor) transcribe(ctx context.Context, payload queue.TranscribePayload) (string, error) {
	dir, err := os.MkdirTemp("", "scribe-"+payload.JobID+"-")
	if err != nil {
		return "", fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	local := filepath.Join(dir, "original"+filepath.Ext(payload.AudioKey))
	if err := p.objects.DownloadAudio(ctx, payload.AudioKey, local); err != nil {
		return "", err
	}
	text, err := p.transcriber.Transcribe(ctx, local, payload.Language)
	if err != nil {
		return "", err
	}
	key := TranscriptKey(payload.UserID, payload.JobID)
	if err := p.objects.PutTranscript(ctx, key, text); err != nil {
		return "", err
	}
	return key, nil
}
