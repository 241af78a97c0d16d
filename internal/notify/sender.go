// Package notify mails job owners when a transcription finishes.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/EchoScribe/internal/model"
	"github.com/dharsanguruparan/EchoScribe/internal/queue"
)

const signature = "- EchoScribe"

// JobStore resolves the job and the owner's address.
type JobStore interface {
	Get(ctx context.Context, userID, jobID string) (*model.Job, error)
	UserEmail(ctx context.Context, userID string) (string, error)
}

// LinkSigner issues download links for transcripts.
type LinkSigner interface {
	PresignTranscriptURL(ctx context.Context, objectKey string, ttl time.Duration) (string, error)
}

// Sender handles notification tasks.
type Sender struct {
	jobs   JobStore
	links  LinkSigner
	mailer Mailer
	ttl    time.Duration
	logger *log.Logger
	now    func() time.Time
}

// NewSender builds a Sender. ttl is the lifetime of download links. A nil
// logger means log.Default().
func NewSender(jobs JobStore, links LinkSigner, mailer Mailer, ttl time.Duration, logger *log.Logger) *Sender {
	if logger == nil {
		logger = log.Default()
	}
	return &Sender{jobs: jobs, links: links, mailer: mailer, ttl: ttl, logger: logger, now: time.Now}
}

// Register adds the notification handler to mux.
func (s *Sender) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(queue.NotifyTask, s.HandleNotify)
}

// HandleNotify mails the outcome of one job. Missing jobs, owners without an
// address and non-terminal jobs are skipped.
func (s *Sender) HandleNotify(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseNotifyPayload(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	job, err := s.jobs.Get(ctx, payload.UserID, payload.JobID)
	if errors.Is(err, model.ErrNotFound) {
		s.logger.Printf("job %s not found, skipping notification", payload.JobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	to, err := s.recipient(ctx, payload, job)
	if err != nil {
		return err
	}
	if to == "" {
		s.logger.Printf("no email for user %s, skipping notification", payload.UserID)
		return nil
	}

	var subject, body string
	switch job.Status {
	case model.StatusCompleted:
		subject, body, err = s.completed(ctx, job)
		if err != nil {
			return err
		}
	case model.StatusFailed:
		subject, body = failed(job)
	default:
		s.logger.Printf("job %s is %s, nothing to notify", job.JobID, job.Status)
		return nil
	}

	if err := s.mailer.Send(ctx, to, subject, body); err != nil {
		return err
	}
	s.logger.Printf("notification sent for job %s (%s)", job.JobID, job.Status)
	return nil
}

func (s *Sender) recipient(ctx context.Context, payload queue.NotifyPayload, job *model.Job) (string, error) {
	if payload.Email != "" {
		return payload.Email, nil
	}
	if job.Email != "" {
		return job.Email, nil
	}
	email, err := s.jobs.UserEmail(ctx, payload.UserID)
	if err != nil {
		return "", fmt.Errorf("load user email: %w", err)
	}
	return email, nil
}

func (s *Sender) completed(ctx context.Context, job *model.Job) (string, string, error) {
	if job.TranscriptKey == "" {
		return "", "", fmt.Errorf("job %s completed without a transcript key: %w", job.JobID, asynq.SkipRetry)
	}
	link, err := s.links.PresignTranscriptURL(ctx, job.TranscriptKey, s.ttl)
	if err != nil {
		return "", "", err
	}
	body := fmt.Sprintf("Hi,\n\nYour transcription is complete.\nJob ID: %s\nFilename: %s\nGenerated at: %s\n\nDownload link (expires in %s):\n%s\n\n%s",
		job.JobID, job.Filename, s.now().UTC().Format(time.RFC3339), expiry(s.ttl), link, signature)
	return "Your transcription is ready", body, nil
}

func failed(job *model.Job) (string, string) {
	reason := job.ErrorMessage
	if reason == "" {
		reason = "Unknown error"
	}
	body := fmt.Sprintf("Hi,\n\nWe could not complete your transcription.\nJob ID: %s\nFilename: %s\nReason: %s\n\nPlease try uploading again.\n\n%s",
		job.JobID, job.Filename, reason, signature)
	return "Your transcription failed", body
}

// expiry renders whole hours as "24h" and anything else as a duration.
func expiry(ttl time.Duration) string {
	if ttl > 0 && ttl%time.Hour == 0 {
		return fmt.Sprintf("%dh", int(ttl/time.Hour))
	}
	return ttl.String()
}
