// Package ingest turns object-created notifications for uploaded audio into
// queued transcription work.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"

	"github.com/dharsanguruparan/EchoScribe/internal/model"
	"github.com/dharsanguruparan/EchoScribe/internal/queue"
)

// JobStore is the part of the job store the listener needs.
type JobStore interface {
	Get(ctx context.Context, userID, jobID string) (*model.Job, error)
	MarkPending(ctx context.Context, userID, jobID string) error
}

// Notifier delivers the keys of created audio objects.
type Notifier interface {
	ListenAudioUploads(ctx context.Context, fn func(ctx context.Context, key string)) error
}

// AudioKey is a parsed audio object key.
type AudioKey struct {
	UserID string
	JobID  string
	Ext    string
}

// ObjectKey builds audio/{user}/{job}/original{ext}.
func ObjectKey(userID, jobID, ext string) string {
	return fmt.Sprintf("audio/%s/%s/original%s", userID, jobID, ext)
}

// ParseAudioKey reverses ObjectKey.
func ParseAudioKey(key string) (AudioKey, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 || parts[0] != "audio" || parts[1] == "" || parts[2] == "" {
		return AudioKey{}, fmt.Errorf("unexpected audio key %q", key)
	}
	ext := path.Ext(parts[3])
	if strings.TrimSuffix(parts[3], ext) != "original" || ext == "" {
		return AudioKey{}, fmt.Errorf("unexpected audio object name %q", parts[3])
	}
	return AudioKey{UserID: parts[1], JobID: parts[2], Ext: strings.ToLower(ext)}, nil
}

// Listener moves uploaded jobs to PENDING and enqueues their transcription.
type Listener struct {
	store    JobStore
	enqueuer queue.Enqueuer
	logger   *log.Logger
}

// NewListener builds a Listener. A nil logger means log.Default().
func NewListener(store JobStore, enqueuer queue.Enqueuer, logger *log.Logger) *Listener {
	if logger == nil {
		logger = log.Default()
	}
	return &Listener{store: store, enqueuer: enqueuer, logger: logger}
}

// Run consumes notifications until ctx is done.
func (l *Listener) Run(ctx context.Context, n Notifier) error {
	return n.ListenAudioUploads(ctx, func(ctx context.Context, key string) {
		if err := l.Handle(ctx, key); err != nil {
			l.logger.Printf("ingest %s: %v", key, err)
		}
	})
}

// Handle processes one created object. Malformed keys and unknown jobs are
// logged and skipped; a repeated notification never queues a job twice.
func (l *Listener) Handle(ctx context.Context, key string) error {
	ak, err := ParseAudioKey(key)
	if err != nil {
		l.logger.Printf("skip object: %v", err)
		return nil
	}
	job, err := l.store.Get(ctx, ak.UserID, ak.JobID)
	if errors.Is(err, model.ErrNotFound) {
		l.logger.Printf("skip object %s: no such job", key)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	switch {
	case job.Status.Terminal():
		return nil
	case job.Status == model.StatusPendingUpload:
		err := l.store.MarkPending(ctx, ak.UserID, ak.JobID)
		if err != nil && !errors.Is(err, model.ErrStatusRegression) {
			return fmt.Errorf("mark pending: %w", err)
		}
	}

	err = queue.EnqueueTranscribe(ctx, l.enqueuer, queue.TranscribePayload{
		UserID:   ak.UserID,
		JobID:    ak.JobID,
		AudioKey: key,
		Language: job.Language,
		Email:    job.Email,
	})
	if errors.Is(err, queue.ErrDuplicate) {
		return nil
	}
	if err != nil {
		return err
	}
	l.logger.Printf("job %s queued for transcription", ak.JobID)
	return nil
}
