package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"testing"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/EchoScribe/internal/model"
	"github.com/dharsanguruparan/EchoScribe/internal/queue"
	"github.com/dharsanguruparan/EchoScribe/internal/storage"
)

type fakeObjects struct {
	downloaded  string
	transcripts map[string]string
}

func (f *fakeObjects) DownloadAudio(ctx context.Context, objectKey, path string) error {
	f.downloaded = objectKey
	return os.WriteFile(path, []byte("RIFF"), 0o600)
}

func (f *fakeObjects) PutTranscript(ctx context.Context, objectKey, text string) error {
	f.transcripts[objectKey] = text
	return nil
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f fakeTranscriber) Transcribe(ctx context.Context, path, language string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return f.text, f.err
}

type recordingEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (r *recordingEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.tasks = append(r.tasks, task)
	return &asynq.TaskInfo{}, nil
}

func newTask(t *testing.T, p queue.TranscribePayload) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return asynq.NewTask(queue.TranscribeTask, data)
}

func seedJob(t *testing.T, store *storage.MemoryStore) queue.TranscribePayload {
	t.Helper()
	ctx := context.Background()
	if err := store.Create(ctx, &model.Job{UserID: "u1", JobID: "j1", Language: "en"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.MarkPending(ctx, "u1", "j1"); err != nil {
		t.Fatalf("pending: %v", err)
	}
	return queue.TranscribePayload{UserID: "u1", JobID: "j1", AudioKey: "audio/u1/j1/original.wav", Language: "en"}
}

func TestHandleTranscribeCompletes(t *testing.T) {
	store := storage.NewMemoryStore()
	payload := seedJob(t, store)
	objects := &fakeObjects{transcripts: map[string]string{}}
	p := NewProcessor(store, objects, fakeTranscriber{text: "hello"}, nil, log.New(io.Discard, "", 0))

	if err := p.HandleTranscribe(context.Background(), newTask(t, payload)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	job, _ := store.Get(context.Background(), "u1", "j1")
	if job.Status != model.StatusCompleted || job.TranscriptKey != TranscriptKey("u1", "j1") {
		t.Fatalf("job = %+v", job)
	}
	if objects.transcripts[TranscriptKey("u1", "j1")] != "hello" {
		t.Fatalf("transcripts = %v", objects.transcripts)
	}
	if objects.downloaded != payload.AudioKey {
		t.Fatalf("downloaded %q", objects.downloaded)
	}

	// A redelivered task for a finished job is a no-op.
	if err := p.HandleTranscribe(context.Background(), newTask(t, payload)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
}

func TestHandleTranscribeMarksFailure(t *testing.T) {
	store := storage.NewMemoryStore()
	payload := seedJob(t, store)
	objects := &fakeObjects{transcripts: map[string]string{}}
	p := NewProcessor(store, objects, fakeTranscriber{err: errors.New("model crashed")}, nil, log.New(io.Discard, "", 0))

	err := p.HandleTranscribe(context.Background(), newTask(t, payload))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("err = %v, want SkipRetry", err)
	}
	job, _ := store.Get(context.Background(), "u1", "j1")
	if job.Status != model.StatusFailed || job.ErrorMessage != "model crashed" {
		t.Fatalf("job = %+v", job)
	}
	if len(objects.transcripts) != 0 {
		t.Fatal("transcript stored for a failed job")
	}
}

func TestHandleTranscribeQueuesOutcomeMail(t *testing.T) {
	cases := []struct {
		name        string
		transcriber fakeTranscriber
		want        model.JobStatus
	}{
		{"completed", fakeTranscriber{text: "hello"}, model.StatusCompleted},
		{"failed", fakeTranscriber{err: errors.New("model crashed")}, model.StatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := storage.NewMemoryStore()
			payload := seedJob(t, store)
			payload.Email = "owner@example.com"
			notifier := &recordingEnqueuer{}
			objects := &fakeObjects{transcripts: map[string]string{}}
			p := NewProcessor(store, objects, tc.transcriber, notifier, log.New(io.Discard, "", 0))

			_ = p.HandleTranscribe(context.Background(), newTask(t, payload))

			if len(notifier.tasks) != 1 {
				t.Fatalf("notification tasks = %d, want 1", len(notifier.tasks))
			}
			got, err := queue.ParseNotifyPayload(notifier.tasks[0])
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			want := queue.NotifyPayload{UserID: "u1", JobID: "j1", Status: string(tc.want), Email: "owner@example.com"}
			if got != want {
				t.Fatalf("payload = %+v, want %+v", got, want)
			}
		})
	}
}

func TestNotificationQueueFailureKeepsOutcome(t *testing.T) {
	store := storage.NewMemoryStore()
	payload := seedJob(t, store)
	notifier := &recordingEnqueuer{err: errors.New("redis down")}
	objects := &fakeObjects{transcripts: map[string]string{}}
	p := NewProcessor(store, objects, fakeTranscriber{text: "hello"}, notifier, log.New(io.Discard, "", 0))

	if err := p.HandleTranscribe(context.Background(), newTask(t, payload)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	job, _ := store.Get(context.Background(), "u1", "j1")
	if job.Status != model.StatusCompleted {
		t.Fatalf("status = %s", job.Status)
	}
}
