package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
)

type fakeEnqueuer struct {
	ids   map[string]bool
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	var id string
	for _, opt := range opts {
		if opt.Type() == asynq.TaskIDOpt {
			id, _ = opt.Value().(string)
		}
	}
	if id == "" {
		return nil, errors.New("task id missing")
	}
	if f.ids[id] {
		return nil, asynq.ErrTaskIDConflict
	}
	f.ids[id] = true
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: id}, nil
}

func TestEnqueueTranscribeDedupesByJob(t *testing.T) {
	client := &fakeEnqueuer{ids: map[string]bool{}}
	payload := TranscribePayload{UserID: "u1", JobID: "j1", AudioKey: "audio/u1/j1/original.wav", Language: "en"}

	if err := EnqueueTranscribe(context.Background(), client, payload); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := EnqueueTranscribe(context.Background(), client, payload); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second enqueue: %v", err)
	}
	if len(client.tasks) != 1 {
		t.Fatalf("tasks = %d", len(client.tasks))
	}

	got, err := ParsePayload(client.tasks[0])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != payload {
		t.Fatalf("payload = %+v", got)
	}
	if client.tasks[0].Type() != TranscribeTask {
		t.Fatalf("type = %s", client.tasks[0].Type())
	}
}

func TestParsePayloadRejectsIncomplete(t *testing.T) {
	task := asynq.NewTask(TranscribeTask, []byte(`{"job_id":"j1"}`))
	if _, err := ParsePayload(task); err == nil {
		t.Fatal("expected error")
	}
	task = asynq.NewTask(TranscribeTask, []byte(`{`))
	if _, err := ParsePayload(task); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestEnqueueNotifyOncePerJob(t *testing.T) {
	client := &fakeEnqueuer{ids: map[string]bool{}}
	payload := NotifyPayload{UserID: "u1", JobID: "j1", Status: "COMPLETED", Email: "a@example.com"}

	if err := EnqueueNotify(context.Background(), client, payload); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := EnqueueNotify(context.Background(), client, payload); err != nil {
		t.Fatalf("second enqueue should be absorbed: %v", err)
	}
	if len(client.tasks) != 1 || client.tasks[0].Type() != NotifyTask {
		t.Fatalf("tasks = %v", client.tasks)
	}
	if !client.ids["notify:j1"] {
		t.Fatalf("ids = %v", client.ids)
	}

	got, err := ParseNotifyPayload(client.tasks[0])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != payload {
		t.Fatalf("payload = %+v", got)
	}
	if _, err := ParseNotifyPayload(asynq.NewTask(NotifyTask, []byte(`{"status":"FAILED"}`))); err == nil {
		t.Fatal("expected error for payload without ids")
	}
}
