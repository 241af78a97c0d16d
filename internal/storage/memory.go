// Package storage contains the in-memory job store used by tests and by the
// API server when no database is configured.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dharsanguruparan/EchoScribe/internal/model"
)

// MemoryStore keeps jobs in a map guarded by an RWMutex.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]string
	jobs  map[string]*model.Job
	now   func() time.Time
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]string),
		jobs:  make(map[string]*model.Job),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// EnsureUser records the user; a later non-empty email replaces the old one.
func (m *MemoryStore) EnsureUser(ctx context.Context, userID, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.users[userID]; ok && email == "" {
		email = prev
	}
	m.users[userID] = email
	return nil
}

// UserEmail returns the recorded email, empty for unknown users.
func (m *MemoryStore) UserEmail(ctx context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[userID], nil
}

// Create inserts a new job in PENDING_UPLOAD.
func (m *MemoryStore) Create(ctx context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.JobID]; ok {
		return fmt.Errorf("job %s already exists", job.JobID)
	}
	now := m.now()
	job.Status = model.StatusPendingUpload
	job.CreatedAt = now
	job.UpdatedAt = now
	rec := *job
	m.jobs[job.JobID] = &rec
	return nil
}

// Get returns a copy of the job if it belongs to userID.
func (m *MemoryStore) Get(ctx context.Context, userID, jobID string) (*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.jobs[jobID]
	if !ok || rec.UserID != userID {
		return nil, model.ErrNotFound
	}
	out := *rec
	return &out, nil
}

// List returns up to limit of the user's jobs, newest first.
func (m *MemoryStore) List(ctx context.Context, userID string, limit int) ([]model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Job
	for _, rec := range m.jobs {
		if rec.UserID == userID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].JobID > out[j].JobID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkPending moves an uploaded job to PENDING.
func (m *MemoryStore) MarkPending(ctx context.Context, userID, jobID string) error {
	return m.advance(userID, jobID, model.StatusPending, nil)
}

// MarkProcessing moves the job to PROCESSING.
func (m *MemoryStore) MarkProcessing(ctx context.Context, userID, jobID string) error {
	return m.advance(userID, jobID, model.StatusProcessing, nil)
}

// MarkCompleted records the transcript location and completion time.
func (m *MemoryStore) MarkCompleted(ctx context.Context, userID, jobID, transcriptKey string) error {
	return m.advance(userID, jobID, model.StatusCompleted, func(rec *model.Job, now time.Time) {
		rec.TranscriptKey = transcriptKey
		rec.ErrorMessage = ""
		rec.CompletedAt = &now
	})
}

// MarkFailed records the failure message.
func (m *MemoryStore) MarkFailed(ctx context.Context, userID, jobID, msg string) error {
	return m.advance(userID, jobID, model.StatusFailed, func(rec *model.Job, now time.Time) {
		rec.ErrorMessage = msg
	})
}

func (m *MemoryStore) advance(userID, jobID string, next model.JobStatus, apply func(*model.Job, time.Time)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[jobID]
	if !ok || rec.UserID != userID {
		return model.ErrNotFound
	}
	if !rec.Status.CanAdvanceTo(next) {
		return fmt.Errorf("%s -> %s: %w", rec.Status, next, model.ErrStatusRegression)
	}
	now := m.now()
	rec.Status = next
	rec.UpdatedAt = now
	if apply != nil {
		apply(rec, now)
	}
	return nil
}
