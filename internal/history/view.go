// Package history keeps the caller's job list: refreshed on demand after a
// run reaches a verdict, and optionally on a fixed period.
package history

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dharsanguruparan/EchoScribe/internal/auth"
	"github.com/dharsanguruparan/EchoScribe/internal/model"
)

const DefaultLimit = 20

// Lister is the listing part of the jobs API.
type Lister interface {
	ListJobs(ctx context.Context, token string, limit int) ([]model.Job, error)
}

// Counts summarises the listed jobs.
type Counts struct {
	Total      int
	Completed  int
	Processing int
	Failed     int
}

// View is safe for concurrent use.
type View struct {
	tokens auth.Provider
	lister Lister
	limit  int
	clock  clockwork.Clock
	logger *log.Logger

	mu        sync.RWMutex
	jobs      []model.Job
	refreshed time.Time
}

// Option configures a View.
type Option func(*View)

func WithLimit(n int) Option {
	return func(v *View) {
		if n > 0 {
			v.limit = n
		}
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(v *View) { v.clock = c }
}

func WithLogger(l *log.Logger) Option {
	return func(v *View) { v.logger = l }
}

// New builds an empty View.
func New(tokens auth.Provider, lister Lister, opts ...Option) *View {
	v := &View{
		tokens: tokens,
		lister: lister,
		limit:  DefaultLimit,
		clock:  clockwork.NewRealClock(),
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Refresh re-lists jobs and replaces the held list wholesale. Without a
// session it does nothing.
func (v *View) Refresh(ctx context.Context) error {
	token, err := v.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("history token: %w", err)
	}
	if token == "" {
		return nil
	}
	jobs, err := v.lister.ListJobs(ctx, token, v.limit)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	jobs = dedupe(jobs)
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	v.mu.Lock()
	v.jobs = jobs
	v.refreshed = v.clock.Now()
	v.mu.Unlock()
	return nil
}

// Jobs returns a copy of the held list, newest first.
func (v *View) Jobs() []model.Job {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]model.Job, len(v.jobs))
	copy(out, v.jobs)
	return out
}

// RefreshedAt is the time of the last successful refresh.
func (v *View) RefreshedAt() time.Time {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.refreshed
}

// Counts tallies the held list. PENDING_UPLOAD and PENDING count as
// processing.
func (v *View) Counts() Counts {
	v.mu.RLock()
	defer v.mu.RUnlock()
	c := Counts{Total: len(v.jobs)}
	for _, j := range v.jobs {
		switch j.Status {
		case model.StatusCompleted:
			c.Completed++
		case model.StatusFailed:
			c.Failed++
		default:
			c.Processing++
		}
	}
	return c
}

// Watch refreshes immediately and then every period until ctx is done.
// Refresh errors are logged and do not stop the loop.
func (v *View) Watch(ctx context.Context, every time.Duration, onChange func([]model.Job)) error {
	if every <= 0 {
		return fmt.Errorf("watch period must be positive, got %s", every)
	}
	ticker := v.clock.NewTicker(every)
	defer ticker.Stop()
	for {
		if err := v.Refresh(ctx); err != nil {
			v.logger.Printf("refresh history: %v", err)
		} else if onChange != nil {
			onChange(v.Jobs())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
	}
}

func dedupe(jobs []model.Job) []model.Job {
	seen := make(map[string]bool, len(jobs))
	out := make([]model.Job, 0, len(jobs))
	for _, j := range jobs {
		if j.JobID == "" || seen[j.JobID] {
			continue
		}
		seen[j.JobID] = true
		out = append(out, j)
	}
	return out
}
