// Package orchestrator drives one transcription job from submission to a
// terminal outcome: validate, create the job, upload the audio, then poll the
// job on a fixed cadence until it completes, fails, times out or is
// cancelled.
package orchestrator

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dharsanguruparan/EchoScribe/internal/auth"
	"github.com/dharsanguruparan/EchoScribe/internal/jobsapi"
	"github.com/dharsanguruparan/EchoScribe/internal/model"
	"github.com/dharsanguruparan/EchoScribe/internal/upload"
)

const (
	DefaultPollInterval  = 4 * time.Second
	DefaultMaxPollRounds = 150
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("orchestrator closed")

// JobAPI is the part of the jobs API the orchestrator needs.
type JobAPI interface {
	CreateJob(ctx context.Context, token string, req model.CreateJobRequest) (*model.CreateJobResponse, error)
	GetJob(ctx context.Context, token, jobID string) (*model.Job, error)
	GetTranscript(ctx context.Context, token, jobID string) (*model.Transcript, error)
}

// Uploader transfers the audio using a one-time descriptor.
type Uploader interface {
	Upload(ctx context.Context, desc model.UploadDescriptor, f upload.File) error
}

// HistoryRefresher re-lists jobs after a run reaches a verdict.
type HistoryRefresher interface {
	Refresh(ctx context.Context) error
}

// Options tune an Orchestrator. Zero values get defaults.
type Options struct {
	PollInterval  time.Duration
	MaxPollRounds int
	Rules         Rules
	History       HistoryRefresher
	Clock         clockwork.Clock
	Logger        *log.Logger
	// OnUpdate receives a snapshot after every observable change. It is
	// called from the run's goroutine and must not block.
	OnUpdate func(Snapshot)
}

// Submission is one user request: the audio plus its metadata.
type Submission struct {
	File     *upload.File
	Language string
	Email    string
}

// Orchestrator owns at most one active Run at a time.
type Orchestrator struct {
	tokens   auth.Provider
	api      JobAPI
	uploader Uploader
	opts     Options

	mu      sync.Mutex
	current *Run
	closed  bool
}

// New builds an Orchestrator.
func New(tokens auth.Provider, api JobAPI, uploader Uploader, opts Options) *Orchestrator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxPollRounds <= 0 {
		opts.MaxPollRounds = DefaultMaxPollRounds
	}
	if opts.Rules.ContentTypes == nil {
		opts.Rules.ContentTypes = model.AudioContentTypes()
	}
	if opts.Rules.Languages == nil {
		opts.Rules.Languages = model.DefaultLanguages
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Orchestrator{
		tokens:   tokens,
		api:      api,
		uploader: uploader,
		opts:     opts,
	}
}

// Submit validates sub, creates the job and uploads the audio, all before
// returning. On success the returned Run polls in the background. Any
// previous run is cancelled first.
func (o *Orchestrator) Submit(ctx context.Context, sub Submission) (*Run, error) {
	if err := o.opts.Rules.Validate(sub.File, sub.Language); err != nil {
		return nil, err
	}
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	prev := o.current
	o.current = nil
	o.mu.Unlock()
	if prev != nil {
		prev.Cancel()
	}

	r := newRun(o, model.Job{
		Filename:    sub.File.Name,
		FileSize:    sub.File.Size,
		ContentType: sub.File.ContentType,
		Language:    sub.Language,
		Email:       sub.Email,
	})

	token, err := o.tokens.Token(ctx)
	if err != nil || token == "" {
		return nil, r.abort(newError(KindAuth, "Not authenticated.", err))
	}

	r.setNote("Creating job...")
	created, err := o.api.CreateJob(ctx, token, model.CreateJobRequest{
		Filename:    sub.File.Name,
		FileSize:    sub.File.Size,
		ContentType: sub.File.ContentType,
		Language:    sub.Language,
		Email:       sub.Email,
	})
	if err != nil {
		return nil, r.abort(newError(KindSubmission, submissionMessage(err), err))
	}
	if created.JobID == "" {
		return nil, r.abort(newError(KindSubmission, "job creation returned no job id", nil))
	}
	r.adopt(created)

	r.setNote("Uploading to storage...")
	if err := o.uploader.Upload(ctx, created.Upload, *sub.File); err != nil {
		return nil, r.abort(newError(KindUpload, err.Error(), err))
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, r.abort(ErrClosed)
	}
	prev = o.current
	o.current = r
	o.mu.Unlock()
	if prev != nil {
		prev.Cancel()
	}

	r.start(context.WithoutCancel(ctx))
	return r, nil
}

// Current returns the active run, or nil.
func (o *Orchestrator) Current() *Run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Close cancels the active run and waits for its goroutine to exit. Submit
// fails afterwards.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	r := o.current
	o.current = nil
	o.mu.Unlock()
	if r != nil {
		r.Cancel()
		<-r.Done()
	}
}

func (o *Orchestrator) refreshHistory(ctx context.Context) {
	if o.opts.History == nil {
		return
	}
	if err := o.opts.History.Refresh(ctx); err != nil {
		o.opts.Logger.Printf("refresh job history: %v", err)
	}
}

func submissionMessage(err error) string {
	var apiErr *jobsapi.Error
	if errors.As(err, &apiErr) && apiErr.Detail != "" {
		return apiErr.Detail
	}
	return err.Error()
}
