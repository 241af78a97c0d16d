package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dharsanguruparan/EchoScribe/internal/model"
)

// State is the position of a Run in its poll session.
type State string

const (
	// StateSubmitting covers job creation and upload, before polling exists.
	StateSubmitting State = "SUBMITTING"
	StateCreated    State = "CREATED"
	StatePolling    State = "POLLING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateTimedOut   State = "TIMED_OUT"
	StateCancelled  State = "CANCELLED"
)

// Terminal reports whether no further automatic transitions happen.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// ErrCancelled is the error of a run that ended in StateCancelled.
var ErrCancelled = &Error{Kind: KindCancelled, Msg: "Polling cancelled."}

// Snapshot is a read-only projection of a Run.
type Snapshot struct {
	State      State
	Job        model.Job
	Round      int
	StartedAt  time.Time
	Transcript string
	Note       string
	// Notice is advisory and never changes the outcome, e.g. a transcript
	// that could not be fetched yet.
	Notice string
	Err    error
}

// Run is one poll session for one job. Its goroutine owns the timer slot;
// other goroutines only read snapshots or call Cancel.
type Run struct {
	o *Orchestrator

	mu         sync.Mutex
	state      State
	job        model.Job
	round      int
	startedAt  time.Time
	transcript string
	note       string
	notice     string
	err        error

	cancelRequested bool
	timer           clockwork.Timer
	cancelCh        chan struct{}
	done            chan struct{}
}

func newRun(o *Orchestrator, job model.Job) *Run {
	return &Run{
		o:        o,
		state:    StateSubmitting,
		job:      job,
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// JobID returns the id assigned by the jobs API.
func (r *Run) JobID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.JobID
}

// Snapshot returns the current projection of the run.
func (r *Run) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Run) snapshotLocked() Snapshot {
	return Snapshot{
		State:      r.state,
		Job:        r.job,
		Round:      r.round,
		StartedAt:  r.startedAt,
		Transcript: r.transcript,
		Note:       r.note,
		Notice:     r.notice,
		Err:        r.err,
	}
}

// Done is closed once the run has reached a terminal state and released its
// timer.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run ends or ctx is done. The returned error is the
// run's terminal error, nil for COMPLETED.
func (r *Run) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-r.done:
		s := r.Snapshot()
		return s, s.Err
	case <-ctx.Done():
		return r.Snapshot(), ctx.Err()
	}
}

// Cancel stops the run from scheduling further rounds and releases a
// pending timer immediately. A round already waiting on the network still
// applies its snapshot, then the run ends CANCELLED.
func (r *Run) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelRequested || r.state.Terminal() {
		return
	}
	r.cancelRequested = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	close(r.cancelCh)
}

func (r *Run) setNote(note string) {
	r.mu.Lock()
	r.note = note
	r.mu.Unlock()
	r.notify()
}

// adopt materializes the optimistic snapshot right after creation so there
// is something to show before the first poll. The status is always a
// non-terminal one.
func (r *Run) adopt(created *model.CreateJobResponse) {
	status := created.Status
	if !status.Valid() || status.Terminal() {
		status = model.StatusPendingUpload
	}
	r.mu.Lock()
	r.job = model.Job{
		JobID:       created.JobID,
		Filename:    r.job.Filename,
		FileSize:    r.job.FileSize,
		ContentType: r.job.ContentType,
		Language:    r.job.Language,
		Email:       r.job.Email,
		Status:      status,
		AudioKey:    created.Upload.ObjectKey,
	}
	r.mu.Unlock()
	r.notify()
}

// abort ends a run that never got to poll.
func (r *Run) abort(err error) error {
	r.finish(StateFailed, err)
	close(r.done)
	return err
}

func (r *Run) start(ctx context.Context) {
	r.mu.Lock()
	r.state = StateCreated
	r.startedAt = r.o.opts.Clock.Now()
	r.note = "Upload complete. Waiting for worker..."
	r.mu.Unlock()
	r.notify()
	go r.loop(ctx)
}

func (r *Run) loop(ctx context.Context) {
	defer close(r.done)
	defer r.releaseTimer()
	for {
		if r.poll(ctx) {
			return
		}
		if !r.schedule() {
			return
		}
		if !r.wait() {
			return
		}
	}
}

// poll executes one round and reports whether the run has ended.
func (r *Run) poll(ctx context.Context) bool {
	r.mu.Lock()
	if r.cancelRequested {
		r.mu.Unlock()
		r.finish(StateCancelled, ErrCancelled)
		return true
	}
	r.round++
	round := r.round
	jobID := r.job.JobID
	r.state = StatePolling
	r.mu.Unlock()

	token, err := r.o.tokens.Token(ctx)
	if err != nil || token == "" {
		if r.cancelled() {
			r.finish(StateCancelled, ErrCancelled)
			return true
		}
		r.finish(StateFailed, newError(KindAuth, "Session is missing. Please sign in again.", err))
		return true
	}

	job, err := r.o.api.GetJob(ctx, token, jobID)
	if err != nil {
		if r.cancelled() {
			r.finish(StateCancelled, ErrCancelled)
			return true
		}
		r.o.opts.Logger.Printf("poll job %s round %d: %v", jobID, round, err)
		r.finish(StateFailed, classifyFetch(err))
		return true
	}

	// The fetched job replaces the local one wholesale, even when the run
	// was cancelled while the request was in flight.
	r.mu.Lock()
	r.job = *job
	r.note = "Job " + string(job.Status)
	cancelled := r.cancelRequested
	r.mu.Unlock()
	r.notify()
	if cancelled {
		r.finish(StateCancelled, ErrCancelled)
		return true
	}

	switch job.Status {
	case model.StatusCompleted:
		transcript, notice := r.fetchTranscript(ctx, token, jobID)
		r.mu.Lock()
		r.transcript = transcript
		r.notice = notice
		r.mu.Unlock()
		r.o.refreshHistory(ctx)
		r.finish(StateCompleted, nil)
		return true
	case model.StatusFailed:
		msg := job.ErrorMessage
		if msg == "" {
			msg = "Transcription failed."
		}
		r.o.refreshHistory(ctx)
		r.finish(StateFailed, newError(KindJobFailed, msg, nil))
		return true
	}

	if round >= r.o.opts.MaxPollRounds {
		r.o.refreshHistory(ctx)
		r.finish(StateTimedOut, newError(KindTimedOut, "Polling timed out. Check job history.", nil))
		return true
	}
	return false
}

func (r *Run) fetchTranscript(ctx context.Context, token, jobID string) (string, string) {
	t, err := r.o.api.GetTranscript(ctx, token, jobID)
	if err != nil {
		r.o.opts.Logger.Printf("fetch transcript for job %s: %v", jobID, err)
		return "", submissionMessage(err) + ". Transcript may still be syncing."
	}
	return t.Transcript, ""
}

// schedule arms the timer for the next round. The cancel flag is checked
// under the same lock Cancel takes, so a cancelled run never arms a timer.
func (r *Run) schedule() bool {
	r.mu.Lock()
	if r.cancelRequested {
		r.mu.Unlock()
		r.finish(StateCancelled, ErrCancelled)
		return false
	}
	r.timer = r.o.opts.Clock.NewTimer(r.o.opts.PollInterval)
	r.mu.Unlock()
	return true
}

func (r *Run) wait() bool {
	r.mu.Lock()
	t := r.timer
	r.mu.Unlock()
	if t == nil {
		// Cancel released the timer between schedule and wait.
		r.finish(StateCancelled, ErrCancelled)
		return false
	}
	select {
	case <-t.Chan():
		r.mu.Lock()
		r.timer = nil
		r.mu.Unlock()
		return true
	case <-r.cancelCh:
		r.finish(StateCancelled, ErrCancelled)
		return false
	}
}

func (r *Run) releaseTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Run) cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelRequested
}

func (r *Run) finish(state State, err error) {
	r.mu.Lock()
	if r.state.Terminal() {
		r.mu.Unlock()
		return
	}
	r.state = state
	r.err = err
	if err != nil {
		r.note = err.Error()
	}
	jobID := r.job.JobID
	r.mu.Unlock()
	if jobID != "" {
		r.o.opts.Logger.Printf("job %s: run ended %s", jobID, state)
	}
	r.notify()
}

func (r *Run) notify() {
	if r.o.opts.OnUpdate == nil {
		return
	}
	r.o.opts.OnUpdate(r.Snapshot())
}
