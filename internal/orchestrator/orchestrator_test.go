package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dharsanguruparan/EchoScribe/internal/auth"
	"github.com/dharsanguruparan/EchoScribe/internal/jobsapi"
	"github.com/dharsanguruparan/EchoScribe/internal/model"
	"github.com/dharsanguruparan/EchoScribe/internal/upload"
)

const testInterval = 4 * time.Second

// fakeAPI scripts GetJob answers per job id and call number (1-based).
type fakeAPI struct {
	mu            sync.Mutex
	createErr     error
	createStatus  model.JobStatus
	script        func(jobID string, call int) (*model.Job, error)
	transcript    string
	transcriptErr error

	creates     int
	gets        map[string]int
	transcripts int
	hook        func(jobID string, call int)
}

func newFakeAPI(script func(jobID string, call int) (*model.Job, error)) *fakeAPI {
	return &fakeAPI{script: script, gets: map[string]int{}, createStatus: model.StatusPendingUpload}
}

func (f *fakeAPI) CreateJob(ctx context.Context, token string, req model.CreateJobRequest) (*model.CreateJobResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &model.CreateJobResponse{
		JobID:  fmt.Sprintf("job-%d", f.creates),
		Status: f.createStatus,
		Upload: model.UploadDescriptor{Type: model.UploadTypePresignedPost, URL: "http://storage.local/audio"},
	}, nil
}

func (f *fakeAPI) GetJob(ctx context.Context, token, jobID string) (*model.Job, error) {
	f.mu.Lock()
	f.gets[jobID]++
	call := f.gets[jobID]
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook(jobID, call)
	}
	return f.script(jobID, call)
}

func (f *fakeAPI) GetTranscript(ctx context.Context, token, jobID string) (*model.Transcript, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts++
	if f.transcriptErr != nil {
		return nil, f.transcriptErr
	}
	return &model.Transcript{JobID: jobID, Transcript: f.transcript}, nil
}

func (f *fakeAPI) getCount(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets[jobID]
}

func (f *fakeAPI) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

type fakeUploader struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (u *fakeUploader) Upload(ctx context.Context, desc model.UploadDescriptor, f upload.File) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	return u.err
}

type fakeHistory struct {
	mu    sync.Mutex
	calls int
}

func (h *fakeHistory) Refresh(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	return nil
}

func (h *fakeHistory) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func statusJob(jobID string, status model.JobStatus) *model.Job {
	return &model.Job{JobID: jobID, Filename: "meeting.wav", Language: "en", Status: status}
}

func wavFile() *upload.File {
	return &upload.File{
		Name:        "meeting.wav",
		Size:        2 << 20,
		ContentType: "audio/wav",
		Body:        strings.NewReader("RIFF"),
	}
}

type harness struct {
	clock    clockwork.FakeClock
	api      *fakeAPI
	uploader *fakeUploader
	history  *fakeHistory
	orch     *Orchestrator
}

func newHarness(api *fakeAPI, tokens auth.Provider) *harness {
	h := &harness{
		clock:    clockwork.NewFakeClock(),
		api:      api,
		uploader: &fakeUploader{},
		history:  &fakeHistory{},
	}
	if tokens == nil {
		tokens = auth.Static("tok")
	}
	h.orch = New(tokens, api, h.uploader, Options{
		PollInterval:  testInterval,
		MaxPollRounds: DefaultMaxPollRounds,
		History:       h.history,
		Clock:         h.clock,
		Logger:        log.New(io.Discard, "", 0),
	})
	return h
}

// tick waits for the run to arm its timer and fires it.
func (h *harness) tick() {
	h.clock.BlockUntil(1)
	h.clock.Advance(testInterval)
}

func waitRun(t *testing.T, r *Run) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, _ := r.Wait(ctx)
	if !s.State.Terminal() {
		t.Fatalf("run did not finish, state %s", s.State)
	}
	return s
}

func TestScenarioCompletedWithTranscript(t *testing.T) {
	api := newFakeAPI(func(jobID string, call int) (*model.Job, error) {
		if call == 1 {
			return statusJob(jobID, model.StatusProcessing), nil
		}
		return statusJob(jobID, model.StatusCompleted), nil
	})
	api.transcript = "hello world"
	h := newHarness(api, nil)

	var mu sync.Mutex
	var seen []Snapshot
	h.orch.opts.OnUpdate = func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	}

	run, err := h.orch.Submit(context.Background(), Submission{File: wavFile(), Language: "en"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.tick()
	s := waitRun(t, run)

	if s.State != StateCompleted {
		t.Fatalf("state = %s, want COMPLETED (err %v)", s.State, s.Err)
	}
	if s.Transcript != "hello world" {
		t.Fatalf("transcript = %q", s.Transcript)
	}
	if s.Err != nil || s.Notice != "" {
		t.Fatalf("unexpected err=%v notice=%q", s.Err, s.Notice)
	}
	if s.Round != 2 {
		t.Fatalf("round = %d, want 2", s.Round)
	}
	if h.history.count() != 1 {
		t.Fatalf("history refreshes = %d, want 1", h.history.count())
	}
	if h.uploader.calls != 1 {
		t.Fatalf("uploads = %d", h.uploader.calls)
	}

	// The first observed job status is the non-terminal one from creation.
	mu.Lock()
	defer mu.Unlock()
	var first model.JobStatus
	for _, snap := range seen {
		if snap.Job.JobID != "" {
			first = snap.Job.Status
			break
		}
	}
	if first != model.StatusPendingUpload {
		t.Fatalf("first observed status = %s", first)
	}
}

func TestRefetchingCompletedJobYieldsSameResult(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	api := newFakeAPI(func(jobID string, call int) (*model.Job, error) {
		done := created.Add(2 * time.Minute)
		return &model.Job{
			JobID:         "job-shared",
			Filename:      "meeting.wav",
			Language:      "en",
			Status:        model.StatusCompleted,
			TranscriptKey: "transcripts/u1/job-shared/transcript.txt",
			CreatedAt:     created,
			UpdatedAt:     done,
			CompletedAt:   &done,
		}, nil
	})
	api.transcript = "same words"
	h := newHarness(api, nil)

	var snaps []Snapshot
	for i := 0; i < 2; i++ {
		run, err := h.orch.Submit(context.Background(), Submission{File: wavFile(), Language: "en"})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		snaps = append(snaps, waitRun(t, run))
	}
	first, second := snaps[0], snaps[1]
	if first.State != StateCompleted || second.State != StateCompleted {
		t.Fatalf("states = %s, %s", first.State, second.State)
	}
	if !reflect.DeepEqual(first.Job, second.Job) {
		t.Fatalf("terminal job differs between fetches:\n%+v\n%+v", first.Job, second.Job)
	}
	if first.Transcript != second.Transcript || first.Note != second.Note || first.Round != second.Round {
		t.Fatalf("snapshots differ: %+v vs %+v", first, second)
	}
}

func TestFirstObservedStatusNeverTerminal(t *testing.T) {
	api := newFakeAPI(func(jobID string, call int) (*model.Job, error) {
		return statusJob(jobID, model.StatusCompleted), nil
	})
	api.createStatus = model.StatusCompleted
	h := newHarness(api, nil)

	var first *Snapshot
	h.orch.opts.OnUpdate = func(s Snapshot) {
		if first == nil && s.Job.JobID != "" {
			cp := s
			first = &cp
		}
	}
	run, err := h.orch.Submit(context.Background(), Submission{File: wavFile(), Language: "en"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitRun(t, run)
	if first == nil || first.Job.Status.Terminal() {
		t.Fatalf("first snapshot = %+v", first)
	}
}

func TestScenarioUploadFailureNeverPolls(t *testing.T) {
	api := newFakeAPI(func(jobID string, call int) (*model.Job, error) {
		t.Errorf("unexpected poll of %s", jobID)
		return statusJob(jobID, model.StatusProcessing), nil
	})
	h := newHarness(api, nil)
	h.uploader.err = &upload.Error{Status: 403, Detail: "AccessDenied"}

	run, err := h.orch.Submit(context.Background(), Submission{File: wavFile(), Language: "en"})
	if run != nil {
		t.Fatal("expected no run after upload failure")
	}
	if !errors.Is(err, ErrUpload) {
		t.Fatalf("err = %v, want upload error", err)
	}
	var upErr *upload.Error
	if !errors.As(err, &upErr) || upErr.Status != 403 {
		t.Fatalf("expected wrapped upload.Error, got %v", err)
	}
	if api.getCount("job-1") != 0 {
		t.Fatal("poll issued after upload failure")
	}
	if h.orch.Current() != nil {
		t.Fatal("failed submission must not become the current run")
	}
}

func TestScenarioTimedOutAtCeiling(t *testing.T) {
	api := newFakeAPI(func(jobID string, call int) (*model.Job, error) {
		return statusJob(jobID, model.StatusProcessing), nil
	})
	h := newHarness(api, nil)

	run, err := h.orch.Submit(context.Background(), Submission{File: wavFile(), Language: "en"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	for i := 1; i < DefaultMaxPollRounds; i++ {
		h.tick()
	}
	s := waitRun(t, run)

	if s.State != StateTimedOut {
		t.Fatalf("state = %s, want TIMED_OUT", s.State)
	}
	if !errors.Is(s.Err, ErrTimedOut) {
		t.Fatalf("err = %v", s.Err)
	}
	if s.Round != DefaultMaxPollRounds {
		t.Fatalf("round = %d, want %d", s.Round, DefaultMaxPollRounds)
	}
	if got := api.getCount("job-1"); got != DefaultMaxPollRounds {
		t.Fatalf("polls = %d, want %d", got, DefaultMaxPollRounds)
	}
	if h.history.count() != 1 {
		t.Fatalf("history refreshes = %d, want 1", h.history.count())
	}
}

func TestScenarioTokenLostMidPoll(t *testing.T) {
	api := newFakeAPI(func(jobID string, call int) (*model.Job, error) {
		return statusJob(jobID, model.StatusProcessing), nil
	})
	var mu sync.Mutex
	calls := 0
	tokens := auth.ProviderFunc(func(context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		// One call for submission, then one per round; round 7 is call 8.
		if calls == 8 {
			return "", nil
		}
		return "tok", nil
	})
	h := newHarness(api, tokens)

	run, err := h.orch.Submit(context.Background(), Submission{File: wavFile(), Language: "en"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	for i := 1; i < 7; i++ {
		h.tick()
	}
	s := waitRun(t, run)

	if s.State != StateFailed || !errors.Is(s.Err, ErrAuth) {
		t.Fatalf("state=%s err=%v, want FAILED/auth", s.State, s.Err)
	}
	if s.Round != 7 {
		t.Fatalf("round = %d, want 7", s.Round)
	}
	if got := api.getCount("job-1"); got != 6 {
		t.Fatalf("polls = %d, want 6", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 8 {
		t.Fatalf("token calls = %d, no round 8 expected", calls)
	}
}

func TestCancelDuringInFlightRound(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	api := newFakeAPI(func(jobID string, call int) (*model.Job, error) {
		if call == 2 {
			return statusJob(jobID, model.StatusProcessing), nil
		}
		return statusJob(jobID, model.StatusPending), nil
	})
	api.hook = func(jobID string, call int) {
		if call == 2 {
			close(entered)
			<-release
		}
	}
	h := newHarness(api, nil)

	run, err := h.orch.Submit(context.Background(), Submission{File: wavFile(), Language: "en"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.tick()
	<-entered
	run.Cancel()
	close(release)
	s := waitRun(t, run)

	if s.State != StateCancelled {
		t.Fatalf("state = %s, want CANCELLED", s.State)
	}
	// Round 2's answer is still applied exactly once.
	if s.Job.Status != model.StatusProcessing {
		t.Fatalf("job status = %s, want PROCESSING from round 2", s.Job.Status)
	}
	if got := api.getCount("job-1"); got != 2 {
		t.Fatalf("polls = %d, want 2", got)
	}
	if h.history.count() != 0 {
		t.Fatal("cancelled run must not refresh history")
	}
}

func TestCancelBetweenRoundsReleasesTimer(t *testing.T) {
	api := newFakeAPI(func(jobID string, call int) (*model.Job, error) {
		return statusJob(jobID, model.StatusProcessing), nil
	})
	h := newHarness(api, nil)

	run, err := h.orch.Submit(context.Background(), Submission{File: wavFile(), Language: "en"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.clock.BlockUntil(1)
	run.Cancel()
	s := waitRun(t, run)
	if s.State != StateCancelled || !errors.Is(s.Err, ErrCancelled) {
		t.Fatalf("state=%s err=%v", s.State, s.Err)
	}
	h.clock.Advance(10 * testInterval)
	if got := api.getCount("job-1"); got != 1 {
		t.Fatalf("polls = %d after cancel, want 1", got)
	}
}

func TestNewSubmissionCancelsPreviousRun(t *testing.T) {
	api := newFakeAPI(func(jobID string, call int) (*model.Job, error) {
		if jobID == "job-2" {
			return statusJob(jobID, model.StatusCompleted), nil
		}
		return statusJob(jobID, model.StatusProcessing), nil
	})
	api.transcript = "second"
	h := newHarness(api, nil)

	first, err := h.orch.Submit(context.Background(), Submission{File: wavFile(), Language: "en"})
	if err != nil {
		t.Fatalf("submit first: %v", err)
	}
	h.clock.BlockUntil(1)

	second, err := h.orch.Submit(context.Background(), Submission{File: wavFile(), Language: "es"})
	if err != nil {
		t.Fatalf("submit second: %v", err)
	}
	if s := waitRun(t, first); s.State != StateCancelled {
		t.Fatalf("first run state = %s, want CANCELLED", s.State)
	}
	if s := waitRun(t, second); s.State != StateCompleted || s.Transcript != "second" {
		t.Fatalf("second run = %+v", s)
	}
	if h.orch.Current() != second {
		t.Fatal("second run should be current")
	}
	if got := api.getCount("job-1"); got != 1 {
		t.Fatalf("first job polls = %d, want 1", got)
	}
}

func TestServerFailureSurfacesMessage(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    string
	}{
		{name: "server message", message: "decoder crashed", want: "decoder crashed"},
		{name: "fallback", message: "", want: "Transcription failed."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI(func(jobID string, call int) (*model.Job, error) {
				j := statusJob(jobID, model.StatusFailed)
				j.ErrorMessage = tt.message
				return j, nil
			})
			h := newHarness(api, nil)
			run, err := h.orch.Submit(context.Background(), Submission{File: wavFile(), Language: "en"})
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			s := waitRun(t, run)
			if s.State != StateFailed || !errors.Is(s.Err, ErrJobFailed) {
				t.Fatalf("state=%s err=%v", s.State, s.Err)
			}
			if s.Err.Error() != tt.want {
				t.Fatalf("message = %q, want %q", s.Err.Error(), tt.want)
			}
			if h.history.count() != 1 {
				t.Fatalf("history refreshes = %d", h.history.count())
			}
		})
	}
}

func TestTranscriptFailureIsAdvisory(t *testing.T) {
	api := newFakeAPI(func(jobID string, call int) (*model.Job, error) {
		return statusJob(jobID, model.StatusCompleted), nil
	})
	api.transcriptErr = &jobsapi.Error{Status: 409, Detail: "Transcript not available"}
	h := newHarness(api, nil)

	run, err := h.orch.Submit(context.Background(), Submission{File: wavFile(), Language: "en"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	s, err := run.Wait(context.Background())
	if err != nil {
		t.Fatalf("completed run should not report an error: %v", err)
	}
	if s.State != StateCompleted {
		t.Fatalf("state = %s", s.State)
	}
	if s.Notice != "Transcript not available. Transcript may still be syncing." {
		t.Fatalf("notice = %q", s.Notice)
	}
	if api.transcripts != 1 {
		t.Fatalf("transcript fetches = %d, want 1", api.transcripts)
	}
}

func TestPollFetchErrorsAreFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want *Error
	}{
		{name: "not found", err: &jobsapi.Error{Status: 404, Detail: "Job not found"}, want: ErrNotFound},
		{name: "unauthorized", err: &jobsapi.Error{Status: 401, Detail: "invalid token"}, want: ErrAuth},
		{name: "network", err: errors.New("connection reset"), want: ErrNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI(func(jobID string, call int) (*model.Job, error) {
				if call == 1 {
					return statusJob(jobID, model.StatusProcessing), nil
				}
				return nil, tt.err
			})
			h := newHarness(api, nil)
			run, err := h.orch.Submit(context.Background(), Submission{File: wavFile(), Language: "en"})
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			h.tick()
			s := waitRun(t, run)
			if s.State != StateFailed || !errors.Is(s.Err, tt.want) {
				t.Fatalf("state=%s err=%v", s.State, s.Err)
			}
			if got := api.getCount("job-1"); got != 2 {
				t.Fatalf("polls = %d, want 2 (no retry)", got)
			}
		})
	}
}

func TestSubmitPreflightFailures(t *testing.T) {
	api := newFakeAPI(func(jobID string, call int) (*model.Job, error) {
		return statusJob(jobID, model.StatusProcessing), nil
	})

	h := newHarness(api, auth.Static(""))
	if _, err := h.orch.Submit(context.Background(), Submission{File: wavFile(), Language: "en"}); !errors.Is(err, ErrAuth) {
		t.Fatalf("missing token: err = %v", err)
	}
	if api.createCount() != 0 {
		t.Fatal("create called without a token")
	}

	api.createErr = &jobsapi.Error{Status: 400, Detail: "File exceeds max size"}
	h = newHarness(api, nil)
	_, err := h.orch.Submit(context.Background(), Submission{File: wavFile(), Language: "en"})
	if !errors.Is(err, ErrSubmission) || err.Error() != "File exceeds max size" {
		t.Fatalf("create rejected: err = %v", err)
	}
	if h.uploader.calls != 0 {
		t.Fatal("upload attempted after rejected creation")
	}
}

func TestCloseTearsDownActiveRun(t *testing.T) {
	api := newFakeAPI(func(jobID string, call int) (*model.Job, error) {
		return statusJob(jobID, model.StatusProcessing), nil
	})
	h := newHarness(api, nil)
	run, err := h.orch.Submit(context.Background(), Submission{File: wavFile(), Language: "en"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.clock.BlockUntil(1)
	h.orch.Close()
	select {
	case <-run.Done():
	default:
		t.Fatal("Close returned before the run exited")
	}
	if run.Snapshot().State != StateCancelled {
		t.Fatalf("state = %s", run.Snapshot().State)
	}
	if _, err := h.orch.Submit(context.Background(), Submission{File: wavFile(), Language: "en"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("submit after close: %v", err)
	}
}
