// Package api serves the jobs API: job creation with a presigned upload,
// job status, history and transcripts.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/EchoScribe/internal/config"
	"github.com/dharsanguruparan/EchoScribe/internal/ingest"
	"github.com/dharsanguruparan/EchoScribe/internal/model"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxFilenameLen   = 255
)

// JobStore persists jobs. Both storage.MemoryStore and
// repository.JobRepository satisfy it.
type JobStore interface {
	EnsureUser(ctx context.Context, userID, email string) error
	Create(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, userID, jobID string) (*model.Job, error)
	List(ctx context.Context, userID string, limit int) ([]model.Job, error)
}

// ObjectStore issues upload descriptors and reads transcripts.
type ObjectStore interface {
	PresignUpload(ctx context.Context, objectKey, contentType string, maxSize int64, ttl time.Duration) (model.UploadDescriptor, error)
	ReadTranscript(ctx context.Context, objectKey string) (string, error)
}

// Server exposes HTTP endpoints for jobs.
type Server struct {
	cfg      *config.Config
	jobs     JobStore
	objects  ObjectStore
	verifier Verifier
	limiter  Limiter
	handler  http.Handler
	once     sync.Once
}

// New constructs a Server. limiter may be nil to disable rate limiting.
func New(cfg *config.Config, jobs JobStore, objects ObjectStore, verifier Verifier, limiter Limiter) *Server {
	return &Server{
		cfg:      cfg,
		jobs:     jobs,
		objects:  objects,
		verifier: verifier,
		limiter:  limiter,
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	s.once.Do(func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", s.handleHealth)
		mux.Handle("/api/jobs", s.requireAuth(http.HandlerFunc(s.handleJobs)))
		mux.Handle("/api/jobs/", s.requireAuth(http.HandlerFunc(s.handleJobRoute)))
		s.handler = corsMiddleware(loggingMiddleware(mux))
	})
	return s.handler
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Printf("api listening on %s", s.cfg.Address)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreate(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleJobRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" || len(parts) > 2 {
		respondError(w, http.StatusNotFound, "Not found")
		return
	}
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		s.handleGet(w, r, id)
		return
	}
	switch parts[1] {
	case "transcript":
		s.handleTranscript(w, r, id)
	default:
		respondError(w, http.StatusNotFound, "Not found")
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := identityFrom(ctx)

	var req model.CreateJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ext, detail := s.validateCreate(&req)
	if detail != "" {
		respondError(w, http.StatusBadRequest, detail)
		return
	}
	// Only well-formed requests count against the quota.
	if s.limiter != nil {
		ok, err := s.limiter.Allow(ctx, id.UserID)
		if err != nil {
			log.Printf("rate limit for %s: %v", id.UserID, err)
			respondError(w, http.StatusInternalServerError, "rate limit check failed")
			return
		}
		if !ok {
			respondError(w, http.StatusTooManyRequests, "Rate limit exceeded, try again later")
			return
		}
	}

	email := req.Email
	if email == "" {
		email = id.Email
	}
	if err := s.jobs.EnsureUser(ctx, id.UserID, email); err != nil {
		log.Printf("ensure user %s: %v", id.UserID, err)
		respondError(w, http.StatusInternalServerError, "failed to store user")
		return
	}

	jobID := uuid.NewString()
	objectKey := ingest.ObjectKey(id.UserID, jobID, ext)
	job := &model.Job{
		UserID:      id.UserID,
		JobID:       jobID,
		Filename:    req.Filename,
		FileSize:    req.FileSize,
		ContentType: req.ContentType,
		Language:    req.Language,
		Email:       email,
		AudioKey:    objectKey,
	}
	// Presign first: a stored job must always have an upload target.
	upload, err := s.objects.PresignUpload(ctx, objectKey, req.ContentType, s.cfg.MaxFileSize, s.cfg.PresignTTL)
	if err != nil {
		log.Printf("presign upload for %s: %v", jobID, err)
		respondError(w, http.StatusInternalServerError, "failed to prepare upload")
		return
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		log.Printf("create job: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to store job")
		return
	}
	respondJSON(w, http.StatusOK, model.CreateJobResponse{
		JobID:  jobID,
		Status: job.Status,
		Upload: upload,
	})
}

// validateCreate normalises req and returns the lower-cased extension, or a
// detail message when the request is rejected.
func (s *Server) validateCreate(req *model.CreateJobRequest) (string, string) {
	req.Filename = strings.TrimSpace(req.Filename)
	if req.Filename == "" || len(req.Filename) > maxFilenameLen {
		return "", fmt.Sprintf("filename must be 1 to %d characters", maxFilenameLen)
	}
	if req.FileSize <= 0 {
		return "", "file_size must be positive"
	}
	if req.Language == "" {
		req.Language = "en"
	}
	if !contains(s.cfg.Languages, req.Language) {
		return "", "Unsupported language"
	}
	ext := strings.ToLower(filepath.Ext(req.Filename))
	expected, ok := model.ContentTypeForExtension(req.Filename)
	if !ok {
		return "", "Unsupported file extension"
	}
	if strings.ToLower(strings.TrimSpace(req.ContentType)) != expected {
		return "", "Invalid content_type for file extension"
	}
	req.ContentType = expected
	if req.FileSize > s.cfg.MaxFileSize {
		return "", fmt.Sprintf("File exceeds max size %d bytes", s.cfg.MaxFileSize)
	}
	return ext, ""
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = clamp(n, 1, maxListLimit)
	}
	jobs, err := s.jobs.List(r.Context(), identityFrom(r.Context()).UserID, limit)
	if err != nil {
		log.Printf("list jobs: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []model.Job{}
	}
	respondJSON(w, http.StatusOK, model.JobList{Jobs: jobs})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, jobID string) {
	job, ok := s.loadJob(w, r, jobID)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request, jobID string) {
	job, ok := s.loadJob(w, r, jobID)
	if !ok {
		return
	}
	if job.Status != model.StatusCompleted || job.TranscriptKey == "" {
		respondError(w, http.StatusConflict, "Transcript not available")
		return
	}
	text, err := s.objects.ReadTranscript(r.Context(), job.TranscriptKey)
	if errors.Is(err, model.ErrNotFound) {
		respondError(w, http.StatusConflict, "Transcript not available")
		return
	}
	if err != nil {
		log.Printf("read transcript %s: %v", job.TranscriptKey, err)
		respondError(w, http.StatusInternalServerError, "failed to read transcript")
		return
	}
	respondJSON(w, http.StatusOK, model.Transcript{JobID: job.JobID, Transcript: text})
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request, jobID string) (*model.Job, bool) {
	job, err := s.jobs.Get(r.Context(), identityFrom(r.Context()).UserID, jobID)
	if errors.Is(err, model.ErrNotFound) {
		respondError(w, http.StatusNotFound, "Job not found")
		return nil, false
	}
	if err != nil {
		log.Printf("get job %s: %v", jobID, err)
		respondError(w, http.StatusInternalServerError, "failed to load job")
		return nil, false
	}
	return job, true
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

type errorBody struct {
	Detail string `json:"detail"`
}

func respondError(w http.ResponseWriter, status int, detail string) {
	respondJSON(w, status, errorBody{Detail: detail})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}
