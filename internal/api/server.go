package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"interview-pipeline/internal/blob"
	"interview-pipeline/internal/cache"
	"interview-pipeline/internal/config"
	"interview-pipeline/internal/logger"
	"interview-pipeline/internal/models"
	"interview-pipeline/internal/queue"
	"interview-pipeline/internal/ratelimit"
	"interview-pipeline/internal/store"
	"interview-pipeline/internal/telemetry"
)

// Store is the persistence the API reads and writes.
type Store interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.ProcessingJob, error)
	GetJob(ctx context.Context, id string) (models.ProcessingJob, error)
	StopJob(ctx context.Context, id, message string, now time.Time) (bool, error)
	ListSteps(ctx context.Context, jobID string) ([]models.JobStep, error)
	ListChunks(ctx context.Context, jobID string) ([]models.ChunkRow, error)
	GetRecord(ctx context.Context, id string) (models.Record, error)
	ListRecordsByCompany(ctx context.Context, companyID string, limit int) ([]models.Record, error)
}

// Server wires HTTP handlers for uploads and job/record reads.
type Server struct {
	cfg     config.Config
	store   Store
	queue   *queue.RedisQueue
	limiter *ratelimit.TokenBucket
	blobs   blob.Store
	records *cache.RecordCache
	log     *logger.Logger
}

type Deps struct {
	Store   Store
	Queue   *queue.RedisQueue
	Limiter *ratelimit.TokenBucket
	Blobs   blob.Store
	Records *cache.RecordCache
	Log     *logger.Logger
}

// New constructs the API server. Limiter and Records may be nil.
func New(cfg config.Config, d Deps) *Server {
	return &Server{
		cfg:     cfg,
		store:   d.Store,
		queue:   d.Queue,
		limiter: d.Limiter,
		blobs:   d.Blobs,
		records: d.Records,
		log:     d.Log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
	}))
	r.Use(s.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", s.handleReady)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/uploads", s.handleUpload)
	r.Route("/jobs/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetJob)
		r.Get("/steps", s.handleSteps)
		r.Get("/chunks", s.handleChunks)
		r.Post("/retry", s.handleRetry)
		r.Post("/cancel", s.handleCancel)
	})
	r.Get("/records/{id}", s.handleGetRecord)
	r.Get("/companies/{companyID}/records", s.handleCompanyRecords)
	r.Get("/dlq", s.handleDLQ)
	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithRequest(r).WithField("status", ww.Status()).WithField("took", time.Since(start).String()).Debug("request")
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "redis unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	log := s.log.WithRequest(r)
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.UploadMaxBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	params := store.CreateJobParams{
		FileID:      strings.TrimSpace(r.FormValue("file_id")),
		UserID:      strings.TrimSpace(r.FormValue("user_id")),
		CompanyID:   strings.TrimSpace(r.FormValue("company_id")),
		StaffID:     strings.TrimSpace(r.FormValue("staff_id")),
		MaxAttempts: s.cfg.MaxAttempts,
	}
	if params.FileID == "" || params.CompanyID == "" {
		writeError(w, http.StatusBadRequest, "file_id and company_id are required")
		return
	}

	if s.limiter != nil {
		allowed, err := s.limiter.AllowUpload(r.Context(), params.CompanyID)
		if err != nil {
			log.WithError(err).Error("rate limit check failed")
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	key := fmt.Sprintf("audio/%s/%s%s", sanitize(params.CompanyID), uuid.New().String(), ext)
	if _, err := s.blobs.Put(r.Context(), key, file, header.Header.Get("Content-Type")); err != nil {
		log.WithError(err).Error("store audio")
		writeError(w, http.StatusInternalServerError, "failed to store audio")
		return
	}
	params.AudioFilePath = key

	job, err := s.store.CreateJob(r.Context(), params)
	if err != nil {
		log.WithError(err).Error("create job")
		s.discardAudio(r, key)
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	if err := s.queue.Enqueue(r.Context(), job.ID); err != nil {
		log.WithError(err).WithField("job_id", job.ID).Error("enqueue job")
		_, _ = s.store.StopJob(r.Context(), job.ID, "enqueue failed: "+err.Error(), time.Now().UTC())
		s.discardAudio(r, key)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	telemetry.UploadCounter.Inc()
	log.WithField("job_id", job.ID).Info("upload accepted")
	writeJSON(w, http.StatusAccepted, job)
}

// discardAudio removes an upload that never became a runnable job.
func (s *Server) discardAudio(r *http.Request, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
	defer cancel()
	if err := s.blobs.Delete(ctx, key); err != nil {
		s.log.WithRequest(r).WithError(err).WithField("key", key).Warn("discard audio")
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleSteps(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		s.storeError(w, r, err)
		return
	}
	rows, err := s.store.ListSteps(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": rows})
}

func (s *Server) handleChunks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		s.storeError(w, r, err)
		return
	}
	rows, err := s.store.ListChunks(r.Context(), id)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chunks": rows})
}

// handleRetry re-dispatches a failed job that still has attempts left.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if job.Status != models.StatusFailed {
		writeError(w, http.StatusConflict, fmt.Sprintf("job is %s", job.Status))
		return
	}
	if job.TimeoutReason == models.TimeoutManual {
		writeError(w, http.StatusConflict, "job was cancelled")
		return
	}
	if !job.CanRetry() {
		writeError(w, http.StatusConflict, fmt.Sprintf("no attempts left (%d/%d)", job.Attempts, job.MaxAttempts))
		return
	}
	if err := s.queue.Enqueue(r.Context(), job.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requeued", "job_id": job.ID})
}

// handleCancel stops a pending or processing job. A worker already running
// it is not interrupted.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stopped, err := s.store.StopJob(r.Context(), id, "cancelled via API", time.Now().UTC())
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if !stopped {
		if _, err := s.store.GetJob(r.Context(), id); err != nil {
			s.storeError(w, r, err)
			return
		}
		writeError(w, http.StatusConflict, "job is not pending or processing")
		return
	}
	if err := s.queue.Cancel(r.Context(), id); err != nil {
		s.log.WithRequest(r).WithError(err).Warn("cancel queue entry")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleCompanyRecords reads through the Redis cache.
func (s *Server) handleCompanyRecords(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")
	log := s.log.WithRequest(r)

	if s.records != nil {
		recs, ok, err := s.records.Get(r.Context(), companyID)
		if err != nil {
			log.WithError(err).Warn("record cache read failed")
		}
		if ok {
			w.Header().Set("X-Cache", "hit")
			writeJSON(w, http.StatusOK, map[string]any{"records": recs})
			return
		}
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := s.store.ListRecordsByCompany(r.Context(), companyID, limit)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []models.Record{}
	}
	if s.records != nil && limit == 0 {
		if err := s.records.Set(r.Context(), companyID, recs); err != nil {
			log.WithError(err).Warn("record cache write failed")
		}
	}
	w.Header().Set("X-Cache", "miss")
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, models.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.log.WithRequest(r).WithError(err).Error("store error")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func sanitize(v string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
