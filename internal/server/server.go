// Package server exposes the pipeline over HTTP: job submission backed by
// the Redis queue, job status and results, and direct merging of an
// existing pair of integrated outputs.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/contractocr/internal/document"
	"github.com/local/contractocr/internal/filetype"
	"github.com/local/contractocr/internal/merger"
	mpkg "github.com/local/contractocr/internal/metrics"
	"github.com/local/contractocr/internal/queue"
	"github.com/local/contractocr/internal/store"
)

type Queue interface {
	Enqueue(ctx context.Context, job queue.Job) error
	CancelJob(ctx context.Context, jobID string) error
}

type StatusStore interface {
	Set(ctx context.Context, jobID string, st store.Status) error
	Get(ctx context.Context, jobID string) (store.Status, bool, error)
}

type PageLister interface {
	List(ctx context.Context, jobID string) ([]store.PageReport, error)
}

type Merger interface {
	Merge(ctx context.Context, a, b string) (*document.MergedResult, error)
}

type Dependencies struct {
	Queue  Queue
	Status StatusStore
	Pages  PageLister
	Merger Merger
	// Health serves /healthz; a plain 200 when nil.
	Health http.Handler
}

type Options struct {
	UploadDir      string
	MaxUploadMB    int
	RequestTimeout time.Duration
	// WorkDir bounds the files /v1/merge may read. Relative request paths
	// resolve against it.
	WorkDir string
}

type Server struct {
	deps     Dependencies
	opts     Options
	detector *filetype.Detector
}

func New(deps Dependencies, opts Options) *Server {
	if opts.UploadDir == "" {
		opts.UploadDir = "uploads/incoming"
	}
	if opts.MaxUploadMB <= 0 {
		opts.MaxUploadMB = 100
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Minute
	}
	if opts.WorkDir == "" {
		opts.WorkDir = "uploads/work"
	}
	return &Server{deps: deps, opts: opts, detector: filetype.New()}
}

// Router builds the chi router with all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", mpkg.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(s.opts.RequestTimeout))
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs/{id}", s.handleStatus)
		r.Delete("/jobs/{id}", s.handleCancel)
		r.Get("/jobs/{id}/result", s.handleResult)
		r.Post("/merge", s.handleMerge)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("http request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		s.deps.Health.ServeHTTP(w, r)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type submitReq struct {
	Ref  string `json:"ref"`
	Name string `json:"name,omitempty"`
}

type jobResp struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// handleSubmit accepts a multipart upload in field "file" or a JSON {ref}.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	jobID := uuid.NewString()
	var job queue.Job
	var err error
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		job, err = s.saveUpload(w, r, jobID)
	} else {
		job, err = decodeRef(r.Body, jobID)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	_ = s.deps.Status.Set(r.Context(), jobID, store.Status{Status: store.StateQueued, Message: "queued", Start: &now,
		Metadata: map[string]any{"ref": job.Ref, "name": job.Name}})
	if err := s.deps.Queue.Enqueue(r.Context(), job); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("enqueue failed")
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	log.Info().Str("job_id", jobID).Str("ref", job.Ref).Msg("job queued")
	writeJSON(w, http.StatusAccepted, jobResp{JobID: jobID, Status: store.StateQueued})
}

func (s *Server) saveUpload(w http.ResponseWriter, r *http.Request, jobID string) (queue.Job, error) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.opts.MaxUploadMB)<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return queue.Job{}, fmt.Errorf("invalid multipart form: %w", err)
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		return queue.Job{}, errors.New("missing file")
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return queue.Job{}, fmt.Errorf("read upload: %w", err)
	}
	if err := s.detector.RequirePDF(data); err != nil {
		return queue.Job{}, err
	}

	if err := os.MkdirAll(s.opts.UploadDir, 0o755); err != nil {
		return queue.Job{}, err
	}
	name := filepath.Base(hdr.Filename)
	if name == "" || name == "." || name == "/" {
		name = "upload.pdf"
	}
	local, err := filepath.Abs(filepath.Join(s.opts.UploadDir, jobID+"_"+name))
	if err != nil {
		return queue.Job{}, err
	}
	if err := os.WriteFile(local, data, 0o644); err != nil {
		return queue.Job{}, fmt.Errorf("save upload: %w", err)
	}
	return queue.Job{JobID: jobID, Ref: "file://" + local, Name: name}, nil
}

func decodeRef(body io.Reader, jobID string) (queue.Job, error) {
	var req submitReq
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return queue.Job{}, errors.New("invalid json")
	}
	ref := strings.TrimSpace(req.Ref)
	if ref == "" {
		return queue.Job{}, errors.New("missing ref")
	}
	switch {
	case strings.HasPrefix(ref, "s3://"), strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"), strings.HasPrefix(ref, "file://"):
	default:
		return queue.Job{}, fmt.Errorf("unsupported ref %q: use s3://, http(s):// or file://", ref)
	}
	name := req.Name
	if name == "" {
		name = filepath.Base(ref)
	}
	return queue.Job{JobID: jobID, Ref: ref, Name: name}, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, ok, err := s.deps.Status.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	resp := map[string]any{
		"job_id":     id,
		"status":     st.Status,
		"progress":   st.Progress,
		"message":    st.Message,
		"stage":      st.Stage,
		"attempt":    st.Attempt,
		"start_time": st.Start,
		"end_time":   st.End,
		"metadata":   st.Metadata,
	}
	if s.deps.Pages != nil {
		if pages, err := s.deps.Pages.List(r.Context(), id); err == nil && len(pages) > 0 {
			resp["pages"] = pages
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, ok, err := s.deps.Status.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if st.Terminal() {
		writeError(w, http.StatusConflict, "job already "+st.Status)
		return
	}
	if err := s.deps.Queue.CancelJob(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	now := time.Now().UTC()
	st.Status = store.StateCancelled
	st.Message = "Cancelled"
	st.End = &now
	_ = s.deps.Status.Set(r.Context(), id, st)
	writeJSON(w, http.StatusOK, jobResp{JobID: id, Status: store.StateCancelled})
}

// handleResult serves the merged text, one backend's integrated text with
// ?backend=document_ai|gemini|tesseract, or the contract record with
// ?format=contract.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, ok, err := s.deps.Status.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if st.Status != store.StateCompleted {
		writeJSON(w, http.StatusAccepted, jobResp{JobID: id, Status: st.Status, Message: "not ready"})
		return
	}

	var path string
	ct := "text/plain; charset=utf-8"
	q := r.URL.Query()
	switch {
	case q.Get("format") == "contract":
		path, _ = st.Metadata["contract_json"].(string)
		ct = "application/json"
	case q.Get("backend") != "":
		integrated, _ := st.Metadata["integrated"].(map[string]any)
		path, _ = integrated[q.Get("backend")].(string)
	default:
		path, _ = st.Metadata["merged_text"].(string)
	}
	if path == "" {
		writeError(w, http.StatusNotFound, "result not available")
		return
	}
	b, err := os.ReadFile(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read result")
		return
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filepath.Base(path)))
	_, _ = w.Write(b)
}

type mergeReq struct {
	FileA string `json:"file_a"`
	FileB string `json:"file_b"`
}

type mergeErr struct {
	Error string   `json:"error"`
	Rule  string   `json:"rule,omitempty"`
	Files []string `json:"files,omitempty"`
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	if s.deps.Merger == nil {
		writeError(w, http.StatusNotImplemented, "merging is not configured")
		return
	}
	var req mergeReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.FileA == "" || req.FileB == "" {
		writeError(w, http.StatusBadRequest, "file_a and file_b are required")
		return
	}

	a, errA := confine(s.opts.WorkDir, req.FileA)
	b, errB := confine(s.opts.WorkDir, req.FileB)
	if err := errors.Join(errA, errB); err != nil {
		log.Warn().Err(err).Str("file_a", req.FileA).Str("file_b", req.FileB).Msg("merge request outside work dir")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.deps.Merger.Merge(r.Context(), a, b)
	if err != nil {
		var ve *merger.ValidationError
		if errors.As(err, &ve) {
			writeJSON(w, http.StatusUnprocessableEntity, mergeErr{Error: ve.Message, Rule: ve.Rule, Files: ve.Files})
			return
		}
		log.Error().Err(err).Str("file_a", req.FileA).Str("file_b", req.FileB).Msg("merge failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// confine resolves p against root and fails unless the result stays inside
// root. Symlinks are followed where the path exists.
func confine(root, p string) (string, error) {
	base, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if real, err := filepath.EvalSymlinks(base); err == nil {
		base = real
	}
	full := filepath.Clean(p)
	if !filepath.IsAbs(full) {
		full = filepath.Join(base, full)
	}
	if real, err := filepath.EvalSymlinks(full); err == nil {
		full = real
	}
	rel, err := filepath.Rel(base, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside the work directory", p)
	}
	return full, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
