package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
	"github.com/JakeFAU/manga-crawl-engine/internal/orchestrator"
	"github.com/JakeFAU/manga-crawl-engine/internal/tracker"
)

var errBadRequest = errors.New("bad request")

type crawlRequest struct {
	PageLimit crawler.PageLimit `json:"page_limit"`
	MaxItems  int               `json:"max_items"`
}

type updateRequest struct {
	ItemLimit int `json:"item_limit"`
}

type itemRequest struct {
	URL string `json:"url"`
}

type searchRequest struct {
	Query    string `json:"query"`
	MaxItems int    `json:"max_items"`
}

type targetDTO struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	BaseURL     string             `json:"base_url"`
	Crawler     string             `json:"crawler"`
	Render      crawler.RenderMode `json:"render"`
	MirrorPages bool               `json:"mirror_pages"`
}

func (s *Server) listTargets(w http.ResponseWriter, _ *http.Request) {
	targets := s.targets.List()
	out := make([]targetDTO, 0, len(targets))
	for _, t := range targets {
		out = append(out, targetDTO{
			ID:          t.ID,
			Name:        t.Name,
			BaseURL:     t.BaseURL,
			Crawler:     t.CrawlerID,
			Render:      t.Render,
			MirrorPages: t.MirrorPages,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": out})
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if req.PageLimit.Mode == "" {
		req.PageLimit = crawler.FirstPageOnly()
	}
	jobID, err := s.svc.StartFullCrawl(r.Context(), chi.URLParam(r, "target_id"), req.PageLimit, req.MaxItems)
	s.accepted(w, jobID, err)
}

func (s *Server) startUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	jobID, err := s.svc.StartUpdateAllKnown(r.Context(), chi.URLParam(r, "target_id"), req.ItemLimit)
	s.accepted(w, jobID, err)
}

func (s *Server) startItem(w http.ResponseWriter, r *http.Request) {
	var req itemRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	jobID, err := s.svc.StartSingleItem(r.Context(), chi.URLParam(r, "target_id"), req.URL)
	s.accepted(w, jobID, err)
}

func (s *Server) startSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	jobID, err := s.svc.StartSearch(r.Context(), chi.URLParam(r, "target_id"), req.Query, req.MaxItems)
	s.accepted(w, jobID, err)
}

func (s *Server) startContentUpdate(w http.ResponseWriter, r *http.Request) {
	jobID, err := s.svc.StartUpdateItem(r.Context(), chi.URLParam(r, "content_id"))
	s.accepted(w, jobID, err)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := intParam(q.Get("page"), 1)
	if err != nil {
		s.fail(w, err)
		return
	}
	pageSize, err := intParam(q.Get("page_size"), 0)
	if err != nil {
		s.fail(w, err)
		return
	}
	var status *crawler.JobStatus
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		parsed, ok := crawler.ParseJobStatus(raw)
		if !ok {
			s.fail(w, fmt.Errorf("%w: unknown status %q", errBadRequest, raw))
			return
		}
		status = &parsed
	}
	jobs, err := s.svc.ListJobs(r.Context(), page, pageSize, status)
	if err != nil {
		s.fail(w, err)
		return
	}
	if jobs == nil {
		jobs = []crawler.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "page": page})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.GetJobStatus(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) jobLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), 0)
	if err != nil {
		s.fail(w, err)
		return
	}
	entries, err := s.svc.JobLogs(r.Context(), chi.URLParam(r, "job_id"), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if entries == nil {
		entries = []crawler.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": entries})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.svc.CancelJob, crawler.JobStatusCancelled)
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.svc.PauseJob, crawler.JobStatusPaused)
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, s.svc.ResumeJob, crawler.JobStatusRunning)
}

func (s *Server) control(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, jobID string) error,
	status crawler.JobStatus,
) {
	jobID := chi.URLParam(r, "job_id")
	if err := op(r.Context(), jobID); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": string(status)})
}

// accepted answers a start request. A job that was created and then failed
// on a fatal configuration error still reports its id.
func (s *Server) accepted(w http.ResponseWriter, jobID string, err error) {
	if err == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
		return
	}
	if crawler.IsFatal(err) && jobID != "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"job_id": jobID, "error": err.Error()})
		return
	}
	s.fail(w, err)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest), errors.Is(err, orchestrator.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, tracker.ErrInvalidTransition), errors.Is(err, tracker.ErrJobTerminal):
		return http.StatusConflict
	case crawler.IsFatal(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// decode reads an optional JSON body; an empty body leaves dst untouched.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func intParam(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: invalid integer %q", errBadRequest, raw)
	}
	return n, nil
}
