package web

import (
	"errors"
	"net/http"
	"os"
	"strconv"

	"classreports/internal/history"
	"classreports/internal/runreport"

	"github.com/go-chi/chi/v5"
)

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if text := r.URL.Query().Get("limit"); text != "" {
		parsed, err := strconv.Atoi(text)
		if err != nil || parsed < 0 {
			s.respondError(w, http.StatusBadRequest, "limit must be a positive number")
			return
		}
		limit = parsed
	}

	if s.options.History == nil {
		runs := []history.Summary{}
		if last := s.options.Runs.Status().Last; last != nil {
			runs = append(runs, summarize(*last))
		}
		s.respondJSON(w, http.StatusOK, runs)
		return
	}

	runs, err := s.options.History.List(r.Context(), limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []history.Summary{}
	}
	s.respondJSON(w, http.StatusOK, runs)
}

func summarize(report runreport.Report) history.Summary {
	success, partial, failed := report.Counts()
	return history.Summary{
		RunID:        report.RunID,
		Trigger:      report.Trigger,
		Filter:       report.Filter,
		StartedAt:    report.StartedAt,
		FinishedAt:   report.FinishedAt,
		Cancelled:    report.Cancelled,
		Outcome:      report.Outcome(),
		Succeeded:    success,
		Partial:      partial,
		Failed:       failed,
		ErrorSummary: report.ErrorSummary(),
	}
}

// latestRun prefers the history, then the last run of this process, then the
// run report left on disk by an earlier process.
func (s *Server) latestRun(w http.ResponseWriter, r *http.Request) {
	if s.options.History != nil {
		report, err := s.options.History.Latest(r.Context())
		if err == nil {
			s.respondJSON(w, http.StatusOK, report)
			return
		}
		if !errors.Is(err, history.ErrNotFound) {
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	if last := s.options.Runs.Status().Last; last != nil {
		s.respondJSON(w, http.StatusOK, last)
		return
	}

	if s.options.LastRunPath != "" {
		report, err := runreport.ReadJSON(s.options.LastRunPath)
		if err == nil {
			s.respondJSON(w, http.StatusOK, report)
			return
		}
		if !errors.Is(err, os.ErrNotExist) {
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	s.respondError(w, http.StatusNotFound, "no run has finished yet")
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	if last := s.options.Runs.Status().Last; last != nil && last.RunID == runID {
		s.respondJSON(w, http.StatusOK, last)
		return
	}
	if s.options.History == nil {
		s.respondError(w, http.StatusNotFound, "run not found")
		return
	}

	report, err := s.options.History.Get(r.Context(), runID)
	if errors.Is(err, history.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}
