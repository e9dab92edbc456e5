package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"classreports/internal/filter"
)

const report_filter_save = "filter.save"

// filterResponse is the saved selection in its on-disk shape, plus the
// resolved summary scheduled runs will use.
type filterResponse struct {
	filter.Config
	Summary string `json:"summary"`
}

func (s *Server) getFilter(w http.ResponseWriter, r *http.Request) {
	config, err := s.options.Filter.Config()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sel, err := config.Selection(s.options.Location)
	if err != nil {
		// a hand edited file, still show what it says
		s.respondJSON(w, http.StatusOK, filterResponse{Config: config, Summary: err.Error()})
		return
	}
	s.respondJSON(w, http.StatusOK, filterResponse{Config: filter.ConfigOf(sel), Summary: sel.String()})
}

// saveFilter replaces the saved selection. Unlike POST /api/runs nothing is
// taken from the current one, the body is the whole selection.
func (s *Server) saveFilter(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	config := filter.Config{
		DateRange:   req.DateRange,
		Start:       req.Start,
		End:         req.End,
		ReportTypes: map[string]bool{},
	}
	for _, name := range req.ReportTypes {
		config.ReportTypes[name] = true
	}

	sel, err := s.options.Filter.Save(config)
	var invalid filter.InvalidFilterError
	switch {
	case errors.As(err, &invalid):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.tel.ReportBroken(report_filter_save, err)
		s.respondError(w, http.StatusInternalServerError, err.Error())
	default:
		s.tel.ReportDebug("filter saved", sel.String())
		s.respondJSON(w, http.StatusOK, filterResponse{Config: filter.ConfigOf(sel), Summary: sel.String()})
	}
}
