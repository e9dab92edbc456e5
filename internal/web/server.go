// Package web is the http API of the presentation layer: run status, run
// triggers, history and the reports directory.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"classreports/internal/components/assert"
	"classreports/internal/components/telemetry"
	"classreports/internal/credentials"
	"classreports/internal/filter"
	"classreports/internal/history"
	"classreports/internal/pipeline"
	"classreports/internal/runreport"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	report_http_request = "server.request"
	report_http_encode  = "server.encode"
)

// Runs is the part of the coordinator the server drives.
type Runs interface {
	Start(ctx context.Context, accounts []credentials.Account, sel filter.Selection) (string, error)
	Status() pipeline.Status
}

// History is the part of the history store the server reads.
type History interface {
	List(ctx context.Context, limit int) ([]history.Summary, error)
	Get(ctx context.Context, runID string) (runreport.Report, error)
	Latest(ctx context.Context) (runreport.Report, error)
}

// Filter is the saved selection, see filter.Store.
type Filter interface {
	Config() (filter.Config, error)
	Selection() (filter.Selection, error)
	Save(config filter.Config) (filter.Selection, error)
}

type Options struct {
	Runs Runs
	// History may be nil, /api/runs then only knows the last run.
	History      History
	LoadAccounts func() ([]credentials.Account, error)
	// Filter is used for runs posted without a filter, and is what
	// /api/filter reads and saves.
	Filter Filter
	// Location resolves custom date ranges posted by clients.
	Location   *time.Location
	ReportsDir string
	// LastRunPath is the run report written after every run.
	LastRunPath    string
	AllowedOrigins []string
	Gatherer       prometheus.Gatherer
}

type Server struct {
	options Options
	tel     telemetry.API

	// runs started through the api outlive their request, they end with
	// runCtx instead
	runCtx context.Context
}

func NewServer(runCtx context.Context, options Options, tel telemetry.API) *Server {
	assert.NotNil(options.Runs)
	assert.NotNil(options.LoadAccounts)
	assert.NotNil(options.Filter)
	assert.NotEmptyStr(options.ReportsDir)
	assert.NotNil(tel)
	if options.Location == nil {
		options.Location = time.Local
	}
	if options.Gatherer == nil {
		options.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		options: options,
		tel:     telemetry.NewScopedAPI("web", tel),
		runCtx:  pipeline.WithTrigger(runCtx, pipeline.TriggerAPI),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.allowedOrigins(),
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		ExposedHeaders: []string{"Content-Disposition"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(s.options.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.status)

		r.Get("/filter", s.getFilter)
		r.Put("/filter", s.saveFilter)

		r.Get("/runs", s.listRuns)
		r.Post("/runs", s.startRun)
		r.Get("/runs/latest", s.latestRun)
		r.Get("/runs/{runID}", s.getRun)

		r.Get("/reports", s.listReports)
		r.Get("/reports.zip", s.zipReports)
		r.Get("/reports/{name}", s.downloadReport)
	})

	return otelhttp.NewHandler(r, "classreports")
}

func (s *Server) allowedOrigins() []string {
	if len(s.options.AllowedOrigins) == 0 {
		return []string{"http://localhost:*"}
	}
	return s.options.AllowedOrigins
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status >= 500 {
			s.tel.ReportWarning(report_http_request, r.Method, r.URL.Path, status)
			return
		}
		s.tel.ReportDebug("request", r.Method, r.URL.Path, status, time.Since(start).String())
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(data)
	if err != nil {
		s.tel.ReportWarning(report_http_encode, err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.options.Runs.Status())
}

// startRequest is the optional body of POST /api/runs, fields left out come
// from the configured selection.
type startRequest struct {
	DateRange   string   `json:"date_range"`
	Start       string   `json:"start"`
	End         string   `json:"end"`
	ReportTypes []string `json:"report_types"`
}

func (s *Server) selection(req startRequest) (filter.Selection, error) {
	if req.DateRange == "" && len(req.ReportTypes) == 0 {
		return s.options.Filter.Selection()
	}

	config, err := s.options.Filter.Config()
	if err != nil {
		return filter.Selection{}, err
	}
	if req.DateRange != "" {
		config.DateRange = req.DateRange
		config.Start = req.Start
		config.End = req.End
	}
	if len(req.ReportTypes) > 0 {
		config.ReportTypes = map[string]bool{}
		for _, name := range req.ReportTypes {
			config.ReportTypes[name] = true
		}
	}
	return config.Selection(s.options.Location)
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.ContentLength != 0 {
		err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	sel, err := s.selection(req)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	accounts, err := s.options.LoadAccounts()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "load accounts: "+err.Error())
		return
	}

	runID, err := s.options.Runs.Start(s.runCtx, accounts, sel)
	var invalid filter.InvalidFilterError
	switch {
	case errors.Is(err, pipeline.ErrRunAlreadyInProgress):
		s.respondError(w, http.StatusConflict, err.Error())
	case errors.As(err, &invalid):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	default:
		s.respondJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
	}
}
