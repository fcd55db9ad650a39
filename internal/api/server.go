// Package api serves sessions and their analyses over HTTP and gRPC.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/LordPrinz/dzajtcper/internal/filter"
	"github.com/LordPrinz/dzajtcper/internal/loader"
	"github.com/LordPrinz/dzajtcper/internal/metrics"
	"github.com/LordPrinz/dzajtcper/internal/model"
	"github.com/LordPrinz/dzajtcper/internal/report"
	"github.com/LordPrinz/dzajtcper/internal/session"
	"github.com/gorilla/mux"
)

// Options configure a Server.
type Options struct {
	Store     *session.Store
	Assembler *report.Assembler
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	// BucketWidth is the default width of /series buckets.
	BucketWidth time.Duration
	// PollInterval is used by websocket tails.
	PollInterval time.Duration
}

// Server holds the handlers shared by the HTTP and gRPC surfaces.
type Server struct {
	store     *session.Store
	loader    *loader.Loader
	assembler *report.Assembler
	metrics   *metrics.Metrics
	logger    *slog.Logger
	width     time.Duration
	poll      time.Duration
}

// NewServer creates a Server. Store is required.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Assembler == nil {
		opts.Assembler = report.NewAssembler(report.Options{Metrics: opts.Metrics, Logger: logger})
	}
	if opts.BucketWidth <= 0 {
		opts.BucketWidth = time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Server{
		store:     opts.Store,
		loader:    loader.New(logger, opts.Metrics),
		assembler: opts.Assembler,
		metrics:   opts.Metrics,
		logger:    logger.With("component", "api"),
		width:     opts.BucketWidth,
		poll:      opts.PollInterval,
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	r.HandleFunc("/sessions", s.listSessions).Methods(http.MethodGet)
	r.HandleFunc("/sessions/clean", s.cleanSessions).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}", s.getSession).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/summary", s.getSummary).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/series", s.getSeries).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/report", s.getReport).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/tail", s.tail).Methods(http.MethodGet)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

// query loads the session named by ref and the records selected by q.
func (s *Server) query(ref string, q filter.Query) (*session.Session, loader.Info, []model.EventRecord, []filter.Predicate, error) {
	sess, err := s.store.Open(ref)
	if err != nil {
		return nil, loader.Info{}, nil, nil, err
	}
	preds, err := q.Predicates()
	if err != nil {
		return nil, loader.Info{}, nil, nil, err
	}
	records, info, err := s.loader.LoadWithInfo(sess, 0)
	if err != nil {
		return nil, loader.Info{}, nil, nil, err
	}
	return sess, info, records, preds, nil
}

// parseFilters reads the record predicates and the selectors from request
// parameters.
func parseFilters(get func(string) string) (filter.Query, filter.Selection, error) {
	q, err := filter.ParseQuery(get)
	if err != nil {
		return filter.Query{}, filter.Selection{}, err
	}
	sel, err := filter.ParseSelection(get)
	if err != nil {
		return filter.Query{}, filter.Selection{}, err
	}
	return q, sel, nil
}

func describe(preds []filter.Predicate, sel filter.Selection) []string {
	out := make([]string, 0, len(preds))
	for _, p := range preds {
		out = append(out, p.String())
	}
	return append(out, sel.Strings()...)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the typed model errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, kind := http.StatusInternalServerError, ""
	switch {
	case errors.Is(err, model.ErrNotFound):
		status, kind = http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrInvalidFilter):
		status, kind = http.StatusBadRequest, "invalid_filter"
	case errors.Is(err, model.ErrValidation):
		status, kind = http.StatusBadRequest, "validation"
	case errors.Is(err, model.ErrEmptySession):
		status, kind = http.StatusUnprocessableEntity, "empty_session"
	case errors.Is(err, model.ErrSessionOwnership):
		status, kind = http.StatusConflict, "session_owned"
	default:
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}
