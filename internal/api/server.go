package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/sipserv/sipserv/internal/api/middleware"
	"github.com/sipserv/sipserv/internal/orchestrator"
	"github.com/sipserv/sipserv/internal/sip"
)

// CallStatus reports the call currently on the line.
type CallStatus interface {
	Status() orchestrator.Status
}

// SIPStatus reports the SIP server counters and account registration.
type SIPStatus interface {
	Stats() sip.Stats
	Registration() sip.RegistrationState
}

// Options configures the HTTP surface. Calls and SIP may be nil.
type Options struct {
	Calls         CallStatus
	SIP           SIPStatus
	RecordingsDir string
	Metrics       http.Handler
	Version       string
	StartTime     time.Time
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux
	opts   Options
	logger *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(opts Options) *Server {
	if opts.StartTime.IsZero() {
		opts.StartTime = time.Now()
	}
	s := &Server{
		router: chi.NewRouter(),
		opts:   opts,
		logger: slog.Default().With("component", "api"),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)

		r.Route("/recordings", func(r chi.Router) {
			r.Get("/", s.handleListRecordings)
			r.Get("/{name}", s.handleDownloadRecording)
		})
	})

	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})

	s.logger.Debug("api routes mounted")
}
