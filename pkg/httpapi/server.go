// Package httpapi exposes the engine over JSON/HTTP: starting, inspecting
// and cancelling runs, and resuming hooks from webhooks.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"

	"github.com/petrijr/waypoint/pkg/api"
)

type Server struct {
	http.Server
	engine   api.Engine
	clock    clockwork.Clock
	logger   *slog.Logger
	validate *validator.Validate
}

// Options tunes a Server. Zero values use real time and slog.Default().
type Options struct {
	Clock  clockwork.Clock
	Logger *slog.Logger
}

func NewServer(addr string, engine api.Engine, opts Options) *Server {
	s := &Server{
		Server:   http.Server{Addr: addr, ReadHeaderTimeout: 10 * time.Second},
		engine:   engine,
		clock:    opts.Clock,
		logger:   opts.Logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("module", "httpapi")

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/runs", s.handleStartRun).Methods(http.MethodPost)
	v1.HandleFunc("/runs", s.handleListRuns).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{id}", s.handleGetRun).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{id}/history", s.handleHistory).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	v1.HandleFunc("/hooks/resume", s.handleResumeHook).Methods(http.MethodPost)
	router.Use(s.loggingMiddleware)
	s.Handler = router
	return s
}

// Start serves until Stop is called. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting http server", slog.String("addr", s.Addr))
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("took", s.clock.Since(start)),
		)
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

// decode reads a JSON body into dst and validates it.
func (s *Server) decode(r *http.Request, dst any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &requestError{msg: "malformed JSON body: " + err.Error()}
	}
	if err := s.validate.Struct(dst); err != nil {
		return &requestError{msg: err.Error()}
	}
	return nil
}
