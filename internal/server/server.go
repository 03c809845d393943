// Package server exposes backup operations over an authenticated HTTP API.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vitalred/vrbackup/internal/app"
	"github.com/vitalred/vrbackup/internal/apperr"
	"github.com/vitalred/vrbackup/internal/config"
	"github.com/vitalred/vrbackup/internal/lock"
	"github.com/vitalred/vrbackup/internal/manifest"
	"github.com/vitalred/vrbackup/internal/metrics"
)

// Backend is the set of operations served by the API. *app.App
// implements it.
type Backend interface {
	List(ctx context.Context, remote bool) ([]app.Backup, error)
	DefaultBackupRequest() app.BackupRequest
	BackupWithRetry(ctx context.Context, req app.BackupRequest) (*app.BackupResult, error)
	Stats(ctx context.Context) (*app.Stats, error)
	Health(ctx context.Context) (*app.Health, error)
	Locate(name string) (string, error)
	Verify(ctx context.Context, name string) (*manifest.Report, error)
	DefaultRestoreRequest(name string) app.RestoreRequest
	Restore(ctx context.Context, req app.RestoreRequest) (*app.RestoreResult, error)
	Delete(ctx context.Context, name string, remote bool) error
}

type Server struct {
	backend  Backend
	cfg      config.ServerConfig
	recorder *metrics.Recorder
	timeout  time.Duration
	log      zerolog.Logger
}

// New builds the API server. Operations started over HTTP outlive the
// request and are bounded by opTimeout instead. recorder may be nil.
func New(cfg config.ServerConfig, backend Backend, recorder *metrics.Recorder, opTimeout time.Duration, log zerolog.Logger) *Server {
	return &Server{backend: backend, cfg: cfg, recorder: recorder, timeout: opTimeout, log: log}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.recorder != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.recorder.Registry(), promhttp.HandlerOpts{}))
	}

	r.Route("/api/backups", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Get("/stats", s.handleStats)
		r.Get("/health", s.handleHealth)
		r.Route("/{name}", func(r chi.Router) {
			r.Use(validName)
			r.Get("/download", s.handleDownload)
			r.Post("/verify", s.handleVerify)
			r.Post("/restore", s.handleRestore)
			r.Delete("/", s.handleDelete)
		})
	})
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("listen", s.cfg.Listen).Msg("api server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// authenticate requires "Authorization: Bearer <server.token>". An empty
// token locks the API.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || s.cfg.Token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="vrb"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func validName(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := app.ValidateName(chi.URLParam(r, "name")); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// operationContext detaches long-running work from the client connection.
func (s *Server) operationContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx := context.WithoutCancel(r.Context())
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return context.WithCancel(ctx)
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, envelope{Success: status < 400, Message: message, Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: false, Message: message})
}

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	var busy *lock.ErrBusy
	switch {
	case errors.Is(err, app.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrInvalidName):
		return http.StatusBadRequest
	case errors.As(err, &busy), errors.Is(err, app.ErrOutsideWindow):
		return http.StatusConflict
	case apperr.Is(err, apperr.KindIntegrity), apperr.Is(err, apperr.KindDecryption):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, err.Error())
}
