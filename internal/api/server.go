package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"og-image-service/internal/generation"
	"og-image-service/internal/models"
	"og-image-service/internal/ratelimit"
	"og-image-service/internal/telemetry"
)

// Service is the generation core as the HTTP layer sees it.
type Service interface {
	Handle(ctx context.Context, req generation.Request) (generation.Result, error)
	Resolve(ctx context.Context, req generation.Request) (string, error)
	Status(ctx context.Context, id string) (models.Record, error)
	Image(ctx context.Context, id string) (string, error)
}

// Pinger is a dependency probed by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DLQReader lists dead-lettered job ids.
type DLQReader interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Options carry the optional pieces of the router.
type Options struct {
	Limiter     *ratelimit.TokenBucket
	Checks      map[string]Pinger
	DLQ         DLQReader
	Files       http.Handler
	CORSOrigins []string
}

// Server wires HTTP handlers for the image API.
type Server struct {
	svc  Service
	opts Options
	log  zerolog.Logger
}

// New constructs the API server.
func New(svc Service, opts Options, log zerolog.Logger) *Server {
	return &Server{svc: svc, opts: opts, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		if s.opts.Limiter != nil {
			r.Use(s.opts.Limiter.Middleware(s.log))
		}
		r.Get("/", s.handleRoot)
		r.Get("/generate", s.handleGenerate)
	})
	r.Get("/status/{id}", s.handleStatus)
	r.Get("/image/{id}", s.handleImage)

	if s.opts.DLQ != nil {
		r.Get("/dlq", s.handleDLQ)
	}
	if s.opts.Files != nil {
		r.Mount("/files", http.StripPrefix("/files", s.opts.Files))
	}
	return otelhttp.NewHandler(r, "og-image-api", otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
		return r.Method + " " + r.URL.Path
	}))
}

type generateResponse struct {
	Status         string `json:"status"`
	ImageURL       string `json:"image_url,omitempty"`
	TaskID         string `json:"task_id,omitempty"`
	CheckStatusURL string `json:"check_status_url,omitempty"`
}

type statusResponse struct {
	Status       string `json:"status"`
	ImageURL     string `json:"image_url,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	req, err := parseRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Handle(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if res.Outcome == generation.OutcomeInProgress {
		writeJSON(w, http.StatusAccepted, generateResponse{
			Status:         "processing",
			TaskID:         res.TaskID,
			CheckStatusURL: statusURL(r, res.TaskID),
		})
		return
	}
	status := "cached"
	if res.Origin == generation.OriginGenerated {
		status = "generated"
	}
	writeJSON(w, http.StatusOK, generateResponse{Status: status, ImageURL: res.ImageURL})
}

// handleRoot redirects to the image for ?url=, waiting on deferred work.
// Without a url it describes the service.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("url") == "" {
		writeJSON(w, http.StatusOK, map[string]any{
			"service": "og-image-service",
			"usage":   "GET /?url=<page> redirects to a preview image; GET /generate?url=<page> returns JSON",
			"params":  []string{"url", "ttl (hours)", "width", "height", "force_refresh"},
		})
		return
	}
	req, err := parseRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	imageURL, err := s.svc.Resolve(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, imageURL, http.StatusTemporaryRedirect)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:       string(rec.Status()),
		ImageURL:     rec.State.ArtifactRef(),
		ErrorMessage: rec.State.ErrorDetail(),
	})
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	imageURL, err := s.svc.Image(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, imageURL, http.StatusTemporaryRedirect)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.opts.Checks))
	healthy := true
	for name, p := range s.opts.Checks {
		if err := p.Ping(ctx); err != nil {
			s.log.Warn().Err(err).Str("dependency", name).Msg("health check failed")
			checks[name] = "down"
			healthy = false
			continue
		}
		checks[name] = "ok"
	}
	code, status := http.StatusOK, "ok"
	if !healthy {
		code, status = http.StatusServiceUnavailable, "degraded"
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.opts.DLQ.DLQPeek(r.Context(), 100)
	if err != nil {
		s.log.Error().Err(err).Msg("read dlq")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to read dlq", Code: string(generation.KindStorage)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// parseRequest reads the generation parameters. ttl is in hours.
func parseRequest(r *http.Request) (generation.Request, error) {
	q := r.URL.Query()
	req := generation.Request{URL: q.Get("url")}
	if req.URL == "" {
		return req, &generation.Error{Kind: generation.KindInvalidInput, Message: "url parameter is required"}
	}

	var err error
	if req.Width, err = intParam(q.Get("width"), "width"); err != nil {
		return req, err
	}
	if req.Height, err = intParam(q.Get("height"), "height"); err != nil {
		return req, err
	}
	if v := q.Get("ttl"); v != "" {
		hours, perr := strconv.ParseFloat(v, 64)
		if perr != nil || hours <= 0 {
			return req, &generation.Error{Kind: generation.KindInvalidInput, Message: "ttl must be a positive number of hours", Err: perr}
		}
		req.TTL = time.Duration(hours * float64(time.Hour))
	}
	if v := q.Get("force_refresh"); v != "" {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			return req, &generation.Error{Kind: generation.KindInvalidInput, Message: "force_refresh must be a boolean", Err: perr}
		}
		req.ForceRefresh = b
	}
	return req, nil
}

func intParam(v, name string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, &generation.Error{Kind: generation.KindInvalidInput, Message: name + " must be a positive integer", Err: err}
	}
	return n, nil
}

func statusURL(r *http.Request, id string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(fwd, ",")[0]))
	}
	return scheme + "://" + r.Host + "/status/" + id
}

func statusFor(kind generation.Kind) int {
	switch kind {
	case generation.KindInvalidInput:
		return http.StatusBadRequest
	case generation.KindNotFound:
		return http.StatusNotFound
	case generation.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := generation.KindOf(err)
	msg := "internal error"
	var ge *generation.Error
	if errors.As(err, &ge) {
		msg = ge.Message
	}
	code := statusFor(kind)
	if code >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("kind", string(kind)).Str("request_id", middleware.GetReqID(r.Context())).Msg("request failed")
	}
	writeJSON(w, code, errorResponse{Error: msg, Code: string(kind)})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
