// Package http exposes payment verification and license decoding to chat
// bots and other front ends.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/paylicense/internal/license"
	"github.com/sells-group/paylicense/internal/pipeline"
)

// Verifier runs one verification to its terminal state.
type Verifier interface {
	Verify(ctx context.Context, req pipeline.Request) pipeline.Result
}

// Decoder validates license tokens.
type Decoder interface {
	Decode(token string) (license.Claims, error)
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BreakerReporter exposes credential circuit breaker states.
type BreakerReporter interface {
	BreakerStates() map[string]string
	TrippedCredentials() []string
}

// Config tunes request admission. Breakers is optional and only feeds
// /health.
type Config struct {
	MaxConcurrent    int64
	SenderRatePerMin int
	MaxImageBytes    int64
	AllowedOrigins   []string
	Breakers         BreakerReporter
}

// Server holds the handlers' dependencies.
type Server struct {
	verifier Verifier
	decoder  Decoder
	pinger   Pinger
	cfg      Config
	sem      *semaphore.Weighted
	limits   *senderLimits
}

// NewServer creates a Server. pinger may be nil.
func NewServer(v Verifier, d Decoder, pinger Pinger, cfg Config) *Server {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = 10 << 20
	}
	return &Server{
		verifier: v,
		decoder:  d,
		pinger:   pinger,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		limits:   newSenderLimits(cfg.SenderRatePerMin),
	}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", senderHeader},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/verifications", s.handleVerify)
		r.Post("/licenses/decode", s.handleDecode)
		r.Get("/packages", s.handlePackages)
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("http: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Int64("elapsed_ms", time.Since(start).Milliseconds()),
		)
	})
}
