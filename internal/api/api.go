// Package api exposes the webhook endpoints of MsgRouter.
//
// WhatsApp Cloud API and Twilio deliveries are parsed into InboundMessages
// and handed to the intake. A failed result answers 500 so the provider
// redelivers; every other outcome answers 200.
package api

import (
	"context"
	"expvar"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/MsgRouter/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"
	// MaxBodyBytes caps webhook payloads.
	MaxBodyBytes = 1 << 20
)

// Processor handles one inbound message. *inbound.Intake implements it.
type Processor interface {
	Process(ctx context.Context, msg models.InboundMessage) models.ProcessingResult
}

// Opts configures the Server.
type Opts struct {
	Addr        string
	VerifyToken string // Cloud API hub.verify_token
}

// Option configures the Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithVerifyToken sets the token expected by the Cloud API subscription handshake.
func WithVerifyToken(token string) Option {
	return func(o *Opts) { o.VerifyToken = token }
}

// Server serves the webhook endpoints.
type Server struct {
	intake     Processor
	cfg        Opts
	router     chi.Router
	httpServer *http.Server
}

func NewServer(intake Processor, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{intake: intake, cfg: cfg}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusOK, Response{Status: StatusOK})
	})
	r.Method(http.MethodGet, "/debug/vars", expvar.Handler())

	r.Route("/webhooks", func(r chi.Router) {
		r.Get("/whatsapp", s.whatsappVerifyHandler)
		r.Post("/whatsapp", s.whatsappWebhookHandler)
		r.Post("/twilio", s.twilioWebhookHandler)
	})
	return r
}

// Handler returns the HTTP handler (tests, embedding).
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	slog.Info("Server.Start: listening", "addr", s.cfg.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("Server request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
