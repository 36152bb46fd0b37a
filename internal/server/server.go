package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/neboloop/tabrelay/internal/handler"
	relayhandler "github.com/neboloop/tabrelay/internal/handler/relay"
	"github.com/neboloop/tabrelay/internal/logging"
	"github.com/neboloop/tabrelay/internal/middleware"
	"github.com/neboloop/tabrelay/internal/svc"
)

const shutdownTimeout = 30 * time.Second

// ServerOptions holds optional settings for the server
type ServerOptions struct {
	Quiet bool // Suppress per-request logging
}

// Server serves the socket endpoint and the small HTTP API over one listener.
type Server struct {
	svcCtx *svc.ServiceContext
	http   *http.Server
	ln     net.Listener
}

// New builds the router for svcCtx. Call Listen then Serve.
func New(svcCtx *svc.ServiceContext, opts ServerOptions) *Server {
	// ReadTimeout/WriteTimeout are omitted: they set deadlines on the underlying
	// net.Conn which interfere with hijacked websocket connections.
	return &Server{
		svcCtx: svcCtx,
		http: &http.Server{
			Addr:              svcCtx.Config.Addr(),
			Handler:           NewRouter(svcCtx, opts),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// NewRouter returns the chi router with every route mounted.
func NewRouter(svcCtx *svc.ServiceContext, opts ServerOptions) http.Handler {
	r := chi.NewRouter()

	if !opts.Quiet {
		r.Use(chimw.Logger)
	}
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handler.HealthCheckHandler(svcCtx))
	r.Get("/ws", svcCtx.Relay.HandleWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(securityHeadersMiddleware())
		if svcCtx.Config.AuthEnabled() {
			r.Use(middleware.JWTMiddleware(svcCtx.Config.Auth.Secret))
		}
		r.Get("/status", relayhandler.StatusHandler(svcCtx))
		r.Get("/tabs", relayhandler.ListTabsHandler(svcCtx))
		r.Get("/connections", relayhandler.ListConnectionsHandler(svcCtx))
		r.Get("/errors", relayhandler.ListErrorsHandler(svcCtx))
		r.Get("/responses/{requestId}", relayhandler.GetResponseHandler(svcCtx))
	})

	return r
}

// Listen binds the configured address. A busy port fails here rather than in Serve.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.http.Addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.http.Addr
}

// Serve blocks until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Serve() error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	logging.Infof("[server] listening on %s", s.Addr())
	if err := s.http.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight handlers. Hijacked
// websocket connections are not tracked here; the relay closes them.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func securityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")
			w.Header().Set("Cache-Control", "no-store")
			next.ServeHTTP(w, r)
		})
	}
}
