package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/stagepipe/stagepipe/internal/flow"
	"github.com/stagepipe/stagepipe/internal/genai"
	"github.com/stagepipe/stagepipe/internal/store"
	"github.com/stagepipe/stagepipe/internal/variables"
)

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = ":8080"

// DefaultShutdownTimeout bounds graceful shutdown on termination.
const DefaultShutdownTimeout = 10 * time.Second

// Opts holds server configuration options.
type Opts struct {
	Addr string
}

// Option configures server construction.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server exposes the message-processing pipeline over HTTP.
type Server struct {
	processor *flow.Processor
	st        store.Store
	addr      string
}

// NewServer creates an API server around a processor and its store.
func NewServer(processor *flow.Processor, st store.Store, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{processor: processor, st: st, addr: cfg.Addr}
}

// Handler builds the route table. Split out from Start so tests can drive
// the mux directly with httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/messages", s.processMessageHandler)
	mux.HandleFunc("/api/v1/conversations/", s.conversationActionHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Start runs the HTTP server until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Start: listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("Server.Start: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server.Start: graceful shutdown failed", "error", err)
			return err
		}
		return <-errCh
	}
}

// Run wires the full stack: store backend, completion client, variable
// registry, processor, and HTTP server. It blocks until ctx is canceled.
func Run(ctx context.Context, storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	st, err := store.NewStoreFromOptions(storeOpts...)
	if err != nil {
		slog.Error("api.Run: failed to initialize store", "error", err)
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Warn("api.Run: failed to close store", "error", closeErr)
		}
	}()

	client, err := genai.NewClient(genaiOpts...)
	if err != nil {
		slog.Error("api.Run: failed to initialize completion client", "error", err)
		return err
	}

	registry := variables.NewRegistry(st)
	processor := flow.NewProcessor(st, client, registry)
	server := NewServer(processor, st, apiOpts...)

	slog.Info("api.Run: stack initialized")
	return server.Start(ctx)
}
