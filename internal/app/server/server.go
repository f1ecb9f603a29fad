// Package server composes the widget chat service: the sqlite store, the
// event recorder and its subscribers, the valuation worker and the HTTP
// boundary, with one graceful lifecycle around all of them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kudamusoni/chatbot-api-sub001/internal/httpapi"
	"github.com/kudamusoni/chatbot-api-sub001/internal/live"
	"github.com/kudamusoni/chatbot-api-sub001/internal/platform/timeouts"
	"github.com/kudamusoni/chatbot-api-sub001/internal/projection"
	"github.com/kudamusoni/chatbot-api-sub001/internal/recorder"
	"github.com/kudamusoni/chatbot-api-sub001/internal/storage/sqlite"
	"github.com/kudamusoni/chatbot-api-sub001/internal/tenant"
	"github.com/kudamusoni/chatbot-api-sub001/internal/valuation"
)

// Config defines the inputs for the widget chat process.
type Config struct {
	HTTPAddr        string
	DBPath          string
	TenantsPath     string
	TokenSecret     string
	TokenTTL        time.Duration
	DevBypassOrigin bool
	// Replay rebuilds every projection from the event journal before the
	// server starts accepting traffic.
	Replay bool

	HubBuffer         int
	WorkerPoll        time.Duration
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server owns the wired process: storage, recorder fan-out, worker and the
// HTTP boundary.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	store           *sqlite.Store
	worker          *valuation.Worker
	projector       *projection.Applier
	replay          bool
	logger          zerolog.Logger
}

// New wires a server from config. The subscriber order matters: the
// projector must observe an event before the dispatch guard, and the hub
// pushes to live sessions last.
func New(cfg Config) (*Server, error) {
	httpAddr := strings.TrimSpace(cfg.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if strings.TrimSpace(cfg.TokenSecret) == "" {
		return nil, errors.New("session token secret is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = timeouts.Shutdown
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "widgetchat").Logger()

	registry, err := tenant.Load(cfg.TenantsPath)
	if err != nil {
		return nil, fmt.Errorf("load tenant registry: %w", err)
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	rec := recorder.New(store, logger)
	projector := projection.New(store, logger)
	guard := valuation.NewGuard(store, logger)
	hub := live.NewHub(cfg.HubBuffer, logger)
	rec.Subscribe(projector)
	rec.Subscribe(guard)
	rec.Subscribe(hub)

	worker := valuation.NewWorker(store, rec, valuation.WorkerConfig{PollInterval: cfg.WorkerPoll}, logger)

	codec, err := live.NewTokenCodec([]byte(cfg.TokenSecret), cfg.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("build token codec: %w", err)
	}
	gate := live.NewGatekeeper(registry, store, live.AdmissionConfig{
		DevBypassOrigin: cfg.DevBypassOrigin,
	})
	stream := live.NewStreamHandler(store, hub, gate, codec, live.StreamConfig{}, logger)

	api := httpapi.New(store, rec, registry, codec, stream, httpapi.Config{
		DevBypassOrigin: cfg.DevBypassOrigin,
	}, logger)

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: cfg.ShutdownTimeout,
		httpServer:      httpServer,
		store:           store,
		worker:          worker,
		projector:       projector,
		replay:          cfg.Replay,
		logger:          logger,
	}, nil
}

// Run creates and serves a server until the context ends.
func Run(ctx context.Context, cfg Config) error {
	server, err := New(cfg)
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// ListenAndServe optionally replays projections, starts the valuation worker
// and runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}

	if s.replay {
		s.logger.Info().Msg("rebuilding projections from journal")
		if err := s.projector.Replay(ctx, s.store); err != nil {
			return fmt.Errorf("replay projections: %w", err)
		}
	}

	workerCtx, stopWorker := context.WithCancel(ctx)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := s.worker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("valuation worker stopped")
		}
	}()

	serveErr := make(chan error, 1)
	s.logger.Info().Str("addr", s.httpAddr).Msg("server listening")
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	stop := func() error {
		stopWorker()
		<-workerDone
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	}

	select {
	case <-ctx.Done():
		return stop()
	case err := <-serveErr:
		stopWorker()
		<-workerDone
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil || s.store == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error().Err(err).Msg("close store")
	}
}
