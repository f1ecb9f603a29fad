// Package httpapi exposes the widget-facing REST surface: session bootstrap,
// message and appraisal event recording, projection reads and the live event
// stream.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kudamusoni/chatbot-api-sub001/internal/live"
	"github.com/kudamusoni/chatbot-api-sub001/internal/recorder"
	"github.com/kudamusoni/chatbot-api-sub001/internal/storage"
	"github.com/kudamusoni/chatbot-api-sub001/internal/tenant"
)

// Store is the storage surface the API reads from.
type Store interface {
	storage.ConversationStore
	storage.MessageStore
	storage.ValuationStore
	storage.EventStore
}

// Config tunes the API server.
type Config struct {
	// DevBypassOrigin disables origin enforcement at bootstrap, matching the
	// stream gatekeeper's bypass.
	DevBypassOrigin bool
	// MessagePageLimit caps page sizes on the message listing endpoint.
	MessagePageLimit int
}

func (c Config) withDefaults() Config {
	if c.MessagePageLimit <= 0 {
		c.MessagePageLimit = 100
	}
	return c
}

// Server carries the wired handler dependencies.
type Server struct {
	store    Store
	recorder *recorder.Recorder
	registry *tenant.Registry
	tokens   *live.TokenCodec
	stream   *live.StreamHandler
	cfg      Config
	logger   zerolog.Logger
}

// New builds the API server.
func New(store Store, rec *recorder.Recorder, registry *tenant.Registry, tokens *live.TokenCodec, stream *live.StreamHandler, cfg Config, logger zerolog.Logger) *Server {
	return &Server{
		store:    store,
		recorder: rec,
		registry: registry,
		tokens:   tokens,
		stream:   stream,
		cfg:      cfg.withDefaults(),
		logger:   logger.With().Str("component", "httpapi").Logger(),
	}
}

// Router assembles the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins(),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/bootstrap", s.handleBootstrap)
		r.Method(http.MethodGet, "/events/stream", s.stream)

		r.Route("/conversations/{conversationID}", func(r chi.Router) {
			r.Use(s.sessionAuth)
			r.Get("/", s.handleGetConversation)
			r.Get("/messages", s.handleListMessages)
			r.Post("/messages", s.handlePostMessage)
			r.Post("/events", s.handlePostEvent)
			r.Get("/valuations", s.handleListValuations)
		})
	})
	return r
}

func (s *Server) corsOrigins() []string {
	if s.cfg.DevBypassOrigin {
		return []string{"*"}
	}
	origins := s.registry.AllowedOrigins()
	if len(origins) == 0 {
		return []string{}
	}
	return origins
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
