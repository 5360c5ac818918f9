// Package api exposes the HTTP surface: event ingest, health and status,
// rule management, Prometheus metrics, and the WebSocket stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/zmeta-engine/internal/config"
	"github.com/snarg/zmeta-engine/internal/hub"
	"github.com/snarg/zmeta-engine/internal/ingest"
	"github.com/snarg/zmeta-engine/internal/metrics"
	"github.com/snarg/zmeta-engine/internal/recorder"
	"github.com/snarg/zmeta-engine/internal/rules"
)

// BrokerStatus is what /healthz needs to know about the optional MQTT link.
type BrokerStatus interface {
	IsConnected() bool
}

type Options struct {
	Config   *config.Config
	Metrics  *metrics.Registry
	Hub      *hub.Hub
	Pipeline *ingest.Pipeline
	Recorder *recorder.Recorder
	Rules    *rules.Engine
	Deduper  *ingest.AlertDeduper
	// MQTT must be left nil when no broker is configured.
	MQTT    BrokerStatus
	Version string
	Log     zerolog.Logger
}

type Server struct {
	cfg      *config.Config
	metrics  *metrics.Registry
	hub      *hub.Hub
	pipeline *ingest.Pipeline
	recorder *recorder.Recorder
	rules    *rules.Engine
	deduper  *ingest.AlertDeduper
	mqtt     BrokerStatus
	version  string

	startTime time.Time
	upgrader  websocket.Upgrader
	http      *http.Server
	log       zerolog.Logger
}

func NewServer(opts Options) *Server {
	cfg := opts.Config
	s := &Server{
		cfg:       cfg,
		metrics:   opts.Metrics,
		hub:       opts.Hub,
		pipeline:  opts.Pipeline,
		recorder:  opts.Recorder,
		rules:     opts.Rules,
		deduper:   opts.Deduper,
		mqtt:      opts.MQTT,
		version:   opts.Version,
		startTime: time.Now(),
		upgrader:  newUpgrader(cfg.AllowedOrigins),
		log:       opts.Log.With().Str("component", "api").Logger(),
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Recoverer)

	// The WebSocket route stays outside the logging and instrumentation
	// middleware: their writer wrappers interfere with the hijack the
	// upgrade needs.
	r.Get("/ws", s.handleWS)

	r.Group(func(r chi.Router) {
		r.Use(Logger(s.log))
		r.Use(metrics.InstrumentHandler)
		r.Use(CORS(cfg.AllowedOrigins))

		r.Get("/healthz", s.handleHealthz)
		r.Get("/status", s.handleStatus)
		r.Get("/rules", s.handleRulesList)
		r.Post("/rules/reload", s.handleRulesReload)
		r.Handle("/metrics", promhttp.Handler())

		r.Group(func(r chi.Router) {
			r.Use(SharedSecretAuth(cfg))
			r.Post("/ingest", s.handleIngest)
		})
	})

	s.http = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler exposes the router for httptest.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
