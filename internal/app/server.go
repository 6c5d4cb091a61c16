// Package app wires configuration, the persistent store, the controller
// client, the auth manager, and the messaging router into one HTTP server.
package app

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/BYU-PCCL/footron-api/internal/auth"
	"github.com/BYU-PCCL/footron-api/internal/controller"
	"github.com/BYU-PCCL/footron-api/internal/httpapi"
	"github.com/BYU-PCCL/footron-api/internal/logging"
	"github.com/BYU-PCCL/footron-api/internal/messaging"
	"github.com/BYU-PCCL/footron-api/internal/metrics"
	"github.com/BYU-PCCL/footron-api/internal/store"
	"github.com/BYU-PCCL/footron-api/internal/tracing"
)

type Server struct {
	cfg Config

	r *chi.Mux

	store     store.Store
	auth      *auth.Manager
	messaging *messaging.Router
	logger    *slog.Logger

	tracingShutdown func(context.Context) error
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	tracingShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "footron-api",
	})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	if cfg.OTelEnabled {
		r.Use(tracing.Middleware())
	}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{cfg.BaseURL, "http://localhost", "http://localhost:3000"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "PUT", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-AUTH-CODE", "X-Request-ID"},
		// The web client may fall back to carrying the auth code in a cookie.
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
		return nil, err
	}
	db, err := store.NewSQLite("file:" + filepath.Join(cfg.DataPath, "footron-api.sqlite"))
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	if err := db.ImportColorsFile(context.Background(), filepath.Join(cfg.DataPath, "colors.json")); err != nil {
		logger.Warn("colors import failed", slog.String("error", err.Error()))
	}
	logger.Info("database initialized", slog.String("path", cfg.DataPath))

	m := metrics.New()

	httpClient := &http.Client{Timeout: 10 * time.Second}
	if cfg.OTelEnabled {
		httpClient.Transport = tracing.HTTPTransport(nil)
	}
	ctrl := controller.New(cfg.ControllerURL,
		controller.WithHTTPClient(httpClient),
		controller.WithLogger(logger),
		controller.WithMetrics(m),
		controller.WithStore(db),
	)

	authTimeout := time.Duration(cfg.AuthTimeoutSecs) * time.Second
	mgr, err := auth.NewManager(ctrl, cfg.BaseURL, authTimeout, logger, m)
	if err != nil {
		db.Close()
		return nil, err
	}

	router := messaging.NewRouter(mgr, ctrl, logger, m)

	s := &Server{
		cfg:             cfg,
		r:               r,
		store:           db,
		auth:            mgr,
		messaging:       router,
		logger:          logger,
		tracingShutdown: tracingShutdown,
	}

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Auth:       mgr,
		Controller: ctrl,
		Metrics:    m,
		Logger:     logger,
		Messaging:  router,
	})

	return s, nil
}

func (s *Server) Router() http.Handler { return s.r }

// Start launches the auth manager's rotation timer and the messaging
// router's background work.
func (s *Server) Start() {
	s.auth.Start()
	s.messaging.Start()
}

// Reload applies settings that can change without a restart. Currently that
// is only the log level.
func (s *Server) Reload(cfg Config) {
	logging.SetLevel(cfg.LogLevel)
	s.cfg.LogLevel = cfg.LogLevel
	s.logger.Info("configuration reloaded", slog.String("log_level", cfg.LogLevel))
}

func (s *Server) Close() error {
	s.messaging.Close()
	s.auth.Close()
	if s.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.tracingShutdown(ctx)
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
