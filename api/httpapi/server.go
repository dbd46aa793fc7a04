package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dc-dime/beiwe-backend/internal/observability"
	"github.com/dc-dime/beiwe-backend/internal/report"
	"github.com/dc-dime/beiwe-backend/internal/store"
)

type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	store      *store.Store
	aggregator *report.Aggregator
}

type Config struct {
	Port string
}

func NewServer(cfg Config, logger *zap.Logger, st *store.Store, agg *report.Aggregator) *Server {
	r := mux.NewRouter()

	routeName := func(r *http.Request) string {
		if rt := mux.CurrentRoute(r); rt != nil {
			if tpl, err := rt.GetPathTemplate(); err == nil && tpl != "" {
				return tpl
			}
		}
		return r.URL.Path
	}

	// Middlewares (order matters)
	r.Use(observability.RequestIDMiddleware)
	r.Use(observability.TracingMiddleware(routeName))
	r.Use(observability.HTTPMetricsMiddleware(routeName))
	r.Use(observability.AccessLogMiddleware(logger, routeName))

	srv := &Server{
		logger:     logger,
		store:      st,
		aggregator: agg,
	}

	// Metrics
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Health
	r.HandleFunc("/api/v1/health", srv.handleHealth).Methods(http.MethodGet)

	// Tasks
	r.HandleFunc("/api/v1/tasks", srv.handleCreateTasks).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/tasks", srv.handleTaskLog).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/tasks/{externalID}", srv.handleGetTask).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/tasks/{externalID}/cancel", srv.handleCancelTask).Methods(http.MethodPost)

	// Study progress grid
	r.HandleFunc("/api/v1/studies/{studyID}/progress", srv.handleProgress).Methods(http.MethodGet)

	s := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	srv.httpServer = s
	return srv
}

func (s *Server) Start() error {
	s.logger.Info("HTTP server starting", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}
