// Package api exposes the push ingestion endpoint, the admin query surface,
// the dead-letter remediation routes, and the WebSocket bridge on a single
// HTTP listener.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/imaginglake/backend/internal/cache"
	"github.com/imaginglake/backend/internal/objstore"
	"github.com/imaginglake/backend/internal/pipeline"
	"github.com/imaginglake/backend/internal/warehouse"
	"github.com/imaginglake/backend/internal/wsbridge"
)

type Server struct {
	Dispatcher *pipeline.Dispatcher
	Warehouse  *warehouse.Client
	Store      *objstore.Client
	Requeuer   *pipeline.Requeuer
	Bridge     *wsbridge.Bridge
	Correlator *wsbridge.Correlator
	Cache      *cache.StudyTreeCache
	Logger     *slog.Logger
	StaticDir  string

	httpServer *http.Server
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.correlationMiddleware)
	r.Use(s.loggingMiddleware)

	r.HandleFunc("/push", s.handlePush).Methods(http.MethodPost)

	r.HandleFunc("/api/studies/search", s.handleStudiesSearch).Methods(http.MethodPost)
	r.HandleFunc("/api/studies/search/counts", s.handleStudiesCounts).Methods(http.MethodPost)
	r.HandleFunc("/api/instances/search", s.handleInstancesSearch).Methods(http.MethodPost)
	r.HandleFunc("/api/instances/search/counts", s.handleInstancesCounts).Methods(http.MethodPost)

	r.HandleFunc("/studies/{uid}/instances", s.handleStudyInstances).Methods(http.MethodGet)
	r.HandleFunc("/studies/{uid}/metadata", s.handleStudyMetadata).Methods(http.MethodGet)
	r.HandleFunc("/studies/{study}/series/{series}/instances/{sop}", s.handleInstanceByUIDs).Methods(http.MethodGet)
	r.HandleFunc("/studies/{study}/series/{series}/instances/{sop}/rendered", s.handleInstanceRendered).Methods(http.MethodGet)

	r.HandleFunc("/api/instances/{id}", s.handleInstanceByID).Methods(http.MethodGet)
	r.HandleFunc("/api/instances/{id}/content", s.handleInstanceContent).Methods(http.MethodGet)
	r.HandleFunc("/api/instances", s.handleDeleteInstances).Methods(http.MethodDelete)
	r.HandleFunc("/api/studies/delete", s.handleDeleteStudies).Methods(http.MethodPost)

	r.HandleFunc("/api/dlq/count", s.handleDLQCount).Methods(http.MethodGet)
	r.HandleFunc("/api/dlq/summary", s.handleDLQSummary).Methods(http.MethodGet)
	r.HandleFunc("/api/dlq/items", s.handleDLQItems).Methods(http.MethodGet)
	r.HandleFunc("/api/dlq/requeue", s.handleDLQRequeue).Methods(http.MethodPost)
	r.HandleFunc("/api/dlq", s.handleDLQPurge).Methods(http.MethodDelete)

	r.HandleFunc("/ws", s.Bridge.HandleWS)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if s.StaticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(s.StaticDir)))
	}
	return r
}

// Start blocks serving on port until ListenAndServe fails.
func (s *Server) Start(port int) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.Logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
