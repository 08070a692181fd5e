// Package api exposes the analyzer over HTTP. It is a thin JSON layer over
// the services; authentication and page rendering are out of scope.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/gberron/dmarc-analyzer/internal/config"
)

// Server is the HTTP front of the analyzer.
type Server struct {
	cfg    config.ServerConfig
	server *http.Server
}

// NewServer builds the router around the handler set.
func NewServer(cfg config.ServerConfig, h *Handlers) *Server {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Post("/reports/upload", h.UploadReport)
		r.Get("/reports", h.ListReports)
		r.Get("/reports/{id}", h.GetReport)
		r.Delete("/reports/{id}", h.DeleteReport)

		r.Get("/aggregate", h.Aggregate)
		r.Get("/export/csv", h.ExportCSV)

		r.Get("/schedules", h.ListSchedules)
		r.Post("/schedules", h.CreateSchedule)
		r.Delete("/schedules/{id}", h.DeleteSchedule)
		r.Post("/schedules/{id}/send", h.SendScheduleNow)

		r.Post("/poll", h.PollMailbox)

		r.Get("/settings", h.GetSettings)
		r.Put("/settings", h.SaveSettings)
	})

	return &Server{
		cfg: cfg,
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      r,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 120 * time.Second,
		},
	}
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
