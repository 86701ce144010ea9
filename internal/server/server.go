package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/fernwick/moneta/internal/catalog"
	"github.com/fernwick/moneta/internal/handler"
	"github.com/fernwick/moneta/internal/middleware"
)

type Server struct {
	backupH *handler.BackupHandler
	catalog *catalog.Catalog
	logger  *slog.Logger
}

func New(backupH *handler.BackupHandler, cat *catalog.Catalog, logger *slog.Logger) *Server {
	return &Server{
		backupH: backupH,
		catalog: cat,
		logger:  logger,
	}
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)

	mux.HandleFunc("POST /api/backups", s.backupH.Create)
	mux.HandleFunc("GET /api/backups", s.backupH.List)
	mux.HandleFunc("GET /api/backups/scheduler", s.backupH.SchedulerStatus)
	mux.HandleFunc("POST /api/backups/cleanup", s.backupH.Cleanup)
	mux.HandleFunc("GET /api/backups/{id}", s.backupH.Get)
	mux.HandleFunc("DELETE /api/backups/{id}", s.backupH.Delete)
	mux.HandleFunc("POST /api/backups/{id}/restore", s.backupH.Restore)
	mux.HandleFunc("POST /api/backups/{id}/verify", s.backupH.Verify)
	mux.HandleFunc("GET /api/backups/{id}/download", s.backupH.Download)

	return middleware.RequestLogger(s.logger)(mux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := s.catalog.Count(r.Context()); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
