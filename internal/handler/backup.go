package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/fernwick/moneta/internal/catalog"
	"github.com/fernwick/moneta/internal/engine"
	"github.com/fernwick/moneta/internal/model"
	"github.com/fernwick/moneta/internal/objectstore"
	"github.com/fernwick/moneta/internal/scheduler"
)

// BackupEngine is the engine surface the handler drives.
type BackupEngine interface {
	CreateFullBackup(ctx context.Context, triggeredBy model.TriggerSource) (*model.BackupRecord, error)
	CreateIncrementalBackup(ctx context.Context, triggeredBy model.TriggerSource) (*model.BackupRecord, error)
	RestoreFromBackup(ctx context.Context, backupID string, opts model.RestoreOptions) (*model.RestoreResult, error)
	VerifyBackup(ctx context.Context, backupID string) (*model.VerifyResult, error)
	DeleteBackup(ctx context.Context, backupID string) error
}

// Cleaner runs a manual retention sweep.
type Cleaner interface {
	CleanupExpired(ctx context.Context) (int, error)
}

// Presigner issues time-limited download URLs.
type Presigner interface {
	PresignGet(ctx context.Context, location string, ttl time.Duration) (string, error)
}

// CadenceReporter exposes scheduler introspection.
type CadenceReporter interface {
	Status() []scheduler.CadenceStatus
}

type BackupHandler struct {
	engine    BackupEngine
	catalog   *catalog.Catalog
	sweeper   Cleaner
	sched     CadenceReporter
	presigner Presigner
	logger    *slog.Logger
}

func NewBackupHandler(eng BackupEngine, cat *catalog.Catalog, sweeper Cleaner, sched CadenceReporter, presigner Presigner, logger *slog.Logger) *BackupHandler {
	return &BackupHandler{
		engine:    eng,
		catalog:   cat,
		sweeper:   sweeper,
		sched:     sched,
		presigner: presigner,
		logger:    logger,
	}
}

type createBackupRequest struct {
	Type string `json:"type"`
}

// Create triggers a manual full or incremental backup.
func (h *BackupHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createBackupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	var rec *model.BackupRecord
	var err error
	switch req.Type {
	case "", string(model.BackupTypeFull):
		rec, err = h.engine.CreateFullBackup(r.Context(), model.TriggerManual)
	case string(model.BackupTypeIncremental):
		rec, err = h.engine.CreateIncrementalBackup(r.Context(), model.TriggerManual)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "type must be full or incremental"})
		return
	}
	if err != nil {
		h.writeError(w, "create backup", err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// List returns backup records, newest first, with optional status/type
// filters and limit/offset pagination.
func (h *BackupHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	filter := catalog.Filter{
		Status: model.BackupStatus(q.Get("status")),
		Type:   model.BackupType(q.Get("type")),
	}

	records, err := h.catalog.List(r.Context(), filter, limit, offset)
	if err != nil {
		h.writeError(w, "list backups", err)
		return
	}
	total, err := h.catalog.Count(r.Context())
	if err != nil {
		h.writeError(w, "count backups", err)
		return
	}
	totalSize, err := h.catalog.TotalSize(r.Context())
	if err != nil {
		h.writeError(w, "total backup size", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"backups":          records,
		"total":            total,
		"total_size_bytes": totalSize,
		"limit":            limit,
		"offset":           offset,
	})
}

// Get returns one record's full detail.
func (h *BackupHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.catalog.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, "get backup", err)
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "backup not found"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Restore triggers a restore. Destructive unless dry_run is set; callers are
// expected to dry-run or inspect detail first.
func (h *BackupHandler) Restore(w http.ResponseWriter, r *http.Request) {
	var opts model.RestoreOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	result, err := h.engine.RestoreFromBackup(r.Context(), r.PathValue("id"), opts)
	if err != nil {
		h.writeError(w, "restore backup", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Verify recomputes the stored blob's checksum and records the outcome.
func (h *BackupHandler) Verify(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.VerifyBackup(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, "verify backup", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Delete removes a backup's blob and catalog row.
func (h *BackupHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.engine.DeleteBackup(r.Context(), id); err != nil {
		h.writeError(w, "delete backup", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

// Cleanup triggers a manual retention sweep.
func (h *BackupHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	count, err := h.sweeper.CleanupExpired(r.Context())
	if err != nil {
		// Partial sweeps still report their successes.
		writeJSON(w, http.StatusOK, map[string]any{"deleted": count, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": count})
}

// SchedulerStatus reports next/previous run time per cadence.
func (h *BackupHandler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"cadences": h.sched.Status()})
}

// Download returns a time-limited signed URL for the record's blob.
func (h *BackupHandler) Download(w http.ResponseWriter, r *http.Request) {
	rec, err := h.catalog.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, "get backup", err)
		return
	}
	if rec == nil || rec.StorageLocation == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "backup not found"})
		return
	}

	url, err := h.presigner.PresignGet(r.Context(), rec.StorageLocation, 15*time.Minute)
	if err != nil {
		h.writeError(w, "presign download", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"url":        url,
		"expires_in": int((15 * time.Minute).Seconds()),
	})
}

// writeError maps the engine's error taxonomy to HTTP statuses.
func (h *BackupHandler) writeError(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op, "error", err)
	switch {
	case errors.Is(err, engine.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, engine.ErrIntegrityMismatch):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, objectstore.ErrUnavailable):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
