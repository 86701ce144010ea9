// Package engine orchestrates backup creation, restore, and verification by
// composing the archive codec, integrity digests, the object store gateway,
// and the backup catalog. It owns every status transition of a BackupRecord
// and never contacts notification collaborators; that is the scheduler's job.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fernwick/moneta/internal/archive"
	"github.com/fernwick/moneta/internal/catalog"
	"github.com/fernwick/moneta/internal/datastore"
	"github.com/fernwick/moneta/internal/integrity"
	"github.com/fernwick/moneta/internal/model"
	"github.com/fernwick/moneta/internal/objectstore"
)

// Version is stamped into every archive envelope. Set at build time.
var Version = "dev"

// ObjectStore is the slice of the gateway the engine uses.
type ObjectStore interface {
	Put(ctx context.Context, key string, blob []byte) (string, error)
	Get(ctx context.Context, location string) ([]byte, error)
	Delete(ctx context.Context, location string) error
}

// RetentionPolicy maps backup type and trigger to a retention window.
// Manual triggers keep the longest window regardless of type.
type RetentionPolicy struct {
	Full        time.Duration
	Incremental time.Duration
	Manual      time.Duration
}

// DefaultRetention keeps manual backups a year, full backups six months,
// incrementals thirty days.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{
		Full:        180 * 24 * time.Hour,
		Incremental: 30 * 24 * time.Hour,
		Manual:      365 * 24 * time.Hour,
	}
}

func (p RetentionPolicy) windowFor(typ model.BackupType, trig model.TriggerSource) time.Duration {
	if trig == model.TriggerManual {
		return p.Manual
	}
	if typ == model.BackupTypeFull {
		return p.Full
	}
	return p.Incremental
}

// Engine runs backup, restore, and verify operations. Backup and restore runs
// serialize on an internal lock so a manual trigger never races a scheduled
// run over the same collection set.
type Engine struct {
	store       datastore.Store
	codec       *archive.Codec
	gateway     ObjectStore
	catalog     *catalog.Catalog
	policy      RetentionPolicy
	environment string
	logger      *slog.Logger

	runMu sync.Mutex
	now   func() time.Time
}

func New(store datastore.Store, codec *archive.Codec, gateway ObjectStore, cat *catalog.Catalog, policy RetentionPolicy, environment string, logger *slog.Logger) *Engine {
	return &Engine{
		store:       store,
		codec:       codec,
		gateway:     gateway,
		catalog:     cat,
		policy:      policy,
		environment: environment,
		logger:      logger,
		now:         time.Now,
	}
}

// CreateFullBackup snapshots every collection in the data store.
func (e *Engine) CreateFullBackup(ctx context.Context, triggeredBy model.TriggerSource) (*model.BackupRecord, error) {
	return e.createBackup(ctx, model.BackupTypeFull, triggeredBy)
}

// CreateIncrementalBackup captures documents created or modified since the
// most recent completed backup's start time. With no prior completed backup
// the watermark is the epoch, so the run degenerates to a full capture.
func (e *Engine) CreateIncrementalBackup(ctx context.Context, triggeredBy model.TriggerSource) (*model.BackupRecord, error) {
	return e.createBackup(ctx, model.BackupTypeIncremental, triggeredBy)
}

func (e *Engine) createBackup(ctx context.Context, typ model.BackupType, trig model.TriggerSource) (*model.BackupRecord, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	start := e.now().UTC()
	id := ulid.Make().String()
	retention := start.Add(e.policy.windowFor(typ, trig))

	rec, err := e.catalog.Create(ctx, id, typ, trig, start, retention)
	if err != nil {
		return nil, fmt.Errorf("create backup record: %w", err)
	}

	e.logger.Info("backup started", "id", id, "type", typ, "triggered_by", trig)

	var since *time.Time
	if typ == model.BackupTypeIncremental {
		prev, err := e.catalog.LatestCompleted(ctx)
		if err != nil {
			return nil, e.fail(ctx, rec, fmt.Errorf("find incremental watermark: %w", err))
		}
		t := time.Unix(0, 0).UTC()
		if prev != nil {
			t = prev.StartTime
		}
		since = &t
	}

	payload, stats, err := e.capture(ctx, typ, start, since)
	if err != nil {
		return nil, e.fail(ctx, rec, err)
	}

	blob, err := e.codec.Encode(payload)
	if err != nil {
		return nil, e.fail(ctx, rec, fmt.Errorf("encode archive: %w", err))
	}
	checksum := integrity.Checksum(blob)

	location, err := e.gateway.Put(ctx, objectstore.KeyFor(start, id), blob)
	if err != nil {
		return nil, e.fail(ctx, rec, err)
	}

	end := e.now().UTC()
	if err := e.catalog.MarkCompleted(ctx, id, end, end.Sub(start).Milliseconds(), int64(len(blob)), stats, location, checksum); err != nil {
		return nil, e.fail(ctx, rec, fmt.Errorf("finalize backup record: %w", err))
	}

	e.logger.Info("backup completed", "id", id, "type", typ,
		"size_bytes", len(blob), "collections", len(stats), "duration", end.Sub(start))

	return e.catalog.GetByID(ctx, id)
}

// fail finalizes the record as failed and re-raises the cause. The record is
// never left in_progress on a handled failure path.
func (e *Engine) fail(ctx context.Context, rec *model.BackupRecord, cause error) error {
	end := e.now().UTC()
	if err := e.catalog.MarkFailed(ctx, rec.ID, end, end.Sub(rec.StartTime).Milliseconds(), cause.Error()); err != nil {
		e.logger.Error("mark backup failed", "id", rec.ID, "error", err)
	}
	e.logger.Error("backup failed", "id", rec.ID, "type", rec.Type, "error", cause)
	return cause
}

// capture reads the collection set into an archive payload. Collections with
// no matching documents are absent from the payload, not recorded with zero
// counts.
func (e *Engine) capture(ctx context.Context, typ model.BackupType, start time.Time, since *time.Time) (*archive.Payload, []model.CollectionStat, error) {
	names, err := e.store.ListCollections(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list collections: %w", err)
	}

	payload := &archive.Payload{
		Meta: archive.Envelope{
			Version:     Version,
			Environment: e.environment,
			Type:        string(typ),
			CreatedAt:   start,
			Since:       since,
		},
	}
	var stats []model.CollectionStat

	for _, name := range names {
		var watermark time.Time
		if since != nil {
			watermark = *since
		}
		docs, err := e.store.ReadAll(ctx, name, watermark)
		if err != nil {
			return nil, nil, fmt.Errorf("read collection %s: %w", name, err)
		}
		if len(docs) == 0 {
			continue
		}

		var size int64
		for _, d := range docs {
			size += int64(len(d.Body))
		}
		payload.Collections = append(payload.Collections, archive.CollectionPayload{
			Name:      name,
			Documents: docs,
		})
		stats = append(stats, model.CollectionStat{
			Name:          name,
			DocumentCount: len(docs),
			SizeBytes:     size,
		})
		payload.Meta.DocumentCount += len(docs)
	}

	return payload, stats, nil
}

// RestoreFromBackup downloads, integrity-checks, decodes, and reinserts a
// backup's collections. The integrity gate is a hard stop before any
// mutation. A failure during the insert phase can leave a collection
// partially restored; the returned error says so rather than hiding it.
func (e *Engine) RestoreFromBackup(ctx context.Context, backupID string, opts model.RestoreOptions) (*model.RestoreResult, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	rec, err := e.catalog.GetByID(ctx, backupID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, backupID)
	}
	if rec.Status != model.BackupStatusCompleted {
		return nil, fmt.Errorf("backup %s is not restorable: status %s", backupID, rec.Status)
	}

	blob, err := e.gateway.Get(ctx, rec.StorageLocation)
	if err != nil {
		return nil, err
	}

	if !integrity.Verify(blob, rec.Checksum) {
		return nil, fmt.Errorf("%w: backup %s checksum does not match stored digest", ErrIntegrityMismatch, backupID)
	}

	payload, err := e.codec.Decode(blob)
	if err != nil {
		return nil, fmt.Errorf("decode archive: %w", err)
	}

	var allowed map[string]bool
	if len(opts.Collections) > 0 {
		allowed = make(map[string]bool, len(opts.Collections))
		for _, name := range opts.Collections {
			allowed[name] = true
		}
	}

	result := &model.RestoreResult{BackupID: backupID, DryRun: opts.DryRun}
	for _, cp := range payload.Collections {
		if allowed != nil && !allowed[cp.Name] {
			continue
		}

		if !opts.DryRun {
			if opts.ClearExisting {
				if err := e.store.Clear(ctx, cp.Name); err != nil {
					return result, fmt.Errorf("restore partially applied, clear %s: %w", cp.Name, err)
				}
			}
			if err := e.store.Insert(ctx, cp.Name, cp.Documents); err != nil {
				return result, fmt.Errorf("restore partially applied, insert into %s: %w", cp.Name, err)
			}
		}

		result.Collections = append(result.Collections, model.RestoredCollection{
			Name:          cp.Name,
			DocumentCount: len(cp.Documents),
		})
		result.Documents += len(cp.Documents)
	}

	if opts.DryRun {
		e.logger.Info("restore dry run", "id", backupID, "collections", len(result.Collections))
	} else {
		e.logger.Info("restore completed", "id", backupID,
			"collections", len(result.Collections), "documents", result.Documents)
	}

	return result, nil
}

// VerifyBackup recomputes the stored blob's digest and records the outcome.
// A failed verification is a recorded fact, not an error.
func (e *Engine) VerifyBackup(ctx context.Context, backupID string) (*model.VerifyResult, error) {
	rec, err := e.catalog.GetByID(ctx, backupID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, backupID)
	}

	blob, err := e.gateway.Get(ctx, rec.StorageLocation)
	if err != nil {
		return nil, err
	}

	verified := integrity.Verify(blob, rec.Checksum)
	at := e.now().UTC()
	if err := e.catalog.MarkVerified(ctx, backupID, verified, at); err != nil {
		return nil, err
	}

	if !verified {
		e.logger.Warn("backup verification failed", "id", backupID)
	}

	return &model.VerifyResult{
		BackupID:   backupID,
		Verified:   verified,
		Checksum:   integrity.Checksum(blob),
		VerifiedAt: at,
	}, nil
}

// DeleteBackup removes a backup's blob first, then its catalog row. If the
// blob delete fails the row stays so the backup remains visible.
func (e *Engine) DeleteBackup(ctx context.Context, backupID string) error {
	rec, err := e.catalog.GetByID(ctx, backupID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, backupID)
	}

	if rec.StorageLocation != "" {
		if err := e.gateway.Delete(ctx, rec.StorageLocation); err != nil {
			return err
		}
	}
	return e.catalog.Delete(ctx, backupID)
}
