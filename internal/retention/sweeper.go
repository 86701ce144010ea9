// Package retention deletes expired backups from object storage and the
// catalog. The blob always goes before the row; a record whose blob delete
// fails stays in the catalog and is retried on the next sweep.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.uber.org/multierr"

	"github.com/fernwick/moneta/internal/catalog"
	"github.com/fernwick/moneta/internal/engine"
)

// SweepError reports that one or more deletions failed while the sweep
// continued. Failed items stay in the catalog and are retried on the next
// sweep.
type SweepError struct {
	Failed int
	err    error
}

func (e *SweepError) Error() string {
	return fmt.Sprintf("retention sweep: %d deletion(s) failed: %v", e.Failed, e.err)
}

func (e *SweepError) Unwrap() error { return e.err }

// Sweeper scans for completed records past their retention date and removes
// them.
type Sweeper struct {
	catalog *catalog.Catalog
	gateway engine.ObjectStore
	logger  *slog.Logger
	now     func() time.Time
}

func NewSweeper(cat *catalog.Catalog, gateway engine.ObjectStore, logger *slog.Logger) *Sweeper {
	return &Sweeper{catalog: cat, gateway: gateway, logger: logger, now: time.Now}
}

// CleanupExpired deletes every eligible backup and returns how many were
// fully removed. A per-item failure never aborts the rest of the sweep; the
// accumulated failures come back as a *SweepError alongside the count.
func (s *Sweeper) CleanupExpired(ctx context.Context) (int, error) {
	expired, err := s.catalog.FindExpired(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("find expired backups: %w", err)
	}

	var errs error
	deleted := 0
	for _, rec := range expired {
		if rec.StorageLocation != "" {
			if err := s.gateway.Delete(ctx, rec.StorageLocation); err != nil {
				s.logger.Warn("retention sweep: blob delete failed, will retry next sweep",
					"id", rec.ID, "location", rec.StorageLocation, "error", err)
				errs = multierr.Append(errs, fmt.Errorf("backup %s: %w", rec.ID, err))
				continue
			}
		}
		if err := s.catalog.Delete(ctx, rec.ID); err != nil {
			s.logger.Warn("retention sweep: catalog delete failed", "id", rec.ID, "error", err)
			errs = multierr.Append(errs, fmt.Errorf("backup %s: %w", rec.ID, err))
			continue
		}
		deleted++
		s.logger.Info("retention sweep: backup deleted", "id", rec.ID, "retention_date", rec.RetentionDate)
	}

	if errs != nil {
		return deleted, &SweepError{Failed: len(multierr.Errors(errs)), err: errs}
	}
	return deleted, nil
}
