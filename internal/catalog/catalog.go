// Package catalog persists BackupRecord rows. Query composition only; no
// backup business logic lives here.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fernwick/moneta/internal/model"
)

type Catalog struct {
	db *sql.DB
}

func New(db *sql.DB) *Catalog {
	return &Catalog{db: db}
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status model.BackupStatus
	Type   model.BackupType
}

const recordColumns = `id, type, status, triggered_by, start_time, end_time, duration_ms,
	size_bytes, collections, storage_location, checksum, verified, verified_at,
	retention_date, error_message, created_at, updated_at`

// Create inserts a new in_progress record.
func (c *Catalog) Create(ctx context.Context, id string, typ model.BackupType, trig model.TriggerSource, startTime, retentionDate time.Time) (*model.BackupRecord, error) {
	now := time.Now().UTC()
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO backup_records (id, type, status, triggered_by, start_time, retention_date, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, typ, model.BackupStatusInProgress, trig, startTime, retentionDate, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create backup record: %w", err)
	}
	return &model.BackupRecord{
		ID:            id,
		Type:          typ,
		Status:        model.BackupStatusInProgress,
		TriggeredBy:   trig,
		StartTime:     startTime,
		RetentionDate: retentionDate,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func (c *Catalog) GetByID(ctx context.Context, id string) (*model.BackupRecord, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM backup_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get backup record %s: %w", id, err)
	}
	return rec, nil
}

// List returns records matching the filter, newest first.
func (c *Catalog) List(ctx context.Context, f Filter, limit, offset int) ([]model.BackupRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM backup_records WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	query += ` ORDER BY start_time DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list backup records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// LatestCompleted returns the most recent completed record of any type, or
// nil when none exists. Its StartTime is the incremental watermark.
func (c *Catalog) LatestCompleted(ctx context.Context) (*model.BackupRecord, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM backup_records
		 WHERE status = ? ORDER BY start_time DESC LIMIT 1`,
		model.BackupStatusCompleted)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest completed record: %w", err)
	}
	return rec, nil
}

// FindExpired returns completed records whose retention date has passed.
func (c *Catalog) FindExpired(ctx context.Context, now time.Time) ([]model.BackupRecord, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM backup_records
		 WHERE status = ? AND retention_date < ? ORDER BY retention_date`,
		model.BackupStatusCompleted, now)
	if err != nil {
		return nil, fmt.Errorf("find expired records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// FindUnverified returns up to limit completed records that have not passed a
// verification since the given time, oldest verification gap first.
func (c *Catalog) FindUnverified(ctx context.Context, since time.Time, limit int) ([]model.BackupRecord, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM backup_records
		 WHERE status = ? AND (verified_at IS NULL OR verified_at < ? OR verified = 0)
		 ORDER BY start_time DESC LIMIT ?`,
		model.BackupStatusCompleted, since, limit)
	if err != nil {
		return nil, fmt.Errorf("find unverified records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// MarkCompleted finalizes a successful run.
func (c *Catalog) MarkCompleted(ctx context.Context, id string, endTime time.Time, durationMS, sizeBytes int64, collections []model.CollectionStat, location, checksum string) error {
	collJSON, err := json.Marshal(collections)
	if err != nil {
		return fmt.Errorf("marshal collection stats: %w", err)
	}
	now := time.Now().UTC()
	_, err = c.db.ExecContext(ctx,
		`UPDATE backup_records
		 SET status = ?, end_time = ?, duration_ms = ?, size_bytes = ?, collections = ?,
		     storage_location = ?, checksum = ?, updated_at = ?
		 WHERE id = ?`,
		model.BackupStatusCompleted, endTime, durationMS, sizeBytes, string(collJSON), location, checksum, now, id,
	)
	if err != nil {
		return fmt.Errorf("mark backup %s completed: %w", id, err)
	}
	return nil
}

// MarkFailed finalizes a failed run with its error message.
func (c *Catalog) MarkFailed(ctx context.Context, id string, endTime time.Time, durationMS int64, errorMsg string) error {
	now := time.Now().UTC()
	_, err := c.db.ExecContext(ctx,
		`UPDATE backup_records
		 SET status = ?, end_time = ?, duration_ms = ?, error_message = ?, updated_at = ?
		 WHERE id = ?`,
		model.BackupStatusFailed, endTime, durationMS, errorMsg, now, id,
	)
	if err != nil {
		return fmt.Errorf("mark backup %s failed: %w", id, err)
	}
	return nil
}

// MarkVerified records the outcome of an integrity check, pass or fail.
func (c *Catalog) MarkVerified(ctx context.Context, id string, verified bool, at time.Time) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE backup_records SET verified = ?, verified_at = ?, updated_at = ? WHERE id = ?`,
		verified, at, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark backup %s verified: %w", id, err)
	}
	return nil
}

func (c *Catalog) Delete(ctx context.Context, id string) error {
	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM backup_records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete backup record %s: %w", id, err)
	}
	return nil
}

func (c *Catalog) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM backup_records`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count backup records: %w", err)
	}
	return count, nil
}

// TotalSize returns the stored bytes across completed backups.
func (c *Catalog) TotalSize(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := c.db.QueryRowContext(ctx,
		`SELECT SUM(size_bytes) FROM backup_records WHERE status = ?`,
		model.BackupStatusCompleted).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total backup size: %w", err)
	}
	return total.Int64, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*model.BackupRecord, error) {
	var rec model.BackupRecord
	var endTime, verifiedAt sql.NullTime
	var collections, errorMsg sql.NullString
	err := row.Scan(
		&rec.ID, &rec.Type, &rec.Status, &rec.TriggeredBy, &rec.StartTime, &endTime,
		&rec.DurationMS, &rec.SizeBytes, &collections, &rec.StorageLocation, &rec.Checksum,
		&rec.Verified, &verifiedAt, &rec.RetentionDate, &errorMsg, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if endTime.Valid {
		rec.EndTime = &endTime.Time
	}
	if verifiedAt.Valid {
		rec.VerifiedAt = &verifiedAt.Time
	}
	rec.ErrorMessage = errorMsg.String
	if collections.Valid && collections.String != "" {
		if err := json.Unmarshal([]byte(collections.String), &rec.Collections); err != nil {
			return nil, fmt.Errorf("unmarshal collection stats: %w", err)
		}
	}
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]model.BackupRecord, error) {
	var records []model.BackupRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}
