package model

import "time"

type BackupStatus string

const (
	BackupStatusInProgress BackupStatus = "in_progress"
	BackupStatusCompleted  BackupStatus = "completed"
	BackupStatusFailed     BackupStatus = "failed"
)

type BackupType string

const (
	BackupTypeFull        BackupType = "full"
	BackupTypeIncremental BackupType = "incremental"
)

type TriggerSource string

const (
	TriggerSchedule TriggerSource = "schedule"
	TriggerManual   TriggerSource = "manual"
)

// CollectionStat summarizes one captured collection inside a backup.
type CollectionStat struct {
	Name          string `json:"name"`
	DocumentCount int    `json:"document_count"`
	SizeBytes     int64  `json:"size_bytes"`
}

// BackupRecord is one row per backup attempt. Rows are append-mostly: a record
// is mutated only by the run that created it until it reaches a terminal
// status, then only by verification passes and retention cleanup.
type BackupRecord struct {
	ID              string           `json:"id"`
	Type            BackupType       `json:"type"`
	Status          BackupStatus     `json:"status"`
	TriggeredBy     TriggerSource    `json:"triggered_by"`
	StartTime       time.Time        `json:"start_time"`
	EndTime         *time.Time       `json:"end_time,omitempty"`
	DurationMS      int64            `json:"duration_ms"`
	SizeBytes       int64            `json:"size_bytes"`
	Collections     []CollectionStat `json:"collections,omitempty"`
	StorageLocation string           `json:"storage_location,omitempty"`
	Checksum        string           `json:"checksum,omitempty"`
	Verified        bool             `json:"verified"`
	VerifiedAt      *time.Time       `json:"verified_at,omitempty"`
	RetentionDate   time.Time        `json:"retention_date"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Terminal reports whether the record has reached a final status.
func (r *BackupRecord) Terminal() bool {
	return r.Status == BackupStatusCompleted || r.Status == BackupStatusFailed
}

// RestoreOptions controls a restore run. An empty Collections list means every
// collection present in the archive.
type RestoreOptions struct {
	Collections   []string `json:"collections,omitempty"`
	ClearExisting bool     `json:"clear_existing"`
	DryRun        bool     `json:"dry_run"`
}

// RestoredCollection reports one collection touched (or, for a dry run, one
// that would be touched) by a restore.
type RestoredCollection struct {
	Name          string `json:"name"`
	DocumentCount int    `json:"document_count"`
}

type RestoreResult struct {
	BackupID    string               `json:"backup_id"`
	DryRun      bool                 `json:"dry_run"`
	Collections []RestoredCollection `json:"collections"`
	Documents   int                  `json:"documents"`
}

type VerifyResult struct {
	BackupID   string    `json:"backup_id"`
	Verified   bool      `json:"verified"`
	Checksum   string    `json:"checksum"`
	VerifiedAt time.Time `json:"verified_at"`
}
