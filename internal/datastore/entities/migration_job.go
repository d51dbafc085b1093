package entities

import "time"

// JobStatus is the lifecycle state of a migration job
type JobStatus string

const (
	JobStatusNotStarted          JobStatus = "not_started"
	JobStatusRunning             JobStatus = "running"
	JobStatusPaused              JobStatus = "paused"
	JobStatusCompleted           JobStatus = "completed"
	JobStatusCompletedWithErrors JobStatus = "completed_with_errors"
	JobStatusFailed              JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusCompletedWithErrors, JobStatusFailed:
		return true
	default:
		return false
	}
}

// JobError is one recorded record or batch failure
type JobError struct {
	BatchIndex int       `json:"batchIndex"`
	RecordID   string    `json:"recordId,omitempty"`
	Field      string    `json:"field,omitempty"`
	Reason     string    `json:"reason"`
	Payload    string    `json:"payload,omitempty"` // verbatim source record
	At         time.Time `json:"at"`
}

// MigrationJob is the persisted history row of one migration run of an object type.
type MigrationJob struct {
	ID               string     `gorm:"primaryKey;type:varchar(36)"`
	ObjectType       string     `gorm:"type:varchar(32);not null;index:idx_migration_jobs_type_start,priority:1"`
	Status           JobStatus  `gorm:"type:varchar(32);not null;index"`
	BatchSize        int        `gorm:"not null"`
	TotalRecords     int64      `gorm:"default:0"`
	TotalBatches     int        `gorm:"default:0"`
	CurrentBatch     int        `gorm:"default:0"` // next batch to process
	ProcessedRecords int64      `gorm:"default:0"`
	SuccessCount     int64      `gorm:"default:0"`
	FailureCount     int64      `gorm:"default:0"`
	SkipValidation   bool       `gorm:"default:false"`
	SchemaVersion    string     `gorm:"type:varchar(64)"`
	LastError        string     `gorm:"type:text"`
	RecentErrors     []JobError `gorm:"serializer:json;type:text"`
	StartTime        time.Time  `gorm:"index:idx_migration_jobs_type_start,priority:2"`
	EndTime          *time.Time
	UpdatedAt        time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for GORM.
func (MigrationJob) TableName() string {
	return "migration_jobs"
}

// Progress returns the share of batches done as a percentage (0-100).
func (j *MigrationJob) Progress() float64 {
	if j.TotalBatches == 0 {
		if j.Status.IsTerminal() {
			return 100
		}
		return 0
	}
	return float64(j.CurrentBatch) / float64(j.TotalBatches) * 100
}

// FailureRate returns failures over processed records
func (j *MigrationJob) FailureRate() float64 {
	if j.ProcessedRecords == 0 {
		return 0
	}
	return float64(j.FailureCount) / float64(j.ProcessedRecords)
}

// CanPause returns true if the job can be paused.
func (j *MigrationJob) CanPause() bool {
	return j.Status == JobStatusRunning
}

// CanResume returns true if the job can be resumed.
func (j *MigrationJob) CanResume() bool {
	return j.Status == JobStatusPaused
}
