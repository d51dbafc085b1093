package datastore

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/buildpulse/crmsync/internal/datastore/entities"
	"github.com/buildpulse/crmsync/internal/errors"
)

// ErrTransitionRejected is returned when a job is not in any of the expected states
var ErrTransitionRejected = errors.NewStd("job state transition rejected")

// JobStore persists migration job history.
// Status transitions use atomic conditional updates so two processes sharing
// the database cannot both claim a job.
type JobStore struct {
	db *gorm.DB
}

// NewJobStore creates a job store on db
func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db}
}

// Migrate creates or updates the job history table
func (s *JobStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&entities.MigrationJob{}); err != nil {
		return errors.New(err).
			Category(errors.CategoryDatabase).
			Context("operation", "migrate_job_history").
			Build()
	}
	return nil
}

// Save inserts or fully updates a job row
func (s *JobStore) Save(ctx context.Context, job *entities.MigrationJob) error {
	if err := s.db.WithContext(ctx).Save(job).Error; err != nil {
		return errors.New(err).
			Category(errors.CategoryDatabase).
			Context("operation", "save_job").
			Context("object_type", job.ObjectType).
			Build()
	}
	return nil
}

// Get returns the job with the given id
func (s *JobStore) Get(ctx context.Context, id string) (*entities.MigrationJob, error) {
	var job entities.MigrationJob
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.NotFound("migration job %s not found", id)
	}
	if err != nil {
		return nil, errors.New(err).Category(errors.CategoryDatabase).Build()
	}
	return &job, nil
}

// Latest returns the most recently started job of objectType
func (s *JobStore) Latest(ctx context.Context, objectType string) (*entities.MigrationJob, error) {
	var job entities.MigrationJob
	err := s.db.WithContext(ctx).
		Where("object_type = ?", objectType).
		Order("start_time DESC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.NotFound("no migration job recorded for %s", objectType)
	}
	if err != nil {
		return nil, errors.New(err).Category(errors.CategoryDatabase).Build()
	}
	return &job, nil
}

// History returns up to limit jobs of objectType, newest first. An empty objectType lists all types.
func (s *JobStore) History(ctx context.Context, objectType string, limit int) ([]entities.MigrationJob, error) {
	q := s.db.WithContext(ctx).Order("start_time DESC")
	if objectType != "" {
		q = q.Where("object_type = ?", objectType)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var jobs []entities.MigrationJob
	if err := q.Find(&jobs).Error; err != nil {
		return nil, errors.New(err).Category(errors.CategoryDatabase).Build()
	}
	return jobs, nil
}

// ListByStatus returns all jobs currently in status
func (s *JobStore) ListByStatus(ctx context.Context, status entities.JobStatus) ([]entities.MigrationJob, error) {
	var jobs []entities.MigrationJob
	if err := s.db.WithContext(ctx).Where("status = ?", status).Find(&jobs).Error; err != nil {
		return nil, errors.New(err).Category(errors.CategoryDatabase).Build()
	}
	return jobs, nil
}

// Transition atomically moves a job from one of the from states to to
func (s *JobStore) Transition(ctx context.Context, id string, from []entities.JobStatus, to entities.JobStatus) error {
	updates := map[string]any{"status": to}
	if to.IsTerminal() {
		updates["end_time"] = time.Now()
	}

	result := s.db.WithContext(ctx).
		Model(&entities.MigrationJob{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return errors.New(result.Error).
			Category(errors.CategoryDatabase).
			Context("operation", "transition_job").
			Build()
	}
	if result.RowsAffected == 0 {
		return errors.New(ErrTransitionRejected).
			Category(errors.CategoryState).
			Context("job_id", id).
			Context("to", string(to)).
			Build()
	}
	return nil
}
