package datastore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildpulse/crmsync/internal/datastore/entities"
	"github.com/buildpulse/crmsync/internal/errors"
)

func newTestJobStore(t *testing.T) *JobStore {
	t.Helper()
	s := NewJobStore(newTestDB(t))
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestJobStoreSaveAndLatest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestJobStore(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	older := &entities.MigrationJob{ID: "job-1", ObjectType: "deal", Status: entities.JobStatusCompleted, BatchSize: 50, StartTime: base}
	newer := &entities.MigrationJob{
		ID: "job-2", ObjectType: "deal", Status: entities.JobStatusPaused, BatchSize: 50,
		TotalRecords: 237, TotalBatches: 5, CurrentBatch: 3, StartTime: base.Add(time.Hour),
		RecentErrors: []entities.JobError{{BatchIndex: 2, RecordID: "d-9", Field: "name", Reason: "missing required field"}},
	}
	other := &entities.MigrationJob{ID: "job-3", ObjectType: "site", Status: entities.JobStatusRunning, BatchSize: 50, StartTime: base.Add(2 * time.Hour)}
	for _, job := range []*entities.MigrationJob{older, newer, other} {
		require.NoError(t, s.Save(ctx, job))
	}

	latest, err := s.Latest(ctx, "deal")
	require.NoError(t, err)
	assert.Equal(t, "job-2", latest.ID)
	assert.Equal(t, 3, latest.CurrentBatch)
	require.Len(t, latest.RecentErrors, 1)
	assert.Equal(t, "d-9", latest.RecentErrors[0].RecordID)
	assert.InDelta(t, 60.0, latest.Progress(), 1e-9)

	history, err := s.History(ctx, "deal", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "job-2", history[0].ID)

	all, err := s.History(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	running, err := s.ListByStatus(ctx, entities.JobStatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "site", running[0].ObjectType)

	_, err = s.Latest(ctx, "ticket")
	assert.True(t, errors.IsNotFound(err))

	_, err = s.Get(ctx, "job-404")
	assert.True(t, errors.IsNotFound(err))
}

func TestJobStoreTransition(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestJobStore(t)
	require.NoError(t, s.Save(ctx, &entities.MigrationJob{
		ID: "job-1", ObjectType: "deal", Status: entities.JobStatusRunning, BatchSize: 50, StartTime: time.Now(),
	}))

	running := []entities.JobStatus{entities.JobStatusRunning}
	require.NoError(t, s.Transition(ctx, "job-1", running, entities.JobStatusPaused))

	err := s.Transition(ctx, "job-1", running, entities.JobStatusPaused)
	require.ErrorIs(t, err, ErrTransitionRejected)
	assert.True(t, errors.IsCategory(err, errors.CategoryState))

	require.NoError(t, s.Transition(ctx, "job-1", []entities.JobStatus{entities.JobStatusPaused}, entities.JobStatusFailed))
	job, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, entities.JobStatusFailed, job.Status)
	assert.NotNil(t, job.EndTime)
}
