package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/buildpulse/crmsync/internal/datastore"
	"github.com/buildpulse/crmsync/internal/datastore/entities"
	"github.com/buildpulse/crmsync/internal/errors"
	"github.com/buildpulse/crmsync/internal/logger"
	"github.com/buildpulse/crmsync/internal/mapper"
	"github.com/buildpulse/crmsync/internal/progress"
	"github.com/buildpulse/crmsync/internal/schema"
)

const shutdownReason = "interrupted by shutdown"

// loop processes batches of job until it completes, fails or pauses.
// It runs on its own goroutine and is the only writer of job.
func (o *Orchestrator) loop(r *run, job *entities.MigrationJob, dryRun bool) {
	ctx := o.ctx
	objectType := job.ObjectType
	log := o.log.With(logger.ObjectType(objectType), logger.String("job_id", job.ID))

	sc, err := o.registry.Get(objectType)
	if err != nil {
		o.finish(job, dryRun, entities.JobStatusFailed, err.Error(), log)
		return
	}

	for {
		o.mu.Lock()
		batchIndex, totalBatches := job.CurrentBatch, job.TotalBatches
		o.mu.Unlock()
		if batchIndex >= totalBatches {
			break
		}

		select {
		case <-r.control:
			o.finish(job, dryRun, entities.JobStatusPaused, "", log)
			return
		case <-ctx.Done():
			o.finish(job, dryRun, entities.JobStatusPaused, shutdownReason, log)
			return
		default:
		}

		outcome, err := o.processBatch(ctx, sc, job, batchIndex, dryRun)
		if err != nil {
			if ctx.Err() != nil {
				o.finish(job, dryRun, entities.JobStatusPaused, shutdownReason, log)
				return
			}
			log.Error("source fetch failed", logger.Int("batch_index", batchIndex), logger.Error(err))
			o.finish(job, dryRun, entities.JobStatusFailed, err.Error(), log)
			return
		}

		res, writeErr := &outcome.result, outcome.writeErr
		rate := o.applyBatch(job, res, writeErr, dryRun)

		log.Debug("batch processed",
			logger.Int("batch_index", batchIndex),
			logger.Int("processed", res.ProcessedCount),
			logger.Int("succeeded", res.SuccessCount),
			logger.Int("failed", res.FailureCount),
			logger.Duration("duration", res.Duration))

		if writeErr != nil {
			log.Error("batch write failed", logger.Int("batch_index", batchIndex), logger.Error(writeErr))
			if o.settings.StopOnWriteError {
				o.finish(job, dryRun, entities.JobStatusFailed, writeErr.Error(), log)
				return
			}
		}

		if threshold := o.settings.ThresholdFor(objectType); rate > threshold {
			reason := fmt.Sprintf("%s: failure ratio %.2f exceeds %.2f", ErrThresholdExceeded, rate, threshold)
			log.Warn("failure threshold exceeded, pausing job",
				logger.Int("batch_index", batchIndex),
				logger.Float64("failure_ratio", rate),
				logger.Float64("threshold", threshold))
			o.finish(job, dryRun, entities.JobStatusPaused, reason, log)
			return
		}

		if paused, reason := o.waitBetweenBatches(ctx, r); paused {
			o.finish(job, dryRun, entities.JobStatusPaused, reason, log)
			return
		}
	}

	o.mu.Lock()
	status := entities.JobStatusCompleted
	if job.FailureCount > 0 {
		status = entities.JobStatusCompletedWithErrors
	}
	skipValidation := job.SkipValidation
	o.mu.Unlock()

	o.finish(job, dryRun, status, "", log)

	if !dryRun && !skipValidation && o.settings.ValidateOnSuccess && o.validator != nil {
		report, err := o.Validate(ctx, objectType)
		if err != nil {
			log.Warn("post-migration validation failed", logger.Error(err))
			return
		}
		log.Info("post-migration validation finished", logger.String("status", string(report.Status)))
	}
}

// waitBetweenBatches sleeps for the configured delay while honouring pause and shutdown
func (o *Orchestrator) waitBetweenBatches(ctx context.Context, r *run) (paused bool, reason string) {
	if o.settings.BatchDelay <= 0 {
		return false, ""
	}
	timer := time.NewTimer(o.settings.BatchDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return false, ""
	case <-r.control:
		return true, ""
	case <-ctx.Done():
		return true, shutdownReason
	}
}

// batchOutcome is a processed batch. A failed write is already folded into result.
type batchOutcome struct {
	result   progress.BatchResult
	writeErr error
}

// processBatch fetches, maps and writes one batch. The returned error is a fetch
// failure or an interruption.
func (o *Orchestrator) processBatch(ctx context.Context, sc *schema.Schema, job *entities.MigrationJob, batchIndex int, dryRun bool) (batchOutcome, error) {
	start := o.now()
	objectType := sc.ObjectType
	res := progress.BatchResult{BatchIndex: batchIndex}

	records, err := o.source.FetchPage(ctx, objectType, batchIndex*job.BatchSize, job.BatchSize)
	if o.metrics != nil {
		o.metrics.RecordSourceFetch(objectType, err)
	}
	if err != nil {
		return batchOutcome{result: res}, err
	}

	res.ProcessedCount = len(records)
	stmts := make([]datastore.Statement, 0, len(records))
	for _, record := range records {
		stmt, err := o.mapRecord(objectType, record)
		if err != nil {
			res.FailureCount++
			res.Errors = append(res.Errors, o.recordError(batchIndex, record, err))
			continue
		}
		stmts = append(stmts, stmt)
	}
	res.SuccessCount = len(stmts)

	var writeErr error
	if !dryRun && len(stmts) > 0 {
		writeStart := o.now()
		err := o.target.ExecuteBatch(ctx, stmts)
		if o.metrics != nil {
			o.metrics.RecordBatchWrite(objectType, err, o.now().Sub(writeStart))
		}
		if err != nil {
			if ctx.Err() != nil {
				return batchOutcome{result: res}, ctx.Err()
			}
			writeErr = &BatchWriteError{ObjectType: objectType, BatchIndex: batchIndex, Records: len(stmts), Err: err}
			res.FailureCount += res.SuccessCount
			res.SuccessCount = 0
			res.Errors = append(res.Errors, entities.JobError{
				BatchIndex: batchIndex,
				Reason:     writeErr.Error(),
				At:         o.now(),
			})
		}
	}

	res.Duration = o.now().Sub(start)
	return batchOutcome{result: res, writeErr: writeErr}, nil
}

func (o *Orchestrator) mapRecord(objectType string, record map[string]any) (datastore.Statement, error) {
	result, err := o.mapper.Map(objectType, record, schema.External, schema.Storage)
	if err != nil {
		return datastore.Statement{}, err
	}
	return o.mapper.Statement(objectType, result)
}

func (o *Orchestrator) recordError(batchIndex int, record map[string]any, err error) entities.JobError {
	je := entities.JobError{
		BatchIndex: batchIndex,
		Reason:     err.Error(),
		At:         o.now(),
	}
	var mappingErr *mapper.RecordMappingError
	if errors.As(err, &mappingErr) {
		je.RecordID = mappingErr.RecordID
		je.Field = mappingErr.Field
		je.Reason = mappingErr.Reason
	}
	if payload, err := json.Marshal(record); err == nil {
		je.Payload = string(payload)
	}
	return je
}

// applyBatch folds a batch result into the job and tracker, persists it and
// returns the job's failure ratio
func (o *Orchestrator) applyBatch(job *entities.MigrationJob, res *progress.BatchResult, writeErr error, dryRun bool) float64 {
	o.mu.Lock()
	job.CurrentBatch = res.BatchIndex + 1
	job.ProcessedRecords += int64(res.ProcessedCount)
	job.SuccessCount += int64(res.SuccessCount)
	job.FailureCount += int64(res.FailureCount)
	job.RecentErrors = append(job.RecentErrors, res.Errors...)
	if n := len(job.RecentErrors) - o.settings.MaxRecentErrors; n > 0 {
		job.RecentErrors = append([]entities.JobError(nil), job.RecentErrors[n:]...)
	}
	if writeErr != nil {
		job.LastError = writeErr.Error()
	}
	rate := job.FailureRate()
	snapshot := cloneJob(job)
	o.mu.Unlock()

	o.tracker.UpdateBatch(job.ObjectType, *res)
	o.persist(snapshot, dryRun)
	return rate
}

// finish moves the job to status, persists it and updates the tracker
func (o *Orchestrator) finish(job *entities.MigrationJob, dryRun bool, status entities.JobStatus, reason string, log logger.Logger) {
	o.mu.Lock()
	job.Status = status
	if reason != "" {
		job.LastError = reason
	}
	if status.IsTerminal() {
		end := o.now()
		job.EndTime = &end
	}
	snapshot := cloneJob(job)
	o.mu.Unlock()

	o.tracker.SetStatus(job.ObjectType, status)
	o.persist(snapshot, dryRun)

	fields := []logger.Field{
		logger.String("status", string(status)),
		logger.Int("current_batch", snapshot.CurrentBatch),
		logger.Int("total_batches", snapshot.TotalBatches),
		logger.Int64("succeeded", snapshot.SuccessCount),
		logger.Int64("failed", snapshot.FailureCount),
	}
	if reason != "" {
		fields = append(fields, logger.String("reason", reason))
	}
	switch status {
	case entities.JobStatusFailed:
		log.Error("migration failed", fields...)
	case entities.JobStatusPaused:
		log.Info("migration paused", fields...)
	default:
		log.Info("migration finished", fields...)
	}
}

// persist saves a job copy. Dry runs are never persisted.
func (o *Orchestrator) persist(job *entities.MigrationJob, dryRun bool) {
	if dryRun {
		return
	}
	if err := o.jobs.Save(context.WithoutCancel(o.ctx), job); err != nil {
		o.log.Error("failed to persist migration job",
			logger.ObjectType(job.ObjectType),
			logger.String("job_id", job.ID),
			logger.Error(err))
	}
}
