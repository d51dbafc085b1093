// Package migration runs resumable batch migrations of CRM object types into the
// target store. Each object type has at most one batch loop; loops of different
// types run independently and batches of one type run strictly in index order.
package migration

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/buildpulse/crmsync/internal/conf"
	"github.com/buildpulse/crmsync/internal/consistency"
	"github.com/buildpulse/crmsync/internal/datastore"
	"github.com/buildpulse/crmsync/internal/datastore/entities"
	"github.com/buildpulse/crmsync/internal/errors"
	"github.com/buildpulse/crmsync/internal/logger"
	"github.com/buildpulse/crmsync/internal/mapper"
	"github.com/buildpulse/crmsync/internal/progress"
	"github.com/buildpulse/crmsync/internal/schema"
)

// MaxBatchSize is the largest batch size accepted by SetBatchSize
const MaxBatchSize = 5000

// Source is the paginated record source, ordered by a stable creation timestamp
type Source interface {
	Count(ctx context.Context, objectType string) (int64, error)
	FetchPage(ctx context.Context, objectType string, offset, limit int) ([]map[string]any, error)
}

// Target receives mapped records. *datastore.Store implements it.
type Target interface {
	ExecuteBatch(ctx context.Context, stmts []datastore.Statement) error
}

// JobRepository persists job history. *datastore.JobStore implements it.
type JobRepository interface {
	Save(ctx context.Context, job *entities.MigrationJob) error
	Latest(ctx context.Context, objectType string) (*entities.MigrationJob, error)
	History(ctx context.Context, objectType string, limit int) ([]entities.MigrationJob, error)
	ListByStatus(ctx context.Context, status entities.JobStatus) ([]entities.MigrationJob, error)
	Transition(ctx context.Context, id string, from []entities.JobStatus, to entities.JobStatus) error
}

// Validator audits migrated object types. *consistency.Validator implements it.
type Validator interface {
	Validate(ctx context.Context, objectType string) (*consistency.Report, error)
	ValidateAll(ctx context.Context, objectTypes []string) (*consistency.Summary, error)
}

// BatchRecorder receives per-call source and target metrics
type BatchRecorder interface {
	RecordSourceFetch(objectType string, err error)
	RecordBatchWrite(objectType string, err error, duration time.Duration)
}

// Config wires an Orchestrator
type Config struct {
	Registry  *schema.Registry
	Mapper    *mapper.Mapper
	Source    Source
	Target    Target
	Jobs      JobRepository
	Tracker   *progress.Tracker
	Validator Validator
	Metrics   BatchRecorder
	Settings  conf.MigrationSettings
	Log       logger.Logger
	Now       func() time.Time
}

// StartOptions tune one job
type StartOptions struct {
	StartBatch     int  `json:"startBatch"`
	SkipValidation bool `json:"skipValidation"` // skip the consistency check after completion
	DryRun         bool `json:"dryRun"`         // map without writing or persisting the job
}

// Plan acknowledges a started or resumed job
type Plan struct {
	JobID        string `json:"jobId"`
	ObjectType   string `json:"objectType"`
	TotalRecords int64  `json:"totalRecords"`
	BatchSize    int    `json:"batchSize"`
	TotalBatches int    `json:"totalBatches"`
	StartBatch   int    `json:"startBatch"`
	DryRun       bool   `json:"dryRun"`
}

// ConfigView is the effective orchestrator configuration
type ConfigView struct {
	SchemaVersion     string             `json:"schemaVersion"`
	ObjectOrder       []string           `json:"objectOrder"`
	BatchSizes        map[string]int     `json:"batchSizes"`
	FailureThreshold  float64            `json:"failureThreshold"`
	Thresholds        map[string]float64 `json:"thresholds"`
	MaxRecentErrors   int                `json:"maxRecentErrors"`
	BatchDelayMs      int64              `json:"batchDelayMs"`
	StopOnWriteError  bool               `json:"stopOnWriteError"`
	ValidateOnSuccess bool               `json:"validateOnSuccess"`
}

type controlSignal int

const signalPause controlSignal = iota

// run is one live batch loop
type run struct {
	control chan controlSignal
	done    chan struct{}
}

// tracked is a job held in memory while or after its loop runs
type tracked struct {
	job    *entities.MigrationJob
	dryRun bool
}

// Orchestrator owns migration jobs. Job state is written only by batch loops and
// read through copies.
type Orchestrator struct {
	registry  *schema.Registry
	mapper    *mapper.Mapper
	source    Source
	target    Target
	jobs      JobRepository
	tracker   *progress.Tracker
	validator Validator
	metrics   BatchRecorder
	settings  conf.MigrationSettings
	log       logger.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	latest     map[string]*tracked
	dryRuns    map[string]*tracked
	runs       map[string]*run
	batchSizes map[string]int
	allRun     *AllResult
	allActive  bool
	closed     bool

	reports *cache.Cache
}

// New creates an Orchestrator. Call Restore before serving requests to recover
// jobs interrupted by a previous process.
func New(cfg *Config) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		registry:   cfg.Registry,
		mapper:     cfg.Mapper,
		source:     cfg.Source,
		target:     cfg.Target,
		jobs:       cfg.Jobs,
		tracker:    cfg.Tracker,
		validator:  cfg.Validator,
		metrics:    cfg.Metrics,
		settings:   cfg.Settings,
		log:        cfg.Log,
		now:        cfg.Now,
		ctx:        ctx,
		cancel:     cancel,
		latest:     make(map[string]*tracked),
		dryRuns:    make(map[string]*tracked),
		runs:       make(map[string]*run),
		batchSizes: maps.Clone(cfg.Settings.BatchSizes),
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.batchSizes == nil {
		o.batchSizes = make(map[string]int)
	}
	if o.settings.FailureThreshold <= 0 {
		o.settings.FailureThreshold = 0.10
	}
	if o.settings.MaxRecentErrors <= 0 {
		o.settings.MaxRecentErrors = 100
	}

	// No janitor goroutine; expired reports are dropped on write. A zero TTL never expires.
	o.reports = cache.New(o.settings.ValidationTTL, 0)
	return o
}

// Start plans and launches a job for objectType. It returns once the plan is known;
// batches run in the background.
func (o *Orchestrator) Start(ctx context.Context, objectType string, opts StartOptions) (*Plan, error) {
	sc, err := o.registry.Get(objectType)
	if err != nil {
		return nil, err
	}

	r, err := o.reserve(objectType)
	if err != nil {
		return nil, err
	}

	plan, job, err := o.plan(ctx, sc, opts)
	if err != nil {
		o.release(objectType, r)
		return nil, err
	}

	if !opts.DryRun {
		o.supersede(ctx, objectType)
		if err := o.jobs.Save(ctx, job); err != nil {
			o.release(objectType, r)
			return nil, err
		}
	}

	o.mu.Lock()
	if opts.DryRun {
		o.dryRuns[objectType] = &tracked{job: job, dryRun: true}
	} else {
		o.latest[objectType] = &tracked{job: job}
		delete(o.dryRuns, objectType)
	}
	o.mu.Unlock()

	o.tracker.Initialize(objectType, job.TotalRecords, job.BatchSize)
	if job.CurrentBatch > 0 {
		o.tracker.Seed(objectType, job.CurrentBatch, 0, 0, 0)
	}
	o.tracker.SetStatus(objectType, entities.JobStatusRunning)

	o.log.Info("migration started",
		logger.ObjectType(objectType),
		logger.String("job_id", job.ID),
		logger.Int64("total_records", job.TotalRecords),
		logger.Int("batch_size", job.BatchSize),
		logger.Int("total_batches", job.TotalBatches),
		logger.Int("start_batch", job.CurrentBatch),
		logger.Bool("dry_run", opts.DryRun))

	o.launch(objectType, r, job, opts.DryRun)
	return plan, nil
}

func (o *Orchestrator) plan(ctx context.Context, sc *schema.Schema, opts StartOptions) (*Plan, *entities.MigrationJob, error) {
	total, err := o.source.Count(ctx, sc.ObjectType)
	if err != nil {
		return nil, nil, err
	}

	batchSize := o.batchSizeFor(sc)
	totalBatches := int((total + int64(batchSize) - 1) / int64(batchSize))
	if opts.StartBatch < 0 || (opts.StartBatch > 0 && opts.StartBatch >= totalBatches) {
		return nil, nil, validationError("start batch %d is outside 0..%d", opts.StartBatch, max(totalBatches-1, 0))
	}

	job := &entities.MigrationJob{
		ID:             uuid.NewString(),
		ObjectType:     sc.ObjectType,
		Status:         entities.JobStatusRunning,
		BatchSize:      batchSize,
		TotalRecords:   total,
		TotalBatches:   totalBatches,
		CurrentBatch:   opts.StartBatch,
		SkipValidation: opts.SkipValidation,
		SchemaVersion:  o.registry.Version(),
		StartTime:      o.now(),
	}
	return &Plan{
		JobID:        job.ID,
		ObjectType:   sc.ObjectType,
		TotalRecords: total,
		BatchSize:    batchSize,
		TotalBatches: totalBatches,
		StartBatch:   opts.StartBatch,
		DryRun:       opts.DryRun,
	}, job, nil
}

// supersede fails a paused persisted job that a fresh start replaces
func (o *Orchestrator) supersede(ctx context.Context, objectType string) {
	prev, err := o.jobs.Latest(ctx, objectType)
	if err != nil || prev.Status != entities.JobStatusPaused {
		return
	}
	err = o.jobs.Transition(ctx, prev.ID, []entities.JobStatus{entities.JobStatusPaused}, entities.JobStatusFailed)
	if err != nil {
		o.log.Warn("failed to supersede paused job",
			logger.ObjectType(objectType),
			logger.String("job_id", prev.ID),
			logger.Error(err))
		return
	}
	o.log.Info("paused job superseded by a new start",
		logger.ObjectType(objectType),
		logger.String("job_id", prev.ID))
}

// reserve claims the single loop slot of objectType
func (o *Orchestrator) reserve(objectType string) (*run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, ErrShuttingDown
	}
	if _, live := o.runs[objectType]; live {
		return nil, conflictError(objectType)
	}
	r := &run{
		control: make(chan controlSignal, 1),
		done:    make(chan struct{}),
	}
	o.runs[objectType] = r
	return r, nil
}

func (o *Orchestrator) release(objectType string, r *run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runs[objectType] == r {
		delete(o.runs, objectType)
	}
	close(r.done)
}

func (o *Orchestrator) launch(objectType string, r *run, job *entities.MigrationJob, dryRun bool) {
	o.wg.Go(func() {
		defer o.release(objectType, r)
		o.loop(r, job, dryRun)
	})
}

// Pause asks the loop of objectType to stop at the next batch boundary
func (o *Orchestrator) Pause(ctx context.Context, objectType string) error {
	if _, err := o.registry.Get(objectType); err != nil {
		return err
	}

	o.mu.Lock()
	r, live := o.runs[objectType]
	if live {
		select {
		case r.control <- signalPause:
		default:
		}
		o.mu.Unlock()
		o.log.Info("pause requested", logger.ObjectType(objectType))
		return nil
	}
	o.mu.Unlock()

	job, err := o.Status(ctx, objectType)
	if err != nil {
		return err
	}
	return transitionError(objectType, string(job.Status), "pause")
}

// Resume continues a paused job at its current batch
func (o *Orchestrator) Resume(ctx context.Context, objectType string) (*Plan, error) {
	if _, err := o.registry.Get(objectType); err != nil {
		return nil, err
	}

	r, err := o.reserve(objectType)
	if err != nil {
		if errors.IsConflict(err) {
			return nil, transitionError(objectType, string(entities.JobStatusRunning), "resume")
		}
		return nil, err
	}

	t, err := o.current(ctx, objectType)
	if err != nil {
		o.release(objectType, r)
		return nil, err
	}

	o.mu.Lock()
	status := t.job.Status
	o.mu.Unlock()
	if status != entities.JobStatusPaused {
		o.release(objectType, r)
		return nil, transitionError(objectType, string(status), "resume")
	}

	if !t.dryRun {
		err := o.jobs.Transition(ctx, t.job.ID, []entities.JobStatus{entities.JobStatusPaused}, entities.JobStatusRunning)
		if err != nil {
			o.release(objectType, r)
			return nil, err
		}
	}

	o.mu.Lock()
	job := t.job
	job.Status = entities.JobStatusRunning
	job.LastError = ""
	if !t.dryRun {
		o.latest[objectType] = t
		delete(o.dryRuns, objectType)
	}
	snapshot := cloneJob(job)
	o.mu.Unlock()

	o.tracker.Initialize(objectType, snapshot.TotalRecords, snapshot.BatchSize)
	o.tracker.Seed(objectType, snapshot.CurrentBatch, snapshot.ProcessedRecords, snapshot.SuccessCount, snapshot.FailureCount)
	o.tracker.SetStatus(objectType, entities.JobStatusRunning)

	o.log.Info("migration resumed",
		logger.ObjectType(objectType),
		logger.String("job_id", snapshot.ID),
		logger.Int("current_batch", snapshot.CurrentBatch),
		logger.Int("total_batches", snapshot.TotalBatches))

	o.launch(objectType, r, job, t.dryRun)
	return &Plan{
		JobID:        snapshot.ID,
		ObjectType:   objectType,
		TotalRecords: snapshot.TotalRecords,
		BatchSize:    snapshot.BatchSize,
		TotalBatches: snapshot.TotalBatches,
		StartBatch:   snapshot.CurrentBatch,
		DryRun:       t.dryRun,
	}, nil
}

// Status returns a copy of the latest job of objectType
func (o *Orchestrator) Status(ctx context.Context, objectType string) (*entities.MigrationJob, error) {
	if _, err := o.registry.Get(objectType); err != nil {
		return nil, err
	}

	t, err := o.current(ctx, objectType)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return cloneJob(t.job), nil
}

// Job returns a copy of the job of objectType with the given id, dry runs included
func (o *Orchestrator) Job(ctx context.Context, objectType, id string) (*entities.MigrationJob, error) {
	o.mu.Lock()
	for _, t := range []*tracked{o.latest[objectType], o.dryRuns[objectType]} {
		if t != nil && t.job.ID == id {
			job := cloneJob(t.job)
			o.mu.Unlock()
			return job, nil
		}
	}
	o.mu.Unlock()

	job, err := o.Status(ctx, objectType)
	if err != nil {
		return nil, err
	}
	if job.ID != id {
		return nil, errors.NotFound("job %s of %s not found", id, objectType)
	}
	return job, nil
}

// current picks the job Status and Resume act on. A dry run is reported until it
// stops, then yields to a paused real job so that job stays resumable.
func (o *Orchestrator) current(ctx context.Context, objectType string) (*tracked, error) {
	o.mu.Lock()
	saved, dry := o.latest[objectType], o.dryRuns[objectType]
	var dryStatus entities.JobStatus
	if dry != nil {
		dryStatus = dry.job.Status
	}
	o.mu.Unlock()

	if saved == nil {
		job, err := o.jobs.Latest(ctx, objectType)
		switch {
		case err == nil:
			saved = &tracked{job: job}
		case !errors.IsNotFound(err):
			return nil, err
		}
	}

	switch {
	case saved == nil && dry == nil:
		return nil, noJobError(objectType)
	case dry == nil:
		return saved, nil
	case saved == nil || !dryStatus.IsTerminal():
		return dry, nil
	}

	o.mu.Lock()
	savedStatus := saved.job.Status
	o.mu.Unlock()
	if savedStatus == entities.JobStatusPaused {
		return saved, nil
	}
	return dry, nil
}

// Statuses returns the latest job of every object type that has one, in dependency order
func (o *Orchestrator) Statuses(ctx context.Context) ([]*entities.MigrationJob, error) {
	var out []*entities.MigrationJob
	for _, objectType := range o.registry.ObjectTypes() {
		job, err := o.Status(ctx, objectType)
		if errors.Is(err, ErrNoJob) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

// History returns persisted jobs of objectType, newest first
func (o *Orchestrator) History(ctx context.Context, objectType string, limit int) ([]entities.MigrationJob, error) {
	if _, err := o.registry.Get(objectType); err != nil {
		return nil, err
	}
	return o.jobs.History(ctx, objectType, limit)
}

// Progress returns the tracker snapshot of objectType
func (o *Orchestrator) Progress(objectType string) (progress.Snapshot, bool) {
	return o.tracker.Snapshot(objectType)
}

// Running reports whether a loop of objectType is live
func (o *Orchestrator) Running(objectType string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, live := o.runs[objectType]
	return live
}

// Wait blocks until the loop of objectType has stopped
func (o *Orchestrator) Wait(ctx context.Context, objectType string) error {
	o.mu.Lock()
	r, live := o.runs[objectType]
	o.mu.Unlock()
	if !live {
		return nil
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetBatchSize changes the batch size used by future starts of objectType.
// Running and resumed jobs keep the size they were planned with.
func (o *Orchestrator) SetBatchSize(objectType string, size int) error {
	if _, err := o.registry.Get(objectType); err != nil {
		return err
	}
	if size < 1 || size > MaxBatchSize {
		return validationError("batch size %d must be between 1 and %d", size, MaxBatchSize)
	}

	o.mu.Lock()
	o.batchSizes[objectType] = size
	o.mu.Unlock()

	o.log.Info("batch size updated", logger.ObjectType(objectType), logger.Int("batch_size", size))
	return nil
}

// BatchSizes returns the effective batch size of every object type
func (o *Orchestrator) BatchSizes() map[string]int {
	out := make(map[string]int)
	for _, objectType := range o.registry.ObjectTypes() {
		sc, err := o.registry.Get(objectType)
		if err != nil {
			continue
		}
		out[objectType] = o.batchSizeFor(sc)
	}
	return out
}

func (o *Orchestrator) batchSizeFor(sc *schema.Schema) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	settings := o.settings
	settings.BatchSizes = o.batchSizes
	if n := settings.BatchSizeFor(sc.ObjectType, sc.BatchSize); n > 0 {
		return n
	}
	return 50
}

// Config returns the effective configuration
func (o *Orchestrator) Config() ConfigView {
	o.mu.Lock()
	thresholds := make(map[string]float64)
	for _, objectType := range o.registry.ObjectTypes() {
		thresholds[objectType] = o.settings.ThresholdFor(objectType)
	}
	view := ConfigView{
		SchemaVersion:     o.registry.Version(),
		ObjectOrder:       o.registry.ObjectTypes(),
		FailureThreshold:  o.settings.FailureThreshold,
		Thresholds:        thresholds,
		MaxRecentErrors:   o.settings.MaxRecentErrors,
		BatchDelayMs:      o.settings.BatchDelay.Milliseconds(),
		StopOnWriteError:  o.settings.StopOnWriteError,
		ValidateOnSuccess: o.settings.ValidateOnSuccess,
	}
	o.mu.Unlock()

	view.BatchSizes = o.BatchSizes()
	return view
}

// Restore pauses jobs that a previous process left running so they can be resumed
func (o *Orchestrator) Restore(ctx context.Context) (int, error) {
	running, err := o.jobs.ListByStatus(ctx, entities.JobStatusRunning)
	if err != nil {
		return 0, err
	}

	restored := 0
	for i := range running {
		job := &running[i]
		err := o.jobs.Transition(ctx, job.ID, []entities.JobStatus{entities.JobStatusRunning}, entities.JobStatusPaused)
		if err != nil {
			o.log.Warn("failed to restore interrupted job",
				logger.ObjectType(job.ObjectType),
				logger.String("job_id", job.ID),
				logger.Error(err))
			continue
		}
		restored++
		o.log.Info("interrupted job marked paused",
			logger.ObjectType(job.ObjectType),
			logger.String("job_id", job.ID),
			logger.Int("current_batch", job.CurrentBatch))
	}
	return restored, nil
}

// Shutdown stops all loops at their next batch boundary, leaving their jobs paused
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Validate audits objectType and caches the report for LastValidation
func (o *Orchestrator) Validate(ctx context.Context, objectType string) (*consistency.Report, error) {
	if o.validator == nil {
		return nil, errors.Newf("consistency validator not configured").
			Category(errors.CategoryConfiguration).
			Build()
	}
	report, err := o.validator.Validate(ctx, objectType)
	if err != nil {
		return nil, err
	}
	o.cacheReport(report)
	return report, nil
}

// ValidateAll audits objectTypes, or every type when empty, and caches each report
func (o *Orchestrator) ValidateAll(ctx context.Context, objectTypes []string) (*consistency.Summary, error) {
	if o.validator == nil {
		return nil, errors.Newf("consistency validator not configured").
			Category(errors.CategoryConfiguration).
			Build()
	}
	summary, err := o.validator.ValidateAll(ctx, objectTypes)
	if err != nil {
		return nil, err
	}
	for _, report := range summary.Reports {
		o.cacheReport(report)
	}
	return summary, nil
}

func (o *Orchestrator) cacheReport(report *consistency.Report) {
	o.reports.DeleteExpired()
	o.reports.Set(report.ObjectType, report, cache.DefaultExpiration)
}

// LastValidation returns the most recent unexpired report of objectType
func (o *Orchestrator) LastValidation(objectType string) (*consistency.Report, bool) {
	v, ok := o.reports.Get(objectType)
	if !ok {
		return nil, false
	}
	report, ok := v.(*consistency.Report)
	return report, ok
}

func cloneJob(job *entities.MigrationJob) *entities.MigrationJob {
	c := *job
	c.RecentErrors = slices.Clone(job.RecentErrors)
	if job.EndTime != nil {
		end := *job.EndTime
		c.EndTime = &end
	}
	return &c
}
