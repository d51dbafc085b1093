package migration

import (
	"context"
	"slices"
	"time"

	"github.com/samber/lo"

	"github.com/buildpulse/crmsync/internal/datastore/entities"
	"github.com/buildpulse/crmsync/internal/errors"
	"github.com/buildpulse/crmsync/internal/logger"
)

// AllOptions tune a multi-object-type run
type AllOptions struct {
	ObjectTypes    []string `json:"objectTypes,omitempty"` // empty migrates every type
	StopOnError    bool     `json:"stopOnError"`
	SkipValidation bool     `json:"skipValidation"`
	DryRun         bool     `json:"dryRun"`
}

// TypeOutcome is the result of one object type within a multi-type run
type TypeOutcome struct {
	ObjectType string             `json:"objectType"`
	JobID      string             `json:"jobId,omitempty"`
	Status     entities.JobStatus `json:"status,omitempty"`
	Skipped    bool               `json:"skipped,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// AllResult summarizes a multi-type run
type AllResult struct {
	Order      []string      `json:"order"`
	Outcomes   []TypeOutcome `json:"outcomes"`
	Aborted    bool          `json:"aborted"`
	Running    bool          `json:"running"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt *time.Time    `json:"finishedAt,omitempty"`
}

// Order returns objectTypes sorted by schema dependency order, or every type when empty.
// Unknown types are rejected.
func (o *Orchestrator) Order(objectTypes []string) ([]string, error) {
	all := o.registry.ObjectTypes()
	if len(objectTypes) == 0 {
		return all, nil
	}
	if unknown, _ := lo.Difference(lo.Uniq(objectTypes), all); len(unknown) > 0 {
		return nil, errors.NotFound("unknown object types %v", unknown)
	}
	return lo.Filter(all, func(t string, _ int) bool { return slices.Contains(objectTypes, t) }), nil
}

// MigrateAll migrates object types one after another in dependency order and blocks
// until the last one stops. A type that fails or pauses aborts the rest when StopOnError is set.
func (o *Orchestrator) MigrateAll(ctx context.Context, opts AllOptions) (*AllResult, error) {
	order, err := o.Order(opts.ObjectTypes)
	if err != nil {
		return nil, err
	}

	result := &AllResult{Order: order, StartedAt: o.now(), Running: true}
	o.setAllResult(result)

	for i, objectType := range order {
		outcome := o.migrateOne(ctx, objectType, opts)
		o.appendOutcome(result, outcome)

		if outcome.Status == entities.JobStatusCompleted || outcome.Status == entities.JobStatusCompletedWithErrors {
			continue
		}
		if ctx.Err() != nil || opts.StopOnError {
			o.abort(result, order[i+1:])
			o.log.Warn("multi-type migration aborted",
				logger.ObjectType(objectType),
				logger.String("status", string(outcome.Status)),
				logger.String("error", outcome.Error))
			break
		}
	}

	o.mu.Lock()
	finished := o.now()
	result.FinishedAt = &finished
	result.Running = false
	snapshot := cloneAll(result)
	o.mu.Unlock()

	o.log.Info("multi-type migration finished",
		logger.Int("object_types", len(order)),
		logger.Bool("aborted", snapshot.Aborted))
	return snapshot, nil
}

func (o *Orchestrator) migrateOne(ctx context.Context, objectType string, opts AllOptions) TypeOutcome {
	outcome := TypeOutcome{ObjectType: objectType}

	plan, err := o.Start(ctx, objectType, StartOptions{SkipValidation: opts.SkipValidation, DryRun: opts.DryRun})
	if err != nil {
		outcome.Status = entities.JobStatusFailed
		outcome.Error = err.Error()
		return outcome
	}
	outcome.JobID = plan.JobID

	if err := o.Wait(ctx, objectType); err != nil {
		outcome.Error = err.Error()
	}

	job, err := o.Job(ctx, objectType, plan.JobID)
	if err != nil {
		outcome.Status = entities.JobStatusFailed
		outcome.Error = err.Error()
		return outcome
	}
	outcome.Status = job.Status
	if outcome.Error == "" && job.Status != entities.JobStatusCompleted {
		outcome.Error = job.LastError
	}
	return outcome
}

// StartAll runs MigrateAll in the background. Only one multi-type run may be active.
func (o *Orchestrator) StartAll(opts AllOptions) ([]string, error) {
	order, err := o.Order(opts.ObjectTypes)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if o.allActive {
		o.mu.Unlock()
		return nil, errors.New(ErrJobConflict).
			Category(errors.CategoryConflict).
			Context("operation", "migrate_all").
			Build()
	}
	o.allActive = true
	o.mu.Unlock()

	opts.ObjectTypes = order
	o.wg.Go(func() {
		defer func() {
			o.mu.Lock()
			o.allActive = false
			o.mu.Unlock()
		}()
		if _, err := o.MigrateAll(o.ctx, opts); err != nil {
			o.log.Error("multi-type migration failed", logger.Error(err))
		}
	})
	return order, nil
}

// LastAll returns the most recent multi-type run, if any
func (o *Orchestrator) LastAll() (*AllResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.allRun == nil {
		return nil, false
	}
	return cloneAll(o.allRun), true
}

func (o *Orchestrator) setAllResult(result *AllResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.allRun = result
}

func (o *Orchestrator) appendOutcome(result *AllResult, outcome TypeOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	result.Outcomes = append(result.Outcomes, outcome)
}

func (o *Orchestrator) abort(result *AllResult, remaining []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	result.Aborted = true
	for _, objectType := range remaining {
		result.Outcomes = append(result.Outcomes, TypeOutcome{ObjectType: objectType, Skipped: true})
	}
}

func cloneAll(r *AllResult) *AllResult {
	c := *r
	c.Order = slices.Clone(r.Order)
	c.Outcomes = slices.Clone(r.Outcomes)
	if r.FinishedAt != nil {
		f := *r.FinishedAt
		c.FinishedAt = &f
	}
	return &c
}
