// Package consistency audits migrated data after the fact. It re-reads the source
// and target stores and never modifies either.
package consistency

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/buildpulse/crmsync/internal/errors"
	"github.com/buildpulse/crmsync/internal/logger"
	"github.com/buildpulse/crmsync/internal/mapper"
	"github.com/buildpulse/crmsync/internal/schema"
)

// DefaultSampleSize is the number of target rows re-mapped when none is configured
const DefaultSampleSize = 20

// maxParallel bounds concurrent per-type validations in ValidateAll
const maxParallel = 4

// maxSampleErrors bounds the sample errors kept in a report
const maxSampleErrors = 10

// SourceCounter counts records of an object type in the source system
type SourceCounter interface {
	Count(ctx context.Context, objectType string) (int64, error)
}

// TargetReader is the read side of the target store. *datastore.Store implements it.
type TargetReader interface {
	Count(ctx context.Context, table string) (int64, error)
	NullCount(ctx context.Context, table, column string, blankIsNull bool) (int64, error)
	DuplicateCount(ctx context.Context, table, column string) (int64, error)
	TypeMismatchCount(ctx context.Context, table, column string, fieldType schema.FieldType) (int64, bool, error)
	OrphanCount(ctx context.Context, table, column, refTable, refColumn string) (int64, error)
	OutOfOrderCount(ctx context.Context, table, first, second string) (int64, error)
	NegativeCount(ctx context.Context, table, column string) (int64, error)
	RatioAboveCount(ctx context.Context, table, actual, base string, factor float64) (int64, error)
	SampleRows(ctx context.Context, table, orderBy string, limit int) ([]map[string]any, error)
}

// Recorder receives validation outcomes. It is implemented by metrics.MigrationMetrics.
type Recorder interface {
	ObserveValidation(objectType, status string, duration time.Duration)
}

// Config wires a Validator
type Config struct {
	Registry   *schema.Registry
	Source     SourceCounter
	Target     TargetReader
	Mapper     *mapper.Mapper
	Recorder   Recorder
	SampleSize int
	Log        logger.Logger
	Now        func() time.Time
}

// Validator produces consistency reports for migrated object types
type Validator struct {
	registry   *schema.Registry
	source     SourceCounter
	target     TargetReader
	mapper     *mapper.Mapper
	recorder   Recorder
	sampleSize int
	log        logger.Logger
	now        func() time.Time
}

// New creates a Validator
func New(cfg *Config) *Validator {
	v := &Validator{
		registry:   cfg.Registry,
		source:     cfg.Source,
		target:     cfg.Target,
		mapper:     cfg.Mapper,
		recorder:   cfg.Recorder,
		sampleSize: cfg.SampleSize,
		log:        cfg.Log,
		now:        cfg.Now,
	}
	if v.sampleSize < 0 {
		v.sampleSize = DefaultSampleSize
	}
	if v.now == nil {
		v.now = time.Now
	}
	return v
}

// Validate audits one object type. Only an unknown object type is returned as an error;
// query failures produce a report with status error.
func (v *Validator) Validate(ctx context.Context, objectType string) (*Report, error) {
	sc, err := v.registry.Get(objectType)
	if err != nil {
		return nil, err
	}

	start := v.now()
	report := &Report{
		ObjectType:    objectType,
		Table:         sc.Table,
		SchemaVersion: v.registry.Version(),
		CheckedAt:     start,
	}

	if err := v.run(ctx, sc, report); err != nil {
		report.Error = err.Error()
		v.log.Warn("consistency validation aborted",
			logger.ObjectType(objectType),
			logger.Error(err))
	}

	report.Status = report.rollup()
	elapsed := v.now().Sub(start)
	report.DurationMs = elapsed.Milliseconds()

	if v.recorder != nil {
		v.recorder.ObserveValidation(objectType, string(report.Status), elapsed)
	}

	v.log.Info("consistency validation finished",
		logger.ObjectType(objectType),
		logger.String("status", string(report.Status)),
		logger.Int64("original_count", report.OriginalCount),
		logger.Int64("migrated_count", report.MigratedCount),
		logger.Int("failed_checks", len(report.Failed())),
		logger.Duration("duration", elapsed))

	return report, nil
}

func (v *Validator) run(ctx context.Context, sc *schema.Schema, report *Report) error {
	if err := v.checkCounts(ctx, sc, report); err != nil {
		return err
	}
	if err := v.checkRequired(ctx, sc, report); err != nil {
		return err
	}
	if err := v.checkUnique(ctx, sc, report); err != nil {
		return err
	}
	if err := v.checkTypes(ctx, sc, report); err != nil {
		return err
	}
	if err := v.checkReferences(ctx, sc, report); err != nil {
		return err
	}
	if err := v.checkDomain(ctx, sc, report); err != nil {
		return err
	}
	return v.sample(ctx, sc, report)
}

func (v *Validator) checkCounts(ctx context.Context, sc *schema.Schema, report *Report) error {
	original, err := v.source.Count(ctx, sc.ObjectType)
	if err != nil {
		return fmt.Errorf("count source records: %w", err)
	}
	migrated, err := v.target.Count(ctx, sc.Table)
	if err != nil {
		return fmt.Errorf("count target rows: %w", err)
	}

	report.OriginalCount = original
	report.MigratedCount = migrated
	report.CountMatches = original == migrated

	result := CheckResult{
		Kind:     KindCount,
		Name:     "record count",
		Severity: SeverityError,
		Passed:   report.CountMatches,
		Count:    abs(original - migrated),
	}
	if !result.Passed {
		result.Message = fmt.Sprintf("source has %d records, target has %d rows", original, migrated)
	}
	report.DetailChecks = append(report.DetailChecks, result)
	return nil
}

func (v *Validator) checkRequired(ctx context.Context, sc *schema.Schema, report *Report) error {
	for i := range sc.Fields {
		f := &sc.Fields[i]
		if !f.Required {
			continue
		}
		blankIsNull := f.Type == schema.TypeString || f.Type == schema.TypeText
		n, err := v.target.NullCount(ctx, sc.Table, f.Keys.Storage, blankIsNull)
		if err != nil {
			return err
		}
		report.DetailChecks = append(report.DetailChecks,
			countResult(KindRequired, "required "+f.Keys.Storage, SeverityError, n, "rows with empty required value", f.Keys.Storage))
	}
	return nil
}

func (v *Validator) checkUnique(ctx context.Context, sc *schema.Schema, report *Report) error {
	pk := sc.PrimaryKey().Keys.Storage
	n, err := v.target.DuplicateCount(ctx, sc.Table, pk)
	if err != nil {
		return err
	}
	report.DetailChecks = append(report.DetailChecks,
		countResult(KindUnique, "unique "+pk, SeverityError, n, "duplicated primary key values", pk))
	return nil
}

func (v *Validator) checkTypes(ctx context.Context, sc *schema.Schema, report *Report) error {
	for i := range sc.Fields {
		f := &sc.Fields[i]
		n, supported, err := v.target.TypeMismatchCount(ctx, sc.Table, f.Keys.Storage, f.Type)
		if err != nil {
			return err
		}
		result := countResult(KindType, "type "+f.Keys.Storage, SeverityError, n,
			"values stored with an incompatible type for "+string(f.Type), f.Keys.Storage)
		if !supported {
			result.Skipped = true
			result.Message = "column type enforced by the target"
		}
		report.DetailChecks = append(report.DetailChecks, result)
	}
	return nil
}

func (v *Validator) checkReferences(ctx context.Context, sc *schema.Schema, report *Report) error {
	for i := range sc.Fields {
		f := &sc.Fields[i]
		if f.References == nil {
			continue
		}
		parent, err := v.registry.Get(f.References.ObjectType)
		if err != nil {
			return err
		}
		n, err := v.target.OrphanCount(ctx, sc.Table, f.Keys.Storage, parent.Table, parent.PrimaryKey().Keys.Storage)
		if err != nil {
			return err
		}
		report.DetailChecks = append(report.DetailChecks,
			countResult(KindReference, "reference "+f.Keys.Storage+" -> "+parent.Table, SeverityError, n,
				"rows referencing a missing "+parent.ObjectType, f.Keys.Storage))
	}
	return nil
}

func (v *Validator) checkDomain(ctx context.Context, sc *schema.Schema, report *Report) error {
	for _, c := range sc.Checks {
		severity := Severity(c.Severity)
		if severity == "" {
			severity = SeverityError
			if c.Name == schema.CheckRatioAbove {
				severity = SeverityWarning
			}
		}

		switch c.Name {
		case schema.CheckChronological:
			n, err := v.target.OutOfOrderCount(ctx, sc.Table, c.Fields[0], c.Fields[1])
			if err != nil {
				return err
			}
			report.DetailChecks = append(report.DetailChecks,
				countResult(KindDomain, c.Name, severity, n,
					fmt.Sprintf("rows where %s is after %s", c.Fields[0], c.Fields[1]), c.Fields...))

		case schema.CheckNonNegative:
			for _, field := range c.Fields {
				n, err := v.target.NegativeCount(ctx, sc.Table, field)
				if err != nil {
					return err
				}
				report.DetailChecks = append(report.DetailChecks,
					countResult(KindDomain, c.Name+" "+field, severity, n, "rows with a negative "+field, field))
			}

		case schema.CheckRatioAbove:
			n, err := v.target.RatioAboveCount(ctx, sc.Table, c.Fields[0], c.Fields[1], c.Factor)
			if err != nil {
				return err
			}
			report.DetailChecks = append(report.DetailChecks,
				countResult(KindDomain, c.Name, severity, n,
					fmt.Sprintf("rows where %s exceeds %.2fx %s", c.Fields[0], c.Factor, c.Fields[1]), c.Fields...))

		default:
			return errors.Newf("unknown domain check %q", c.Name).
				Category(errors.CategoryConfiguration).
				Context("object_type", sc.ObjectType).
				Build()
		}
	}
	return nil
}

// sample re-maps target rows to the transport shape in strict mode
func (v *Validator) sample(ctx context.Context, sc *schema.Schema, report *Report) error {
	if v.sampleSize == 0 || v.mapper == nil {
		return nil
	}

	rows, err := v.target.SampleRows(ctx, sc.Table, sc.PrimaryKey().Keys.Storage, v.sampleSize)
	if err != nil {
		return err
	}

	sv := SampleValidation{SampleSize: len(rows)}
	for _, row := range rows {
		if _, err := v.mapper.Map(sc.ObjectType, row, schema.Storage, schema.Transport); err != nil {
			sv.Invalid++
			if len(sv.Errors) < maxSampleErrors {
				sv.Errors = append(sv.Errors, err.Error())
			}
			continue
		}
		sv.Valid++
	}
	report.SampleValidation = sv
	return nil
}

// ValidateAll audits objectTypes concurrently, or every registered type when empty.
// Reports keep the order of objectTypes.
func (v *Validator) ValidateAll(ctx context.Context, objectTypes []string) (*Summary, error) {
	if len(objectTypes) == 0 {
		objectTypes = v.registry.ObjectTypes()
	}

	start := v.now()
	reports := make([]*Report, len(objectTypes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for i, objectType := range objectTypes {
		g.Go(func() error {
			report, err := v.Validate(gctx, objectType)
			if err != nil {
				return err
			}
			reports[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	summary := newSummary(reports, start, v.now().Sub(start))
	v.log.Info("consistency validation summary",
		logger.String("status", string(summary.Status)),
		logger.Int("object_types", len(reports)))
	return summary, nil
}

func countResult(kind, name string, severity Severity, n int64, message string, fields ...string) CheckResult {
	result := CheckResult{
		Kind:     kind,
		Name:     name,
		Fields:   fields,
		Severity: severity,
		Passed:   n == 0,
		Count:    n,
	}
	if n > 0 {
		result.Message = fmt.Sprintf("%d %s", n, message)
	}
	return result
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
