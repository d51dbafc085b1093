package consistency

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/buildpulse/crmsync/internal/convert"
	"github.com/buildpulse/crmsync/internal/datastore"
	"github.com/buildpulse/crmsync/internal/errors"
	"github.com/buildpulse/crmsync/internal/logger"
	"github.com/buildpulse/crmsync/internal/mapper"
	"github.com/buildpulse/crmsync/internal/schema"
	"github.com/buildpulse/crmsync/internal/validate"
)

type fakeSource struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func (s *fakeSource) Count(_ context.Context, objectType string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	return s.counts[objectType], nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	statuses map[string]string
}

func (r *fakeRecorder) ObserveValidation(objectType, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[objectType] = status
}

type fixture struct {
	store     *datastore.Store
	source    *fakeSource
	recorder  *fakeRecorder
	validator *Validator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
	registry := schema.NewRegistry(log, 0)
	require.NoError(t, registry.Load(""))

	db, err := datastore.OpenSQLite(filepath.Join(t.TempDir(), "target.db"), &gorm.Config{
		Logger: logger.NewGormAdapter(log, 0),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	store := datastore.NewStore(db, log)
	require.NoError(t, store.EnsureTables(context.Background(), registry))

	source := &fakeSource{counts: map[string]int64{}}
	recorder := &fakeRecorder{statuses: map[string]string{}}
	m := mapper.New(registry, convert.NewEngine(time.UTC), validate.NewEngine(), log)

	return &fixture{
		store:    store,
		source:   source,
		recorder: recorder,
		validator: New(&Config{
			Registry:   registry,
			Source:     source,
			Target:     store,
			Mapper:     m,
			Recorder:   recorder,
			SampleSize: 5,
			Log:        log,
		}),
	}
}

func (f *fixture) insert(t *testing.T, table string, rows ...map[string]any) {
	t.Helper()
	stmts := make([]datastore.Statement, 0, len(rows))
	for _, row := range rows {
		stmts = append(stmts, datastore.Statement{Table: table, Key: "id", Values: row})
	}
	require.NoError(t, f.store.ExecuteBatch(context.Background(), stmts))
}

func deal(id string) map[string]any {
	return map[string]any{
		"id":         id,
		"name":       "Deal " + id,
		"stage":      "lead",
		"amount":     100.0,
		"budget":     1000.0,
		"created_at": int64(1767225600),
	}
}

func findCheck(t *testing.T, r *Report, name string) CheckResult {
	t.Helper()
	for _, c := range r.DetailChecks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %q not in report", name)
	return CheckResult{}
}

func TestCountMismatchFailsReport(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.source.counts["deal"] = 500
	rows := make([]map[string]any, 0, 498)
	for i := range 498 {
		rows = append(rows, deal(fmt.Sprintf("d-%03d", i)))
	}
	f.insert(t, "deals", rows...)

	report, err := f.validator.Validate(context.Background(), "deal")
	require.NoError(t, err)

	assert.False(t, report.CountMatches)
	assert.EqualValues(t, 500, report.OriginalCount)
	assert.EqualValues(t, 498, report.MigratedCount)
	assert.Equal(t, StatusFailed, report.Status)

	count := findCheck(t, report, "record count")
	assert.False(t, count.Passed)
	assert.EqualValues(t, 2, count.Count)
	assert.Equal(t, "failed", f.recorder.statuses["deal"])
}

func TestCleanDataSucceeds(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.source.counts["deal"] = 3
	f.insert(t, "deals", deal("d-1"), deal("d-2"), deal("d-3"))

	report, err := f.validator.Validate(context.Background(), "deal")
	require.NoError(t, err)

	assert.True(t, report.CountMatches)
	assert.Equal(t, StatusSuccess, report.Status, "failed checks: %+v", report.Failed())
	assert.Equal(t, 3, report.SampleValidation.SampleSize)
	assert.Equal(t, 3, report.SampleValidation.Valid)
	assert.Empty(t, report.Error)
	assert.Equal(t, "2026.10.1", report.SchemaVersion)
}

func TestRequiredAndSampleFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.source.counts["deal"] = 2
	blank := deal("d-2")
	blank["name"] = "  "
	badStage := deal("d-1")
	badStage["stage"] = "bogus"
	f.insert(t, "deals", badStage, blank)

	report, err := f.validator.Validate(context.Background(), "deal")
	require.NoError(t, err)

	required := findCheck(t, report, "required name")
	assert.False(t, required.Passed)
	assert.EqualValues(t, 1, required.Count)

	assert.Equal(t, 2, report.SampleValidation.Invalid)
	assert.Len(t, report.SampleValidation.Errors, 2)
	assert.Equal(t, StatusFailed, report.Status)
}

func TestDomainChecks(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.source.counts["deal"] = 2

	overrun := deal("d-1")
	overrun["actual_cost"] = 5000.0 // budget 1000 x 1.2 exceeded
	f.insert(t, "deals", overrun, deal("d-2"))

	report, err := f.validator.Validate(context.Background(), "deal")
	require.NoError(t, err)

	ratio := findCheck(t, report, schema.CheckRatioAbove)
	assert.False(t, ratio.Passed)
	assert.Equal(t, SeverityWarning, ratio.Severity)
	assert.Equal(t, StatusWarning, report.Status)

	backwards := deal("d-3")
	backwards["start_date"] = "2026-05-01"
	backwards["end_date"] = "2026-04-01"
	negative := deal("d-4")
	negative["area"] = -3.0
	f.insert(t, "deals", backwards, negative)
	f.source.counts["deal"] = 4

	report, err = f.validator.Validate(context.Background(), "deal")
	require.NoError(t, err)

	assert.False(t, findCheck(t, report, schema.CheckChronological).Passed)
	assert.EqualValues(t, 1, findCheck(t, report, schema.CheckNonNegative+" area").Count)
	assert.True(t, findCheck(t, report, schema.CheckNonNegative+" amount").Passed)
	assert.Equal(t, StatusFailed, report.Status)
}

func TestReferenceAndTypeChecks(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.source.counts["site"] = 2
	f.insert(t, "deals", deal("d-1"))
	f.insert(t, "sites",
		map[string]any{"id": "s-1", "deal_id": "d-1", "address": "1 Main St", "progress": int64(10), "created_at": int64(1767225600)},
		map[string]any{"id": "s-2", "deal_id": "d-missing", "address": "2 Main St", "progress": "ten", "created_at": int64(1767225600)},
	)

	report, err := f.validator.Validate(context.Background(), "site")
	require.NoError(t, err)

	ref := findCheck(t, report, "reference deal_id -> deals")
	assert.False(t, ref.Passed)
	assert.EqualValues(t, 1, ref.Count)

	typ := findCheck(t, report, "type progress")
	assert.False(t, typ.Passed)
	assert.EqualValues(t, 1, typ.Count)

	assert.Equal(t, StatusFailed, report.Status)
}

func TestSourceFailureProducesErrorStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.source.err = errors.NewStd("crm unavailable")

	report, err := f.validator.Validate(context.Background(), "deal")
	require.NoError(t, err)

	assert.Equal(t, StatusError, report.Status)
	assert.Contains(t, report.Error, "crm unavailable")
}

func TestUnknownObjectType(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.validator.Validate(context.Background(), "invoice")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	_, err = f.validator.ValidateAll(context.Background(), []string{"deal", "invoice"})
	require.Error(t, err)
}

func TestValidateAllRollsUpWorstStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.source.counts["deal"] = 1
	f.source.counts["site"] = 1 // nothing migrated
	f.insert(t, "deals", deal("d-1"))

	summary, err := f.validator.ValidateAll(context.Background(), nil)
	require.NoError(t, err)

	require.Len(t, summary.Reports, 4)
	assert.Equal(t, "deal", summary.Reports[0].ObjectType)
	assert.Equal(t, "ticket", summary.Reports[3].ObjectType)
	assert.Equal(t, StatusSuccess, summary.Reports[0].Status)
	assert.Equal(t, StatusFailed, summary.Reports[1].Status)
	assert.Equal(t, StatusFailed, summary.Status)
	assert.Equal(t, 3, summary.Counts[StatusSuccess])
	assert.Equal(t, 1, summary.Counts[StatusFailed])
}

func TestWorst(t *testing.T) {
	t.Parallel()

	assert.Equal(t, StatusSuccess, Worst())
	assert.Equal(t, StatusWarning, Worst(StatusSuccess, StatusWarning))
	assert.Equal(t, StatusError, Worst(StatusFailed, StatusError, StatusWarning))
}
