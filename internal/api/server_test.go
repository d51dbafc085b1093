package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/buildpulse/crmsync/internal/conf"
	"github.com/buildpulse/crmsync/internal/consistency"
	"github.com/buildpulse/crmsync/internal/convert"
	"github.com/buildpulse/crmsync/internal/datastore"
	"github.com/buildpulse/crmsync/internal/errors"
	"github.com/buildpulse/crmsync/internal/logger"
	"github.com/buildpulse/crmsync/internal/mapper"
	"github.com/buildpulse/crmsync/internal/migration"
	"github.com/buildpulse/crmsync/internal/observability"
	"github.com/buildpulse/crmsync/internal/progress"
	"github.com/buildpulse/crmsync/internal/schema"
	"github.com/buildpulse/crmsync/internal/validate"
)

type stubSource struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (s *stubSource) Count(_ context.Context, objectType string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[objectType], nil
}

func (s *stubSource) FetchPage(_ context.Context, objectType string, offset, limit int) ([]map[string]any, error) {
	s.mu.Lock()
	total := int(s.counts[objectType])
	s.mu.Unlock()

	var out []map[string]any
	for i := offset; i < min(offset+limit, total); i++ {
		out = append(out, map[string]any{
			"id":         fmt.Sprintf("deal-%04d", i),
			"deal_name":  "Deal",
			"created_at": "2026-01-01T00:00:00Z",
		})
	}
	return out, nil
}

type harness struct {
	server   *Server
	orch     *migration.Orchestrator
	registry *schema.Registry
	reloads  int
	ddlErr   error
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	log := logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)
	registry := schema.NewRegistry(log, 0)
	require.NoError(t, registry.Load(""))

	db, err := datastore.OpenSQLite(filepath.Join(t.TempDir(), "api.db"), &gorm.Config{
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
	jobs := datastore.NewJobStore(db)
	require.NoError(t, jobs.Migrate(context.Background()))

	source := &stubSource{counts: map[string]int64{"deal": 120}}
	m := mapper.New(registry, convert.NewEngine(time.UTC), validate.NewEngine(), log)

	orch := migration.New(&migration.Config{
		Registry: registry,
		Mapper:   m,
		Source:   source,
		Target:   store,
		Jobs:     jobs,
		Tracker:  progress.NewTracker(log),
		Validator: consistency.New(&consistency.Config{
			Registry:   registry,
			Source:     source,
			Target:     store,
			Mapper:     m,
			SampleSize: 5,
			Log:        log,
		}),
		Settings: conf.MigrationSettings{FailureThreshold: 0.1, MaxRecentErrors: 10},
		Log:      log,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	metrics, err := observability.NewMetrics()
	require.NoError(t, err)

	h := &harness{orch: orch, registry: registry}
	h.server = New(&Config{
		Settings:     &conf.APISettings{Listen: ":0"},
		Orchestrator: orch,
		Registry:     registry,
		Metrics:      metrics.Handler(),
		OnSchemaReload: func(ctx context.Context, r *schema.Registry) error {
			h.reloads++
			if h.ddlErr != nil {
				return h.ddlErr
			}
			return store.EnsureTables(ctx, r)
		},
		Version: "test",
		Log:     log,
	})
	return h
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *ErrorResponse  `json:"error"`
}

func (h *harness) do(t *testing.T, method, path, body string) (int, envelope) {
	t.Helper()

	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec.Code, env
}

func (h *harness) wait(t *testing.T, objectType string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Wait(ctx, objectType))
}

func TestHealth(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	code, env := h.do(t, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)
	assert.Contains(t, string(env.Data), `"schemaVersion":"2026.10.1"`)
}

func TestStartStatusAndHistory(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	code, env := h.do(t, http.MethodPost, "/api/v1/migrations/deal/start", `{"skipValidation":true}`)
	require.Equal(t, http.StatusAccepted, code)
	require.True(t, env.Success)

	var plan migration.Plan
	require.NoError(t, json.Unmarshal(env.Data, &plan))
	assert.Equal(t, 3, plan.TotalBatches)
	h.wait(t, "deal")

	code, env = h.do(t, http.MethodGet, "/api/v1/migrations/deal/status", "")
	require.Equal(t, http.StatusOK, code)
	var job JobView
	require.NoError(t, json.Unmarshal(env.Data, &job))
	assert.Equal(t, plan.JobID, job.ID)
	assert.Equal(t, "completed", string(job.Status))
	assert.EqualValues(t, 120, job.SuccessCount)
	assert.InDelta(t, 100.0, job.Progress, 0.001)
	assert.False(t, job.SchemaStale)

	code, env = h.do(t, http.MethodGet, "/api/v1/migrations/deal/progress", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"completedBatches":3`)

	code, env = h.do(t, http.MethodGet, "/api/v1/migrations/deal/history?limit=5", "")
	require.Equal(t, http.StatusOK, code)
	var history []JobView
	require.NoError(t, json.Unmarshal(env.Data, &history))
	assert.Len(t, history, 1)

	code, env = h.do(t, http.MethodGet, "/api/v1/migrations", "")
	require.Equal(t, http.StatusOK, code)
	var overview []MigrationOverview
	require.NoError(t, json.Unmarshal(env.Data, &overview))
	require.Len(t, overview, 1)
	assert.Equal(t, "deal", overview[0].Job.ObjectType)
	assert.NotNil(t, overview[0].Progress)
}

func TestErrorStatuses(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"unknown type", http.MethodPost, "/api/v1/migrations/invoice/start", "", http.StatusNotFound, CodeNotFound},
		{"status before any run", http.MethodGet, "/api/v1/migrations/deal/status", "", http.StatusNotFound, CodeNotFound},
		{"progress before any run", http.MethodGet, "/api/v1/migrations/deal/progress", "", http.StatusNotFound, CodeNotFound},
		{"resume without job", http.MethodPost, "/api/v1/migrations/deal/resume", "", http.StatusNotFound, CodeNotFound},
		{"no validation yet", http.MethodGet, "/api/v1/migrations/deal/validation", "", http.StatusNotFound, CodeNotFound},
		{"bad history limit", http.MethodGet, "/api/v1/migrations/deal/history?limit=0", "", http.StatusBadRequest, CodeBadRequest},
		{"bad start batch", http.MethodPost, "/api/v1/migrations/deal/start", `{"startBatch":99}`, http.StatusBadRequest, CodeBadRequest},
		{"malformed body", http.MethodPost, "/api/v1/migrations/deal/start", `{"dryRun":`, http.StatusBadRequest, CodeBadRequest},
		{"unknown route", http.MethodGet, "/api/v1/nothing", "", http.StatusNotFound, CodeNotFound},
	}

	for _, tt := range tests {
		code, env := h.do(t, tt.method, tt.path, tt.body)
		assert.Equal(t, tt.status, code, tt.name)
		assert.False(t, env.Success, tt.name)
		if assert.NotNil(t, env.Error, tt.name) {
			assert.Equal(t, tt.code, env.Error.Code, tt.name)
			assert.NotEmpty(t, env.Error.CorrelationID, tt.name)
		}
	}
}

func TestPauseOfIdleTypeConflicts(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	code, _ := h.do(t, http.MethodPost, "/api/v1/migrations/deal/start", `{"skipValidation":true}`)
	require.Equal(t, http.StatusAccepted, code)
	h.wait(t, "deal")

	code, env := h.do(t, http.MethodPost, "/api/v1/migrations/deal/pause", "")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, CodeConflict, env.Error.Code)

	code, _ = h.do(t, http.MethodPost, "/api/v1/migrations/deal/resume", "")
	assert.Equal(t, http.StatusConflict, code)
}

func TestValidateAndLastValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	code, _ := h.do(t, http.MethodPost, "/api/v1/migrations/deal/start", `{"skipValidation":true}`)
	require.Equal(t, http.StatusAccepted, code)
	h.wait(t, "deal")

	code, env := h.do(t, http.MethodPost, "/api/v1/migrations/deal/validate", "")
	require.Equal(t, http.StatusOK, code)
	var report consistency.Report
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.True(t, report.CountMatches)
	assert.EqualValues(t, 120, report.MigratedCount)

	code, _ = h.do(t, http.MethodGet, "/api/v1/migrations/deal/validation", "")
	assert.Equal(t, http.StatusOK, code)

	code, env = h.do(t, http.MethodPost, "/api/v1/migrations/validate", `{"objectTypes":["deal","site"]}`)
	require.Equal(t, http.StatusOK, code)
	var summary consistency.Summary
	require.NoError(t, json.Unmarshal(env.Data, &summary))
	assert.Len(t, summary.Reports, 2)

	code, _ = h.do(t, http.MethodPost, "/api/v1/migrations/validate", `{"objectTypes":["invoice"]}`)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStartAll(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	code, env := h.do(t, http.MethodPost, "/api/v1/migrations/start", `{"objectTypes":["deal"],"skipValidation":true}`)
	require.Equal(t, http.StatusAccepted, code)
	assert.Contains(t, string(env.Data), `"order":["deal"]`)

	require.Eventually(t, func() bool {
		r, found := h.orch.LastAll()
		return found && !r.Running
	}, 10*time.Second, 10*time.Millisecond)

	code, env = h.do(t, http.MethodGet, "/api/v1/migrations/all", "")
	require.Equal(t, http.StatusOK, code)
	var result migration.AllResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	require.Len(t, result.Outcomes, 1)
	assert.Equal(t, "completed", string(result.Outcomes[0].Status))
}

func TestBatchSizeConfig(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	code, env := h.do(t, http.MethodPut, "/api/v1/config/batch-size", `{"objectType":"deal","batchSize":25}`)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"deal":25`)

	code, _ = h.do(t, http.MethodPut, "/api/v1/config/batch-size", `{"objectType":"deal","batchSize":0}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.do(t, http.MethodPut, "/api/v1/config/batch-size", `{"batchSize":10}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.do(t, http.MethodPut, "/api/v1/config/batch-size", `{"objectType":"invoice","batchSize":10}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, env = h.do(t, http.MethodGet, "/api/v1/config", "")
	require.Equal(t, http.StatusOK, code)
	var view migration.ConfigView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, 25, view.BatchSizes["deal"])
	assert.Equal(t, []string{"deal", "site", "activity", "ticket"}, view.ObjectOrder)
}

func TestSchemaReload(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	code, env := h.do(t, http.MethodGet, "/api/v1/schema", "")
	require.Equal(t, http.StatusOK, code)
	var view SchemaView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, "2026.10.1", view.Version)
	assert.Len(t, view.Objects, 4)

	doc := strings.Replace(string(schema.DefaultDocument()), `version: "2026.10.1"`, `version: "2026.10.2"`, 1)
	code, env = h.do(t, http.MethodPost, "/api/v1/schema/reload", doc)
	require.Equal(t, http.StatusOK, code, string(env.Data))
	assert.Contains(t, string(env.Data), `"version":"2026.10.2"`)
	assert.Equal(t, 1, h.reloads)

	code, env = h.do(t, http.MethodPost, "/api/v1/schema/reload", "version: broken\nobjects: {}\n")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, CodeBadRequest, env.Error.Code)
	assert.Equal(t, "2026.10.2", h.registry.Version())
	assert.Equal(t, 1, h.reloads)
}

func TestSchemaReloadRollsBackWhenTablesFail(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.ddlErr = errors.Newf("create table deals: disk full").Category(errors.CategoryDatabase).Build()

	doc := strings.Replace(string(schema.DefaultDocument()), `version: "2026.10.1"`, `version: "2026.10.2"`, 1)
	code, env := h.do(t, http.MethodPost, "/api/v1/schema/reload", doc)
	assert.Equal(t, http.StatusInternalServerError, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, 1, h.reloads)
	assert.Equal(t, "2026.10.1", h.registry.Version())
	assert.Empty(t, h.registry.Backups())
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
