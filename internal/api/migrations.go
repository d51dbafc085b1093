package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/buildpulse/crmsync/internal/datastore/entities"
	"github.com/buildpulse/crmsync/internal/errors"
	"github.com/buildpulse/crmsync/internal/migration"
	"github.com/buildpulse/crmsync/internal/progress"
)

// JobView is the API shape of a migration job
type JobView struct {
	ID               string              `json:"id"`
	ObjectType       string              `json:"objectType"`
	Status           entities.JobStatus  `json:"status"`
	BatchSize        int                 `json:"batchSize"`
	TotalRecords     int64               `json:"totalRecords"`
	TotalBatches     int                 `json:"totalBatches"`
	CurrentBatch     int                 `json:"currentBatch"`
	ProcessedRecords int64               `json:"processedRecords"`
	SuccessCount     int64               `json:"successCount"`
	FailureCount     int64               `json:"failureCount"`
	FailureRate      float64             `json:"failureRate"`
	Progress         float64             `json:"progress"`
	SkipValidation   bool                `json:"skipValidation"`
	SchemaVersion    string              `json:"schemaVersion"`
	SchemaStale      bool                `json:"schemaStale"`
	LastError        string              `json:"lastError,omitempty"`
	RecentErrors     []entities.JobError `json:"recentErrors,omitempty"`
	StartTime        time.Time           `json:"startTime"`
	EndTime          *time.Time          `json:"endTime,omitempty"`
	UpdatedAt        time.Time           `json:"updatedAt"`
}

func (s *Server) jobView(job *entities.MigrationJob) JobView {
	return JobView{
		ID:               job.ID,
		ObjectType:       job.ObjectType,
		Status:           job.Status,
		BatchSize:        job.BatchSize,
		TotalRecords:     job.TotalRecords,
		TotalBatches:     job.TotalBatches,
		CurrentBatch:     job.CurrentBatch,
		ProcessedRecords: job.ProcessedRecords,
		SuccessCount:     job.SuccessCount,
		FailureCount:     job.FailureCount,
		FailureRate:      job.FailureRate(),
		Progress:         job.Progress(),
		SkipValidation:   job.SkipValidation,
		SchemaVersion:    job.SchemaVersion,
		SchemaStale:      job.SchemaVersion != "" && s.registry.IsStale(job.SchemaVersion),
		LastError:        job.LastError,
		RecentErrors:     job.RecentErrors,
		StartTime:        job.StartTime,
		EndTime:          job.EndTime,
		UpdatedAt:        job.UpdatedAt,
	}
}

// MigrationOverview pairs the latest job of a type with its live progress
type MigrationOverview struct {
	Job      JobView            `json:"job"`
	Progress *progress.Snapshot `json:"progress,omitempty"`
}

// ValidateAllRequest selects the object types of a bulk validation
type ValidateAllRequest struct {
	ObjectTypes []string `json:"objectTypes"`
}

func bad(message string) error {
	return errors.Newf("%s", message).Category(errors.CategoryValidation).Build()
}

func (s *Server) startMigration(c echo.Context) error {
	var opts migration.StartOptions
	if err := c.Bind(&opts); err != nil {
		return s.fail(c, bad("invalid start options: "+err.Error()))
	}

	plan, err := s.orchestrator.Start(c.Request().Context(), c.Param("type"), opts)
	if err != nil {
		return s.fail(c, err)
	}
	return ok(c, http.StatusAccepted, plan)
}

func (s *Server) pauseMigration(c echo.Context) error {
	objectType := c.Param("type")
	if err := s.orchestrator.Pause(c.Request().Context(), objectType); err != nil {
		return s.fail(c, err)
	}
	return ok(c, http.StatusAccepted, map[string]string{
		"objectType": objectType,
		"status":     "pause_requested",
	})
}

func (s *Server) resumeMigration(c echo.Context) error {
	plan, err := s.orchestrator.Resume(c.Request().Context(), c.Param("type"))
	if err != nil {
		return s.fail(c, err)
	}
	return ok(c, http.StatusAccepted, plan)
}

func (s *Server) migrationStatus(c echo.Context) error {
	job, err := s.orchestrator.Status(c.Request().Context(), c.Param("type"))
	if err != nil {
		return s.fail(c, err)
	}
	return ok(c, http.StatusOK, s.jobView(job))
}

func (s *Server) migrationProgress(c echo.Context) error {
	objectType := c.Param("type")
	if _, err := s.registry.Get(objectType); err != nil {
		return s.fail(c, err)
	}
	snap, found := s.orchestrator.Progress(objectType)
	if !found {
		return s.fail(c, errors.NotFound("no progress tracked for %s", objectType))
	}
	return ok(c, http.StatusOK, snap)
}

func (s *Server) migrationHistory(c echo.Context) error {
	limit := historyLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistory {
			return s.fail(c, bad("limit must be between 1 and "+strconv.Itoa(maxHistory)))
		}
		limit = n
	}

	jobs, err := s.orchestrator.History(c.Request().Context(), c.Param("type"), limit)
	if err != nil {
		return s.fail(c, err)
	}
	views := make([]JobView, 0, len(jobs))
	for i := range jobs {
		views = append(views, s.jobView(&jobs[i]))
	}
	return ok(c, http.StatusOK, views)
}

func (s *Server) listMigrations(c echo.Context) error {
	jobs, err := s.orchestrator.Statuses(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	out := make([]MigrationOverview, 0, len(jobs))
	for _, job := range jobs {
		o := MigrationOverview{Job: s.jobView(job)}
		if snap, found := s.orchestrator.Progress(job.ObjectType); found {
			o.Progress = &snap
		}
		out = append(out, o)
	}
	return ok(c, http.StatusOK, out)
}

func (s *Server) startAll(c echo.Context) error {
	var opts migration.AllOptions
	if err := c.Bind(&opts); err != nil {
		return s.fail(c, bad("invalid migrate-all options: "+err.Error()))
	}

	order, err := s.orchestrator.StartAll(opts)
	if err != nil {
		return s.fail(c, err)
	}
	return ok(c, http.StatusAccepted, map[string]any{"order": order})
}

func (s *Server) lastAll(c echo.Context) error {
	result, found := s.orchestrator.LastAll()
	if !found {
		return s.fail(c, errors.NotFound("no multi-type migration has run"))
	}
	return ok(c, http.StatusOK, result)
}

func (s *Server) validateMigration(c echo.Context) error {
	report, err := s.orchestrator.Validate(c.Request().Context(), c.Param("type"))
	if err != nil {
		return s.fail(c, err)
	}
	return ok(c, http.StatusOK, report)
}

func (s *Server) validateAll(c echo.Context) error {
	var req ValidateAllRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, bad("invalid validation request: "+err.Error()))
	}
	for _, objectType := range req.ObjectTypes {
		if _, err := s.registry.Get(objectType); err != nil {
			return s.fail(c, err)
		}
	}

	summary, err := s.orchestrator.ValidateAll(c.Request().Context(), req.ObjectTypes)
	if err != nil {
		return s.fail(c, err)
	}
	return ok(c, http.StatusOK, summary)
}

func (s *Server) lastValidation(c echo.Context) error {
	objectType := c.Param("type")
	if _, err := s.registry.Get(objectType); err != nil {
		return s.fail(c, err)
	}
	report, found := s.orchestrator.LastValidation(objectType)
	if !found {
		return s.fail(c, errors.NotFound("no recent validation report for %s", objectType))
	}
	return ok(c, http.StatusOK, report)
}
