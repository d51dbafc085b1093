package api

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/buildpulse/crmsync/internal/logger"
	"github.com/buildpulse/crmsync/internal/schema"
)

// BatchSizeRequest changes the batch size of future runs of one object type
type BatchSizeRequest struct {
	ObjectType string `json:"objectType"`
	BatchSize  int    `json:"batchSize"`
}

// SchemaView describes the active schema document
type SchemaView struct {
	Version     string                    `json:"version"`
	Checksum    string                    `json:"checksum"`
	ObjectOrder []string                  `json:"objectOrder"`
	Objects     map[string]*schema.Schema `json:"objects"`
	Backups     []schema.Backup           `json:"backups"`
}

func (s *Server) getConfig(c echo.Context) error {
	return ok(c, http.StatusOK, s.orchestrator.Config())
}

func (s *Server) setBatchSize(c echo.Context) error {
	var req BatchSizeRequest
	if err := c.Bind(&req); err != nil {
		return s.fail(c, bad("invalid batch size request: "+err.Error()))
	}
	if req.ObjectType == "" {
		return s.fail(c, bad("objectType is required"))
	}
	if err := s.orchestrator.SetBatchSize(req.ObjectType, req.BatchSize); err != nil {
		return s.fail(c, err)
	}
	return ok(c, http.StatusOK, s.orchestrator.Config().BatchSizes)
}

func (s *Server) getSchema(c echo.Context) error {
	doc := s.registry.Document()
	if doc == nil {
		return s.fail(c, bad("no schema loaded"))
	}
	return ok(c, http.StatusOK, SchemaView{
		Version:     doc.Version,
		Checksum:    s.registry.Checksum(),
		ObjectOrder: doc.ObjectOrder,
		Objects:     doc.Objects,
		Backups:     s.registry.Backups(),
	})
}

// reloadSchema installs the YAML document in the request body
func (s *Server) reloadSchema(c echo.Context) error {
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return s.fail(c, bad("cannot read schema document: "+err.Error()))
	}
	if len(data) == 0 {
		return s.fail(c, bad("schema document is empty"))
	}

	previous := s.registry.Version()
	if err := s.registry.Reload(data); err != nil {
		return s.fail(c, err)
	}

	if s.onReload != nil {
		if err := s.onReload(c.Request().Context(), s.registry); err != nil {
			if rbErr := s.registry.Rollback(); rbErr != nil {
				s.log.Error("schema rollback failed", logger.Error(rbErr))
			}
			// tables of the restored schema were ensured by the previous reload
			return s.fail(c, err)
		}
	}

	s.log.Info("schema reloaded through api",
		logger.String("previous_version", previous),
		logger.String("version", s.registry.Version()))

	return ok(c, http.StatusOK, map[string]string{
		"previousVersion": previous,
		"version":         s.registry.Version(),
		"checksum":        s.registry.Checksum(),
	})
}
