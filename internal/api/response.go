package api

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/buildpulse/crmsync/internal/errors"
	"github.com/buildpulse/crmsync/internal/logger"
)

// Envelope wraps every API response
type Envelope struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Error   *ErrorResponse `json:"error,omitempty"`
}

// ErrorResponse describes a failed request
type ErrorResponse struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id"` // also written to the log
}

// Error codes returned in ErrorResponse.Code
const (
	CodeBadRequest = "bad_request"
	CodeNotFound   = "not_found"
	CodeConflict   = "conflict"
	CodeInternal   = "internal_error"
	CodeBadGateway = "source_unavailable"
)

func ok(c echo.Context, status int, data any) error {
	return c.JSON(status, Envelope{Success: true, Data: data})
}

// statusFor maps an error category to an HTTP status and error code
func statusFor(err error) (int, string) {
	switch {
	case errors.IsNotFound(err):
		return http.StatusNotFound, CodeNotFound
	case errors.IsConflict(err), errors.IsCategory(err, errors.CategoryState):
		return http.StatusConflict, CodeConflict
	case errors.IsCategory(err, errors.CategoryValidation),
		errors.IsCategory(err, errors.CategoryConfiguration):
		return http.StatusBadRequest, CodeBadRequest
	case errors.IsCategory(err, errors.CategorySource),
		errors.IsCategory(err, errors.CategoryNetwork):
		return http.StatusBadGateway, CodeBadGateway
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// fail writes an error envelope and logs it under a correlation id
func (s *Server) fail(c echo.Context, err error) error {
	status, code := statusFor(err)
	return s.failWith(c, status, code, err.Error(), err)
}

func (s *Server) failWith(c echo.Context, status int, code, message string, err error) error {
	correlationID := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]

	fields := []logger.Field{
		logger.String("correlation_id", correlationID),
		logger.String("method", c.Request().Method),
		logger.String("path", c.Request().URL.Path),
		logger.Int("status", status),
	}
	if err != nil {
		fields = append(fields, logger.Error(err))
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("api request failed", fields...)
	} else {
		s.log.Debug("api request rejected", fields...)
	}

	return c.JSON(status, Envelope{
		Success: false,
		Error: &ErrorResponse{
			Code:          code,
			Message:       message,
			CorrelationID: correlationID,
		},
	})
}

// httpErrorHandler renders echo routing and binding errors in the envelope
func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code := CodeBadRequest
		switch he.Code {
		case http.StatusNotFound:
			code = CodeNotFound
		case http.StatusMethodNotAllowed:
			code = "method_not_allowed"
		case http.StatusInternalServerError:
			code = CodeInternal
		}
		message := http.StatusText(he.Code)
		if m, isString := he.Message.(string); isString {
			message = m
		}
		_ = s.failWith(c, he.Code, code, message, nil)
		return
	}
	_ = s.fail(c, err)
}
