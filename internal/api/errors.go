package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ae-signal-engine/internal/domain"
	"github.com/ae-signal-engine/internal/middleware"
	"github.com/ae-signal-engine/internal/review"
)

// errorStatus maps an engine error to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	var schemaErr *domain.SchemaError
	switch {
	case errors.Is(err, domain.ErrNoDataset):
		return http.StatusServiceUnavailable, domain.ErrCodeNoDataset
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, domain.ErrCodeNotFound
	case errors.Is(err, domain.ErrInvalidSignalKey),
		errors.Is(err, domain.ErrInvalidBucketWidth),
		errors.Is(err, review.ErrInvalidDecision):
		return http.StatusBadRequest, domain.ErrCodeInvalidInput
	case errors.As(err, &schemaErr), errors.Is(err, domain.ErrEmptyCaseSet):
		return http.StatusUnprocessableEntity, domain.ErrCodeSchema
	case errors.Is(err, domain.ErrCancellationRequested):
		return http.StatusServiceUnavailable, domain.ErrCodeCancelled
	case errors.Is(err, domain.ErrNoRunStore):
		return http.StatusServiceUnavailable, domain.ErrCodeStorage
	default:
		return http.StatusInternalServerError, domain.ErrCodeInternalServer
	}
}

// respondError writes err as an APIError. Internal errors are logged and
// their details withheld.
func (s *Server) respondError(c *gin.Context, err error) {
	status, code := errorStatus(err)
	details := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).WithField("correlation_id", c.GetString(middleware.CorrelationKey)).Error("Request failed")
		details = ""
	}
	_ = c.Error(err)
	s.abort(c, status, code, http.StatusText(status), details)
}

// badRequest rejects malformed input.
func (s *Server) badRequest(c *gin.Context, message string, err error) {
	details := ""
	if err != nil {
		details = err.Error()
	}
	s.abort(c, http.StatusBadRequest, domain.ErrCodeInvalidInput, message, details)
}

func (s *Server) abort(c *gin.Context, status int, code, message, details string) {
	apiErr := domain.NewAPIError(code, message, details, c.GetString(middleware.CorrelationKey))
	c.AbortWithStatusJSON(status, gin.H{"error": apiErr})
}
