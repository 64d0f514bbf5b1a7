package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors of the engine's error taxonomy.
var (
	// ErrUndefinedStatistic is returned when the value of an undefined Ratio
	// is requested.
	ErrUndefinedStatistic = errors.New("statistic undefined: zero denominator")

	// ErrCancellationRequested is returned alongside partial results when a
	// batch operation observed cancellation between shards.
	ErrCancellationRequested = errors.New("cancellation requested")

	// ErrEmptyCaseSet aborts a run that has no cases to analyze.
	ErrEmptyCaseSet = errors.New("empty case set")

	// ErrNoDataset is returned by collaborators asked to analyze before any
	// archive has been ingested.
	ErrNoDataset = errors.New("no dataset loaded")

	// ErrNotFound is returned by stores for unknown identifiers.
	ErrNotFound = errors.New("not found")

	// ErrNoRunStore is returned when persisted runs are requested but no
	// database is configured.
	ErrNoRunStore = errors.New("run store not configured")
)

// ParseError describes one archive row that could not be parsed. It is
// non-fatal: the row is skipped and counted.
type ParseError struct {
	Kind   TableKind `json:"table_kind"`
	Line   int       `json:"line"`
	CaseID string    `json:"case_id,omitempty"`
	Field  string    `json:"field,omitempty"`
	Value  string    `json:"value,omitempty"`
	Reason string    `json:"reason"`
}

// Error implements the error interface
func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s line %d: field %q value %q: %s", e.Kind, e.Line, e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("%s line %d: %s", e.Kind, e.Line, e.Reason)
}

// SchemaError reports a structural archive failure, such as a required table
// kind that is entirely missing. It aborts the ingestion run.
type SchemaError struct {
	Kind   TableKind `json:"table_kind"`
	Reason string    `json:"reason"`
}

// Error implements the error interface
func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema error for %s table: %s", e.Kind, e.Reason)
}

// InsufficientDataError records that too few cases were available for a
// computation. Clustering reports it inside its result instead of returning it.
type InsufficientDataError struct {
	Have int `json:"have"`
	Need int `json:"need"`
}

// Error implements the error interface
func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: have %d cases, need %d", e.Have, e.Need)
}

// CancelledError wraps ErrCancellationRequested together with the context
// cause so callers can match either.
func CancelledError(cause error) error {
	if cause == nil {
		return ErrCancellationRequested
	}
	return fmt.Errorf("%w: %w", ErrCancellationRequested, cause)
}

// APIError represents a standardized error response to collaborators
type APIError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes for different failure scenarios
const (
	ErrCodeInvalidInput   = "INVALID_INPUT"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeNoDataset      = "NO_DATASET"
	ErrCodeSchema         = "SCHEMA_ERROR"
	ErrCodeCancelled      = "CANCELLED"
	ErrCodeRateLimit      = "RATE_LIMIT_EXCEEDED"
	ErrCodeStorage        = "STORAGE_ERROR"
	ErrCodeInternalServer = "INTERNAL_SERVER_ERROR"
)

// NewAPIError creates a new APIError with timestamp
func NewAPIError(code, message, details, requestID string) *APIError {
	return &APIError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	}
}
