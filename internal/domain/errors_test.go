package domain

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAPIError(t *testing.T) {
	tests := []struct {
		name      string
		code      string
		message   string
		details   string
		requestID string
	}{
		{
			name:      "Basic error",
			code:      ErrCodeInvalidInput,
			message:   "Invalid signal key",
			details:   "drug and reaction are both required",
			requestID: "req-123",
		},
		{
			name:      "Storage error",
			code:      ErrCodeStorage,
			message:   "Review store unavailable",
			details:   "Unable to open sqlite database",
			requestID: "req-456",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewAPIError(tt.code, tt.message, tt.details, tt.requestID)

			if err.Code != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, err.Code)
			}
			if err.RequestID != tt.requestID {
				t.Errorf("Expected requestID %s, got %s", tt.requestID, err.RequestID)
			}
			if time.Since(err.Timestamp) > time.Minute {
				t.Errorf("Timestamp should be recent, got %v", err.Timestamp)
			}

			expectedError := tt.code + ": " + tt.message
			if err.Error() != expectedError {
				t.Errorf("Expected error string %s, got %s", expectedError, err.Error())
			}
		})
	}
}

func TestParseErrorMessage(t *testing.T) {
	err := &ParseError{Kind: TableDemographics, Line: 7, Field: "age", Value: "abc", Reason: "not a number"}
	expected := `demographics line 7: field "age" value "abc": not a number`
	if err.Error() != expected {
		t.Errorf("Expected %s, got %s", expected, err.Error())
	}

	err = &ParseError{Kind: TableDrug, Line: 3, Reason: "missing case id"}
	if err.Error() != "drug line 3: missing case id" {
		t.Errorf("Unexpected message %s", err.Error())
	}
}

func TestCancelledError(t *testing.T) {
	err := CancelledError(context.Canceled)
	if !errors.Is(err, ErrCancellationRequested) {
		t.Error("Expected ErrCancellationRequested")
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("Expected context.Canceled to be preserved")
	}
	if CancelledError(nil) != ErrCancellationRequested {
		t.Error("Expected bare sentinel for nil cause")
	}
}

func TestSchemaAndInsufficientData(t *testing.T) {
	var target *SchemaError
	err := error(&SchemaError{Kind: TableReaction, Reason: "table missing"})
	if !errors.As(err, &target) {
		t.Fatal("Expected SchemaError")
	}
	if target.Kind != TableReaction {
		t.Errorf("Expected reaction kind, got %s", target.Kind)
	}

	ide := &InsufficientDataError{Have: 4, Need: 20}
	if ide.Error() != "insufficient data: have 4 cases, need 20" {
		t.Errorf("Unexpected message %s", ide.Error())
	}
}
