package mapper

import (
	"fmt"
	"strings"

	"github.com/buildpulse/crmsync/internal/errors"
)

// FieldError is a hard failure of one field
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// RecordMappingError rejects a whole record. Field and Reason describe the first failure.
type RecordMappingError struct {
	ObjectType string       `json:"objectType"`
	RecordID   string       `json:"recordId,omitempty"`
	Field      string       `json:"field"`
	Reason     string       `json:"reason"`
	Fields     []FieldError `json:"fields"`
}

func (e *RecordMappingError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s record", e.ObjectType)
	if e.RecordID != "" {
		fmt.Fprintf(&b, " %s", e.RecordID)
	}
	fmt.Fprintf(&b, ": field %s: %s", e.Field, e.Reason)
	if n := len(e.Fields); n > 1 {
		fmt.Fprintf(&b, " (and %d more)", n-1)
	}
	return b.String()
}

// ErrorCategory marks record failures for telemetry grouping
func (e *RecordMappingError) ErrorCategory() errors.ErrorCategory {
	return errors.CategoryMapping
}

func newRecordMappingError(objectType, recordID string, fields []FieldError) *RecordMappingError {
	return &RecordMappingError{
		ObjectType: objectType,
		RecordID:   recordID,
		Field:      fields[0].Field,
		Reason:     fields[0].Reason,
		Fields:     fields,
	}
}
