package domain

import (
	"time"

	"github.com/google/uuid"
)

// ErrorKind classifies a validation failure.
type ErrorKind string

const (
	ErrorKindRequired  ErrorKind = "REQUIRED"
	ErrorKindFormat    ErrorKind = "FORMAT"
	ErrorKindRange     ErrorKind = "RANGE"
	ErrorKindLength    ErrorKind = "LENGTH"
	ErrorKindDuplicate ErrorKind = "DUPLICATE"
	ErrorKindUnknown   ErrorKind = "UNKNOWN"
)

// Limits applied when persisting validation errors so a pathological cell
// cannot bloat the error ledger.
const (
	MaxErrorMessageLen = 1000
	MaxFieldValueLen   = 500
)

// ValidationError records a single failed check for one row of a source
// file. Entries are append-only: once written they are never mutated, only
// superseded wholesale when the owning file is reprocessed.
type ValidationError struct {
	ID           int64     `json:"id"`
	SourceFileID uuid.UUID `json:"source_file_id"`
	RowNumber    int       `json:"row_number"`
	Kind         ErrorKind `json:"kind"`
	FieldName    string    `json:"field_name,omitempty"`
	FieldValue   string    `json:"field_value,omitempty"`
	Message      string    `json:"message"`
	CreatedAt    time.Time `json:"created_at"`
}

// Attribute fills in the provenance the rule engine leaves blank.
func (e ValidationError) Attribute(fileID uuid.UUID, rowNumber int) ValidationError {
	e.SourceFileID = fileID
	e.RowNumber = rowNumber
	return e
}

// Clamp truncates oversized message and value payloads to the persistence
// limits.
func (e ValidationError) Clamp() ValidationError {
	if len(e.Message) > MaxErrorMessageLen {
		e.Message = e.Message[:MaxErrorMessageLen]
	}
	if len(e.FieldValue) > MaxFieldValueLen {
		e.FieldValue = e.FieldValue[:MaxFieldValueLen]
	}
	return e
}
