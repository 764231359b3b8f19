package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FileType is the declared format of an uploaded file.
type FileType string

const (
	FileTypeCSV  FileType = "csv"
	FileTypeJSON FileType = "json"
	FileTypeXLSX FileType = "xlsx"
)

// ParseFileType validates a declared file type string.
func ParseFileType(raw string) (FileType, error) {
	switch FileType(raw) {
	case FileTypeCSV, FileTypeJSON, FileTypeXLSX:
		return FileType(raw), nil
	default:
		return "", fmt.Errorf("unsupported file type: %q", raw)
	}
}

// FileStatus tracks the lifecycle of a source file through a pipeline run.
type FileStatus string

const (
	FileStatusUploaded   FileStatus = "uploaded"
	FileStatusProcessing FileStatus = "processing"
	FileStatusCompleted  FileStatus = "completed"
	FileStatusFailed     FileStatus = "failed"
)

// CanTransitionTo reports whether a status change is legal. Transitions are
// monotonic: no state is revisited once advanced, except that a failed file
// may be queued for reprocessing.
func (s FileStatus) CanTransitionTo(next FileStatus) bool {
	switch s {
	case FileStatusUploaded:
		return next == FileStatusProcessing
	case FileStatusProcessing:
		return next == FileStatusCompleted || next == FileStatusFailed
	case FileStatusFailed:
		return next == FileStatusProcessing
	default:
		return false
	}
}

// SourceFile represents one uploaded artifact and its processing state.
type SourceFile struct {
	ID            uuid.UUID  `json:"id"`
	Name          string     `json:"name"`
	DeclaredType  FileType   `json:"declared_type"`
	TableName     string     `json:"table_name"`
	SizeBytes     int64      `json:"size_bytes"`
	StoragePath   string     `json:"storage_path"`
	Status        FileStatus `json:"status"`
	RowCount      int        `json:"row_count"`
	LoadedCount   int        `json:"loaded_count"`
	RejectedCount int        `json:"rejected_count"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
}

// NewSourceFile creates a source file record in the uploaded state.
func NewSourceFile(name string, declaredType FileType, tableName, storagePath string, sizeBytes int64) SourceFile {
	return SourceFile{
		ID:           uuid.New(),
		Name:         name,
		DeclaredType: declaredType,
		TableName:    tableName,
		SizeBytes:    sizeBytes,
		StoragePath:  storagePath,
		Status:       FileStatusUploaded,
		CreatedAt:    time.Now().UTC(),
	}
}
