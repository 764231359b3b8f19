package domain

import (
	"time"

	"github.com/google/uuid"
)

// LoadResult is the per-run summary written once, at run completion.
// RowsAttempted == RowsLoaded + RowsRejected holds whenever a result exists;
// no result is written for runs that abort before producing a meaningful
// partial outcome.
type LoadResult struct {
	SourceFileID  uuid.UUID  `json:"source_file_id"`
	RowsAttempted int        `json:"rows_attempted"`
	RowsLoaded    int        `json:"rows_loaded"`
	RowsRejected  int        `json:"rows_rejected"`
	Status        FileStatus `json:"status"`
	CompletedAt   time.Time  `json:"completed_at"`
}
