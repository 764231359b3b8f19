package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/validata-io/validata/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrInvalidTransition is returned when a status change would violate the
// monotonic source file lifecycle.
var ErrInvalidTransition = errors.New("invalid status transition")

// SourceFileRepository persists uploaded files and their lifecycle state.
type SourceFileRepository interface {
	Create(ctx context.Context, file domain.SourceFile) (domain.SourceFile, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.SourceFile, error)
	List(ctx context.Context, limit, offset int) ([]domain.SourceFile, error)

	// MarkProcessing transitions uploaded or failed files into processing
	// and resets the run counters.
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	// MarkCompleted finalizes a run, recording the processed row counts.
	MarkCompleted(ctx context.Context, id uuid.UUID, rowCount, loaded, rejected int) error
	// MarkFailed finalizes a run with a terminal error message.
	MarkFailed(ctx context.Context, id uuid.UUID, message string) error
	// UpdateProgress advances the running counters so concurrent status
	// queries reflect mid-run progress.
	UpdateProgress(ctx context.Context, id uuid.UUID, loaded, rejected int) error
}

// ValidationErrorRepository is the append-only error ledger.
type ValidationErrorRepository interface {
	RecordBatch(ctx context.Context, errs []domain.ValidationError) error
	ListByFile(ctx context.Context, fileID uuid.UUID, limit, offset int) ([]domain.ValidationError, error)
	// DeleteByFile clears the ledger for a file before it is reprocessed,
	// so a restarted run never leaves duplicate error records behind.
	DeleteByFile(ctx context.Context, fileID uuid.UUID) error
}

// LoadResultRepository persists the once-per-run load summary.
type LoadResultRepository interface {
	Upsert(ctx context.Context, result domain.LoadResult) error
	GetByFile(ctx context.Context, fileID uuid.UUID) (domain.LoadResult, error)
}

// Repositories bundles the per-aggregate repositories bound to one store
// handle, pool or transaction alike.
type Repositories struct {
	Files   SourceFileRepository
	Errors  ValidationErrorRepository
	Results LoadResultRepository
}

// UnitOfWork runs repository operations inside a single transaction. Either
// every operation in fn commits, or none do.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(Repositories) error) error
}
