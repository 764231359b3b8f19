package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/validata-io/validata/internal/domain"
)

type loadResultRepository struct {
	db Querier
}

// NewLoadResultRepository wires a repository backed by pgxpool.
func NewLoadResultRepository(pool *pgxpool.Pool) LoadResultRepository {
	return &loadResultRepository{db: pool}
}

func (r *loadResultRepository) Upsert(ctx context.Context, result domain.LoadResult) error {
	if r.db == nil {
		return fmt.Errorf("load result repository not initialized")
	}

	_, err := r.db.Exec(
		ctx,
		`INSERT INTO load_results (source_file_id, rows_attempted, rows_loaded, rows_rejected, status, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (source_file_id) DO UPDATE
		 SET rows_attempted = EXCLUDED.rows_attempted,
		     rows_loaded = EXCLUDED.rows_loaded,
		     rows_rejected = EXCLUDED.rows_rejected,
		     status = EXCLUDED.status,
		     completed_at = EXCLUDED.completed_at`,
		result.SourceFileID,
		result.RowsAttempted,
		result.RowsLoaded,
		result.RowsRejected,
		string(result.Status),
		result.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert load result: %w", err)
	}
	return nil
}

func (r *loadResultRepository) GetByFile(ctx context.Context, fileID uuid.UUID) (domain.LoadResult, error) {
	if r.db == nil {
		return domain.LoadResult{}, fmt.Errorf("load result repository not initialized")
	}

	var (
		result      domain.LoadResult
		status      string
		completedAt pgtype.Timestamptz
	)

	err := r.db.QueryRow(
		ctx,
		`SELECT source_file_id, rows_attempted, rows_loaded, rows_rejected, status, completed_at
		 FROM load_results WHERE source_file_id = $1`,
		fileID,
	).Scan(
		&result.SourceFileID,
		&result.RowsAttempted,
		&result.RowsLoaded,
		&result.RowsRejected,
		&status,
		&completedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.LoadResult{}, fmt.Errorf("load result for file %s: %w", fileID, ErrNotFound)
		}
		return domain.LoadResult{}, fmt.Errorf("failed to get load result: %w", err)
	}

	result.Status = domain.FileStatus(status)
	if completedAt.Valid {
		result.CompletedAt = completedAt.Time
	}

	return result, nil
}
