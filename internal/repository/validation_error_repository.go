package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/validata-io/validata/internal/domain"
)

type validationErrorRepository struct {
	db Querier
}

// NewValidationErrorRepository wires a repository backed by pgxpool.
func NewValidationErrorRepository(pool *pgxpool.Pool) ValidationErrorRepository {
	return &validationErrorRepository{db: pool}
}

func (r *validationErrorRepository) RecordBatch(ctx context.Context, errs []domain.ValidationError) error {
	if r.db == nil {
		return fmt.Errorf("validation error repository not initialized")
	}
	if len(errs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, entry := range errs {
		entry = entry.Clamp()
		batch.Queue(
			`INSERT INTO validation_errors (source_file_id, row_number, kind, field_name, field_value, message)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			entry.SourceFileID,
			entry.RowNumber,
			string(entry.Kind),
			nullable(entry.FieldName),
			nullable(entry.FieldValue),
			entry.Message,
		)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	for range errs {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to record validation error: %w", err)
		}
	}

	return nil
}

func (r *validationErrorRepository) ListByFile(ctx context.Context, fileID uuid.UUID, limit, offset int) ([]domain.ValidationError, error) {
	if r.db == nil {
		return nil, fmt.Errorf("validation error repository not initialized")
	}

	if limit <= 0 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.Query(
		ctx,
		`SELECT id, source_file_id, row_number, kind, field_name, field_value, message, created_at
		 FROM validation_errors
		 WHERE source_file_id = $1
		 ORDER BY row_number ASC, id ASC
		 LIMIT $2 OFFSET $3`,
		fileID,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list validation errors: %w", err)
	}
	defer rows.Close()

	errs := []domain.ValidationError{}
	for rows.Next() {
		var (
			entry      domain.ValidationError
			kind       string
			fieldName  pgtype.Text
			fieldValue pgtype.Text
			createdAt  pgtype.Timestamptz
		)
		if scanErr := rows.Scan(
			&entry.ID,
			&entry.SourceFileID,
			&entry.RowNumber,
			&kind,
			&fieldName,
			&fieldValue,
			&entry.Message,
			&createdAt,
		); scanErr != nil {
			return nil, fmt.Errorf("failed to scan validation error: %w", scanErr)
		}

		entry.Kind = domain.ErrorKind(kind)
		if fieldName.Valid {
			entry.FieldName = fieldName.String
		}
		if fieldValue.Valid {
			entry.FieldValue = fieldValue.String
		}
		if createdAt.Valid {
			entry.CreatedAt = createdAt.Time
		}

		errs = append(errs, entry)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate validation errors: %w", rowsErr)
	}

	return errs, nil
}

func (r *validationErrorRepository) DeleteByFile(ctx context.Context, fileID uuid.UUID) error {
	if r.db == nil {
		return fmt.Errorf("validation error repository not initialized")
	}

	_, err := r.db.Exec(ctx, `DELETE FROM validation_errors WHERE source_file_id = $1`, fileID)
	if err != nil {
		return fmt.Errorf("failed to delete validation errors: %w", err)
	}
	return nil
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}
