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

type sourceFileRepository struct {
	db Querier
}

// NewSourceFileRepository wires a repository backed by pgxpool.
func NewSourceFileRepository(pool *pgxpool.Pool) SourceFileRepository {
	return &sourceFileRepository{db: pool}
}

const sourceFileColumns = `id, name, declared_type, table_name, size_bytes, storage_path,
	 status, row_count, loaded_count, rejected_count, error_message, created_at, processed_at`

func (r *sourceFileRepository) Create(ctx context.Context, file domain.SourceFile) (domain.SourceFile, error) {
	if r.db == nil {
		return domain.SourceFile{}, fmt.Errorf("source file repository not initialized")
	}

	_, err := r.db.Exec(
		ctx,
		`INSERT INTO source_files (id, name, declared_type, table_name, size_bytes, storage_path, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		file.ID,
		file.Name,
		string(file.DeclaredType),
		file.TableName,
		file.SizeBytes,
		file.StoragePath,
		string(file.Status),
		file.CreatedAt,
	)
	if err != nil {
		return domain.SourceFile{}, fmt.Errorf("failed to create source file: %w", err)
	}

	return file, nil
}

func (r *sourceFileRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.SourceFile, error) {
	if r.db == nil {
		return domain.SourceFile{}, fmt.Errorf("source file repository not initialized")
	}

	row := r.db.QueryRow(
		ctx,
		`SELECT `+sourceFileColumns+` FROM source_files WHERE id = $1`,
		id,
	)

	file, err := scanSourceFile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SourceFile{}, fmt.Errorf("source file %s: %w", id, ErrNotFound)
		}
		return domain.SourceFile{}, fmt.Errorf("failed to get source file: %w", err)
	}
	return file, nil
}

func (r *sourceFileRepository) List(ctx context.Context, limit, offset int) ([]domain.SourceFile, error) {
	if r.db == nil {
		return nil, fmt.Errorf("source file repository not initialized")
	}

	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.Query(
		ctx,
		`SELECT `+sourceFileColumns+` FROM source_files ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list source files: %w", err)
	}
	defer rows.Close()

	files := []domain.SourceFile{}
	for rows.Next() {
		file, scanErr := scanSourceFile(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan source file: %w", scanErr)
		}
		files = append(files, file)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("failed to iterate source files: %w", rowsErr)
	}

	return files, nil
}

func (r *sourceFileRepository) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	if r.db == nil {
		return fmt.Errorf("source file repository not initialized")
	}

	tag, err := r.db.Exec(
		ctx,
		`UPDATE source_files
		 SET status = $2, error_message = NULL, row_count = 0, loaded_count = 0, rejected_count = 0
		 WHERE id = $1 AND status IN ($3, $4)`,
		id,
		string(domain.FileStatusProcessing),
		string(domain.FileStatusUploaded),
		string(domain.FileStatusFailed),
	)
	if err != nil {
		return fmt.Errorf("failed to mark source file processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("source file %s cannot start processing: %w", id, ErrInvalidTransition)
	}
	return nil
}

func (r *sourceFileRepository) MarkCompleted(ctx context.Context, id uuid.UUID, rowCount, loaded, rejected int) error {
	if r.db == nil {
		return fmt.Errorf("source file repository not initialized")
	}

	tag, err := r.db.Exec(
		ctx,
		`UPDATE source_files
		 SET status = $2, row_count = $3, loaded_count = $4, rejected_count = $5, processed_at = now()
		 WHERE id = $1 AND status = $6`,
		id,
		string(domain.FileStatusCompleted),
		rowCount,
		loaded,
		rejected,
		string(domain.FileStatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("failed to mark source file completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("source file %s cannot complete: %w", id, ErrInvalidTransition)
	}
	return nil
}

func (r *sourceFileRepository) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	if r.db == nil {
		return fmt.Errorf("source file repository not initialized")
	}

	if len(message) > domain.MaxErrorMessageLen {
		message = message[:domain.MaxErrorMessageLen]
	}

	tag, err := r.db.Exec(
		ctx,
		`UPDATE source_files
		 SET status = $2, error_message = $3, processed_at = now()
		 WHERE id = $1 AND status = $4`,
		id,
		string(domain.FileStatusFailed),
		message,
		string(domain.FileStatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("failed to mark source file failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("source file %s cannot fail: %w", id, ErrInvalidTransition)
	}
	return nil
}

func (r *sourceFileRepository) UpdateProgress(ctx context.Context, id uuid.UUID, loaded, rejected int) error {
	if r.db == nil {
		return fmt.Errorf("source file repository not initialized")
	}

	_, err := r.db.Exec(
		ctx,
		`UPDATE source_files SET loaded_count = $2, rejected_count = $3 WHERE id = $1`,
		id,
		loaded,
		rejected,
	)
	if err != nil {
		return fmt.Errorf("failed to update source file progress: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSourceFile(row rowScanner) (domain.SourceFile, error) {
	var (
		file         domain.SourceFile
		declaredType string
		status       string
		errorMessage pgtype.Text
		createdAt    pgtype.Timestamptz
		processedAt  pgtype.Timestamptz
	)

	if err := row.Scan(
		&file.ID,
		&file.Name,
		&declaredType,
		&file.TableName,
		&file.SizeBytes,
		&file.StoragePath,
		&status,
		&file.RowCount,
		&file.LoadedCount,
		&file.RejectedCount,
		&errorMessage,
		&createdAt,
		&processedAt,
	); err != nil {
		return domain.SourceFile{}, err
	}

	file.DeclaredType = domain.FileType(declaredType)
	file.Status = domain.FileStatus(status)
	if errorMessage.Valid {
		file.ErrorMessage = errorMessage.String
	}
	if createdAt.Valid {
		file.CreatedAt = createdAt.Time
	}
	if processedAt.Valid {
		t := processedAt.Time
		file.ProcessedAt = &t
	}

	return file, nil
}
