// Package pipeline drives the parse, validate, load cycle for one source
// file at a time and owns the file's status lifecycle while doing so.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/validata-io/validata/internal/config"
	"github.com/validata-io/validata/internal/domain"
	"github.com/validata-io/validata/internal/loader"
	"github.com/validata-io/validata/internal/parser"
	"github.com/validata-io/validata/internal/repository"
	"github.com/validata-io/validata/internal/rules"
)

// ErrUnknownTable is returned when a file names no configured target table
// and none can be detected from its headers.
var ErrUnknownTable = errors.New("no matching target table")

// tableProfile is a table configuration with its rule list compiled.
type tableProfile struct {
	name      string
	target    loader.Target
	fields    []string
	validator *rules.RowValidator
	batchSize int
}

// Service is the pipeline orchestrator.
type Service struct {
	files    repository.SourceFileRepository
	errs     repository.ValidationErrorRepository
	uow      repository.UnitOfWork
	store    loader.Execer
	profiles []*tableProfile
	byName   map[string]*tableProfile

	uploadDir        string
	defaultBatchSize int
}

// NewService compiles every configured table profile and wires the
// orchestrator. Rule compilation failures surface here, at load time, never
// mid-run.
func NewService(
	files repository.SourceFileRepository,
	errs repository.ValidationErrorRepository,
	uow repository.UnitOfWork,
	store loader.Execer,
	pipelineCfg config.PipelineConfig,
	tables []config.TableConfig,
) (*Service, error) {
	s := &Service{
		files:            files,
		errs:             errs,
		uow:              uow,
		store:            store,
		byName:           make(map[string]*tableProfile, len(tables)),
		uploadDir:        pipelineCfg.UploadDir,
		defaultBatchSize: pipelineCfg.BatchSize,
	}

	for _, table := range tables {
		compiled, err := rules.CompileAll(table.Rules)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", table.Name, err)
		}

		columns := make([]loader.ColumnMapping, len(table.Columns))
		fields := make([]string, len(table.Columns))
		for i, col := range table.Columns {
			columns[i] = loader.ColumnMapping{Field: col.Field, Column: col.Column}
			fields[i] = col.Field
		}

		batchSize := table.BatchSize
		if batchSize <= 0 {
			batchSize = s.defaultBatchSize
		}

		validator := rules.NewRowValidator(compiled)
		profile := &tableProfile{
			name: table.Name,
			target: loader.Target{
				Table:        table.Table,
				Columns:      columns,
				UniqueFields: validator.UniqueFields(),
			},
			fields:    fields,
			validator: validator,
			batchSize: batchSize,
		}
		s.profiles = append(s.profiles, profile)
		s.byName[strings.ToLower(table.Name)] = profile
	}

	return s, nil
}

// Process executes one full pipeline run for a stored file. Reprocessing a
// failed file is safe: prior validation errors are cleared before the new
// run writes any, and the load result is superseded on completion.
func (s *Service) Process(ctx context.Context, fileID uuid.UUID) error {
	file, err := s.files.GetByID(ctx, fileID)
	if err != nil {
		return err
	}

	if err := s.files.MarkProcessing(ctx, file.ID); err != nil {
		return err
	}
	if err := s.errs.DeleteByFile(ctx, file.ID); err != nil {
		return s.fail(ctx, file.ID, fmt.Errorf("failed to clear stale errors: %w", err))
	}

	logger := slog.With("file_id", file.ID, "file_name", file.Name)
	logger.Info("run started", "declared_type", file.DeclaredType)

	payload, err := os.ReadFile(filepath.Join(s.uploadDir, file.StoragePath))
	if err != nil {
		return s.fail(ctx, file.ID, fmt.Errorf("failed to read stored file: %w", err))
	}

	rows, err := parser.Parse(file.DeclaredType, payload)
	if err != nil {
		// Malformed framing rejects the whole file: no rows were emitted,
		// no load result is written.
		return s.fail(ctx, file.ID, err)
	}

	profile, err := s.resolveProfile(file.TableName, rows.Headers())
	if err != nil {
		return s.fail(ctx, file.ID, err)
	}
	logger.Info("target table resolved", "table", profile.name, "rows", rows.Len())

	rejected := 0
	var batchLoader *loader.BatchLoader
	batchLoader = loader.New(s.store, profile.target, file.ID, profile.batchSize,
		func(ctx context.Context, loaded int, duplicates []domain.ValidationError) error {
			if len(duplicates) > 0 {
				if err := s.errs.RecordBatch(ctx, duplicates); err != nil {
					return err
				}
			}
			return s.files.UpdateProgress(ctx, file.ID, batchLoader.Loaded(), rejected+batchLoader.Rejected())
		})

	for {
		row, ok := rows.Next()
		if !ok {
			break
		}

		failures := profile.validator.Validate(row)
		if len(failures) > 0 {
			for i := range failures {
				failures[i] = failures[i].Attribute(file.ID, row.Number)
			}
			if err := s.errs.RecordBatch(ctx, failures); err != nil {
				return s.fail(ctx, file.ID, fmt.Errorf("failed to record validation errors: %w", err))
			}
			rejected++
			continue
		}

		if err := batchLoader.Add(ctx, row); err != nil {
			return s.fail(ctx, file.ID, err)
		}
	}

	if err := batchLoader.Flush(ctx); err != nil {
		return s.fail(ctx, file.ID, err)
	}

	attempted := rows.Len()
	loaded := batchLoader.Loaded()
	totalRejected := rejected + batchLoader.Rejected()

	result := domain.LoadResult{
		SourceFileID:  file.ID,
		RowsAttempted: attempted,
		RowsLoaded:    loaded,
		RowsRejected:  totalRejected,
		Status:        domain.FileStatusCompleted,
		CompletedAt:   time.Now().UTC(),
	}

	// The load result and the completed status commit together: a crash
	// between the two can never leave a completed file without its summary.
	err = s.uow.WithinTx(ctx, func(r repository.Repositories) error {
		if err := r.Results.Upsert(ctx, result); err != nil {
			return err
		}
		return r.Files.MarkCompleted(ctx, file.ID, attempted, loaded, totalRejected)
	})
	if err != nil {
		return s.fail(ctx, file.ID, fmt.Errorf("failed to finalize run: %w", err))
	}

	// Rejected rows do not fail a run: the run produced a meaningful
	// partial result, and the error ledger explains the rest.
	logger.Info("run completed", "attempted", attempted, "loaded", loaded, "rejected", totalRejected)
	return nil
}

// fail finalizes a run as failed. Bookkeeping runs on an uncancelled
// context so a cancelled run can still record why it stopped.
func (s *Service) fail(ctx context.Context, fileID uuid.UUID, cause error) error {
	message := cause.Error()
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		message = fmt.Sprintf("run cancelled: %v", cause)
	}

	bookkeeping := context.WithoutCancel(ctx)
	if err := s.files.MarkFailed(bookkeeping, fileID, message); err != nil {
		slog.Error("failed to record run failure", "file_id", fileID, "error", err)
	}
	slog.Warn("run failed", "file_id", fileID, "reason", message)
	return cause
}

// resolveProfile picks the target table for a file: an explicit table name
// wins; otherwise the profile whose fields best overlap the file's headers
// is chosen.
func (s *Service) resolveProfile(tableName string, headers []string) (*tableProfile, error) {
	name := strings.TrimSpace(strings.ToLower(tableName))
	if name != "" && name != "auto" {
		profile, ok := s.byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTable, tableName)
		}
		return profile, nil
	}
	return s.detectProfile(headers)
}

func (s *Service) detectProfile(headers []string) (*tableProfile, error) {
	headerSet := make(map[string]bool, len(headers))
	for _, header := range headers {
		headerSet[strings.ToLower(header)] = true
	}

	var best *tableProfile
	bestScore := 0
	for _, profile := range s.profiles {
		score := 0
		for _, field := range profile.fields {
			if headerSet[strings.ToLower(field)] {
				score++
			}
		}
		if score > bestScore {
			best = profile
			bestScore = score
		}
	}

	if best == nil {
		return nil, fmt.Errorf("%w: headers match no configured table", ErrUnknownTable)
	}
	return best, nil
}

// Submit stores an uploaded payload on disk and registers it as a source
// file in the uploaded state. Processing is scheduled separately.
func (s *Service) Submit(ctx context.Context, name string, fileType domain.FileType, tableName string, data io.Reader) (domain.SourceFile, error) {
	if data == nil {
		return domain.SourceFile{}, errors.New("data reader is required")
	}

	payload, err := io.ReadAll(data)
	if err != nil {
		return domain.SourceFile{}, fmt.Errorf("failed to read upload: %w", err)
	}
	if len(payload) == 0 {
		return domain.SourceFile{}, errors.New("file is empty")
	}

	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return domain.SourceFile{}, fmt.Errorf("failed to prepare upload dir: %w", err)
	}

	id := uuid.New()
	storagePath := fmt.Sprintf("%s.%s", id, fileType)
	if err := os.WriteFile(filepath.Join(s.uploadDir, storagePath), payload, 0o644); err != nil {
		return domain.SourceFile{}, fmt.Errorf("failed to store upload: %w", err)
	}

	file := domain.NewSourceFile(name, fileType, strings.ToLower(strings.TrimSpace(tableName)), storagePath, int64(len(payload)))
	file.ID = id

	created, err := s.files.Create(ctx, file)
	if err != nil {
		return domain.SourceFile{}, err
	}
	return created, nil
}

// PreviewRequest describes a dry-run validation input.
type PreviewRequest struct {
	FileType  domain.FileType
	TableName string
	Data      io.Reader
	Limit     int
}

// PreviewResult summarizes a dry run without touching the store.
type PreviewResult struct {
	Table        string                   `json:"table"`
	TotalRows    int                      `json:"totalRows"`
	ValidRows    int                      `json:"validRows"`
	InvalidRows  int                      `json:"invalidRows"`
	SampleErrors []domain.ValidationError `json:"sampleErrors"`
}

// Preview validates a payload against its resolved table profile without
// loading anything. Duplicate checks are skipped: they require the target
// table's live state and only run at load time.
func (s *Service) Preview(ctx context.Context, req PreviewRequest) (PreviewResult, error) {
	result := PreviewResult{SampleErrors: []domain.ValidationError{}}

	if req.Data == nil {
		return result, errors.New("data reader is required")
	}
	payload, err := io.ReadAll(req.Data)
	if err != nil {
		return result, fmt.Errorf("failed to read upload: %w", err)
	}

	rows, err := parser.Parse(req.FileType, payload)
	if err != nil {
		return result, err
	}

	profile, err := s.resolveProfile(req.TableName, rows.Headers())
	if err != nil {
		return result, err
	}
	result.Table = profile.name
	result.TotalRows = rows.Len()

	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	for {
		row, ok := rows.Next()
		if !ok {
			break
		}
		failures := profile.validator.Validate(row)
		if len(failures) == 0 {
			result.ValidRows++
			continue
		}
		result.InvalidRows++
		for _, failure := range failures {
			if len(result.SampleErrors) >= limit {
				break
			}
			failure.RowNumber = row.Number
			result.SampleErrors = append(result.SampleErrors, failure)
		}
	}

	return result, nil
}
