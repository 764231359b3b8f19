// Package loader performs idempotency-friendly bulk inserts of validated
// rows into a target table.
//
// Bulk inserts fail atomically per statement, so a single unique-key
// duplicate would otherwise discard every other row in its batch. The loader
// isolates the offending row instead: the violation becomes a DUPLICATE
// validation error attributed to that row, and the remainder of the batch is
// retried without it. Exclusion retries are bounded; small or stubborn
// batches fall back to row-by-row inserts.
package loader

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/validata-io/validata/internal/domain"
)

const (
	// uniqueViolation is the SQLSTATE raised by the store on unique-key
	// conflicts.
	uniqueViolation = "23505"

	// isolationRetryCap bounds how many offenders may be excluded from one
	// batch before giving up on bulk retries.
	isolationRetryCap = 4

	// rowFallbackThreshold is the batch size at or below which a conflicted
	// batch is replayed row by row instead of retrying in bulk.
	rowFallbackThreshold = 8

	// DefaultBatchSize is used when configuration supplies no batch size.
	DefaultBatchSize = 500
)

// keyDetailPattern extracts the conflicting column and value from the
// store's unique violation detail, e.g.
// `Key (customer_code)=(CUST001) already exists.`
var keyDetailPattern = regexp.MustCompile(`Key \(([^)]+)\)=\((.*)\) already exists`)

// Execer is the slice of a pgx pool the loader needs. The pool is owned by
// the orchestrator and passed in per loader; the loader never holds ambient
// connection state.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// StoreError marks a non-recoverable store failure. It aborts the remaining
// batches of a run; batches already committed stay committed.
type StoreError struct {
	Cause error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("fatal store error: %v", e.Cause)
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

// ColumnMapping binds a row field to a target table column.
type ColumnMapping struct {
	Field  string
	Column string
}

// Target describes the table a loader writes to. UniqueFields lists the
// fields declared duplicate-sensitive in rule configuration; they attribute
// unique violations whose constraint detail is unusable.
type Target struct {
	Table        string
	Columns      []ColumnMapping
	UniqueFields []string
}

// BatchFn observes each committed batch: rows loaded plus any duplicate
// errors produced while isolating conflicts. The orchestrator uses it to
// persist running counters and the error ledger mid-run.
type BatchFn func(ctx context.Context, loaded int, duplicates []domain.ValidationError) error

// BatchLoader accumulates validated rows into bounded batches and issues one
// bulk insert per batch, tagging every record with the owning source file.
type BatchLoader struct {
	db        Execer
	target    Target
	fileID    uuid.UUID
	batchSize int
	onBatch   BatchFn

	pending  []domain.Row
	loaded   int
	rejected int
}

// New creates a loader for one file run.
func New(db Execer, target Target, fileID uuid.UUID, batchSize int, onBatch BatchFn) *BatchLoader {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &BatchLoader{
		db:        db,
		target:    target,
		fileID:    fileID,
		batchSize: batchSize,
		onBatch:   onBatch,
	}
}

// Add buffers a validated row, flushing when the batch is full.
func (l *BatchLoader) Add(ctx context.Context, row domain.Row) error {
	l.pending = append(l.pending, row)
	if len(l.pending) >= l.batchSize {
		return l.flush(ctx)
	}
	return nil
}

// Flush commits any partial batch. Call once after the last row.
func (l *BatchLoader) Flush(ctx context.Context) error {
	return l.flush(ctx)
}

// Loaded returns the number of rows committed so far.
func (l *BatchLoader) Loaded() int {
	return l.loaded
}

// Rejected returns the number of rows converted to DUPLICATE errors so far.
func (l *BatchLoader) Rejected() int {
	return l.rejected
}

func (l *BatchLoader) flush(ctx context.Context) error {
	if len(l.pending) == 0 {
		return nil
	}

	// Cancellation is polled at batch boundaries only; an in-flight batch
	// always runs to completion or failure.
	if err := ctx.Err(); err != nil {
		return err
	}

	batch := l.pending
	l.pending = nil

	loaded, duplicates, err := l.insertBatch(ctx, batch)
	l.loaded += loaded
	l.rejected += len(duplicates)
	if err != nil {
		return err
	}

	if l.onBatch != nil {
		if err := l.onBatch(ctx, loaded, duplicates); err != nil {
			return fmt.Errorf("failed to record batch progress: %w", err)
		}
	}

	return nil
}

// insertBatch commits one batch, isolating duplicate offenders via an
// exclusion loop bounded by isolationRetryCap.
func (l *BatchLoader) insertBatch(ctx context.Context, batch []domain.Row) (int, []domain.ValidationError, error) {
	remaining := batch
	var duplicates []domain.ValidationError

	for attempt := 0; len(remaining) > 0; attempt++ {
		_, err := l.db.Exec(ctx, l.buildInsert(len(remaining)), l.buildArgs(remaining)...)
		if err == nil {
			return len(remaining), duplicates, nil
		}

		pgErr := duplicateViolation(err)
		if pgErr == nil {
			return 0, duplicates, &StoreError{Cause: err}
		}

		if attempt >= isolationRetryCap || len(remaining) <= rowFallbackThreshold {
			loaded, rowDups, rowErr := l.insertRows(ctx, remaining)
			return loaded, append(duplicates, rowDups...), rowErr
		}

		idx := l.identifyOffender(remaining, pgErr)
		if idx < 0 {
			// Constraint detail did not name a row we can recognize; replay
			// the batch row by row so nothing valid is silently dropped.
			loaded, rowDups, rowErr := l.insertRows(ctx, remaining)
			return loaded, append(duplicates, rowDups...), rowErr
		}

		duplicates = append(duplicates, l.duplicateError(remaining[idx], pgErr))
		remaining = append(remaining[:idx:idx], remaining[idx+1:]...)
	}

	return 0, duplicates, nil
}

// insertRows is the row-by-row fallback: every row gets its own insert, so
// each duplicate is attributed precisely and every valid row still lands.
func (l *BatchLoader) insertRows(ctx context.Context, batch []domain.Row) (int, []domain.ValidationError, error) {
	insert := l.buildInsert(1)
	loaded := 0
	var duplicates []domain.ValidationError

	for _, row := range batch {
		_, err := l.db.Exec(ctx, insert, l.buildArgs([]domain.Row{row})...)
		if err == nil {
			loaded++
			continue
		}
		pgErr := duplicateViolation(err)
		if pgErr == nil {
			return loaded, duplicates, &StoreError{Cause: err}
		}
		duplicates = append(duplicates, l.duplicateError(row, pgErr))
	}

	return loaded, duplicates, nil
}

func (l *BatchLoader) buildInsert(rowCount int) string {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(l.target.Table)
	sb.WriteString(" (")
	for _, mapping := range l.target.Columns {
		sb.WriteString(mapping.Column)
		sb.WriteString(", ")
	}
	sb.WriteString("source_file_id) VALUES ")

	arity := len(l.target.Columns) + 1
	for row := 0; row < rowCount; row++ {
		if row > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for col := 0; col < arity; col++ {
			if col > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", row*arity+col+1)
		}
		sb.WriteString(")")
	}

	return sb.String()
}

func (l *BatchLoader) buildArgs(batch []domain.Row) []any {
	args := make([]any, 0, len(batch)*(len(l.target.Columns)+1))
	for _, row := range batch {
		for _, mapping := range l.target.Columns {
			if value, ok := row.Lookup(mapping.Field); ok {
				args = append(args, value)
			} else {
				args = append(args, nil)
			}
		}
		args = append(args, l.fileID)
	}
	return args
}

// identifyOffender maps a unique violation back to the first batch row
// carrying the conflicting key value. Returns -1 when the detail is
// unusable.
func (l *BatchLoader) identifyOffender(batch []domain.Row, pgErr *pgconn.PgError) int {
	column, value, ok := parseKeyDetail(pgErr.Detail)
	if !ok {
		return -1
	}

	field := l.fieldForColumn(column)
	if field == "" {
		return -1
	}

	for i, row := range batch {
		if strings.TrimSpace(row.Value(field)) == value {
			return i
		}
	}
	return -1
}

func (l *BatchLoader) duplicateError(row domain.Row, pgErr *pgconn.PgError) domain.ValidationError {
	column, value, ok := parseKeyDetail(pgErr.Detail)
	field := ""
	if ok {
		field = l.fieldForColumn(column)
	}
	if field == "" && len(l.target.UniqueFields) == 1 {
		// The store gave no usable detail, but rule configuration declares
		// exactly one duplicate-sensitive field, so the violation is
		// unambiguous.
		field = l.target.UniqueFields[0]
	}
	if field != "" && value == "" {
		value = strings.TrimSpace(row.Value(field))
	}

	message := fmt.Sprintf("duplicate value for %s", field)
	if field == "" {
		message = "duplicate key violates unique constraint"
		if pgErr.ConstraintName != "" {
			message = fmt.Sprintf("duplicate key violates unique constraint %s", pgErr.ConstraintName)
		}
	}

	return domain.ValidationError{
		SourceFileID: l.fileID,
		RowNumber:    row.Number,
		Kind:         domain.ErrorKindDuplicate,
		FieldName:    field,
		FieldValue:   value,
		Message:      message,
	}
}

func (l *BatchLoader) fieldForColumn(column string) string {
	for _, mapping := range l.target.Columns {
		if mapping.Column == column {
			return mapping.Field
		}
	}
	return ""
}

func duplicateViolation(err error) *pgconn.PgError {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return pgErr
	}
	return nil
}

func parseKeyDetail(detail string) (column, value string, ok bool) {
	match := keyDetailPattern.FindStringSubmatch(detail)
	if match == nil {
		return "", "", false
	}
	return match[1], match[2], true
}
